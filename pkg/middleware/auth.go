// Package middleware carries the gin middleware for identity resolution and
// request logging. Identity issuance itself is external; this layer only
// resolves a presented bearer credential to a user and rejects the request
// before any core operation when it cannot.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"docvault/pkg/types"
)

const userContextKey = "auth_user"

// UserStore is the slice of the repository the authenticator needs: it
// provisions a row for identities it has resolved so grants can reference
// them.
type UserStore interface {
	EnsureUser(ctx context.Context, u *types.User) error
}

// Authenticator resolves bearer credentials. Static tokens (service
// accounts, tests) are tried first, then HS256 JWTs when a secret is
// configured.
type Authenticator struct {
	tokens    map[string]types.User
	jwtSecret []byte
	users     UserStore
}

// NewAuthenticator builds the authenticator. tokens maps bearer token to
// identity; jwtSecret may be empty to disable JWT resolution.
func NewAuthenticator(tokens map[string]types.User, jwtSecret string, users UserStore) *Authenticator {
	return &Authenticator{
		tokens:    tokens,
		jwtSecret: []byte(jwtSecret),
		users:     users,
	}
}

// Resolve maps a bearer credential to a user, or fails.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*types.User, error) {
	if u, ok := a.tokens[token]; ok {
		user := u
		if err := a.users.EnsureUser(ctx, &user); err != nil {
			return nil, err
		}
		return &user, nil
	}
	if len(a.jwtSecret) > 0 {
		return a.resolveJWT(ctx, token)
	}
	return nil, fmt.Errorf("unknown token")
}

func (a *Authenticator) resolveJWT(ctx context.Context, tokenString string) (*types.User, error) {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	username, _ := claims["username"].(string)
	email, _ := claims["email"].(string)
	if username == "" {
		username = sub
	}
	if email == "" {
		email = sub + "@local"
	}

	user := &types.User{ID: sub, Username: username, Email: email}
	if err := a.users.EnsureUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Auth returns the gin middleware that authenticates every request. Absence
// or invalidity of the credential is a 401 before any core operation runs.
func Auth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.ErrorResponse{Error: "missing bearer credential"})
			return
		}
		user, err := a.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.ErrorResponse{Error: "invalid or expired credential"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user set by Auth.
func CurrentUser(c *gin.Context) (*types.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*types.User)
	return user, ok
}
