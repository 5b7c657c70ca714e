// Package acl is the access-control engine: it evaluates the per-version
// grant predicate and mutates grant sets. Access is scoped to the version,
// not the file, so older content can be shared more narrowly than newer
// content; every read path re-evaluates the grants of the specific version
// being touched.
package acl

import (
	"context"
	"fmt"
	"strings"

	"docvault/pkg/apperr"
	"docvault/pkg/metadata/repository"
	"docvault/pkg/types"
)

// Engine mutates and reports grants through the repository. The Authorize
// predicate itself is pure and is the single gate consulted before any
// read, write, delete or permission operation.
type Engine struct {
	repo *repository.Repository
}

// NewEngine creates the engine.
func NewEngine(repo *repository.Repository) *Engine {
	return &Engine{repo: repo}
}

// Authorize reports whether user may perform action on the version. The
// owner always may; a read is allowed for members of can_read or can_write
// (write implies read); a write only for members of can_write.
func Authorize(userID string, v *types.FileVersion, action types.Action) bool {
	if userID == v.OwnerID {
		return true
	}
	switch action {
	case types.ActionRead:
		return contains(v.CanRead, userID) || contains(v.CanWrite, userID)
	case types.ActionWrite:
		return contains(v.CanWrite, userID)
	}
	return false
}

// SetPermissions replaces both grant sets of a version wholesale: an
// existing grantee omitted from the request is revoked. Only the owner may
// call this. The owner is silently stripped from the input sets since owner
// access is implicit and not representable as a grant. Unknown user ids are
// rejected. Returns the updated version.
func (e *Engine) SetPermissions(ctx context.Context, versionID, requesterID string, req types.PermissionsRequest) (*types.FileVersion, error) {
	v, err := e.repo.GetVersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if requesterID != v.OwnerID {
		return nil, apperr.New(apperr.KindAuthorization, "only the owner may change permissions")
	}

	if hasBlank(req.CanRead) || hasBlank(req.CanWrite) {
		return nil, apperr.New(apperr.KindValidation, "grant sets must not contain empty user ids")
	}

	canRead := normalize(req.CanRead, v.OwnerID)
	canWrite := normalize(req.CanWrite, v.OwnerID)

	if missing, err := e.missingUsers(ctx, canRead, canWrite); err != nil {
		return nil, err
	} else if len(missing) > 0 {
		return nil, apperr.New(apperr.KindValidation, "unknown user ids: %s", strings.Join(missing, ", "))
	}

	if err := e.repo.ReplaceGrants(ctx, versionID, canRead, canWrite); err != nil {
		return nil, fmt.Errorf("failed to replace grants: %w", err)
	}
	return e.repo.GetVersionByID(ctx, versionID)
}

// GrantableUsers returns every known user except the version's owner; an
// owner cannot grant to themself.
func (e *Engine) GrantableUsers(ctx context.Context, versionID string) ([]*types.User, error) {
	v, err := e.repo.GetVersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	users, err := e.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	grantable := make([]*types.User, 0, len(users))
	for _, u := range users {
		if u.ID != v.OwnerID {
			grantable = append(grantable, u)
		}
	}
	return grantable, nil
}

func (e *Engine) missingUsers(ctx context.Context, sets ...[]string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, set := range sets {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return e.repo.MissingUserIDs(ctx, ids)
}

func hasBlank(ids []string) bool {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return true
		}
	}
	return false
}

// normalize dedupes the set and strips the owner.
func normalize(ids []string, ownerID string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, id := range ids {
		if id == ownerID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
