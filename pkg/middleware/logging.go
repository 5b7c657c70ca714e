package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogging logs one line per request: method, path, status, duration
// and the resolved user when there is one.
func RequestLogging(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		userID := "-"
		if u, ok := CurrentUser(c); ok {
			userID = u.ID
		}
		logger.Printf("%s %s %d %v user=%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start),
			userID,
		)
	}
}
