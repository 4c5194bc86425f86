// Package auth provides the request identity and admin middlewares.
//
// Player identity arrives as a bearer user id issued by the account
// system that fronts this service; full token verification happens
// there. Admin routes are gated by a shared secret header.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key the middlewares set.
const UserIDKey = "user_id"

// RequireUser extracts the caller's user id from the Authorization
// header ("Bearer <userId>") and rejects requests without one.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		userID, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			c.Abort()
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// RequireAdmin gates admin routes behind the X-Admin-Secret header.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin interface disabled"})
			c.Abort()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
