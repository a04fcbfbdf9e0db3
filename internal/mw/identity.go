package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// IdentityKey is the gin context key holding the caller's username.
const IdentityKey = "identity"

// Identity reads the caller's username from a header set by the trusted
// authentication gateway in front of the service.
func Identity(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := strings.TrimSpace(c.GetHeader(header))
		if identity == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Identity, or "".
func IdentityFrom(c *gin.Context) string {
	return c.GetString(IdentityKey)
}
