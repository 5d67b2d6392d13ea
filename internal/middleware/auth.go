package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vehicledx/backend/internal/auth"
	"github.com/vehicledx/backend/internal/platform/logger"
)

const identityKey = "identity"

// Auth validates the bearer token on REST routes and stashes the caller
// identity on the context.
func Auth(verifier *auth.Verifier, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := verifier.Verify(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity set by Auth, or nil on unauthenticated
// routes.
func IdentityFrom(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*auth.Identity)
	return identity
}
