package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// credentialKey is the gin context key holding the verified credential.
const credentialKey = "credential"

// RequireAuth verifies the Authorization bearer token and stores the
// credential on the context.
func RequireAuth(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		cred, err := store.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		c.Set(credentialKey, cred)
		c.Next()
	}
}

// RequireScope rejects credentials whose scope set does not include scope.
// Must run after RequireAuth.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := CredentialFrom(c)
		if cred == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			return
		}
		if !cred.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope: " + scope})
			return
		}
		c.Next()
	}
}

// CredentialFrom returns the verified credential set by RequireAuth, or nil.
func CredentialFrom(c *gin.Context) *Credential {
	v, ok := c.Get(credentialKey)
	if !ok {
		return nil
	}
	cred, _ := v.(*Credential)
	return cred
}
