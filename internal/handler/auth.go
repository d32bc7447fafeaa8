package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/security"
)

// OperatorAuth gates the approval surface behind HTTP basic auth against the
// bootstrap operator credential. A nil credential disables the guarded
// endpoints entirely rather than leaving them open.
func OperatorAuth(cred *security.OperatorCredential) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cred == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "operator credential not configured"})
			return
		}
		user, pass, ok := c.Request.BasicAuth()
		if !ok || !cred.Check(user, pass) {
			c.Header("WWW-Authenticate", `Basic realm="warden"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
