package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rcl/internal/logging"
)

// ContextKeyAuthenticated is set in the gin context once a request passed auth
const ContextKeyAuthenticated = "authenticated"

// publicPaths never require a key.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// Middleware rejects requests without the configured key. It is a no-op
// when auth is disabled.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() || publicPaths[c.Request.URL.Path] || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		if err := a.Verify(extractKey(c.GetHeader)); err != nil {
			logging.L(c.Request.Context()).Warn("request rejected", "path", c.Request.URL.Path, "reason", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing API key",
			})
			return
		}
		c.Set(ContextKeyAuthenticated, true)
		c.Next()
	}
}
