package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AxelMcKenna/Trolley/internal/apierror"
)

// AdminAuth guards the mutation endpoints with a static bearer token.
// An empty configured token disables the guarded routes entirely rather
// than leaving them open.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, apierror.New("Admin endpoints are disabled"))
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.New("Authentication required"))
			return
		}

		supplied := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.New("Invalid token"))
			return
		}
		c.Next()
	}
}
