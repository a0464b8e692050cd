package middleware

import (
	"net/http"
	"strings"

	"actionworker/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Auth simple bearer token authentication; an empty apiKey lets every
// request through
func Auth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token != apiKey {
			logger.WarnCtx(c.Request.Context(), "unauthorized request to %s", c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}
