package middleware

import (
	"strings"
	"time"

	"actionworker/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"
)

// probe paths are polled constantly and only logged at debug level
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Logger logs one line per request through the zap logger
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		msg := "[GIN] %3d | %13v | %15s | %s | %s"
		args := []interface{}{c.Writer.Status(), time.Since(start), c.ClientIP(), c.Request.Method, c.Request.URL.Path}
		if errs := c.Errors.String(); errs != "" {
			msg += " | %s"
			args = append(args, CompactBody(errs))
		}

		if quietPaths[c.Request.URL.Path] {
			logger.DebugCtx(c.Request.Context(), msg, args...)
			return
		}
		logger.InfoCtx(c.Request.Context(), msg, args...)
	}
}

// CompactBody strips JSON whitespace and truncates to 1000 bytes
func CompactBody(body string) string {
	if len(body) == 0 {
		return ""
	}
	compacted := strings.TrimSpace(string(pretty.Ugly([]byte(body))))
	if len(compacted) > 1000 {
		return compacted[:1000] + "..."
	}
	return compacted
}
