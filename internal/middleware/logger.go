package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/newsletter-api/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests. Bodies are never
// logged since they carry newsletter content.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		statusCode := c.Writer.Status()

		event := log.Zerolog().Info()
		msg := "Request processed"
		switch {
		case statusCode >= 500:
			event = log.Zerolog().Error()
			msg = "Server error"
		case statusCode >= 400:
			event = log.Zerolog().Warn()
			msg = "Client error"
		}

		event.
			Str("request_id", c.GetString(ContextRequestID)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("ip", c.ClientIP()).
			Int("status", statusCode).
			Dur("duration", time.Since(start)).
			Str("user_agent", c.Request.UserAgent()).
			Msg(msg)
	}
}
