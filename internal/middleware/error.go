package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/newsletter-api/pkg/httputil"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
)

// ErrorHandler logs errors attached with c.Error and, if the handler has
// not written a response yet, renders the last one.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		for _, e := range c.Errors {
			log.Zerolog().Error().
				Err(e.Err).
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Str("client_ip", c.ClientIP()).
				Interface("meta", e.Meta).
				Msg("Request error")
		}

		if c.Writer.Written() {
			return
		}
		httputil.RespondWithError(c, c.Errors.Last().Err)
	}
}
