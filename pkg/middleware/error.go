package middleware

import (
	"codemint-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error as a JSON error envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		be := errutil.From(err.Err)
		if be.Code.HTTPStatus() >= 500 {
			zap.L().Error("request failed",
				zap.String("path", c.FullPath()),
				zap.String("method", c.Request.Method),
				zap.Error(err.Err),
			)
		}
		c.JSON(be.Code.HTTPStatus(), be.JSON())
	}
}
