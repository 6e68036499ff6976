package middleware

import (
	"errors"
	"net/http"

	"orderflow/internal/transport/httpdto"
	orderflow_errors "orderflow/pkg/errors"
	"orderflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusFor maps a service error to an HTTP status and response code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orderflow_errors.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, orderflow_errors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, orderflow_errors.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, orderflow_errors.ErrAlreadyExists), errors.Is(err, orderflow_errors.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, orderflow_errors.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, orderflow_errors.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, orderflow_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// ErrorHandler renders the last error a handler attached with c.Error.
// Internal errors are logged and their text is not sent to the client.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, code := StatusFor(err)
		message := err.Error()
		if status >= http.StatusInternalServerError {
			if l != nil {
				l.WithContext(c.Request.Context()).Error("request failed",
					zap.String("path", c.FullPath()),
					zap.Error(err),
				)
			}
			message = http.StatusText(status)
		}
		c.JSON(status, httpdto.NewErrorResponse(message, code))
	}
}
