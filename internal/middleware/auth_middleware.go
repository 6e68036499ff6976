package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"orderflow/internal/services"
	"orderflow/internal/transport/httpdto"
	orderflow_errors "orderflow/pkg/errors"
	"orderflow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// OperatorAuthMiddleware admits requests carrying a valid operator token and
// records the operator on the request context.
func OperatorAuthMiddleware(service *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := service.ParseOperatorToken(extractBearer(c))
		if err != nil {
			if errors.Is(err, orderflow_errors.ErrForbidden) {
				c.AbortWithStatusJSON(http.StatusForbidden, httpdto.NewErrorResponse("forbidden", "FORBIDDEN"))
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			return
		}

		ctx := services.WithOperator(c.Request.Context(), claims.Subject)
		ctx = context.WithValue(ctx, logger.OperatorKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
