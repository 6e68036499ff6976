package services

import (
	"context"
	"strings"
	"time"

	orderflow_errors "orderflow/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const RoleOperator = "operator"

// AuthService issues and verifies the tokens that guard the operator API.
type AuthService struct {
	jwtSecret []byte
	clock     func() time.Time
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{jwtSecret: []byte(secret), clock: time.Now}
}

type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *AuthService) IssueOperatorToken(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" || ttl <= 0 {
		return "", orderflow_errors.ErrInvalidInput
	}
	now := s.clock()
	claims := OperatorClaims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *AuthService) ParseOperatorToken(tokenString string) (OperatorClaims, error) {
	if tokenString == "" {
		return OperatorClaims{}, orderflow_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, orderflow_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil {
		return OperatorClaims{}, orderflow_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*OperatorClaims)
	if !ok || !parsed.Valid {
		return OperatorClaims{}, orderflow_errors.ErrUnauthorized
	}
	if claims.Role != RoleOperator {
		return OperatorClaims{}, orderflow_errors.ErrForbidden
	}

	return *claims, nil
}

type contextKey string

const operatorKey contextKey = "operator"

func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

func OperatorFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(operatorKey).(string)
	return subject, ok && subject != ""
}
