package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	roleKey   contextKey = "role"
)

// RoleOperator открывает служебные маршруты /internal
const RoleOperator = "operator"

var errMissingBearer = errors.New("bearer token required")

// accessClaims - стандартные поля плюс необязательная роль
type accessClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type principal struct {
	userID uuid.UUID
	role   string
}

func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

// UserIDFromContext возвращает пользователя, проверенного Auth
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Auth проверяет HS256 токен из Authorization: Bearer и кладёт sub и role в контекст
func Auth(secret []byte, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authenticate(r, secret)
			if err != nil {
				log.Warn("Unauthorized request",
					logger.StringField("path", r.URL.Path),
					logger.ErrorField("error", err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := WithRole(WithUserID(r.Context(), p.userID), p.role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole ставится после Auth и отвечает 403 без нужной роли
func RequireRole(role string, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := RoleFromContext(r.Context()); got != role {
				fields := []logger.Field{
					logger.StringField("path", r.URL.Path),
					logger.StringField("role", got),
				}
				if userID, ok := UserIDFromContext(r.Context()); ok {
					fields = append(fields, logger.StringField("user_id", userID.String()))
				}
				log.Warn("Forbidden request", fields...)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authenticate(r *http.Request, secret []byte) (principal, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || raw == header || raw == "" {
		return principal{}, errMissingBearer
	}

	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return principal{}, err
	}
	if !token.Valid {
		return principal{}, errors.New("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return principal{}, fmt.Errorf("subject is not a user id: %w", err)
	}
	return principal{userID: userID, role: strings.TrimSpace(claims.Role)}, nil
}
