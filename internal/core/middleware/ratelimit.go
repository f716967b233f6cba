package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/Nzyazin/billpay/internal/core/guard"
	"github.com/Nzyazin/billpay/internal/core/logger"
)

// RateLimit ограничивает частоту запросов пользователя; без Auth впереди не работает.
// Ошибка Redis не блокирует запрос.
func RateLimit(limiter guard.RateLimiter, scope string, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), scope, userID.String())
			if err != nil {
				log.Warn("Rate limiter unavailable",
					logger.StringField("scope", scope),
					logger.ErrorField("error", err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
