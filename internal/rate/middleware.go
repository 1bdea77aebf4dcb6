package rate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// Middleware limita por IP del caller (RealIP corre antes en la
// cadena). Si el backend del limiter falla, la request pasa: preferimos
// servir sin límite a tirar el plano de control por un Redis caído.
func Middleware(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), clientKey(r))
			if err != nil {
				logger.From(r.Context()).Warn("limiter unavailable, letting request through", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			if !res.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter/time.Second)+1))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	return r.RemoteAddr
}
