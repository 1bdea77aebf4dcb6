package httpapi

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// requestLogger inyecta en el contexto un logger con el request id y la
// ruta. Los handlers y collaborators lo sacan con logger.From(ctx), así
// cada línea de log de un request se puede correlacionar.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.Named("http").With(
			logger.String("request_id", chimw.GetReqID(r.Context())),
			logger.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(logger.ToContext(r.Context(), l)))
	})
}
