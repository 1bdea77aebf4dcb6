package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// El middleware deja un logger scoped en el contexto: From(ctx) adentro
// de un handler no devuelve el singleton pelado.
func TestRequestLoggerInjectsScopedLogger(t *testing.T) {
	var got *zap.Logger
	h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = logger.From(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	require.NotSame(t, logger.L(), got, "el handler tiene que ver el logger del request")
}

// Sin middleware, From cae al singleton: el código que loguea con
// From(ctx) funciona igual fuera del stack HTTP.
func TestLoggerFromFallsBackToSingleton(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Same(t, logger.L(), logger.From(req.Context()))
}
