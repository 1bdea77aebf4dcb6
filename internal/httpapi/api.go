// Package httpapi expone el plano de control por HTTP: intake de
// eventos, autorizaciones, verificación, relay, feed y lectura del audit
// log. Los handlers son finitos y sin estado; todo el estado vive en los
// collaborators.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/authz"
	"github.com/dropDatabas3/signet/internal/feed"
	"github.com/dropDatabas3/signet/internal/keyring"
	"github.com/dropDatabas3/signet/internal/rate"
	"github.com/dropDatabas3/signet/internal/relay"
	"github.com/dropDatabas3/signet/internal/tier"
	"github.com/dropDatabas3/signet/internal/verifier"
)

type Server struct {
	Tiers    *tier.Engine
	Workflow *authz.Workflow
	Verifier *verifier.Verifier
	Relay    *relay.Relay
	Feed     *feed.Ingestor
	Ring     *keyring.Ring
	Audit    *auditlog.Log
	Limiter  rate.Limiter // opcional; nil desactiva el rate limiting
}

// Router arma el chi mux completo.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.Limiter != nil {
			r.Use(rate.Middleware(s.Limiter))
		}
		r.Post("/events", s.handleEvent)

		r.Route("/messages/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMessage)
			r.Post("/authorizations", s.handleAuthorize)
			r.Post("/sign", s.handleRetrySign)
			r.Post("/revoke", s.handleRevoke)
			r.Post("/delivered", s.handleDelivered)
		})

		r.Post("/verify", s.handleVerify)
		r.Post("/relay", s.handleRelay)
		r.Post("/feed", s.handleFeed)

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/{tier}/rotate", s.handleRotateKey)
			r.Post("/{kid}/revoke", s.handleRevokeKey)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/entries", s.handleAuditEntries)
			r.Get("/verify", s.handleAuditVerify)
		})
	})
	return r
}
