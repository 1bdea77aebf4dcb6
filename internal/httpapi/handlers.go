package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/feed"
	"github.com/dropDatabas3/signet/internal/observability/logger"
	"github.com/dropDatabas3/signet/internal/relay"
)

type eventRequest struct {
	Kind       string            `json:"kind"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Content    map[string]any    `json:"content"`
	Targets    []string          `json:"targets"`
}

type eventResponse struct {
	Message *domain.SignedMessage `json:"message"`
	Tier    domain.Tier           `json:"tier"`
	Pending int                   `json:"pending_authorizations"`
}

// handleEvent: clasificación + draft en una llamada. Un kind desconocido
// no draftea nada y devuelve 422 con el tier conservador al que habría
// escalado, para que el operador vea qué pasó.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	policy, err := s.Tiers.Classify(req.Kind, req.Confidence, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	msg, err := s.Workflow.Draft(r.Context(), policy, req.Content, req.Targets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logger.FromWithFields(r.Context(),
		logger.MessageID(msg.MessageID), logger.TierField(string(policy.Tier))).
		Info("event drafted")
	WriteJSON(w, http.StatusCreated, eventResponse{
		Message: msg,
		Tier:    policy.Tier,
		Pending: policy.MinAuthorizations - msg.DistinctApprovers(),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Workflow.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msg)
}

type authorizeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		WriteError(w, http.StatusBadRequest, "missing_token", "token requerido")
		return
	}
	msg, err := s.Workflow.Authorize(r.Context(), chi.URLParam(r, "id"), req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRetrySign(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Workflow.RetrySign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, msg)
}

type revokeRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if err := s.Workflow.Revoke(r.Context(), chi.URLParam(r, "id"), req.Actor); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type deliveredRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	var req deliveredRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if err := s.Workflow.MarkDelivered(r.Context(), chi.URLParam(r, "id"), req.DeviceID); err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type verifyRequest struct {
	Message  *domain.SignedMessage `json:"message"`
	DeviceID string                `json:"device_id"`
}

// handleVerify: verificación edge por HTTP, para displays que no linkean
// la librería. Un reject no es un error HTTP: la verificación corrió.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	res := s.Verifier.Verify(r.Context(), req.Message, req.DeviceID)
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if !ReadJSON(w, r, &req) {
		return
	}
	msg, err := s.Relay.Accept(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, msg)
}

type feedRequest struct {
	Alert   feed.Alert `json:"alert"`
	Targets []string   `json:"targets"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	msg, err := s.Feed.Ingest(r.Context(), req.Alert, req.Targets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, msg)
}

type keyView struct {
	KID       string           `json:"kid"`
	Tier      domain.Tier      `json:"tier"`
	Status    domain.KeyStatus `json:"status"`
	PublicKey []byte           `json:"public_key"`
	CreatedAt string           `json:"created_at"`
	RotatedAt string           `json:"rotated_at,omitempty"`
}

// handleListKeys publica el ring (solo material público). Los edges lo
// consultan para armar su trust set.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	recs := s.Ring.All()
	out := make([]keyView, 0, len(recs))
	for _, k := range recs {
		v := keyView{
			KID:       k.KID,
			Tier:      k.Tier,
			Status:    k.Status,
			PublicKey: k.PublicKey,
			CreatedAt: k.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if k.RotatedAt != nil {
			v.RotatedAt = k.RotatedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, v)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	t := domain.Tier(chi.URLParam(r, "tier"))
	if !t.Valid() {
		WriteError(w, http.StatusBadRequest, "invalid_tier", "tier desconocido")
		return
	}
	rec, err := s.Ring.Rotate(r.Context(), t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	_, _ = s.Audit.Append(r.Context(), auditlog.Event{
		Type:      domain.EventKeyRotated,
		Actor:     requestActor(r),
		ActorKind: domain.ActorOperator,
		Target:    rec.KID,
		Success:   true,
		Details:   map[string]any{"tier": string(t)},
	})
	WriteJSON(w, http.StatusOK, map[string]string{"kid": rec.KID})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	kid := chi.URLParam(r, "kid")
	if err := s.Ring.Revoke(kid); err != nil {
		writeDomainError(w, err)
		return
	}
	_, _ = s.Audit.Append(r.Context(), auditlog.Event{
		Type:      domain.EventKeyRevoked,
		Actor:     requestActor(r),
		ActorKind: domain.ActorOperator,
		Target:    kid,
		Success:   true,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	opts := auditlog.QueryOptions{}
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_after", "after debe ser numérico")
			return
		}
		opts.AfterSequence = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_limit", "limit debe ser numérico")
			return
		}
		opts.Limit = n
	}
	for _, t := range r.URL.Query()["type"] {
		opts.EventTypes = append(opts.EventTypes, domain.EventType(t))
	}
	entries, err := s.Audit.Query(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

type auditVerifyResponse struct {
	Valid  bool            `json:"valid"`
	Broken []auditlog.Range `json:"broken,omitempty"`
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ok, broken, err := s.Audit.VerifyChain(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, auditVerifyResponse{Valid: ok, Broken: broken})
}

// requestActor: identidad del operador que golpea endpoints
// administrativos. Detrás del gateway viene en X-Operator-ID.
func requestActor(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	return "operator"
}
