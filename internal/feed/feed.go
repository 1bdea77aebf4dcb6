// Package feed ingiere alertas de autoridades externas (servicio
// meteorológico, emergency broadcast). Las alertas vienen firmadas por un
// trust anchor; se verifican, se marcan pass-through y se re-emiten con
// el contenido INTACTO. El set de anchors rota: se reemplaza entero, sin
// estados intermedios.
package feed

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/authz"
	"github.com/dropDatabas3/signet/internal/canonical"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/observability/logger"
	"github.com/dropDatabas3/signet/internal/tier"
)

// Anchor es una clave pública de autoridad externa, identificada por kid.
type Anchor struct {
	KID       string
	PublicKey ed25519.PublicKey
}

// Alert es el formato de alerta que publica la autoridad. La firma cubre
// el encoding canónico de (alert_id, content, issued_at).
type Alert struct {
	AlertID   string         `json:"alert_id"`
	AnchorKID string         `json:"anchor_kid"`
	Content   map[string]any `json:"content"`
	IssuedAt  time.Time      `json:"issued_at"`
	Signature []byte         `json:"signature"`
}

type alertPayload struct {
	AlertID  string         `cbor:"1,keyasint"`
	Content  map[string]any `cbor:"2,keyasint"`
	IssuedAt time.Time      `cbor:"3,keyasint"`
}

// AlertBytes devuelve el encoding canónico que cubre la firma del anchor.
func AlertBytes(a Alert) ([]byte, error) {
	return canonical.Marshal(alertPayload{
		AlertID:  a.AlertID,
		Content:  a.Content,
		IssuedAt: a.IssuedAt.UTC(),
	})
}

// Ingestor valida alertas de feed y las re-emite pass-through.
type Ingestor struct {
	mu       sync.RWMutex
	anchors  map[string]Anchor
	policies *tier.Engine
	workflow *authz.Workflow
	audit    *auditlog.Log
	maxAge   time.Duration
}

// DefaultMaxAlertAge acota alertas viejas re-inyectadas al feed.
const DefaultMaxAlertAge = 15 * time.Minute

func NewIngestor(anchors []Anchor, policies *tier.Engine, workflow *authz.Workflow, audit *auditlog.Log) *Ingestor {
	ing := &Ingestor{
		policies: policies,
		workflow: workflow,
		audit:    audit,
		maxAge:   DefaultMaxAlertAge,
	}
	ing.ReplaceAnchors(anchors)
	return ing
}

// WithMaxAge ajusta la antigüedad máxima aceptada para alertas.
func (i *Ingestor) WithMaxAge(d time.Duration) *Ingestor {
	if d > 0 {
		i.maxAge = d
	}
	return i
}

// ReplaceAnchors instala el set completo de anchors vigente. La rotación
// de anchors es atómica: el set viejo deja de valer en el mismo instante.
// Es un cambio de configuración de confianza, queda en el ledger.
func (i *Ingestor) ReplaceAnchors(anchors []Anchor) {
	m := make(map[string]Anchor, len(anchors))
	kids := make([]string, 0, len(anchors))
	for _, a := range anchors {
		m[a.KID] = a
		kids = append(kids, a.KID)
	}
	i.mu.Lock()
	i.anchors = m
	i.mu.Unlock()
	_, _ = i.audit.Append(context.Background(), auditlog.Event{
		Type:      domain.EventConfigChanged,
		Actor:     "feed",
		ActorKind: domain.ActorSystem,
		Target:    "trust_anchors",
		Success:   true,
		Details:   map[string]any{"kids": kids},
	})
	logger.Named("feed").Info("trust anchors replaced", logger.Int("count", len(m)))
}

// Ingest verifica la alerta contra su anchor y la emite pass-through. El
// contenido no se toca: la firma local certifica procedencia verificada,
// no autoría.
func (i *Ingestor) Ingest(ctx context.Context, a Alert, targets []string) (*domain.SignedMessage, error) {
	anchor, ok := i.anchor(a.AnchorKID)
	if !ok {
		i.rejectAudit(ctx, a, "unknown anchor kid")
		return nil, fmt.Errorf("feed anchor %q not trusted: %w", a.AnchorKID, domain.ErrPeerTrust)
	}
	if age := time.Since(a.IssuedAt); age > i.maxAge {
		i.rejectAudit(ctx, a, "alert too old")
		return nil, fmt.Errorf("feed alert %s issued %s ago: %w", a.AlertID, age.Round(time.Second), domain.ErrExpiredMessage)
	}

	payload, err := AlertBytes(a)
	if err != nil {
		i.rejectAudit(ctx, a, "uncanonicalizable alert")
		return nil, fmt.Errorf("feed canonicalize: %w", domain.ErrPeerTrust)
	}
	if !ed25519.Verify(anchor.PublicKey, payload, a.Signature) {
		i.rejectAudit(ctx, a, "anchor signature invalid")
		return nil, fmt.Errorf("feed alert %s: signature invalid: %w", a.AlertID, domain.ErrPeerTrust)
	}

	policy, err := i.policies.Policy(domain.TierPassThrough)
	if err != nil {
		return nil, err
	}
	msg, err := i.workflow.Draft(ctx, policy, a.Content, targets)
	if err != nil {
		i.rejectAudit(ctx, a, err.Error())
		return nil, fmt.Errorf("feed draft: %w", err)
	}

	_, _ = i.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventFeedAccepted,
		Actor:     a.AnchorKID,
		ActorKind: domain.ActorFeed,
		Target:    msg.MessageID,
		Success:   true,
		Details:   map[string]any{"alert_id": a.AlertID},
	})
	logger.Named("feed").Info("feed alert accepted",
		logger.String("anchor", a.AnchorKID), logger.MessageID(msg.MessageID))
	return msg, nil
}

func (i *Ingestor) anchor(kid string) (Anchor, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	a, ok := i.anchors[kid]
	return a, ok
}

func (i *Ingestor) rejectAudit(ctx context.Context, a Alert, reason string) {
	_, _ = i.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventFeedRejected,
		Actor:     a.AnchorKID,
		ActorKind: domain.ActorFeed,
		Target:    a.AlertID,
		Success:   false,
		Details:   map[string]any{"reason": reason},
	})
	logger.Named("feed").Warn("feed alert rejected",
		logger.String("anchor", a.AnchorKID), logger.Reason(reason))
}
