package authz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/metrics"
	"github.com/dropDatabas3/signet/internal/observability/logger"
	"github.com/dropDatabas3/signet/internal/tier"
)

// MessageSigner firma un mensaje ya autorizado. Implementado por
// internal/signer; la interfaz vive acá para cortar el ciclo de imports.
type MessageSigner interface {
	Sign(ctx context.Context, msg *domain.SignedMessage, policy domain.TierPolicy) error
}

// pending es el estado mutable por mensaje. Su mutex serializa la
// detección de quorum: exactamente un caller observa el cruce del
// umbral y dispara la firma.
type pending struct {
	mu     sync.Mutex
	msg    *domain.SignedMessage
	policy domain.TierPolicy
}

// Workflow drives the per-message state machine:
// Draft → AwaitingAuthorization → Authorized → Signed → Queued →
// {Delivered | Expired | Revoked}.
type Workflow struct {
	registry *Registry
	signer   MessageSigner
	audit    *auditlog.Log

	mu       sync.RWMutex
	messages map[string]*pending
}

func NewWorkflow(registry *Registry, signer MessageSigner, audit *auditlog.Log) *Workflow {
	return &Workflow{
		registry: registry,
		signer:   signer,
		audit:    audit,
		messages: make(map[string]*pending),
	}
}

// Draft construye un mensaje desde una decisión de tier policy. Para
// tiers autónomos (quorum 0) el template tiene que estar en la
// allow-list; pass-through queda exento porque su contenido viene
// verificado contra un trust anchor y no se altera.
func (w *Workflow) Draft(ctx context.Context, policy domain.TierPolicy, content map[string]any, targets []string) (*domain.SignedMessage, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("draft: no target devices: %w", domain.ErrAuthorization)
	}
	if policy.MinAuthorizations == 0 && policy.Tier != domain.TierPassThrough {
		tpl, _ := content["template"].(string)
		if !tier.TemplateAutonomous(policy.Tier, tpl) {
			return nil, fmt.Errorf("template %q not approved for autonomous %s: %w",
				tpl, policy.Tier, domain.ErrAuthorization)
		}
	}
	if policy.Tier == domain.TierEmergency && w.registry.PoolSize() < 3 {
		return nil, fmt.Errorf("emergency quorum needs a pool of 3+, have %d: %w",
			w.registry.PoolSize(), domain.ErrAuthorization)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("draft nonce: %w", err)
	}
	now := time.Now().UTC()
	msg := &domain.SignedMessage{
		MessageID:     uuid.NewString(),
		Tier:          policy.Tier,
		Content:       content,
		TargetDevices: targets,
		IssuedAt:      now,
		Expiry:        now.Add(policy.TTL),
		Nonce:         nonce,
		State:         domain.StateDraft,
	}

	p := &pending{msg: msg, policy: policy}
	w.mu.Lock()
	w.messages[msg.MessageID] = p
	w.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	msg.State = domain.StateAwaitingAuthorization
	if policy.MinAuthorizations == 0 {
		if err := w.signLocked(ctx, p); err != nil {
			return nil, err
		}
	}
	cp := *msg
	return &cp, nil
}

// Authorize aplica una aprobación al mensaje pendiente. Approver
// duplicado se rechaza; la transición a Authorized dispara la firma
// exactamente una vez, en el instante en que el conteo de approvers
// distintos alcanza el mínimo del tier.
func (w *Workflow) Authorize(ctx context.Context, messageID, token string) (*domain.SignedMessage, error) {
	p, err := w.lookup(messageID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.msg.ExpiredAt(time.Now().UTC()) && p.msg.State == domain.StateAwaitingAuthorization {
		p.msg.State = domain.StateExpired
	}
	switch p.msg.State {
	case domain.StateAwaitingAuthorization:
		// sigue
	case domain.StateExpired:
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrExpiredMessage)
	default:
		// Ya firmado (o más allá): el guard de idempotencia evita que un
		// retry re-dispare la operación criptográfica o lave un set de
		// autorizaciones viejo en una firma nueva.
		return nil, fmt.Errorf("message %s in state %s: %w", messageID, p.msg.State, domain.ErrConflict)
	}

	approverID, err := w.registry.VerifyApproval(token, messageID)
	if err != nil {
		w.auditAuth(ctx, messageID, "", false, "invalid approval token")
		return nil, err
	}
	if p.msg.HasApprover(approverID) {
		w.auditAuth(ctx, messageID, approverID, false, "duplicate approver")
		return nil, fmt.Errorf("approver %q already authorized %s: %w", approverID, messageID, domain.ErrAuthorization)
	}

	p.msg.Authorizations = append(p.msg.Authorizations, domain.Authorization{
		ApproverID: approverID,
		Timestamp:  time.Now().UTC(),
		Token:      token,
	})
	w.auditAuth(ctx, messageID, approverID, true, "")
	logger.Named("authz").Info("authorization recorded",
		logger.MessageID(messageID), logger.ApproverID(approverID),
		logger.Int("have", p.msg.DistinctApprovers()), logger.Int("need", p.policy.MinAuthorizations))

	if p.msg.DistinctApprovers() >= p.policy.MinAuthorizations {
		if err := w.signLocked(ctx, p); err != nil {
			return nil, err
		}
	}
	cp := *p.msg
	return &cp, nil
}

// RetrySign reintenta la firma de un mensaje que quedó Authorized tras
// un ErrSigningBackend. Solo esa clase de falla deja el mensaje en
// Authorized: el quorum ya vale y no se re-autoriza nada. Cualquier otra
// falla de firma descarta la ronda (ver signLocked) y acá se rechaza con
// ErrConflict.
func (w *Workflow) RetrySign(ctx context.Context, messageID string) (*domain.SignedMessage, error) {
	p, err := w.lookup(messageID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msg.State != domain.StateAuthorized {
		return nil, fmt.Errorf("message %s in state %s: %w", messageID, p.msg.State, domain.ErrConflict)
	}
	if err := w.signLocked(ctx, p); err != nil {
		return nil, err
	}
	cp := *p.msg
	return &cp, nil
}

// signLocked: Authorized → Signed → Queued. Caller holds p.mu.
func (w *Workflow) signLocked(ctx context.Context, p *pending) error {
	p.msg.State = domain.StateAuthorized
	if err := w.signer.Sign(ctx, p.msg, p.policy); err != nil {
		if errors.Is(err, domain.ErrSigningBackend) {
			// Backend caído: el quorum sigue valiendo. Queda Authorized y
			// RetrySign puede reintentar sin nueva ronda.
			return err
		}
		// Cualquier otra falla (clave del tier desconocida, política
		// inválida) invalida la ronda: las aprobaciones se descartan y el
		// mensaje vuelve a esperar quorum desde cero. La evidencia de
		// relay se conserva, nunca contó para el quorum.
		kept := p.msg.Authorizations[:0]
		for _, a := range p.msg.Authorizations {
			if a.Evidence {
				kept = append(kept, a)
			}
		}
		p.msg.Authorizations = kept
		p.msg.State = domain.StateAwaitingAuthorization
		logger.Named("authz").Warn("signing failed, authorization round discarded",
			logger.MessageID(p.msg.MessageID), logger.Err(err))
		return err
	}
	// Firmado e inmutable. El mensaje está Signed mientras se registra el
	// encolado y pasa a Queued antes de soltar p.mu: nadie de afuera
	// observa Signed sin Queued.
	p.msg.State = domain.StateSigned
	_, _ = w.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventMessageQueued,
		Actor:     "workflow",
		ActorKind: domain.ActorSystem,
		Target:    p.msg.MessageID,
		Success:   true,
		Details:   map[string]any{"tier": string(p.msg.Tier)},
	})
	p.msg.State = domain.StateQueued
	return nil
}

// AddEvidence registra material de soporte (p.ej. la firma original de
// un peer de mutual aid). Nunca cuenta para el quorum.
func (w *Workflow) AddEvidence(messageID string, ev domain.Authorization) error {
	p, err := w.lookup(messageID)
	if err != nil {
		return err
	}
	ev.Evidence = true
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msg.Authorizations = append(p.msg.Authorizations, ev)
	return nil
}

// Get devuelve una copia del mensaje, aplicando la expiración lazy.
func (w *Workflow) Get(messageID string) (*domain.SignedMessage, error) {
	p, err := w.lookup(messageID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.msg.State {
	case domain.StateAwaitingAuthorization, domain.StateAuthorized, domain.StateQueued:
		if p.msg.ExpiredAt(time.Now().UTC()) {
			p.msg.State = domain.StateExpired
		}
	}
	cp := *p.msg
	return &cp, nil
}

// Revoke: única cancelación posible de un mensaje ya firmado. Queda en
// el audit log y los verifiers la consultan.
func (w *Workflow) Revoke(ctx context.Context, messageID, actor string) error {
	p, err := w.lookup(messageID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.msg.State {
	case domain.StateSigned, domain.StateQueued, domain.StateDelivered:
		p.msg.State = domain.StateRevoked
	case domain.StateRevoked:
		return nil
	default:
		return fmt.Errorf("revoke %s in state %s: %w", messageID, p.msg.State, domain.ErrConflict)
	}
	_, _ = w.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventMessageRevoked,
		Actor:     actor,
		ActorKind: domain.ActorOperator,
		Target:    messageID,
		Success:   true,
	})
	logger.Named("authz").Warn("message revoked", logger.MessageID(messageID))
	return nil
}

// IsRevoked implementa el chequeo adicional que hacen los verifiers.
func (w *Workflow) IsRevoked(messageID string) bool {
	p, err := w.lookup(messageID)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msg.State == domain.StateRevoked
}

// MarkDelivered: Queued → Delivered, reportado por el collaborator de
// entrega después de un verify Accept.
func (w *Workflow) MarkDelivered(ctx context.Context, messageID, deviceID string) error {
	p, err := w.lookup(messageID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msg.State != domain.StateQueued && p.msg.State != domain.StateDelivered {
		return fmt.Errorf("deliver %s in state %s: %w", messageID, p.msg.State, domain.ErrConflict)
	}
	p.msg.State = domain.StateDelivered
	_, _ = w.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventMessageDelivered,
		Actor:     deviceID,
		ActorKind: domain.ActorDevice,
		Target:    messageID,
		Success:   true,
	})
	return nil
}

func (w *Workflow) lookup(messageID string) (*pending, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return p, nil
}

func (w *Workflow) auditAuth(ctx context.Context, messageID, approverID string, granted bool, reason string) {
	evt := auditlog.Event{
		Type:      domain.EventAuthGranted,
		Actor:     approverID,
		ActorKind: domain.ActorOperator,
		Target:    messageID,
		Success:   granted,
	}
	outcome := "granted"
	if !granted {
		evt.Type = domain.EventAuthDenied
		evt.Details = map[string]any{"reason": reason}
		outcome = "denied"
	}
	metrics.AuthorizationsGranted.WithLabelValues(outcome).Inc()
	_, _ = w.audit.Append(ctx, evt)
}

// newNonce: 16 bytes aleatorios en hex, single-use por mensaje.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
