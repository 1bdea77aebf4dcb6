// Package verifier es la última línea de defensa en el edge: ningún
// contenido sin verificar llega al display, incluido contenido que ya se
// mostró antes (cada entrega se re-verifica).
package verifier

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/canonical"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/metrics"
	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// RejectReason es el motivo específico de un reject; siempre queda en el
// audit log.
type RejectReason string

const (
	RejectNone             RejectReason = ""
	RejectWrongDevice      RejectReason = "wrong_device"
	RejectNotYetValid      RejectReason = "not_yet_valid"
	RejectExpired          RejectReason = "expired"
	RejectRevoked          RejectReason = "revoked"
	RejectReplayDetected   RejectReason = "replay_detected"
	RejectSignatureInvalid RejectReason = "signature_invalid"
)

// Result of a verification. Accepted=false siempre trae Reason.
type Result struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// RevocationChecker: chequeo adicional de mensajes revocados
// post-firma. El workflow lo implementa; un edge sin control plane usa
// NopRevocations.
type RevocationChecker interface {
	IsRevoked(messageID string) bool
}

// NopRevocations never reports a revocation.
type NopRevocations struct{}

func (NopRevocations) IsRevoked(string) bool { return false }

// TamperSink recibe la señal operador-visible cuando aparece una firma
// invalida. go-mail la manda por SMTP en producción.
type TamperSink interface {
	TamperSuspected(ctx context.Context, messageID, deviceID, detail string)
}

// DefaultClockSkew tolera relojes de edge corridos hacia atrás.
const DefaultClockSkew = 30 * time.Second

// Verifier evalúa mensajes firmados en orden fijo. Verificación pura y
// no bloqueante salvo la mutación del replay cache.
type Verifier struct {
	replay      ReplayCache
	trust       TrustSource
	revocations RevocationChecker
	audit       *auditlog.Log
	tamper      TamperSink
	clockSkew   time.Duration
	now         func() time.Time
}

type Option func(*Verifier)

// WithClock fija el reloj (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithClockSkew ajusta la tolerancia de skew.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.clockSkew = d }
}

// WithTamperSink conecta la señal de tamper.
func WithTamperSink(s TamperSink) Option {
	return func(v *Verifier) { v.tamper = s }
}

func New(replay ReplayCache, trust TrustSource, revocations RevocationChecker, audit *auditlog.Log, opts ...Option) *Verifier {
	v := &Verifier{
		replay:      replay,
		trust:       trust,
		revocations: revocations,
		audit:       audit,
		clockSkew:   DefaultClockSkew,
		now:         time.Now,
	}
	if v.revocations == nil {
		v.revocations = NopRevocations{}
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify evalúa el mensaje para deviceID en orden fijo:
//
//  1. device targeting
//  2. ventana temporal [issued_at − skew, expiry] (+ revocación)
//  3. replay check del nonce
//  4. firma contra una clave actualmente confiable del tier
//
// En Accept el nonce se inserta en el replay cache ANTES de devolver;
// el insert es atómico con un re-check para que dos entregas
// concurrentes del mismo mensaje no pasen las dos. Input malformado
// nunca paniquea: es un reject clase SignatureInvalid.
func (v *Verifier) Verify(ctx context.Context, msg *domain.SignedMessage, deviceID string) Result {
	if msg == nil || msg.MessageID == "" || msg.Nonce == "" || len(msg.Signature) == 0 {
		return v.reject(ctx, msg, deviceID, RejectSignatureInvalid, "malformed message")
	}

	// 1. Device binding: evita redirección de mensajes.
	if !msg.Targets(deviceID) {
		return v.reject(ctx, msg, deviceID, RejectWrongDevice, "")
	}

	// 2. Ventana temporal.
	now := v.now().UTC()
	if now.Before(msg.IssuedAt.Add(-v.clockSkew)) {
		return v.reject(ctx, msg, deviceID, RejectNotYetValid, "")
	}
	if now.After(msg.Expiry) {
		return v.reject(ctx, msg, deviceID, RejectExpired, "")
	}
	if v.revocations.IsRevoked(msg.MessageID) {
		return v.reject(ctx, msg, deviceID, RejectRevoked, "")
	}

	// 3. Replay check (sin mutación; el insert atómico viene después de
	// validar la firma).
	if seen, err := v.replay.Contains(ctx, deviceID, msg.Nonce); err == nil && seen {
		return v.reject(ctx, msg, deviceID, RejectReplayDetected, "")
	}

	// 4. Firma contra la clave activa o la ventana de rotadas no
	// revocadas del tier.
	if !v.signatureValid(msg) {
		return v.reject(ctx, msg, deviceID, RejectSignatureInvalid, "no trusted key verified the signature")
	}

	// Insert atómico: si otro caller ganó la carrera entre el check 3 y
	// acá, esto lo detecta.
	ttl := time.Until(msg.Expiry) + v.clockSkew
	fresh, err := v.replay.CheckAndInsert(ctx, deviceID, msg.Nonce, ttl)
	if err != nil {
		// Cache roto = no podemos garantizar single-use: reject.
		return v.reject(ctx, msg, deviceID, RejectReplayDetected, "replay cache unavailable: "+err.Error())
	}
	if !fresh {
		return v.reject(ctx, msg, deviceID, RejectReplayDetected, "")
	}

	metrics.VerifyAccepts.Inc()
	return Result{Accepted: true}
}

func (v *Verifier) signatureValid(msg *domain.SignedMessage) bool {
	payload, err := canonical.MessageBytes(msg)
	if err != nil {
		return false
	}
	for _, rec := range v.trust.Trusted(msg.Tier) {
		if len(rec.PublicKey) != ed25519.PublicKeySize {
			continue
		}
		// Si el mensaje declara kid, probamos solo esa clave.
		if msg.SigningKeyID != "" && rec.KID != msg.SigningKeyID {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(rec.PublicKey), payload, msg.Signature) {
			return true
		}
	}
	return false
}

func (v *Verifier) reject(ctx context.Context, msg *domain.SignedMessage, deviceID string, reason RejectReason, detail string) Result {
	messageID := ""
	tierLabel := ""
	if msg != nil {
		messageID = msg.MessageID
		tierLabel = string(msg.Tier)
	}
	metrics.VerifyRejects.WithLabelValues(string(reason)).Inc()

	evtType := domain.EventMessageRejected
	switch reason {
	case RejectReplayDetected:
		evtType = domain.EventReplayDetected
	case RejectSignatureInvalid:
		evtType = domain.EventSignatureInvalid
	}
	details := map[string]any{"reason": string(reason), "tier": tierLabel}
	if detail != "" {
		details["detail"] = detail
	}
	_, _ = v.audit.Append(ctx, auditlog.Event{
		Type:      evtType,
		Actor:     deviceID,
		ActorKind: domain.ActorDevice,
		Target:    messageID,
		Success:   false,
		Details:   details,
	})

	// Una firma inválida nunca se reintenta ni se enmascara: escala a
	// señal de tamper visible para el operador.
	if reason == RejectSignatureInvalid {
		metrics.TamperSignals.Inc()
		_, _ = v.audit.Append(ctx, auditlog.Event{
			Type:      domain.EventTamperDetected,
			Actor:     deviceID,
			ActorKind: domain.ActorDevice,
			Target:    messageID,
			Success:   false,
			Details:   details,
		})
		if v.tamper != nil {
			v.tamper.TamperSuspected(ctx, messageID, deviceID, detail)
		}
	}

	logger.Named("verifier").Warn("message rejected",
		logger.MessageID(messageID), logger.DeviceID(deviceID), logger.Reason(string(reason)))
	return Result{Accepted: false, Reason: reason}
}
