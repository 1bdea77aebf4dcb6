// Package signer construye el encoding canónico y lo firma con la clave
// activa del tier vía el KeyStore. Nunca ve material privado.
package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/canonical"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/keyring"
	"github.com/dropDatabas3/signet/internal/keystore"
	"github.com/dropDatabas3/signet/internal/metrics"
	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// DefaultTimeout bounds a signing round-trip (el HSM puede colgarse).
// Timeout = ErrSigningBackend, nunca bloqueo indefinido y nunca retry
// implícito: un retry automático tras cambios parciales de autorización
// podría abusarse para saltear el quorum.
const DefaultTimeout = 5 * time.Second

type Signer struct {
	keys    keystore.KeyStore
	ring    *keyring.Ring
	audit   *auditlog.Log
	timeout time.Duration
}

func New(keys keystore.KeyStore, ring *keyring.Ring, audit *auditlog.Log, timeout time.Duration) *Signer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Signer{keys: keys, ring: ring, audit: audit, timeout: timeout}
}

// Sign firma el mensaje in-place y escribe el audit entry. Exige quorum
// ya satisfecho (doble chequeo además del workflow) y rechaza re-firmas.
func (s *Signer) Sign(ctx context.Context, msg *domain.SignedMessage, policy domain.TierPolicy) error {
	if len(msg.Signature) > 0 {
		return fmt.Errorf("message %s already signed: %w", msg.MessageID, domain.ErrConflict)
	}
	if msg.DistinctApprovers() < policy.MinAuthorizations {
		return fmt.Errorf("message %s has %d of %d authorizations: %w",
			msg.MessageID, msg.DistinctApprovers(), policy.MinAuthorizations, domain.ErrAuthorization)
	}

	rec, err := s.ring.Active(msg.Tier)
	if err != nil {
		return fmt.Errorf("resolve tier key: %w", err)
	}

	payload, err := canonical.MessageBytes(msg)
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", msg.MessageID, err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	sig, err := s.keys.Sign(sctx, rec.KID, payload)
	metrics.SignLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: signing timed out after %s", domain.ErrSigningBackend, s.timeout)
		}
		s.auditSigning(ctx, msg, rec.KID, false, err.Error())
		return fmt.Errorf("sign %s: %w", msg.MessageID, err)
	}

	msg.Signature = sig
	msg.SigningKeyID = rec.KID
	metrics.MessagesSigned.WithLabelValues(string(msg.Tier)).Inc()
	s.auditSigning(ctx, msg, rec.KID, true, "")
	logger.Named("signer").Info("message signed",
		logger.MessageID(msg.MessageID), logger.TierField(string(msg.Tier)), logger.KID(rec.KID))
	return nil
}

func (s *Signer) auditSigning(ctx context.Context, msg *domain.SignedMessage, kid string, ok bool, detail string) {
	details := map[string]any{
		"tier":  string(msg.Tier),
		"kid":   kid,
		"nonce": msg.Nonce,
	}
	if detail != "" {
		details["error"] = detail
	}
	_, _ = s.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventMessageSigned,
		Actor:     "signer",
		ActorKind: domain.ActorSystem,
		Target:    msg.MessageID,
		Success:   ok,
		Details:   details,
	})
}
