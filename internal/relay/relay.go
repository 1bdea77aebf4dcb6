// Package relay implementa mutual aid entre ciudades: una alerta firmada
// por un peer registrado se verifica contra SU clave, y si el acuerdo lo
// permite se re-emite firmada con NUESTRA clave, bajo nuestra política de
// tier completa. La firma original del peer queda como evidencia, nunca
// como autorización.
package relay

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

// Peer es una ciudad vecina con acuerdo de mutual aid. AllowedTiers acota
// qué categorías de alerta aceptamos relayar de este peer.
type Peer struct {
	ID           string
	PublicKey    ed25519.PublicKey
	AllowedTiers map[domain.Tier]bool
}

// Relay valida alertas de peers y las re-emite por el workflow local.
type Relay struct {
	mu       sync.RWMutex
	peers    map[string]Peer
	policies *tier.Engine
	workflow *authz.Workflow
	audit    *auditlog.Log
}

func New(peers []Peer, policies *tier.Engine, workflow *authz.Workflow, audit *auditlog.Log) *Relay {
	m := make(map[string]Peer, len(peers))
	for _, p := range peers {
		m[p.ID] = p
	}
	return &Relay{peers: m, policies: policies, workflow: workflow, audit: audit}
}

// Request es una alerta entrante de un peer: el mensaje tal como el peer
// lo firmó, más los devices locales donde debería mostrarse.
type Request struct {
	PeerID       string                `json:"peer_id"`
	Message      *domain.SignedMessage `json:"message"`
	LocalTargets []string              `json:"local_targets"`
}

// Accept procesa una alerta de mutual aid:
//
//  1. el peer tiene que estar registrado y el acuerdo cubrir el tier
//  2. la firma del peer se verifica con la misma primitiva que cualquier
//     otra (ed25519 sobre el encoding canónico)
//  3. el contenido se re-drafta por el workflow local con NUESTRA
//     política de tier, quorum incluido
//
// El mensaje devuelto está firmado con clave local solo si el tier es
// autónomo; los tiers con quorum quedan esperando autorización como
// cualquier mensaje propio. Nunca se re-publica la firma del peer.
func (r *Relay) Accept(ctx context.Context, req Request) (*domain.SignedMessage, error) {
	peer, ok := r.peer(req.PeerID)
	if !ok {
		r.deny(ctx, req.PeerID, "", "unknown peer")
		return nil, fmt.Errorf("peer %q not registered: %w", req.PeerID, domain.ErrPeerTrust)
	}
	msg := req.Message
	if msg == nil || len(msg.Signature) == 0 {
		r.deny(ctx, req.PeerID, "", "missing peer signature")
		return nil, fmt.Errorf("relay from %q without signature: %w", req.PeerID, domain.ErrPeerTrust)
	}
	if !peer.AllowedTiers[msg.Tier] {
		r.deny(ctx, req.PeerID, msg.MessageID, fmt.Sprintf("tier %s outside agreement", msg.Tier))
		return nil, fmt.Errorf("agreement with %q does not cover %s: %w", req.PeerID, msg.Tier, domain.ErrPeerTrust)
	}
	if msg.ExpiredAt(time.Now().UTC()) {
		r.deny(ctx, req.PeerID, msg.MessageID, "peer message expired")
		return nil, fmt.Errorf("relay %s: %w", msg.MessageID, domain.ErrExpiredMessage)
	}

	payload, err := canonical.MessageBytes(msg)
	if err != nil {
		r.deny(ctx, req.PeerID, msg.MessageID, "uncanonicalizable message")
		return nil, fmt.Errorf("relay canonicalize: %w", domain.ErrPeerTrust)
	}
	if !ed25519.Verify(peer.PublicKey, payload, msg.Signature) {
		r.deny(ctx, req.PeerID, msg.MessageID, "peer signature invalid")
		return nil, fmt.Errorf("relay from %q: signature invalid: %w", req.PeerID, domain.ErrPeerTrust)
	}

	policy, err := r.policies.Policy(msg.Tier)
	if err != nil {
		r.deny(ctx, req.PeerID, msg.MessageID, "no local policy for tier")
		return nil, err
	}

	// Re-draft local: mismo contenido, nonce y expiry nuevos, nuestra
	// política. El draft de tiers con quorum queda pendiente de approvers
	// locales igual que un mensaje originado acá.
	local, err := r.workflow.Draft(ctx, policy, msg.Content, req.LocalTargets)
	if err != nil {
		r.deny(ctx, req.PeerID, msg.MessageID, err.Error())
		return nil, fmt.Errorf("relay draft: %w", err)
	}

	// La firma del peer se archiva como evidencia en el audit trail del
	// mensaje local; no cuenta para el quorum.
	_ = r.workflow.AddEvidence(local.MessageID, domain.Authorization{
		ApproverID: "peer:" + req.PeerID,
		Timestamp:  time.Now().UTC(),
		Token:      fmt.Sprintf("%x", msg.Signature),
	})

	_, _ = r.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventRelayAccepted,
		Actor:     req.PeerID,
		ActorKind: domain.ActorPeer,
		Target:    local.MessageID,
		Success:   true,
		Details: map[string]any{
			"peer_message_id": msg.MessageID,
			"tier":            string(msg.Tier),
		},
	})
	logger.Named("relay").Info("mutual aid alert accepted",
		logger.Peer(req.PeerID), logger.MessageID(local.MessageID), logger.TierField(string(msg.Tier)))
	return local, nil
}

func (r *Relay) peer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Relay) deny(ctx context.Context, peerID, peerMessageID, reason string) {
	_, _ = r.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventRelayDenied,
		Actor:     peerID,
		ActorKind: domain.ActorPeer,
		Target:    peerMessageID,
		Success:   false,
		Details:   map[string]any{"reason": reason},
	})
	logger.Named("relay").Warn("mutual aid alert denied",
		logger.Peer(peerID), logger.Reason(reason))
}
