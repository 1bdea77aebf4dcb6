package relay

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/authz"
	"github.com/dropDatabas3/signet/internal/canonical"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/tier"
)

type stubSigner struct{ signs int }

func (s *stubSigner) Sign(_ context.Context, msg *domain.SignedMessage, _ domain.TierPolicy) error {
	s.signs++
	msg.Signature = []byte("local-sig")
	msg.SigningKeyID = "local-kid"
	return nil
}

type fixture struct {
	relay    *Relay
	workflow *authz.Workflow
	audit    *auditlog.Log
	signer   *stubSigner
	peerPriv ed25519.PrivateKey
	privs    map[string]ed25519.PrivateKey
}

// city-b tiene acuerdo por informational y warning; emergency queda
// fuera a propósito.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	peerPub, peerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	pool := map[string]ed25519.PublicKey{}
	privs := map[string]ed25519.PrivateKey{}
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		pool[id] = pub
		privs[id] = priv
	}

	audit, err := auditlog.Open(context.Background(), auditlog.NewMemoryStore())
	require.NoError(t, err)
	signer := &stubSigner{}
	wf := authz.NewWorkflow(authz.NewRegistry(pool), signer, audit)

	peers := []Peer{{
		ID:        "city-b",
		PublicKey: peerPub,
		AllowedTiers: map[domain.Tier]bool{
			domain.TierInformational: true,
			domain.TierWarning:       true,
		},
	}}
	return &fixture{
		relay:    New(peers, tier.NewEngine(nil), wf, audit),
		workflow: wf,
		audit:    audit,
		signer:   signer,
		peerPriv: peerPriv,
		privs:    privs,
	}
}

// peerMessage arma una alerta como la firmaría el control point vecino.
func (f *fixture) peerMessage(t *testing.T, tr domain.Tier, content map[string]any) *domain.SignedMessage {
	t.Helper()
	now := time.Now().UTC()
	m := &domain.SignedMessage{
		MessageID:     "peer-m-1",
		Tier:          tr,
		Content:       content,
		TargetDevices: []string{"city-b-sign-4"},
		IssuedAt:      now,
		Expiry:        now.Add(10 * time.Minute),
		Nonce:         "peer-nonce-1",
	}
	payload, err := canonical.MessageBytes(m)
	require.NoError(t, err)
	m.Signature = ed25519.Sign(f.peerPriv, payload)
	return m
}

func (f *fixture) denials(t *testing.T) []domain.AuditEntry {
	t.Helper()
	got, err := f.audit.Query(context.Background(), auditlog.QueryOptions{
		EventTypes: []domain.EventType{domain.EventRelayDenied},
	})
	require.NoError(t, err)
	return got
}

func TestAcceptUnknownPeer(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierWarning, map[string]any{"text": "flood"})

	_, err := f.relay.Accept(context.Background(), Request{
		PeerID: "city-z", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.ErrorIs(t, err, domain.ErrPeerTrust)
	require.Len(t, f.denials(t), 1)
}

func TestAcceptMissingSignature(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierWarning, map[string]any{"text": "flood"})
	msg.Signature = nil

	_, err := f.relay.Accept(context.Background(), Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.ErrorIs(t, err, domain.ErrPeerTrust)
}

func TestAcceptTierOutsideAgreement(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierEmergency, map[string]any{"text": "fire"})

	_, err := f.relay.Accept(context.Background(), Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.ErrorIs(t, err, domain.ErrPeerTrust)
	got := f.denials(t)
	require.Len(t, got, 1)
	require.Equal(t, "city-b", got[0].Actor)
}

func TestAcceptExpiredPeerMessage(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierWarning, map[string]any{"text": "flood"})
	msg.Expiry = time.Now().UTC().Add(-time.Minute)
	payload, err := canonical.MessageBytes(msg)
	require.NoError(t, err)
	msg.Signature = ed25519.Sign(f.peerPriv, payload)

	_, err = f.relay.Accept(context.Background(), Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.ErrorIs(t, err, domain.ErrExpiredMessage)
}

func TestAcceptInvalidPeerSignature(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierWarning, map[string]any{"text": "flood"})
	msg.Content["text"] = "flood!" // firma ya no matchea

	_, err := f.relay.Accept(context.Background(), Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.ErrorIs(t, err, domain.ErrPeerTrust)
}

// Tier autónomo: el relay re-emite firmado localmente, con identidad
// nueva (id y nonce propios) y la firma del peer solo como evidencia.
func TestAcceptAutonomousRelaySignsLocally(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierInformational, map[string]any{
		"template": "crowd-count", "count": 1200,
	})

	local, err := f.relay.Accept(context.Background(), Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1", "sign-2"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateQueued, local.State)
	require.Equal(t, []byte("local-sig"), local.Signature)
	require.NotEqual(t, msg.MessageID, local.MessageID)
	require.NotEqual(t, msg.Nonce, local.Nonce)
	require.Equal(t, []string{"sign-1", "sign-2"}, local.TargetDevices)
	require.Equal(t, msg.Content, local.Content)
	require.Equal(t, 1, f.signer.signs)

	got, err := f.workflow.Get(local.MessageID)
	require.NoError(t, err)
	require.Equal(t, 0, got.DistinctApprovers(), "evidencia no cuenta para quorum")
	found := false
	for _, a := range got.Authorizations {
		if a.ApproverID == "peer:city-b" && a.Evidence {
			found = true
		}
	}
	require.True(t, found, "falta la firma del peer como evidencia")

	accepted, err := f.audit.Query(context.Background(), auditlog.QueryOptions{
		EventTypes: []domain.EventType{domain.EventRelayAccepted},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	require.Equal(t, local.MessageID, accepted[0].Target)
}

// Tier con quorum: la alerta del peer queda esperando approvers
// LOCALES, la firma del peer no acelera nada.
func TestAcceptQuorumTierAwaitsLocalApprovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.peerMessage(t, domain.TierWarning, map[string]any{"text": "flood upstream"})

	local, err := f.relay.Accept(ctx, Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateAwaitingAuthorization, local.State)
	require.Empty(t, local.Signature)
	require.Equal(t, 0, f.signer.signs)

	tok, err := authz.NewApprovalToken("op-1", f.privs["op-1"], local.MessageID)
	require.NoError(t, err)
	got, err := f.workflow.Authorize(ctx, local.MessageID, tok)
	require.NoError(t, err)
	require.Equal(t, domain.StateQueued, got.State)
	require.Equal(t, 1, f.signer.signs)
}

func TestAcceptAutonomousTemplateNotApproved(t *testing.T) {
	f := newFixture(t)
	msg := f.peerMessage(t, domain.TierInformational, map[string]any{
		"template": "evacuate-now",
	})

	_, err := f.relay.Accept(context.Background(), Request{
		PeerID: "city-b", Message: msg, LocalTargets: []string{"sign-1"},
	})
	require.ErrorIs(t, err, domain.ErrAuthorization)
	require.Len(t, f.denials(t), 1)
}
