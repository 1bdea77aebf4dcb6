package verifier

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/canonical"
	"github.com/dropDatabas3/signet/internal/domain"
)

// staticTrust expone un set fijo de claves confiables por tier.
type staticTrust struct {
	mu   sync.Mutex
	recs map[domain.Tier][]domain.KeyRecord
}

func (s *staticTrust) Trusted(t domain.Tier) []domain.KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[t]
}

func (s *staticTrust) set(t domain.Tier, recs ...domain.KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[t] = recs
}

type revokedSet map[string]bool

func (r revokedSet) IsRevoked(id string) bool { return r[id] }

type recordingTamper struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTamper) TamperSuspected(_ context.Context, messageID, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, messageID)
}

type harness struct {
	verifier *Verifier
	trust    *staticTrust
	revoked  revokedSet
	tamper   *recordingTamper
	priv     ed25519.PrivateKey
	now      time.Time
	nowMu    sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	trust := &staticTrust{recs: map[domain.Tier][]domain.KeyRecord{}}
	trust.set(domain.TierWarning, domain.KeyRecord{
		KID: "warning-1", Tier: domain.TierWarning, Alg: "EdDSA",
		PublicKey: pub, Status: domain.KeyActive,
	})

	audit, err := auditlog.Open(context.Background(), auditlog.NewMemoryStore())
	require.NoError(t, err)

	h := &harness{
		trust:   trust,
		revoked: revokedSet{},
		tamper:  &recordingTamper{},
		priv:    priv,
		now:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	h.verifier = New(
		NewMemoryReplayCache(8, time.Hour),
		trust,
		h.revoked,
		audit,
		WithClock(func() time.Time {
			h.nowMu.Lock()
			defer h.nowMu.Unlock()
			return h.now
		}),
		WithTamperSink(h.tamper),
	)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.nowMu.Lock()
	h.now = h.now.Add(d)
	h.nowMu.Unlock()
}

func (h *harness) signedMessage(t *testing.T, nonce string, targets ...string) *domain.SignedMessage {
	t.Helper()
	if len(targets) == 0 {
		targets = []string{"sign-1"}
	}
	m := &domain.SignedMessage{
		MessageID:     "m-" + nonce,
		Tier:          domain.TierWarning,
		Content:       map[string]any{"text": "smoke reported"},
		TargetDevices: targets,
		IssuedAt:      h.now,
		Expiry:        h.now.Add(time.Minute),
		Nonce:         nonce,
		SigningKeyID:  "warning-1",
	}
	payload, err := canonical.MessageBytes(m)
	require.NoError(t, err)
	m.Signature = ed25519.Sign(h.priv, payload)
	return m
}

// Escenario completo: accept, replay 1s después, expiry a los 61s.
func TestVerifyAcceptThenReplayThenExpiry(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1")

	res := h.verifier.Verify(context.Background(), m, "sign-1")
	require.True(t, res.Accepted, "reason=%s", res.Reason)

	h.advance(time.Second)
	res = h.verifier.Verify(context.Background(), m, "sign-1")
	require.False(t, res.Accepted)
	require.Equal(t, RejectReplayDetected, res.Reason)

	// otro mensaje, mismo contenido, nonce fresco: pasa
	m2 := h.signedMessage(t, "n2")
	res = h.verifier.Verify(context.Background(), m2, "sign-1")
	require.True(t, res.Accepted)

	// a los 61 segundos un mensaje fresco ya venció
	m3 := h.signedMessage(t, "n3")
	h.advance(61 * time.Second)
	res = h.verifier.Verify(context.Background(), m3, "sign-1")
	require.False(t, res.Accepted)
	require.Equal(t, RejectExpired, res.Reason)
}

func TestVerifyWrongDevice(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1", "sign-1", "sign-2")

	res := h.verifier.Verify(context.Background(), m, "sign-99")
	require.False(t, res.Accepted)
	require.Equal(t, RejectWrongDevice, res.Reason)

	// wildcard llega a cualquiera
	mw := h.signedMessage(t, "n2", domain.WildcardDevice)
	res = h.verifier.Verify(context.Background(), mw, "sign-99")
	require.True(t, res.Accepted)
}

func TestVerifyClockSkewTolerance(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1")
	// el device está 20s atrás del control point: dentro del skew
	h.advance(-20 * time.Second)
	res := h.verifier.Verify(context.Background(), m, "sign-1")
	require.True(t, res.Accepted)

	m2 := h.signedMessage(t, "n2")
	h.advance(-45 * time.Second) // 45s atrás del issued_at de m2: fuera
	res = h.verifier.Verify(context.Background(), m2, "sign-1")
	require.False(t, res.Accepted)
	require.Equal(t, RejectNotYetValid, res.Reason)
}

// Un bit alterado en el contenido invalida la firma y dispara la señal
// de tamper.
func TestVerifyBitFlipTriggersTamperSignal(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1")
	m.Content["text"] = "smoke reported!"

	res := h.verifier.Verify(context.Background(), m, "sign-1")
	require.False(t, res.Accepted)
	require.Equal(t, RejectSignatureInvalid, res.Reason)
	require.Equal(t, []string{m.MessageID}, h.tamper.calls)
}

func TestVerifySignatureFromUntrustedKey(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1")

	// simular revocación de la clave: desaparece del trust set
	h.trust.set(domain.TierWarning)
	res := h.verifier.Verify(context.Background(), m, "sign-1")
	require.False(t, res.Accepted)
	require.Equal(t, RejectSignatureInvalid, res.Reason)
}

func TestVerifyRotatedKeyInsideWindow(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1")

	// la clave rota pero sigue en el trust set durante la ventana
	rotatedAt := h.now
	pubNew, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	old := domain.KeyRecord{
		KID: "warning-1", Tier: domain.TierWarning, Alg: "EdDSA",
		PublicKey: ed25519.PrivateKey(h.priv).Public().(ed25519.PublicKey),
		Status:    domain.KeyRotated, RotatedAt: &rotatedAt,
	}
	fresh := domain.KeyRecord{
		KID: "warning-2", Tier: domain.TierWarning, Alg: "EdDSA",
		PublicKey: pubNew, Status: domain.KeyActive,
	}
	h.trust.set(domain.TierWarning, fresh, old)

	res := h.verifier.Verify(context.Background(), m, "sign-1")
	require.True(t, res.Accepted, "reason=%s", res.Reason)
}

func TestVerifyRevokedMessage(t *testing.T) {
	h := newHarness(t)
	m := h.signedMessage(t, "n1")
	h.revoked[m.MessageID] = true

	res := h.verifier.Verify(context.Background(), m, "sign-1")
	require.False(t, res.Accepted)
	require.Equal(t, RejectRevoked, res.Reason)
}

func TestVerifyMalformedInputNeverPanics(t *testing.T) {
	h := newHarness(t)
	cases := []*domain.SignedMessage{
		nil,
		{},
		{MessageID: "m", Nonce: "n"},                          // sin firma
		{MessageID: "m", Signature: []byte{1}},                // sin nonce
		{Nonce: "n", Signature: []byte{1}},                    // sin id
		h.signedMessage(t, "short-sig"),                       // firma truncada abajo
	}
	cases[5].Signature = cases[5].Signature[:10]
	for i, m := range cases {
		res := h.verifier.Verify(context.Background(), m, "sign-1")
		require.False(t, res.Accepted, "case %d", i)
		require.Equal(t, RejectSignatureInvalid, res.Reason, "case %d", i)
	}
}

// El LRU acotado evicta lo más viejo: tras desbordar la capacidad, el
// nonce más antiguo vuelve a pasar (documenta el trade-off de memoria).
func TestReplayCacheEvictionUnderOverflow(t *testing.T) {
	h := newHarness(t)
	first := h.signedMessage(t, "n-0")
	res := h.verifier.Verify(context.Background(), first, "sign-1")
	require.True(t, res.Accepted)

	// desbordar la capacidad (8)
	for i := 1; i <= 8; i++ {
		m := h.signedMessage(t, fmt.Sprintf("n-%d", i))
		res = h.verifier.Verify(context.Background(), m, "sign-1")
		require.True(t, res.Accepted)
	}

	res = h.verifier.Verify(context.Background(), first, "sign-1")
	require.True(t, res.Accepted, "evicted nonce should verify again")
}

func TestMemoryReplayCacheAtomicity(t *testing.T) {
	c := NewMemoryReplayCache(1024, time.Hour)
	ctx := context.Background()

	var fresh int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.CheckAndInsert(ctx, "dev", "nonce", time.Minute)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, fresh, "exactly one concurrent insert must win")
}
