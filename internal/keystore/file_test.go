package keystore

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signet/internal/authz"
	"github.com/dropDatabas3/signet/internal/domain"
)

// approverSet arma un pool real de approvers con sus privadas, para
// firmar proofs de destroy con la misma primitiva que producción.
type approverSet struct {
	registry *authz.Registry
	privs    map[string]ed25519.PrivateKey
}

func newApproverSet(t *testing.T, ids ...string) *approverSet {
	t.Helper()
	pool := make(map[string]ed25519.PublicKey, len(ids))
	privs := make(map[string]ed25519.PrivateKey, len(ids))
	for _, id := range ids {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		pool[id] = pub
		privs[id] = priv
	}
	return &approverSet{registry: authz.NewRegistry(pool), privs: privs}
}

func (a *approverSet) destroyToken(t *testing.T, approverID, kid string) string {
	t.Helper()
	tok, err := authz.NewApprovalToken(approverID, a.privs[approverID], "destroy:"+kid)
	require.NoError(t, err)
	return tok
}

func newStore(t *testing.T, approvers *approverSet) *FileKeyStore {
	t.Helper()
	s, err := NewFileKeyStore(t.TempDir(), "correct horse battery staple", approvers.registry, 2)
	require.NoError(t, err)
	return s
}

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	ap := newApproverSet(t, "op-1", "op-2")
	s := newStore(t, ap)
	ctx := context.Background()

	pub, err := s.Generate(ctx, "tier-warning-0001")
	require.NoError(t, err)
	require.Len(t, pub, ed25519.PublicKeySize)

	payload := []byte("deterministic bytes")
	sig, err := s.Sign(ctx, "tier-warning-0001", payload)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, payload, sig))

	got, err := s.PublicKey(ctx, "tier-warning-0001")
	require.NoError(t, err)
	require.Equal(t, pub, got)
}

func TestGenerateDuplicateKID(t *testing.T) {
	ap := newApproverSet(t, "op-1", "op-2")
	s := newStore(t, ap)
	_, err := s.Generate(context.Background(), "k1")
	require.NoError(t, err)
	_, err = s.Generate(context.Background(), "k1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

// El material en disco nunca contiene la privada en claro.
func TestPrivateKeyEncryptedAtRest(t *testing.T) {
	ap := newApproverSet(t, "op-1", "op-2")
	dir := t.TempDir()
	s, err := NewFileKeyStore(dir, "passphrase", ap.registry, 2)
	require.NoError(t, err)

	pub, err := s.Generate(context.Background(), "k1")
	require.NoError(t, err)
	priv, err := s.private("k1")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "k1.key"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), string(priv))
	require.False(t, strings.Contains(string(raw), string(priv.Seed())))
	_ = pub
}

// Reabrir el store con la misma passphrase recupera las claves; una
// passphrase distinta no puede abrir el material (nunca degrada).
func TestReopenWithPassphrase(t *testing.T) {
	ap := newApproverSet(t, "op-1", "op-2")
	dir := t.TempDir()
	s1, err := NewFileKeyStore(dir, "right", ap.registry, 2)
	require.NoError(t, err)
	pub, err := s1.Generate(context.Background(), "k1")
	require.NoError(t, err)

	s2, err := NewFileKeyStore(dir, "right", ap.registry, 2)
	require.NoError(t, err)
	sig, err := s2.Sign(context.Background(), "k1", []byte("x"))
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, []byte("x"), sig))

	s3, err := NewFileKeyStore(dir, "wrong", ap.registry, 2)
	require.NoError(t, err)
	_, err = s3.Sign(context.Background(), "k1", []byte("x"))
	require.ErrorIs(t, err, domain.ErrSigningBackend)
}

func TestDestroyRequiresQuorum(t *testing.T) {
	ap := newApproverSet(t, "op-1", "op-2", "op-3")
	s := newStore(t, ap)
	ctx := context.Background()
	_, err := s.Generate(ctx, "k1")
	require.NoError(t, err)

	// sin proof
	err = s.Destroy(ctx, "k1", DestroyProof{})
	require.ErrorIs(t, err, domain.ErrAuthorization)

	// un solo approver
	err = s.Destroy(ctx, "k1", DestroyProof{Tokens: []string{ap.destroyToken(t, "op-1", "k1")}})
	require.ErrorIs(t, err, domain.ErrAuthorization)

	// el mismo approver dos veces NO es quorum
	err = s.Destroy(ctx, "k1", DestroyProof{Tokens: []string{
		ap.destroyToken(t, "op-1", "k1"),
		ap.destroyToken(t, "op-1", "k1"),
	}})
	require.ErrorIs(t, err, domain.ErrAuthorization)

	// token sobre OTRO kid no cuenta
	err = s.Destroy(ctx, "k1", DestroyProof{Tokens: []string{
		ap.destroyToken(t, "op-1", "k1"),
		ap.destroyToken(t, "op-2", "other-kid"),
	}})
	require.ErrorIs(t, err, domain.ErrAuthorization)

	// dos approvers distintos sobre el kid correcto
	err = s.Destroy(ctx, "k1", DestroyProof{Tokens: []string{
		ap.destroyToken(t, "op-1", "k1"),
		ap.destroyToken(t, "op-2", "k1"),
	}})
	require.NoError(t, err)

	_, err = s.Sign(ctx, "k1", []byte("x"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidKIDRejected(t *testing.T) {
	ap := newApproverSet(t, "op-1", "op-2")
	s := newStore(t, ap)
	for _, kid := range []string{"", "../evil", "a/b", `a\b`} {
		_, err := s.Generate(context.Background(), kid)
		require.Error(t, err, "kid %q", kid)
	}
}
