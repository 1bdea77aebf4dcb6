package keyring

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/keystore"
)

// memKeyStore evita disco y passphrase en los tests del ring.
type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]ed25519.PrivateKey)}
}

func (m *memKeyStore) Generate(_ context.Context, kid string) (ed25519.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	m.keys[kid] = priv
	return pub, nil
}

func (m *memKeyStore) Sign(_ context.Context, kid string, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	priv, ok := m.keys[kid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ed25519.Sign(priv, data), nil
}

func (m *memKeyStore) PublicKey(_ context.Context, kid string) (ed25519.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	priv, ok := m.keys[kid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (m *memKeyStore) Destroy(_ context.Context, kid string, _ keystore.DestroyProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, kid)
	return nil
}

// flakyKeyStore falla la próxima generación una sola vez.
type flakyKeyStore struct {
	*memKeyStore
	failGenerate bool
}

func (f *flakyKeyStore) Generate(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if f.failGenerate {
		f.failGenerate = false
		return nil, domain.ErrSigningBackend
	}
	return f.memKeyStore.Generate(ctx, kid)
}

func openTestRing(t *testing.T, window time.Duration) *Ring {
	t.Helper()
	r, err := Open(t.TempDir(), newMemKeyStore(), window)
	require.NoError(t, err)
	return r
}

func TestEnsureActiveBootstraps(t *testing.T) {
	r := openTestRing(t, 0)
	ctx := context.Background()

	_, err := r.Active(domain.TierWarning)
	require.ErrorIs(t, err, domain.ErrUnknownTierKey)

	rec, err := r.EnsureActive(ctx, domain.TierWarning)
	require.NoError(t, err)
	require.Equal(t, domain.KeyActive, rec.Status)
	require.Len(t, rec.PublicKey, ed25519.PublicKeySize)

	again, err := r.EnsureActive(ctx, domain.TierWarning)
	require.NoError(t, err)
	require.Equal(t, rec.KID, again.KID, "EnsureActive debe ser idempotente")
}

func TestRotateKeepsOldKeyInWindow(t *testing.T) {
	r := openTestRing(t, time.Hour)
	ctx := context.Background()

	old, err := r.EnsureActive(ctx, domain.TierEmergency)
	require.NoError(t, err)

	fresh, err := r.Rotate(ctx, domain.TierEmergency)
	require.NoError(t, err)
	require.NotEqual(t, old.KID, fresh.KID)

	active, err := r.Active(domain.TierEmergency)
	require.NoError(t, err)
	require.Equal(t, fresh.KID, active.KID)

	// ambas confiables dentro de la ventana
	trusted := r.Trusted(domain.TierEmergency)
	kids := map[string]bool{}
	for _, k := range trusted {
		kids[k.KID] = true
	}
	require.True(t, kids[old.KID], "la rotada sigue en gracia")
	require.True(t, kids[fresh.KID])

	oldRec, err := r.Get(old.KID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyRotated, oldRec.Status)
	require.NotNil(t, oldRec.RotatedAt)
}

// Si la generación falla a mitad de una rotación, la clave activa actual
// tiene que seguir activa: un tier sin clave no puede firmar nada.
func TestRotateFailureKeepsActiveKey(t *testing.T) {
	store := &flakyKeyStore{memKeyStore: newMemKeyStore()}
	r, err := Open(t.TempDir(), store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	old, err := r.EnsureActive(ctx, domain.TierWarning)
	require.NoError(t, err)

	store.failGenerate = true
	_, err = r.Rotate(ctx, domain.TierWarning)
	require.ErrorIs(t, err, domain.ErrSigningBackend)

	active, err := r.Active(domain.TierWarning)
	require.NoError(t, err, "la rotación fallida no puede dejar el tier sin clave")
	require.Equal(t, old.KID, active.KID)
	require.Equal(t, domain.KeyActive, active.Status)

	// el siguiente intento rota normal
	fresh, err := r.Rotate(ctx, domain.TierWarning)
	require.NoError(t, err)
	require.NotEqual(t, old.KID, fresh.KID)
	oldRec, err := r.Get(old.KID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyRotated, oldRec.Status)
}

func TestRotatedKeyExpiresAfterWindow(t *testing.T) {
	r := openTestRing(t, time.Millisecond)
	ctx := context.Background()

	old, err := r.EnsureActive(ctx, domain.TierWarning)
	require.NoError(t, err)
	_, err = r.Rotate(ctx, domain.TierWarning)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	for _, k := range r.Trusted(domain.TierWarning) {
		require.NotEqual(t, old.KID, k.KID, "clave fuera de ventana sigue confiable")
	}
}

func TestRevokedKeyNeverTrusted(t *testing.T) {
	r := openTestRing(t, time.Hour)
	ctx := context.Background()

	rec, err := r.EnsureActive(ctx, domain.TierWarning)
	require.NoError(t, err)
	require.NoError(t, r.Revoke(rec.KID))

	// revocada recién creada: recencia no importa
	require.Empty(t, r.Trusted(domain.TierWarning))

	got, err := r.Get(rec.KID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)

	// revoke es idempotente
	require.NoError(t, r.Revoke(rec.KID))

	// el record no desaparece del ring
	require.Len(t, r.All(), 1)
}

func TestRevokeUnknownKID(t *testing.T) {
	r := openTestRing(t, 0)
	require.ErrorIs(t, r.Revoke("nope"), domain.ErrNotFound)
}

func TestRingPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store := newMemKeyStore()
	ctx := context.Background()

	r1, err := Open(dir, store, time.Hour)
	require.NoError(t, err)
	rec, err := r1.EnsureActive(ctx, domain.TierAdvisory)
	require.NoError(t, err)
	_, err = r1.Rotate(ctx, domain.TierAdvisory)
	require.NoError(t, err)

	r2, err := Open(dir, store, time.Hour)
	require.NoError(t, err)
	require.Len(t, r2.All(), 2)
	got, err := r2.Get(rec.KID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyRotated, got.Status)
}

// Toda ceremonia de claves deja entrada en el ledger: generación
// (bootstrap y rotación) y destrucción de material.
func TestKeyCeremoniesLeaveAuditTrail(t *testing.T) {
	ctx := context.Background()
	audit, err := auditlog.Open(ctx, auditlog.NewMemoryStore())
	require.NoError(t, err)

	r, err := Open(t.TempDir(), newMemKeyStore(), time.Hour)
	require.NoError(t, err)
	r = r.WithAudit(audit)

	rec, err := r.EnsureActive(ctx, domain.TierWarning)
	require.NoError(t, err)
	fresh, err := r.Rotate(ctx, domain.TierWarning)
	require.NoError(t, err)

	gen, err := audit.Query(ctx, auditlog.QueryOptions{
		EventTypes: []domain.EventType{domain.EventKeyGenerated},
	})
	require.NoError(t, err)
	require.Len(t, gen, 2, "bootstrap y rotación generan clave")
	kids := map[string]bool{}
	for _, e := range gen {
		kids[e.Target] = true
		require.Equal(t, domain.ActorSystem, e.ActorKind)
		require.Equal(t, string(domain.TierWarning), e.Details["tier"])
	}
	require.True(t, kids[rec.KID])
	require.True(t, kids[fresh.KID])

	require.NoError(t, r.Destroy(ctx, rec.KID, keystore.DestroyProof{}))
	des, err := audit.Query(ctx, auditlog.QueryOptions{
		EventTypes: []domain.EventType{domain.EventKeyDestroyed},
	})
	require.NoError(t, err)
	require.Len(t, des, 1)
	require.Equal(t, rec.KID, des[0].Target)
	require.True(t, des[0].Success)

	// el record sobrevive a la destrucción del material
	_, err = r.Get(rec.KID)
	require.NoError(t, err)
}

func TestDestroyUnknownKID(t *testing.T) {
	r := openTestRing(t, 0)
	err := r.Destroy(context.Background(), "nope", keystore.DestroyProof{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
