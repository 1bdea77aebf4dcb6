// Package keyring lleva el ciclo de vida de las claves por tier: qué KID
// está activo, cuáles siguen en la ventana de rotación y cuáles están
// revocadas. Los records nunca se borran, solo avanzan de estado. El
// material privado vive en el keystore; acá solo hay metadata pública.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/keystore"
	"github.com/dropDatabas3/signet/internal/observability/logger"
	"github.com/dropDatabas3/signet/internal/util/atomicwrite"
)

// DefaultRotationWindow: cuánto tiempo sigue siendo confiable una clave
// rotada (no revocada) para verificación.
const DefaultRotationWindow = 48 * time.Hour

// Ring is the authoritative record of key lifecycle state. It is safe
// for concurrent use; mutations persist atomically to ring.json.
type Ring struct {
	store  keystore.KeyStore
	path   string
	window time.Duration
	audit  *auditlog.Log

	mu   sync.RWMutex
	recs map[string]*domain.KeyRecord // by KID
}

type ringFile struct {
	Keys []domain.KeyRecord `json:"keys"`
}

// Open loads (or initializes) the ring state at dir/ring.json.
func Open(dir string, store keystore.KeyStore, window time.Duration) (*Ring, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ring dir: %w", err)
	}
	if window <= 0 {
		window = DefaultRotationWindow
	}
	r := &Ring{
		store:  store,
		path:   filepath.Join(dir, "ring.json"),
		window: window,
		recs:   make(map[string]*domain.KeyRecord),
	}
	b, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	} else if err != nil {
		return nil, fmt.Errorf("read ring state: %w", err)
	}
	var rf ringFile
	if err := json.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("unmarshal ring state: %w", err)
	}
	for i := range rf.Keys {
		k := rf.Keys[i]
		r.recs[k.KID] = &k
	}
	return r, nil
}

// WithAudit engancha el ledger: generación y destrucción de claves dejan
// entrada. Sin ledger (tests, tooling offline) el ring opera igual.
func (r *Ring) WithAudit(l *auditlog.Log) *Ring {
	r.audit = l
	return r
}

// EnsureActive garantiza una clave activa para el tier; genera una si no
// existe (bootstrap). Devuelve el record activo.
func (r *Ring) EnsureActive(ctx context.Context, t domain.Tier) (*domain.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.activeLocked(t); rec != nil {
		cp := *rec
		return &cp, nil
	}
	return r.generateLocked(ctx, t)
}

// Active returns the active key record for tier t.
func (r *Ring) Active(t domain.Tier) (*domain.KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.activeLocked(t)
	if rec == nil {
		return nil, fmt.Errorf("tier %s: %w", t, domain.ErrUnknownTierKey)
	}
	cp := *rec
	return &cp, nil
}

// Rotate genera una clave nueva para el tier y pasa la activa actual a
// rotated. La vieja sigue verificando dentro de la ventana. El orden
// importa: primero se genera la nueva; si la generación falla, la activa
// actual queda intacta y el tier nunca se queda sin clave.
func (r *Ring) Rotate(ctx context.Context, t domain.Tier) (*domain.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.newRecordLocked(ctx, t)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if cur := r.activeLocked(t); cur != nil {
		cur.Status = domain.KeyRotated
		cur.RotatedAt = &now
	}
	r.recs[rec.KID] = rec
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	r.auditKeyGenerated(ctx, rec)
	logger.Named("keyring").Info("tier key rotated",
		logger.TierField(string(t)), logger.KID(rec.KID))
	cp := *rec
	return &cp, nil
}

// Revoke marca kid como revocado. Irreversible; una clave revocada nunca
// vuelve a verificar, sin importar recencia.
func (r *Ring) Revoke(kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[kid]
	if !ok {
		return fmt.Errorf("revoke %q: %w", kid, domain.ErrNotFound)
	}
	if rec.Status == domain.KeyRevoked {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = domain.KeyRevoked
	rec.RevokedAt = &now
	if err := r.persistLocked(); err != nil {
		return err
	}
	logger.Named("keyring").Warn("key revoked", logger.KID(kid))
	return nil
}

// Destroy borra el material privado de kid del keystore (que exige su
// quorum de approvals) y deja la ceremonia en el ledger. El record del
// ring no se borra: la historia de la clave sobrevive a su material.
func (r *Ring) Destroy(ctx context.Context, kid string, proof keystore.DestroyProof) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[kid]
	if !ok {
		return fmt.Errorf("destroy %q: %w", kid, domain.ErrNotFound)
	}
	if err := r.store.Destroy(ctx, kid, proof); err != nil {
		if r.audit != nil {
			_, _ = r.audit.Append(ctx, auditlog.Event{
				Type:      domain.EventKeyDestroyed,
				Actor:     "ceremony",
				ActorKind: domain.ActorOperator,
				Target:    kid,
				Success:   false,
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		return err
	}
	if r.audit != nil {
		_, _ = r.audit.Append(ctx, auditlog.Event{
			Type:      domain.EventKeyDestroyed,
			Actor:     "ceremony",
			ActorKind: domain.ActorOperator,
			Target:    kid,
			Success:   true,
			Details:   map[string]any{"tier": string(rec.Tier), "status": string(rec.Status)},
		})
	}
	logger.Named("keyring").Warn("key material destroyed", logger.KID(kid))
	return nil
}

// Trusted returns the keys a verifier may accept for tier t right now:
// the active key plus rotated keys still inside the window. Revoked keys
// never appear.
func (r *Ring) Trusted(t domain.Tier) []domain.KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now().UTC()
	var out []domain.KeyRecord
	for _, rec := range r.recs {
		if rec.Tier == t && rec.TrustedAt(now, r.window) {
			out = append(out, *rec)
		}
	}
	return out
}

// Get returns the record for kid.
func (r *Ring) Get(kid string) (*domain.KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[kid]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", kid, domain.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// All returns every record, any status. Para tooling y endpoints público.
func (r *Ring) All() []domain.KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.KeyRecord, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, *rec)
	}
	return out
}

func (r *Ring) activeLocked(t domain.Tier) *domain.KeyRecord {
	for _, rec := range r.recs {
		if rec.Tier == t && rec.Status == domain.KeyActive {
			return rec
		}
	}
	return nil
}

// newRecordLocked genera material nuevo en el keystore y arma el record.
// No toca r.recs ni persiste: el caller decide cuándo se vuelve visible.
func (r *Ring) newRecordLocked(ctx context.Context, t domain.Tier) (*domain.KeyRecord, error) {
	kid := fmt.Sprintf("%s-%s", t, uuid.NewString()[:8])
	pub, err := r.store.Generate(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("generate key for tier %s: %w", t, err)
	}
	return &domain.KeyRecord{
		KID:       kid,
		Tier:      t,
		Alg:       "EdDSA",
		PublicKey: pub,
		Status:    domain.KeyActive,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (r *Ring) generateLocked(ctx context.Context, t domain.Tier) (*domain.KeyRecord, error) {
	rec, err := r.newRecordLocked(ctx, t)
	if err != nil {
		return nil, err
	}
	r.recs[rec.KID] = rec
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	r.auditKeyGenerated(ctx, rec)
	cp := *rec
	return &cp, nil
}

func (r *Ring) auditKeyGenerated(ctx context.Context, rec *domain.KeyRecord) {
	if r.audit == nil {
		return
	}
	_, _ = r.audit.Append(ctx, auditlog.Event{
		Type:      domain.EventKeyGenerated,
		Actor:     "keyring",
		ActorKind: domain.ActorSystem,
		Target:    rec.KID,
		Success:   true,
		Details:   map[string]any{"tier": string(rec.Tier)},
	})
}

// persistLocked escribe el estado del ring con la misma garantía
// atómica que el resto de los stores en disco.
func (r *Ring) persistLocked() error {
	rf := ringFile{Keys: make([]domain.KeyRecord, 0, len(r.recs))}
	for _, rec := range r.recs {
		rf.Keys = append(rf.Keys, *rec)
	}
	b, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ring state: %w", err)
	}
	return atomicwrite.AtomicWriteFile(r.path, b, 0600)
}
