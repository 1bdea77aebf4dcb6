package auditlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/metrics"
	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// Event es lo que los componentes le entregan al log; el encadenado
// (sequence, hashes, entry id) lo pone el Log.
type Event struct {
	Type      domain.EventType
	Actor     string
	ActorKind domain.ActorKind
	Target    string
	Success   bool
	Details   map[string]any
}

// Log is the single logical writer over a Store. Appends are globally
// serialized by one mutex (orden de append testeable y race-free);
// readers run concurrently and always see a consistent prefix because an
// entry only becomes visible after its store write returned.
type Log struct {
	mu       sync.Mutex
	store    Store
	seq      uint64
	lastHash string

	// compromised: una verificación falló. El log deja de ser autoritativo
	// para decisiones automáticas hasta intervención manual. Nunca se
	// intenta reparación automática de la cadena.
	compromised atomic.Bool
}

// Open carga el último estado del store y continúa la cadena.
func Open(ctx context.Context, store Store) (*Log, error) {
	l := &Log{store: store, lastHash: GenesisHash}
	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	if last != nil {
		l.seq = last.Sequence
		l.lastHash = last.EntryHash
	}
	return l, nil
}

// Append encadena y persiste el evento. Devuelve recién cuando la
// entrada es durable; si el store falla, el head no avanza y no queda
// escritura parcial observable.
func (l *Log) Append(ctx context.Context, evt Event) (domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compromised.Load() {
		return domain.AuditEntry{}, fmt.Errorf("append refused: %w", domain.ErrChainIntegrity)
	}

	e := domain.AuditEntry{
		Sequence:     l.seq + 1,
		EntryID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		PreviousHash: l.lastHash,
		EventType:    evt.Type,
		Actor:        evt.Actor,
		ActorKind:    evt.ActorKind,
		Target:       evt.Target,
		Success:      evt.Success,
		Details:      evt.Details,
	}
	hash, err := ComputeEntryHash(&e)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("hash audit entry: %w", err)
	}
	e.EntryHash = hash

	if err := l.store.Append(ctx, e); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("persist audit entry: %w", err)
	}
	l.seq = e.Sequence
	l.lastHash = e.EntryHash
	metrics.AuditAppends.Inc()
	return e, nil
}

// VerifyChain recorre el log desde génesis recalculando cada hash.
// Si falla marca el log como no autoritativo (ErrChainIntegrity en los
// appends siguientes) y dispara la señal de tamper.
func (l *Log) VerifyChain(ctx context.Context) (bool, []Range, error) {
	entries, err := l.store.Entries(ctx, 0, 0)
	if err != nil {
		return false, nil, fmt.Errorf("read audit entries: %w", err)
	}
	ok, broken := VerifyEntries(entries)
	if ok {
		metrics.AuditChainValid.Set(1)
		return true, nil, nil
	}
	metrics.AuditChainValid.Set(0)
	metrics.TamperSignals.Inc()
	l.compromised.Store(true)
	logger.Named("auditlog").Error("audit chain integrity violation",
		logger.Int("broken_ranges", len(broken)))
	return false, broken, nil
}

// Compromised reporta si una verificación previa falló.
func (l *Log) Compromised() bool { return l.compromised.Load() }

// QueryOptions filtra lecturas del ledger.
type QueryOptions struct {
	AfterSequence uint64
	EventTypes    []domain.EventType
	Limit         int
}

// Query devuelve entradas filtradas. Los readers no bloquean al writer.
func (l *Log) Query(ctx context.Context, opts QueryOptions) ([]domain.AuditEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	// Sin filtro de tipo: el store pagina directo.
	if len(opts.EventTypes) == 0 {
		return l.store.Entries(ctx, opts.AfterSequence, limit)
	}
	want := make(map[domain.EventType]bool, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		want[t] = true
	}
	all, err := l.store.Entries(ctx, opts.AfterSequence, 0)
	if err != nil {
		return nil, err
	}
	var out []domain.AuditEntry
	for _, e := range all {
		if !want[e.EventType] {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
