package auditlog

import (
	"context"
	"sync"

	"github.com/dropDatabas3/signet/internal/domain"
)

// Store persiste entradas ya encadenadas. El Log serializa los appends;
// un Store no necesita sincronizar escritores entre sí, pero Append debe
// ser atómico: o la entrada queda completa o no queda nada observable.
type Store interface {
	// Append persists the entry. Must not return until the entry is
	// durable (partial writes never observable).
	Append(ctx context.Context, e domain.AuditEntry) error
	// Entries returns entries with sequence > afterSeq, ascending,
	// up to limit (0 = no limit).
	Entries(ctx context.Context, afterSeq uint64, limit int) ([]domain.AuditEntry, error)
	// Last returns the highest-sequence entry, or nil on an empty log.
	Last(ctx context.Context) (*domain.AuditEntry, error)
}

// MemoryStore: para tests y para el modo efímero de demo.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(ctx context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context, afterSeq uint64, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Last(ctx context.Context) (*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := s.entries[len(s.entries)-1]
	return &e, nil
}
