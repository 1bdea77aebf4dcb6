package auditlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/dropDatabas3/signet/internal/domain"
)

// FileStore persiste el ledger como JSONL append-only, una entrada por
// línea, fsync por escritura (sin buffering: es el system-of-record).
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFileStore abre (o crea) el archivo del ledger en modo append.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	return &FileStore{path: path, f: f}, nil
}

func (s *FileStore) Append(ctx context.Context, e domain.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	// Durable antes de ack al caller.
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync audit ledger: %w", err)
	}
	return nil
}

func (s *FileStore) Entries(ctx context.Context, afterSeq uint64, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEntries(s.path, afterSeq, limit)
}

func (s *FileStore) Last(ctx context.Context) (*domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := readEntries(s.path, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

// Close cierra el archivo subyacente.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// readEntries is shared with cmd/auditverify for offline verification.
func readEntries(path string, afterSeq uint64, limit int) ([]domain.AuditEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	defer f.Close()

	var out []domain.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt ledger line: %w", err)
		}
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit ledger: %w", err)
	}
	return out, nil
}

// ReadLedgerFile carga todas las entradas de un archivo de ledger.
// Usado por la verificación offline.
func ReadLedgerFile(path string) ([]domain.AuditEntry, error) {
	return readEntries(path, 0, 0)
}
