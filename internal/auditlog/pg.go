package auditlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/signet/internal/domain"
)

// PGStore persiste el ledger en Postgres. La tabla es append-only a
// nivel de aplicación; sequence es PRIMARY KEY para que un append
// duplicado falle en vez de pisar historia.
type PGStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    sequence      BIGINT PRIMARY KEY,
    entry_id      TEXT NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    previous_hash TEXT NOT NULL,
    entry_hash    TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    actor         TEXT NOT NULL,
    actor_kind    TEXT NOT NULL,
    target        TEXT NOT NULL,
    success       BOOLEAN NOT NULL,
    details       JSONB
)`

// NewPGStore abre el pool y asegura el esquema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Append(ctx context.Context, e domain.AuditEntry) error {
	var details []byte
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	const q = `
INSERT INTO audit_entries
  (sequence, entry_id, ts, previous_hash, entry_hash, event_type, actor, actor_kind, target, success, details)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := s.pool.Exec(ctx, q,
		e.Sequence, e.EntryID, e.Timestamp, e.PreviousHash, e.EntryHash,
		string(e.EventType), e.Actor, string(e.ActorKind), e.Target, e.Success, details,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PGStore) Entries(ctx context.Context, afterSeq uint64, limit int) ([]domain.AuditEntry, error) {
	q := `
SELECT sequence, entry_id, ts, previous_hash, entry_hash, event_type, actor, actor_kind, target, success, details
FROM audit_entries
WHERE sequence > $1
ORDER BY sequence ASC`
	args := []any{afterSeq}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var eventType, actorKind string
		var details []byte
		if err := rows.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &e.PreviousHash, &e.EntryHash,
			&eventType, &e.Actor, &actorKind, &e.Target, &e.Success, &details); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(eventType)
		e.ActorKind = domain.ActorKind(actorKind)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Last(ctx context.Context) (*domain.AuditEntry, error) {
	const q = `
SELECT sequence, entry_id, ts, previous_hash, entry_hash, event_type, actor, actor_kind, target, success, details
FROM audit_entries
ORDER BY sequence DESC
LIMIT 1`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query last entry: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e domain.AuditEntry
	var eventType, actorKind string
	var details []byte
	if err := rows.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &e.PreviousHash, &e.EntryHash,
		&eventType, &e.Actor, &actorKind, &e.Target, &e.Success, &details); err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(eventType)
	e.ActorKind = domain.ActorKind(actorKind)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return &e, nil
}

// Close libera el pool.
func (s *PGStore) Close() { s.pool.Close() }
