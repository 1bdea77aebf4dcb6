package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/domain"
)

// RaftStore implementa auditlog.Store replicando cada append por Raft.
// Las lecturas salen del store local materializado por el FSM (siempre
// un prefijo consistente del ledger). Los appends solo proceden en el
// leader: el Log local del leader es el único escritor lógico del
// cluster, así que la cadena de hashes nunca se bifurca.
type RaftStore struct {
	node  *Node
	local auditlog.Store
}

func NewRaftStore(node *Node, local auditlog.Store) *RaftStore {
	return &RaftStore{node: node, local: local}
}

func (s *RaftStore) Append(ctx context.Context, e domain.AuditEntry) error {
	if !s.node.IsLeader() {
		return fmt.Errorf("audit append on follower (leader is %s): %w",
			s.node.LeaderID(), domain.ErrConflict)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if _, err := s.node.ApplyBytes(ctx, b); err != nil {
		return fmt.Errorf("replicate audit entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *RaftStore) Entries(ctx context.Context, afterSeq uint64, limit int) ([]domain.AuditEntry, error) {
	return s.local.Entries(ctx, afterSeq, limit)
}

func (s *RaftStore) Last(ctx context.Context) (*domain.AuditEntry, error) {
	return s.local.Last(ctx)
}
