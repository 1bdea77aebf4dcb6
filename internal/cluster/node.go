package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/dropDatabas3/signet/internal/metrics"
	"github.com/dropDatabas3/signet/internal/observability/logger"
)

const membershipTimeout = 10 * time.Second

// Node envuelve *raft.Raft con helpers de Apply/Leader/Close y un
// constructor que inicializa stores (BoltDB), snapshots y transporte TCP.
type Node struct {
	r            *raft.Raft
	applyTimeout time.Duration
	id           raft.ServerID
	addr         raft.ServerAddress
	membershipMu sync.Mutex
}

type NodeOptions struct {
	NodeID    string   // identidad de este nodo
	BindAddr  string   // host:port para transporte Raft
	DataDir   string   // directorio de datos de Raft
	FSM       raft.FSM // implementación de FSM
	Bootstrap bool     // bootstrap single-node si no hay estado previo
	Peers     []string // direcciones estáticas id@addr del cluster inicial
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.NodeID == "" || opts.BindAddr == "" || opts.DataDir == "" || opts.FSM == nil {
		return nil, errors.New("invalid NodeOptions")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir raft dir: %w", err)
	}

	// Log + stable en la misma Bolt DB.
	boltPath := filepath.Join(opts.DataDir, "raft.db")
	boltStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("bolt store: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(opts.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	trans, err := raft.NewTCPTransport(opts.BindAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("tcp transport: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)

	r, err := raft.NewRaft(cfg, opts.FSM, boltStore, boltStore, snapStore, trans)
	if err != nil {
		return nil, fmt.Errorf("new raft: %w", err)
	}

	go func(ch <-chan bool) {
		for v := range ch {
			if v {
				metrics.RaftLeadershipChanges.Inc()
			}
		}
	}(r.LeaderCh())

	hasState, err := raft.HasExistingState(boltStore, boltStore, snapStore)
	if err != nil {
		return nil, fmt.Errorf("check state: %w", err)
	}
	if !hasState && opts.Bootstrap {
		servers := []raft.Server{{ID: cfg.LocalID, Address: trans.LocalAddr()}}
		for _, p := range opts.Peers {
			id, addr, ok := splitPeer(p)
			if !ok || id == opts.NodeID {
				continue
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
		}
		if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		logger.Named("cluster").Info("cluster bootstrapped",
			logger.String("node", opts.NodeID), logger.Int("servers", len(servers)))
	}

	// Tamaño del log Raft en disco, para alarmar crecimiento sin snapshots.
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for range t.C {
			if st, err := os.Stat(boltPath); err == nil {
				metrics.RaftLogSizeBytes.Set(float64(st.Size()))
			}
		}
	}()

	return &Node{r: r, applyTimeout: 5 * time.Second, id: cfg.LocalID, addr: trans.LocalAddr()}, nil
}

// splitPeer parsea "id@host:port".
func splitPeer(s string) (id, addr string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return s[:i], s[i+1:], i > 0 && i < len(s)-1
		}
	}
	return "", "", false
}

// ApplyBytes envía bytes raw al Raft log y espera commit o timeout,
// respetando la cancelación de ctx.
func (n *Node) ApplyBytes(ctx context.Context, data []byte) (uint64, error) {
	if n == nil || n.r == nil {
		return 0, errors.New("raft not initialized")
	}
	start := time.Now()
	fut := n.r.Apply(data, n.applyTimeout)

	done := make(chan struct{})
	var applyErr error
	var index uint64
	go func() {
		applyErr = fut.Error()
		index = fut.Index()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		metrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))
		return index, applyErr
	}
}

func (n *Node) IsLeader() bool {
	if n == nil || n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

func (n *Node) LeaderID() string {
	if n == nil || n.r == nil {
		return ""
	}
	addr, id := n.r.LeaderWithID()
	if id != "" {
		return string(id)
	}
	return string(addr)
}

func (n *Node) NodeID() string {
	if n == nil {
		return ""
	}
	return string(n.id)
}

// AddVoter agrega un voter, idempotente si ya existe con la misma
// dirección.
func (n *Node) AddVoter(ctx context.Context, id, addr string) error {
	if n == nil || n.r == nil {
		return errors.New("raft not initialized")
	}
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	confFut := n.r.GetConfiguration()
	if err := confFut.Error(); err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	for _, srv := range confFut.Configuration().Servers {
		if srv.ID == raft.ServerID(id) && srv.Address == raft.ServerAddress(addr) {
			return nil
		}
	}
	fut := n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, membershipTimeout)
	return fut.Error()
}

func (n *Node) Stats() map[string]string {
	if n == nil || n.r == nil {
		return map[string]string{}
	}
	return n.r.Stats()
}

func (n *Node) Close() error {
	if n == nil || n.r == nil {
		return nil
	}
	return n.r.Shutdown().Error()
}
