package auditlog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signet/internal/domain"
)

func appendN(t *testing.T, l *Log, n int) []domain.AuditEntry {
	t.Helper()
	out := make([]domain.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), Event{
			Type:      domain.EventMessageSigned,
			Actor:     "signer",
			ActorKind: domain.ActorSystem,
			Target:    fmt.Sprintf("m-%d", i),
			Success:   true,
			Details:   map[string]any{"tier": "warning"},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestChainLinksAndVerifies(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)

	entries := appendN(t, l, 5)
	require.Equal(t, GenesisHash, entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].EntryHash, entries[i].PreviousHash)
		require.Equal(t, entries[i-1].Sequence+1, entries[i].Sequence)
	}

	ok, broken, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, broken)
}

func TestVerifyEmptyLedger(t *testing.T) {
	ok, broken := VerifyEntries(nil)
	require.True(t, ok)
	require.Empty(t, broken)
}

// Alterar la entrada N invalida [N..end], nunca menos.
func TestTamperedEntryInvalidatesSuffix(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)
	appendN(t, l, 10)

	entries, err := store.Entries(context.Background(), 0, 0)
	require.NoError(t, err)
	entries[4].Actor = "attacker" // sequence 5

	ok, broken := VerifyEntries(entries)
	require.False(t, ok)
	require.Len(t, broken, 1)
	require.Equal(t, uint64(5), broken[0].From)
	require.Equal(t, uint64(10), broken[0].To)
}

// Borrar una entrada del medio rompe la cadena en el gap.
func TestDeletedEntryBreaksChain(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)
	appendN(t, l, 6)

	entries, err := store.Entries(context.Background(), 0, 0)
	require.NoError(t, err)
	cut := append(append([]domain.AuditEntry{}, entries[:2]...), entries[3:]...)

	ok, broken := VerifyEntries(cut)
	require.False(t, ok)
	require.Equal(t, uint64(4), broken[0].From)
	require.Equal(t, uint64(6), broken[0].To)
}

func TestLedgerNotStartingAtGenesis(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)
	appendN(t, l, 4)

	entries, err := store.Entries(context.Background(), 1, 0)
	require.NoError(t, err)
	ok, broken := VerifyEntries(entries)
	require.False(t, ok)
	require.Equal(t, uint64(2), broken[0].From)
}

// Una verificación fallida marca el log como comprometido: los appends
// siguientes se rechazan, sin reparación automática.
func TestCompromisedLogRefusesAppends(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)
	appendN(t, l, 3)

	store.mu.Lock()
	store.entries[1].Target = "edited"
	store.mu.Unlock()

	ok, _, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, l.Compromised())

	_, err = l.Append(context.Background(), Event{Type: domain.EventBoot, Success: true})
	require.ErrorIs(t, err, domain.ErrChainIntegrity)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	fs1, err := OpenFileStore(path)
	require.NoError(t, err)
	l1, err := Open(ctx, fs1)
	require.NoError(t, err)
	first := appendN(t, l1, 3)
	require.NoError(t, fs1.Close())

	// reabrir y continuar la cadena
	fs2, err := OpenFileStore(path)
	require.NoError(t, err)
	l2, err := Open(ctx, fs2)
	require.NoError(t, err)
	more := appendN(t, l2, 2)
	require.Equal(t, first[2].EntryHash, more[0].PreviousHash)
	require.Equal(t, uint64(4), more[0].Sequence)

	ok, _, err := l2.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// lectura offline
	entries, err := ReadLedgerFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	ok2, _ := VerifyEntries(entries)
	require.True(t, ok2)
	require.NoError(t, fs2.Close())
}

func TestQueryFilters(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)
	appendN(t, l, 4)
	_, err = l.Append(context.Background(), Event{
		Type: domain.EventReplayDetected, Actor: "sign-1",
		ActorKind: domain.ActorDevice, Target: "m-x", Success: false,
	})
	require.NoError(t, err)

	got, err := l.Query(context.Background(), QueryOptions{
		EventTypes: []domain.EventType{domain.EventReplayDetected},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "m-x", got[0].Target)

	got, err = l.Query(context.Background(), QueryOptions{AfterSequence: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = l.Query(context.Background(), QueryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
}
