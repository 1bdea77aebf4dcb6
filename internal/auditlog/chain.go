// Package auditlog implementa el ledger append-only con hash chaining.
// Cada entrada encadena el hash de la anterior; borrar o editar una
// entrada invalida todo lo que sigue. El chain detecta edición
// retroactiva pero no a un atacante que controla el log completo y
// recalcula los hashes: el checkpointing externo del último hash es
// responsabilidad del colaborador.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dropDatabas3/signet/internal/canonical"
	"github.com/dropDatabas3/signet/internal/domain"
)

// GenesisHash is the fixed previous_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashPayload: los campos cubiertos por el entry hash (todo menos
// entry_hash), con keys enteras y orden fijo para que el encoding
// canónico sea reproducible por cualquier verificador.
type hashPayload struct {
	Sequence      uint64         `cbor:"1,keyasint"`
	EntryID       string         `cbor:"2,keyasint"`
	TimestampUnix int64          `cbor:"3,keyasint"`
	PreviousHash  string         `cbor:"4,keyasint"`
	EventType     string         `cbor:"5,keyasint"`
	Actor         string         `cbor:"6,keyasint"`
	ActorKind     string         `cbor:"7,keyasint"`
	Target        string         `cbor:"8,keyasint"`
	Success       bool           `cbor:"9,keyasint"`
	Details       map[string]any `cbor:"10,keyasint"`
}

// ComputeEntryHash = SHA-256(previous_hash ∥ canonical(entry sin entry_hash)).
func ComputeEntryHash(e *domain.AuditEntry) (string, error) {
	p := hashPayload{
		Sequence:      e.Sequence,
		EntryID:       e.EntryID,
		TimestampUnix: e.Timestamp.Unix(),
		PreviousHash:  e.PreviousHash,
		EventType:     string(e.EventType),
		Actor:         e.Actor,
		ActorKind:     string(e.ActorKind),
		Target:        e.Target,
		Success:       e.Success,
		Details:       e.Details,
	}
	b, err := canonical.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("canonical entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PreviousHash))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Range es un rango inclusivo de sequences con hashes divergentes.
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// VerifyEntries walks entries from genesis, recomputing every hash. It
// returns validity plus the broken ranges: una divergencia o gap en la
// sequence N invalida de N hasta el final, porque cada hash depende de
// todos los anteriores.
func VerifyEntries(entries []domain.AuditEntry) (bool, []Range) {
	if len(entries) == 0 {
		return true, nil
	}
	prevHash := GenesisHash
	wantSeq := entries[0].Sequence
	if wantSeq != 1 {
		// El log no arranca en génesis: todo el rango es sospechoso.
		return false, []Range{{From: wantSeq, To: entries[len(entries)-1].Sequence}}
	}
	for i := range entries {
		e := &entries[i]
		broken := false
		if e.Sequence != wantSeq {
			broken = true // gap
		}
		if e.PreviousHash != prevHash {
			broken = true
		}
		if computed, err := ComputeEntryHash(e); err != nil || computed != e.EntryHash {
			broken = true
		}
		if broken {
			return false, []Range{{From: e.Sequence, To: entries[len(entries)-1].Sequence}}
		}
		prevHash = e.EntryHash
		wantSeq = e.Sequence + 1
	}
	return true, nil
}
