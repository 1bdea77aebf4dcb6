// Package keystore define la capability interface sobre el material de
// firma. El core (signer/verifier) depende solo de la interfaz; cambiar
// de backend (archivo protegido por passphrase vs HSM) no toca el core.
package keystore

import (
	"context"
	"crypto/ed25519"

	"github.com/dropDatabas3/signet/internal/domain"
)

// KeyStore is the capability surface over signing keys.
//
// Contract:
//   - Sign never returns or logs private material.
//   - Generate returns only the public key; private bytes stay inside.
//   - Destroy fails with domain.ErrAuthorization unless the quorum proof
//     validates; destruction is the only operation gated this way.
//   - Backend faults surface as domain.ErrSigningBackend and never fall
//     back silently to a weaker backend.
type KeyStore interface {
	Generate(ctx context.Context, kid string) (ed25519.PublicKey, error)
	Sign(ctx context.Context, kid string, data []byte) ([]byte, error)
	PublicKey(ctx context.Context, kid string) (ed25519.PublicKey, error)
	Destroy(ctx context.Context, kid string, proof DestroyProof) error
}

// DestroyProof carries the quorum sign-off required to destroy key
// material. It is validated with the same primitive as message-level
// authorizations but over the subject "destroy:<kid>".
type DestroyProof struct {
	Tokens []string
}

// ApprovalVerifier validates one approver token over a subject and
// returns the distinct approver id. Implemented by the authz registry.
type ApprovalVerifier interface {
	VerifyApproval(token, subject string) (approverID string, err error)
}

// destroySubject is the signed subject for a key destruction ceremony.
func destroySubject(kid string) string { return "destroy:" + kid }

// verifyDestroyQuorum checks that proof carries at least quorum distinct
// valid approvals. Shared by both backends.
func verifyDestroyQuorum(v ApprovalVerifier, kid string, proof DestroyProof, quorum int) error {
	if v == nil {
		return domain.ErrAuthorization
	}
	seen := make(map[string]struct{}, len(proof.Tokens))
	for _, tok := range proof.Tokens {
		id, err := v.VerifyApproval(tok, destroySubject(kid))
		if err != nil {
			continue
		}
		seen[id] = struct{}{}
	}
	if len(seen) < quorum {
		return domain.ErrAuthorization
	}
	return nil
}
