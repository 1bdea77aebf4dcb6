// Package authz acumula autorizaciones de approvers distintos por
// mensaje pendiente hasta alcanzar el quorum del tier, y dispara la firma
// exactamente una vez.
package authz

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/signet/internal/domain"
)

// maxApprovalAge: una aprobación vieja no puede lavarse en una firma
// nueva; los tokens caducan rápido.
const maxApprovalAge = 10 * time.Minute

// Registry holds the eligible approver pool: approver id → Ed25519
// public key. The pool is immutable configuration after construction.
type Registry struct {
	mu   sync.RWMutex
	pool map[string]ed25519.PublicKey
}

// NewRegistry builds the pool. Emergency quorum (2) requires a pool of
// at least 3 eligible approvers; callers validate that at config load.
func NewRegistry(pool map[string]ed25519.PublicKey) *Registry {
	cp := make(map[string]ed25519.PublicKey, len(pool))
	for id, pk := range pool {
		cp[id] = pk
	}
	return &Registry{pool: cp}
}

// PoolSize returns the number of eligible approvers.
func (r *Registry) PoolSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pool)
}

// publicKey resolves an approver's key.
func (r *Registry) publicKey(approverID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pk, ok := r.pool[approverID]
	return pk, ok
}

// VerifyApproval valida un token de aprobación (JWS EdDSA del approver)
// sobre un subject — el message id pendiente, o "destroy:<kid>" para
// ceremonias de destrucción. Devuelve el approver id.
//
// Claims esperados: sub = approver id, msg = subject, iat.
func (r *Registry) VerifyApproval(token, subject string) (string, error) {
	parsed, err := jwtv5.Parse(token, func(t *jwtv5.Token) (any, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, fmt.Errorf("approval without subject")
		}
		pk, ok := r.publicKey(sub)
		if !ok {
			return nil, fmt.Errorf("approver %q not in pool", sub)
		}
		return pk, nil
	}, jwtv5.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("approval token: %v: %w", err, domain.ErrAuthorization)
	}

	claims, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok {
		return "", fmt.Errorf("approval claims: %w", domain.ErrAuthorization)
	}
	msg, _ := claims["msg"].(string)
	if msg != subject {
		return "", fmt.Errorf("approval bound to %q, not %q: %w", msg, subject, domain.ErrAuthorization)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return "", fmt.Errorf("approval without iat: %w", domain.ErrAuthorization)
	}
	if time.Since(iat.Time) > maxApprovalAge {
		return "", fmt.Errorf("approval stale: %w", domain.ErrAuthorization)
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}

// NewApprovalToken construye el token que firma un approver sobre un
// subject. Vive acá para que CLIs y tests compartan el mismo layout.
func NewApprovalToken(approverID string, priv ed25519.PrivateKey, subject string) (string, error) {
	claims := jwtv5.MapClaims{
		"sub": approverID,
		"msg": subject,
		"iat": time.Now().Unix(),
	}
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign approval: %w", err)
	}
	return signed, nil
}
