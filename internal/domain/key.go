package domain

import "time"

type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRotated KeyStatus = "rotated"
	KeyRevoked KeyStatus = "revoked"
)

// KeyRecord is the public metadata of a signing key. Keys are never
// deleted from the ring, only status-transitioned forward
// (active → rotated → revoked; revocation can also hit an active key).
// Private material lives behind the KeyStore boundary and never appears
// here.
type KeyRecord struct {
	KID       string     `json:"kid"`
	Tier      Tier       `json:"tier"`
	Alg       string     `json:"alg"` // "EdDSA"
	PublicKey []byte     `json:"public_key"`
	Status    KeyStatus  `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// TrustedAt reports whether the key may verify signatures at now, given
// the rotation grace window. Revoked keys are never trusted, regardless
// of recency. Rotated keys stay trusted until RotatedAt+window.
func (k *KeyRecord) TrustedAt(now time.Time, window time.Duration) bool {
	switch k.Status {
	case KeyActive:
		return true
	case KeyRotated:
		if k.RotatedAt == nil {
			return false
		}
		return now.Before(k.RotatedAt.Add(window))
	default:
		return false
	}
}
