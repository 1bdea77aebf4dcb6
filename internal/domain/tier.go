package domain

import "time"

// Tier clasifica un alert y determina su política de autorización y TTL.
type Tier string

const (
	TierInformational Tier = "informational"
	TierAdvisory      Tier = "advisory"
	TierWarning       Tier = "warning"
	TierEmergency     Tier = "emergency"
	// TierPassThrough: alerts externos pre-autorizados (feed con trust
	// anchors). Cero autorizaciones locales, pero misma disciplina de
	// firma y auditoría que cualquier otro tier.
	TierPassThrough Tier = "pass-through"
)

// TierPolicy is the static policy attached to a tier. MaxLatency is
// advisory metadata for callers only; the core never enforces it.
type TierPolicy struct {
	Tier              Tier
	MinAuthorizations int
	TTL               time.Duration
	// SigningKeyLabel binds the tier to a key family in the keyring
	// (e.g. "tier-emergency"). The active KID under that label signs.
	SigningKeyLabel string
	MaxLatency      time.Duration
}

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierInformational, TierAdvisory, TierWarning, TierEmergency, TierPassThrough:
		return true
	}
	return false
}
