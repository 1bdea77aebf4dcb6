// Package tier clasifica eventos entrantes en un tier de alerta y expone
// la política estática (quorum mínimo, TTL, key binding) de cada tier.
// Es configuración inmutable: se lee concurrentemente sin locks.
package tier

import (
	"fmt"
	"time"

	"github.com/dropDatabas3/signet/internal/domain"
)

// defaultPolicies is the shipped tier table. TTLs and advisory latencies
// follow the operations runbook for street signage deployments.
var defaultPolicies = map[domain.Tier]domain.TierPolicy{
	domain.TierInformational: {
		Tier:              domain.TierInformational,
		MinAuthorizations: 0,
		TTL:               5 * time.Minute,
		SigningKeyLabel:   "tier-informational",
		MaxLatency:        1 * time.Second,
	},
	domain.TierAdvisory: {
		Tier:              domain.TierAdvisory,
		MinAuthorizations: 0,
		TTL:               10 * time.Minute,
		SigningKeyLabel:   "tier-advisory",
		MaxLatency:        2 * time.Second,
	},
	domain.TierWarning: {
		Tier:              domain.TierWarning,
		MinAuthorizations: 1,
		TTL:               15 * time.Minute,
		SigningKeyLabel:   "tier-warning",
		MaxLatency:        60 * time.Second,
	},
	domain.TierEmergency: {
		Tier:              domain.TierEmergency,
		MinAuthorizations: 2, // 2 de un pool de al menos 3
		TTL:               30 * time.Minute,
		SigningKeyLabel:   "tier-emergency",
		MaxLatency:        120 * time.Second,
	},
	domain.TierPassThrough: {
		Tier:              domain.TierPassThrough,
		MinAuthorizations: 0,
		TTL:               time.Hour,
		SigningKeyLabel:   "tier-pass-through",
		MaxLatency:        5 * time.Second,
	},
}

// autonomousTemplates are the pre-approved template ids for the
// zero-authorization tiers. Anything else on those tiers is rejected at
// draft time.
var autonomousTemplates = map[domain.Tier]map[string]bool{
	domain.TierInformational: {
		"crowd-count":     true,
		"weather-current": true,
		"time-display":    true,
		"event-info":      true,
		"wayfinding":      true,
	},
	domain.TierAdvisory: {
		"area-congested":   true,
		"weather-advisory": true,
		"event-starting":   true,
		"event-ending":     true,
		"alternate-route":  true,
	},
}

// Override pisa campos puntuales de la política de un tier. Un campo
// nil hereda el valor de la tabla por defecto: un override que solo sube
// el quorum no puede colapsar el TTL a cero.
type Override struct {
	MinAuthorizations *int
	TTL               *time.Duration
	MaxLatency        *time.Duration
}

// Engine resolves events to tiers. Overrides (from config) patch the
// static table per tier; the table is frozen after construction.
type Engine struct {
	policies map[domain.Tier]domain.TierPolicy
}

// NewEngine builds an engine from the default table plus optional
// per-tier overrides.
func NewEngine(overrides map[domain.Tier]Override) *Engine {
	p := make(map[domain.Tier]domain.TierPolicy, len(defaultPolicies))
	for k, v := range defaultPolicies {
		p[k] = v
	}
	for k, ov := range overrides {
		pol, ok := p[k]
		if !ok {
			continue
		}
		if ov.MinAuthorizations != nil {
			pol.MinAuthorizations = *ov.MinAuthorizations
		}
		if ov.TTL != nil {
			pol.TTL = *ov.TTL
		}
		if ov.MaxLatency != nil {
			pol.MaxLatency = *ov.MaxLatency
		}
		p[k] = pol
	}
	return &Engine{policies: p}
}

// Policy returns the static policy bound to t.
func (e *Engine) Policy(t domain.Tier) (domain.TierPolicy, error) {
	p, ok := e.policies[t]
	if !ok {
		return domain.TierPolicy{}, fmt.Errorf("tier %q: %w", t, domain.ErrUnknownEventKind)
	}
	return p, nil
}

// Classify mapea (event kind, confidence) a un tier. Función pura, sin
// side effects. Un kind desconocido devuelve ErrUnknownEventKind junto
// con la política de emergency: el caller NUNCA debe degradar a un tier
// más permisivo.
func (e *Engine) Classify(kind string, confidence float64, _ map[string]string) (domain.TierPolicy, error) {
	switch kind {
	case "fire", "active_shooter", "explosion":
		switch {
		case confidence >= 0.9:
			return e.policies[domain.TierEmergency], nil
		case confidence >= 0.7:
			return e.policies[domain.TierWarning], nil
		default:
			return e.policies[domain.TierAdvisory], nil
		}
	case "smoke", "fight", "medical_emergency":
		if confidence >= 0.85 {
			return e.policies[domain.TierWarning], nil
		}
		return e.policies[domain.TierAdvisory], nil
	case "crowd", "congestion", "weather":
		return e.policies[domain.TierInformational], nil
	}
	// Conservador: el tier de mayor exigencia, nunca el más permisivo.
	return e.policies[domain.TierEmergency], fmt.Errorf("classify %q: %w", kind, domain.ErrUnknownEventKind)
}

// TemplateAutonomous reports whether templateID may be issued without
// human authorization on tier t. Tiers that require humans always
// return false.
func TemplateAutonomous(t domain.Tier, templateID string) bool {
	allowed, ok := autonomousTemplates[t]
	if !ok {
		return false
	}
	return allowed[templateID]
}

// MaxTTL returns the largest TTL across the table. Replay caches size
// their eviction horizon with this.
func (e *Engine) MaxTTL() time.Duration {
	var max time.Duration
	for _, p := range e.policies {
		if p.TTL > max {
			max = p.TTL
		}
	}
	return max
}
