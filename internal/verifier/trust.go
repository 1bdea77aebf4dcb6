package verifier

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/signet/internal/domain"
)

// TrustSource resuelve el set de claves confiables de un tier: la activa
// más la ventana de rotadas no revocadas. El keyring lo implementa
// directo; un edge remoto usa un cliente al endpoint de claves públicas.
type TrustSource interface {
	Trusted(t domain.Tier) []domain.KeyRecord
}

// CachedTrust envuelve un TrustSource con cache corto + singleflight,
// para que mil verificaciones concurrentes no martillen el origen.
type CachedTrust struct {
	src   TrustSource
	cache *gocache.Cache
	group singleflight.Group
	ttl   time.Duration
}

func NewCachedTrust(src TrustSource, ttl time.Duration) *CachedTrust {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &CachedTrust{
		src:   src,
		cache: gocache.New(ttl, time.Minute),
		ttl:   ttl,
	}
}

func (c *CachedTrust) Trusted(t domain.Tier) []domain.KeyRecord {
	key := string(t)
	if v, ok := c.cache.Get(key); ok {
		if recs, ok := v.([]domain.KeyRecord); ok {
			return recs
		}
	}
	v, _, _ := c.group.Do(fmt.Sprintf("trusted:%s", t), func() (any, error) {
		recs := c.src.Trusted(t)
		c.cache.Set(key, recs, c.ttl)
		return recs, nil
	})
	recs, _ := v.([]domain.KeyRecord)
	return recs
}
