package cache

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultFeeTierTTL = 30 * time.Second

// FeeTierLookup is a cached config-store answer. Found=false caches a miss.
type FeeTierLookup struct {
	Percent decimal.Decimal
	Found   bool
}

// FeeTierCache stores fee-tier lookups keyed by role and order type.
type FeeTierCache interface {
	Get(role, orderType string) (FeeTierLookup, bool)
	Set(role, orderType string, lookup FeeTierLookup)
	Invalidate()
}

type feeTierCache struct {
	tiers Cache[string, FeeTierLookup]
	ttl   time.Duration
}

// NewFeeTierCache returns an in-memory fee-tier cache with a short TTL.
func NewFeeTierCache() FeeTierCache {
	return &feeTierCache{
		tiers: NewTTLCache[string, FeeTierLookup](),
		ttl:   defaultFeeTierTTL,
	}
}

func (c *feeTierCache) Get(role, orderType string) (FeeTierLookup, bool) {
	return c.tiers.Get(Key(role, orderType))
}

func (c *feeTierCache) Set(role, orderType string, lookup FeeTierLookup) {
	c.tiers.Set(Key(role, orderType), lookup, c.ttl)
}

func (c *feeTierCache) Invalidate() {
	c.tiers.Purge()
}

// Key joins normalized, non-empty parts with "|".
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
