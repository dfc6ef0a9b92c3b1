package state

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultAttributionSize = 10000
	defaultAttributionTTL  = 7 * 24 * time.Hour
)

// Attribution maps generated image URLs to the engine that produced them.
// Entries expire after ttl and the least recently used are evicted past size.
type Attribution struct {
	cache *expirable.LRU[string, string]
}

// NewAttribution creates a bounded attribution cache.
func NewAttribution(size int, ttl time.Duration) *Attribution {
	if size <= 0 {
		size = defaultAttributionSize
	}
	if ttl <= 0 {
		ttl = defaultAttributionTTL
	}
	return &Attribution{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Record remembers that url was produced by engine.
func (a *Attribution) Record(url, engine string) {
	if url == "" {
		return
	}
	a.cache.Add(url, engine)
}

// Engine returns the engine recorded for url.
func (a *Attribution) Engine(url string) (string, bool) {
	return a.cache.Get(url)
}

// Len returns the number of live entries.
func (a *Attribution) Len() int {
	return a.cache.Len()
}
