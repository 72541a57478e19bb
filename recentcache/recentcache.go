// Package recentcache holds recently-emitted terminal "all providers
// unavailable/failed" error responses, keyed by two independent request
// fingerprints, so an immediate retry storm against an already-known-bad
// provider set gets a cached answer instead of repeating the full
// failover loop. Either fingerprint alone may hit.
package recentcache

import (
	"sync"
	"time"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwerr"
)

// Entry is a cached terminal error response.
type Entry struct {
	TraceID    string
	Status     int
	Code       gwerr.Code
	Message    string
	RetryAfter time.Duration
	cachedAt   time.Time
}

// Cache is a process-local, TTL-bound store of terminal errors.
type Cache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	byKey   map[uint64]Entry
}

func New(ttl time.Duration, clk clock.Clock) *Cache {
	return &Cache{ttl: ttl, clock: clk, byKey: make(map[uint64]Entry)}
}

// Put records e under both fingerprints. Only terminal "all unavailable" /
// "all failed" responses should ever be stored.
func (c *Cache) Put(requestFP, allUnavailableFP uint64, e Entry) {
	e.cachedAt = c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[requestFP] = e
	c.byKey[allUnavailableFP] = e
}

// Get looks up requestFP then allUnavailableFP, returning the first hit
// with its RetryAfter adjusted to the remaining time in the TTL window.
// The caller must still mint a fresh trace_id; the cached Entry's TraceID
// is never reused on a hit (request-log uniqueness requires it).
func (c *Cache) Get(requestFP, allUnavailableFP uint64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range [2]uint64{requestFP, allUnavailableFP} {
		e, ok := c.byKey[key]
		if !ok {
			continue
		}
		age := c.clock.Now().Sub(e.cachedAt)
		if age >= c.ttl {
			delete(c.byKey, key)
			continue
		}
		remaining := e.RetryAfter - age
		if remaining < 0 {
			remaining = 0
		}
		e.RetryAfter = remaining
		return e, true
	}
	return Entry{}, false
}

// Sweep evicts all expired entries; intended to be called periodically so
// the map doesn't grow unbounded between hits.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for k, e := range c.byKey {
		if now.Sub(e.cachedAt) >= c.ttl {
			delete(c.byKey, k)
		}
	}
}
