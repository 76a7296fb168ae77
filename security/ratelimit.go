package security

import (
	"container/list"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks one identifier's limiter for LRU eviction.
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
}

// RateLimiter applies a token-bucket limit per identifier (client_id or IP)
// with LRU eviction so an attacker cycling identifiers cannot grow memory
// without bound. Used in front of the token and backchannel endpoints.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
}

// NewRateLimiter creates a per-identifier rate limiter. maxEntries bounds
// the number of tracked identifiers; zero selects the default of 10000.
func NewRateLimiter(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Allow reports whether identifier may proceed under its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		return elem.Value.(*rateLimiterEntry).limiter.Allow()
	}

	if rl.lru.Len() >= rl.maxEntries {
		oldest := rl.lru.Back()
		if oldest != nil {
			evicted := oldest.Value.(*rateLimiterEntry)
			delete(rl.limiters, evicted.identifier)
			rl.lru.Remove(oldest)
			rl.logger.Debug("rate limiter entry evicted", "identifier", evicted.identifier)
		}
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lru.Len()
}
