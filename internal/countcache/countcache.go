// Package countcache answers "how many runners does owner X have" without
// a fleet inventory query on every decision. A short-TTL process-local map
// sits in front of a durable counter that an external notification stream
// maintains; inventory is the fallback when both tiers fail.
package countcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/metrics"
)

// CounterEntry is one durable counter row.
type CounterEntry struct {
	Count     int
	UpdatedAt time.Time
}

// Normalized clamps transient negative counts to zero. Races between
// termination and start notifications can under-count for a moment.
func (e CounterEntry) Normalized() int {
	if e.Count < 0 {
		return 0
	}
	return e.Count
}

// IsStale reports whether the entry is older than the caller's threshold.
func (e CounterEntry) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.UpdatedAt) > threshold
}

// CounterStore reads the durable counter. The engine never writes it; the
// notification stream owns increments and decrements.
type CounterStore interface {
	Get(ctx context.Context, key string) (CounterEntry, bool, error)
}

type localEntry struct {
	count     int
	writtenAt time.Time
}

// Cache is the two-tier count lookup. The local tier dedupes work within
// one batch; it is reset at cycle start because admission decisions must
// not see counts from a previous cycle.
type Cache struct {
	mu        sync.Mutex
	local     map[string]localEntry
	store     CounterStore
	inventory fleet.Inventory
	metrics   *metrics.Metrics

	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

const (
	DefaultTTL        = 5 * time.Second
	DefaultStaleAfter = 10 * time.Minute
)

func New(store CounterStore, inventory fleet.Inventory, met *metrics.Metrics, ttl, staleAfter time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Cache{
		local:      make(map[string]localEntry),
		store:      store,
		inventory:  inventory,
		metrics:    met,
		ttl:        ttl,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With("component", "countcache"),
	}
}

// Count returns the owner's current runner count. Lookup order: local TTL
// map, durable counter, fleet inventory. Stale or negative durable entries
// are flagged in the log, never hidden.
func (c *Cache) Count(ctx context.Context, environment, owner string, scope fleet.Scope) (int, error) {
	key := environment + "/" + owner
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.local[key]; ok && now.Sub(entry.writtenAt) <= c.ttl {
		c.mu.Unlock()
		c.metrics.CountLookups.WithLabelValues("local").Inc()
		return entry.count, nil
	}
	c.mu.Unlock()

	if c.store != nil {
		entry, ok, err := c.store.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("durable counter unavailable, falling back to inventory",
				"owner", owner, "error", err)
		case ok:
			if entry.Count < 0 {
				c.logger.Warn("durable counter negative, clamping to zero",
					"owner", owner, "count", entry.Count)
			}
			if entry.IsStale(now, c.staleAfter) {
				c.logger.Warn("durable counter stale, falling back to inventory",
					"owner", owner, "updated_at", entry.UpdatedAt)
			} else {
				count := entry.Normalized()
				c.put(key, count, now)
				c.metrics.CountLookups.WithLabelValues("durable").Inc()
				return count, nil
			}
		}
	}

	runners, err := c.inventory.List(ctx, fleet.Filter{
		Environment: environment,
		Owner:       owner,
		Scope:       scope,
		States:      []string{"pending", "running"},
	})
	if err != nil {
		return 0, err
	}
	c.put(key, len(runners), now)
	c.metrics.CountLookups.WithLabelValues("inventory").Inc()
	return len(runners), nil
}

// Reset drops the local tier. Called at the start of each cycle.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.local = make(map[string]localEntry)
	c.mu.Unlock()
}

func (c *Cache) put(key string, count int, now time.Time) {
	c.mu.Lock()
	c.local[key] = localEntry{count: count, writtenAt: now}
	c.mu.Unlock()
}
