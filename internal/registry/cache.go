package registry

import (
	"context"
	"log/slog"
	"sync"
)

// API is the registry surface the control loops consume. *Client satisfies
// it; tests substitute fakes.
type API interface {
	ListRegistrations(ctx context.Context) ([]Registration, error)
	GetRegistrationStatus(ctx context.Context, id int64) (Registration, error)
	Deregister(ctx context.Context, id int64) error
	IsJobQueued(ctx context.Context, repo string, jobID int64) (bool, error)
	MintJITCredential(ctx context.Context, name string, labels []string) (JITCredential, error)
	CreateRegistrationToken(ctx context.Context) (string, error)
}

// Factory builds a registry client for one owner key.
type Factory func(owner string) API

// NewFactory returns a Factory backed by real clients.
func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func(owner string) API {
		return NewClient(cfg, owner, logger)
	}
}

// Cache dedupes registry clients and registration listings for the
// lifetime of one cycle. It is passed explicitly through the call graph
// and reset at cycle start; entries may not outlive a cycle because busy
// state from a previous cycle is wrong, not merely stale.
type Cache struct {
	mu       sync.Mutex
	factory  Factory
	clients  map[string]API
	listings map[string][]Registration
}

func NewCache(factory Factory) *Cache {
	return &Cache{
		factory:  factory,
		clients:  make(map[string]API),
		listings: make(map[string][]Registration),
	}
}

// ClientFor returns the owner's client, building it once per cycle.
func (c *Cache) ClientFor(owner string) API {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[owner]; ok {
		return client
	}
	client := c.factory(owner)
	c.clients[owner] = client
	return client
}

// ListRegistrations lists the owner's registrations at most once per cycle.
func (c *Cache) ListRegistrations(ctx context.Context, owner string) ([]Registration, error) {
	c.mu.Lock()
	if regs, ok := c.listings[owner]; ok {
		c.mu.Unlock()
		return regs, nil
	}
	client := c.clients[owner]
	if client == nil {
		client = c.factory(owner)
		c.clients[owner] = client
	}
	c.mu.Unlock()

	regs, err := client.ListRegistrations(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.listings[owner] = regs
	c.mu.Unlock()
	return regs, nil
}

// Invalidate drops the cached listing for one owner, used after the cycle
// mutates that owner's registrations.
func (c *Cache) Invalidate(owner string) {
	c.mu.Lock()
	delete(c.listings, owner)
	c.mu.Unlock()
}

// Reset clears everything. Called at the start of every cycle.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.clients = make(map[string]API)
	c.listings = make(map[string][]Registration)
	c.mu.Unlock()
}
