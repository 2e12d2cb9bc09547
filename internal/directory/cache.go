package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache holds a point-in-time snapshot of the directory. The snapshot
// is replaced wholesale when it expires or when a mutation invalidates
// it; entries are never patched in place, so readers always see a
// consistent view.
type Cache struct {
	store  *Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	clients  []*ClientEntry
	staff    []*StaffEntry
	loadedAt time.Time
}

// NewCache creates a cache over the store with the given TTL.
func NewCache(store *Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "directory_cache"),
	}
}

// Clients returns the cached client snapshot, reloading it when stale.
// The returned slice is shared; callers must not modify it.
func (c *Cache) Clients(ctx context.Context) ([]*ClientEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return c.clients, nil
}

// Staff returns the cached staff snapshot, reloading it when stale.
func (c *Cache) Staff(ctx context.Context) ([]*StaffEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return c.staff, nil
}

// Invalidate discards the snapshot. The next read loads fresh data.
// Mutating operations call this so a subsequent lookup within the TTL
// window still sees the write.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
	c.logger.Debug("snapshot invalidated")
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	if !c.loadedAt.IsZero() && time.Since(c.loadedAt) < c.ttl {
		return nil
	}

	clients, err := c.store.ListClients(ctx)
	if err != nil {
		return err
	}
	staff, err := c.store.ListStaff(ctx)
	if err != nil {
		return err
	}

	c.clients = clients
	c.staff = staff
	c.loadedAt = time.Now()
	c.logger.Debug("snapshot reloaded", "clients", len(clients), "staff", len(staff))
	return nil
}
