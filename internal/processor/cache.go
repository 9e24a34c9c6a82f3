package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/werdnum/family-assistant/internal/store"
)

// listenerSnapshot is an immutable view of the enabled event
// listeners, keyed by source. Readers get a fully-constructed map and
// never observe partial updates.
type listenerSnapshot struct {
	bySource map[string][]*store.Automation
	loadedAt time.Time
}

// ListenerCache holds denormalized copies of enabled event
// automations for the processor's hot path. The registry invalidates
// it on every write; a TTL refresh catches anything that slips
// through (e.g. direct database edits).
type ListenerCache struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger

	snapshot atomic.Pointer[listenerSnapshot]
	stale    atomic.Bool

	// reloadMu single-flights reloads so a stampede of workers after
	// an invalidation does one query, not N.
	reloadMu sync.Mutex
}

// NewListenerCache creates a cache refreshing at most every ttl.
func NewListenerCache(st *store.Store, ttl time.Duration, logger *slog.Logger) *ListenerCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &ListenerCache{store: st, ttl: ttl, logger: logger}
	c.stale.Store(true)
	return c
}

// Invalidate marks the snapshot stale. The next Listeners call
// reloads from the store.
func (c *ListenerCache) Invalidate() {
	c.stale.Store(true)
}

// Listeners returns the enabled listeners for a source, reloading the
// snapshot if it is stale or expired. On reload failure the previous
// snapshot is served so transient store errors do not blind the
// pipeline.
func (c *ListenerCache) Listeners(ctx context.Context, sourceID string) []*store.Automation {
	snap := c.snapshot.Load()
	if c.stale.Load() || snap == nil || time.Since(snap.loadedAt) > c.ttl {
		snap = c.reload(ctx, snap)
	}
	if snap == nil {
		return nil
	}
	return snap.bySource[sourceID]
}

func (c *ListenerCache) reload(ctx context.Context, previous *listenerSnapshot) *listenerSnapshot {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	// Another worker may have reloaded while we waited on the lock.
	if cur := c.snapshot.Load(); cur != nil && cur != previous && !c.stale.Load() {
		return cur
	}

	autos, err := c.store.EnabledEventAutomations(ctx)
	if err != nil {
		c.logger.Error("listener cache reload failed, serving stale snapshot", "error", err)
		return c.snapshot.Load()
	}

	bySource := make(map[string][]*store.Automation)
	for _, a := range autos {
		bySource[a.SourceID] = append(bySource[a.SourceID], a)
	}

	snap := &listenerSnapshot{bySource: bySource, loadedAt: time.Now()}
	c.snapshot.Store(snap)
	c.stale.Store(false)

	c.logger.Debug("listener cache reloaded", "listeners", len(autos))
	return snap
}
