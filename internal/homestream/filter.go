package homestream

import (
	"log/slog"
	"path"
	"sync"
	"time"
)

// entityFilter selects entity IDs with [path.Match] globs
// (e.g. "person.*", "binary_sensor.*door*"). No patterns means every
// entity passes.
type entityFilter struct {
	patterns []string
	logger   *slog.Logger
}

func newEntityFilter(globs []string, logger *slog.Logger) *entityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &entityFilter{patterns: globs, logger: logger}
}

func (f *entityFilter) match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		ok, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("bad entity glob", "pattern", pat, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// entityLimiter caps events per entity in a one-minute sliding window.
// A zero limit disables it. now is injectable for tests.
type entityLimiter struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

func newEntityLimiter(perMinute int, now func() time.Time) *entityLimiter {
	if now == nil {
		now = time.Now
	}
	return &entityLimiter{
		limit:   perMinute,
		now:     now,
		history: make(map[string][]time.Time),
	}
}

// allow records an event for the entity and reports whether it is
// within the window budget.
func (r *entityLimiter) allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)

	kept := r.history[entityID][:0]
	for _, ts := range r.history[entityID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.limit {
		r.history[entityID] = kept
		return false
	}
	r.history[entityID] = append(kept, now)
	return true
}

// sweep drops entities whose whole window has expired so the map does
// not grow without bound across churning entity IDs.
func (r *entityLimiter) sweep() {
	if r.limit <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-time.Minute)
	for id, ts := range r.history {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(r.history, id)
		}
	}
}
