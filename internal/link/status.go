package link

import (
	"context"
	"time"

	"github.com/postalsys/lanelink/internal/addrcache"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/registry"
)

// Status is a point-in-time summary of the engine.
type Status struct {
	Running          bool          `json:"running"`
	StartedAt        time.Time     `json:"started_at"`
	Uptime           time.Duration `json:"uptime"`
	PendingBuilds    int           `json:"pending_builds"`
	PendingTeardowns int           `json:"pending_teardowns"`
	ActiveLinks      int           `json:"active_links"`
	LaneBindings     int           `json:"lane_bindings"`
	CachedAddresses  int           `json:"cached_addresses"`
	CacheHits        uint64        `json:"cache_hits"`
	CacheMisses      uint64        `json:"cache_misses"`
	DroppedEvents    uint64        `json:"dropped_events"`
}

// Status returns the current engine summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.started && !e.stopped
	startedAt := e.startedAt
	e.mu.Unlock()

	stats := e.cache.Stats()
	s := Status{
		Running:          running,
		StartedAt:        startedAt,
		PendingBuilds:    e.requests.BuildCount(),
		PendingTeardowns: len(e.requests.Teardowns()),
		ActiveLinks:      e.links.Len(),
		LaneBindings:     len(e.bus.Bindings()),
		CachedAddresses:  e.cache.Len(),
		CacheHits:        stats.Hits,
		CacheMisses:      stats.Misses,
		DroppedEvents:    e.bus.Dropped(),
	}
	if running {
		s.Uptime = e.cfg.Clock.Since(startedAt)
	}
	return s
}

// Ready reports whether the engine accepts requests.
func (e *Engine) Ready() error {
	return e.running()
}

// Links returns the active links ordered by link id.
func (e *Engine) Links() []lane.ActiveLink {
	return e.links.All()
}

// Builds returns the builds in flight.
func (e *Engine) Builds() []registry.BuildEntry {
	return e.requests.Builds()
}

// Teardowns returns the teardowns in flight.
func (e *Engine) Teardowns() []registry.TeardownEntry {
	return e.requests.Teardowns()
}

// Bindings returns the lane bindings.
func (e *Engine) Bindings() []lifecycle.Binding {
	return e.bus.Bindings()
}

// CachedAddresses returns the reusable P2P addresses currently known.
func (e *Engine) CachedAddresses() []addrcache.Entry {
	return e.cache.Entries()
}

// Watch streams lifecycle events until ctx is done.
func (e *Engine) Watch(ctx context.Context, buffer int) (<-chan lifecycle.Event, error) {
	return e.bus.Watch(ctx, buffer)
}

// Flush waits until every queued engine step has run.
func (e *Engine) Flush(ctx context.Context) error {
	return e.seq.Flush(ctx)
}
