package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
)

// DefaultMaxBuilds bounds the build table when no capacity is configured.
const DefaultMaxBuilds = 1024

// BuildKey identifies one negotiation: a caller request for one link type.
type BuildKey struct {
	ReqID    uint32
	LinkType lane.LinkType
}

// String returns "reqID/linkType".
func (k BuildKey) String() string {
	return fmt.Sprintf("%d/%s", k.ReqID, k.LinkType)
}

// BuildEntry is an in-flight link build and the adapter calls it has
// outstanding. A zero adapter id means no call of that kind is outstanding.
type BuildEntry struct {
	ReqID        uint32
	LinkType     lane.LinkType
	Peer         lane.PeerID
	OwnerPID     int32
	TraceID      string
	Guide        string
	AuthReqID    uint32
	ProxyReqID   uint32
	P2PReqID     uint32
	AuthHandle   adapter.AuthHandle
	ProxyChannel int
	CreatedAt    time.Time
}

// Key returns the entry's key.
func (e *BuildEntry) Key() BuildKey {
	return BuildKey{ReqID: e.ReqID, LinkType: e.LinkType}
}

func (e *BuildEntry) refs() []AdapterRef {
	return collectRefs(e.AuthReqID, e.ProxyReqID, e.P2PReqID)
}

// SetAdapterID records the outstanding call of the given adapter kind.
func (e *BuildEntry) SetAdapterID(kind adapter.Kind, id uint32) {
	switch kind {
	case adapter.KindAuth:
		e.AuthReqID = id
	case adapter.KindProxy:
		e.ProxyReqID = id
	case adapter.KindWifiDirect:
		e.P2PReqID = id
	}
}

// TeardownEntry is an in-flight link teardown.
type TeardownEntry struct {
	LinkID          int
	ReqID           uint32
	LinkType        lane.LinkType
	Peer            lane.PeerID
	AuthReqID       uint32
	DisconnectReqID uint32
	AuthHandle      adapter.AuthHandle
	CreatedAt       time.Time
}

func (e *TeardownEntry) refs() []AdapterRef {
	return collectRefs(e.AuthReqID, 0, e.DisconnectReqID)
}

// SetAdapterID records the outstanding call of the given adapter kind.
func (e *TeardownEntry) SetAdapterID(kind adapter.Kind, id uint32) {
	switch kind {
	case adapter.KindAuth:
		e.AuthReqID = id
	case adapter.KindWifiDirect:
		e.DisconnectReqID = id
	}
}

func collectRefs(auth, proxy, wifi uint32) []AdapterRef {
	refs := make([]AdapterRef, 0, 3)
	if auth != 0 {
		refs = append(refs, AdapterRef{Kind: adapter.KindAuth, ID: auth})
	}
	if proxy != 0 {
		refs = append(refs, AdapterRef{Kind: adapter.KindProxy, ID: proxy})
	}
	if wifi != 0 {
		refs = append(refs, AdapterRef{Kind: adapter.KindWifiDirect, ID: wifi})
	}
	return refs
}

// Requests tracks in-flight build and teardown requests.
type Requests struct {
	mu        sync.RWMutex
	builds    *table[BuildKey, BuildEntry]
	teardowns *table[int, TeardownEntry]
	maxBuilds int
	closed    bool
}

// NewRequests creates a request registry holding at most maxBuilds builds.
func NewRequests(maxBuilds int) *Requests {
	if maxBuilds <= 0 {
		maxBuilds = DefaultMaxBuilds
	}
	return &Requests{
		builds:    newTable[BuildKey, BuildEntry]((*BuildEntry).refs),
		teardowns: newTable[int, TeardownEntry]((*TeardownEntry).refs),
		maxBuilds: maxBuilds,
	}
}

// AddBuild registers a new build.
func (r *Requests) AddBuild(e BuildEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return lane.ErrLockUnavailable
	}
	if r.builds.len() >= r.maxBuilds {
		return fmt.Errorf("%w: %d builds in flight", lane.ErrResourceExhausted, r.builds.len())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.builds.add(e.Key(), e)
}

// FindBuild returns a copy of the build with the given key.
func (r *Requests) FindBuild(key BuildKey) (BuildEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return BuildEntry{}, lane.ErrLockUnavailable
	}
	return r.builds.get(key)
}

// FindBuildByAdapter returns a copy of the build owning an adapter call.
func (r *Requests) FindBuildByAdapter(kind adapter.Kind, id uint32) (BuildEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return BuildEntry{}, lane.ErrLockUnavailable
	}
	return r.builds.getByAdapter(AdapterRef{Kind: kind, ID: id})
}

// UpdateBuild applies fn to the build and returns the committed copy.
// The key fields must not be changed by fn.
func (r *Requests) UpdateBuild(key BuildKey, fn func(*BuildEntry)) (BuildEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return BuildEntry{}, lane.ErrLockUnavailable
	}
	return r.builds.update(key, func(e *BuildEntry) {
		fn(e)
		e.ReqID, e.LinkType = key.ReqID, key.LinkType
	})
}

// RemoveBuild removes the build and returns its last state.
func (r *Requests) RemoveBuild(key BuildKey) (BuildEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return BuildEntry{}, lane.ErrLockUnavailable
	}
	return r.builds.remove(key)
}

// BuildsByRequest returns every build registered for a caller request id.
func (r *Requests) BuildsByRequest(reqID uint32) []BuildEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BuildEntry
	for _, e := range r.builds.snapshot() {
		if e.ReqID == reqID {
			out = append(out, e)
		}
	}
	return out
}

// Builds returns a snapshot of all builds.
func (r *Requests) Builds() []BuildEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builds.snapshot()
}

// BuildCount returns the number of builds in flight.
func (r *Requests) BuildCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builds.len()
}

// AddTeardown registers a new teardown keyed by link id.
func (r *Requests) AddTeardown(e TeardownEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return lane.ErrLockUnavailable
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.teardowns.add(e.LinkID, e)
}

// FindTeardown returns a copy of the teardown of a link.
func (r *Requests) FindTeardown(linkID int) (TeardownEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return TeardownEntry{}, lane.ErrLockUnavailable
	}
	return r.teardowns.get(linkID)
}

// FindTeardownByAdapter returns a copy of the teardown owning an adapter call.
func (r *Requests) FindTeardownByAdapter(kind adapter.Kind, id uint32) (TeardownEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return TeardownEntry{}, lane.ErrLockUnavailable
	}
	return r.teardowns.getByAdapter(AdapterRef{Kind: kind, ID: id})
}

// UpdateTeardown applies fn to the teardown and returns the committed copy.
func (r *Requests) UpdateTeardown(linkID int, fn func(*TeardownEntry)) (TeardownEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return TeardownEntry{}, lane.ErrLockUnavailable
	}
	return r.teardowns.update(linkID, func(e *TeardownEntry) {
		fn(e)
		e.LinkID = linkID
	})
}

// RemoveTeardown removes the teardown of a link.
func (r *Requests) RemoveTeardown(linkID int) (TeardownEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return TeardownEntry{}, lane.ErrLockUnavailable
	}
	return r.teardowns.remove(linkID)
}

// Teardowns returns a snapshot of all teardowns.
func (r *Requests) Teardowns() []TeardownEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teardowns.snapshot()
}

// Close drops all entries; every later mutation fails with ErrLockUnavailable.
func (r *Requests) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.builds.clear()
	r.teardowns.clear()
}
