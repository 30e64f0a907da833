// Package addrcache keeps reusable peer to P2P address mappings learned
// while links are up.
package addrcache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/postalsys/lanelink/internal/lane"
)

// DefaultSize is the capacity used when a non-positive size is configured.
const DefaultSize = 256

// Entry is a cached P2P address of a peer.
type Entry struct {
	Peer      lane.PeerID   `json:"peer"`
	LinkType  lane.LinkType `json:"link_type"`
	LocalIP   string        `json:"local_ip"`
	RemoteIP  string        `json:"remote_ip"`
	Port      int           `json:"port"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Stats are cumulative lookup counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cache is a bounded, expiring address cache. It is safe for concurrent use.
type Cache struct {
	lru    *expirable.LRU[lane.PeerID, Entry]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding at most size entries, each expiring after ttl.
// A zero ttl disables expiry.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{
		lru: expirable.NewLRU[lane.PeerID, Entry](size, nil, ttl),
	}
}

// Put stores or refreshes the entry for e.Peer.
func (c *Cache) Put(e Entry) {
	if e.Peer == "" || e.RemoteIP == "" {
		return
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	c.lru.Add(e.Peer, e)
}

// Get returns the entry for peer.
func (c *Cache) Get(peer lane.PeerID) (Entry, bool) {
	e, ok := c.lru.Get(peer)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Invalidate drops the entry for peer and reports whether one existed.
func (c *Cache) Invalidate(peer lane.PeerID) bool {
	return c.lru.Remove(peer)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Entries returns a snapshot of all live entries.
func (c *Cache) Entries() []Entry {
	return c.lru.Values()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Stats returns the lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
