package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/lanelink/internal/lane"
)

// DefaultMaxLinks bounds the active link table when no capacity is configured.
const DefaultMaxLinks = 256

type requestKey struct {
	reqID    uint32
	linkType lane.LinkType
}

// ActiveLinks tracks negotiated links owned by the engine, indexed by
// adapter link id and by the caller request that built them.
type ActiveLinks struct {
	mu       sync.RWMutex
	byLink   map[int]lane.ActiveLink
	byReq    map[requestKey]int
	maxLinks int
	closed   bool
}

// NewActiveLinks creates an active link registry holding at most maxLinks.
func NewActiveLinks(maxLinks int) *ActiveLinks {
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinks
	}
	return &ActiveLinks{
		byLink:   make(map[int]lane.ActiveLink),
		byReq:    make(map[requestKey]int),
		maxLinks: maxLinks,
	}
}

func reqKeyOf(l lane.ActiveLink) requestKey {
	return requestKey{reqID: l.ReqID, linkType: l.Info.RequestedType}
}

// Add registers a link. Link ids and (request, requested type) pairs are unique.
func (a *ActiveLinks) Add(l lane.ActiveLink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return lane.ErrLockUnavailable
	}
	if _, exists := a.byLink[l.LinkID]; exists {
		return fmt.Errorf("%w: link %d already active", lane.ErrInvalidParam, l.LinkID)
	}
	rk := reqKeyOf(l)
	if _, exists := a.byReq[rk]; exists {
		return fmt.Errorf("%w: request %d already owns a %s link", lane.ErrInvalidParam, l.ReqID, l.Info.RequestedType)
	}
	if len(a.byLink) >= a.maxLinks {
		return fmt.Errorf("%w: %d links active", lane.ErrResourceExhausted, len(a.byLink))
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	a.byLink[l.LinkID] = l
	a.byReq[rk] = l.LinkID
	return nil
}

// Find returns a copy of the link with the given id.
func (a *ActiveLinks) Find(linkID int) (lane.ActiveLink, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return lane.ActiveLink{}, lane.ErrLockUnavailable
	}
	l, ok := a.byLink[linkID]
	if !ok {
		return lane.ActiveLink{}, fmt.Errorf("%w: link %d", lane.ErrNotFound, linkID)
	}
	return l, nil
}

// FindByRequest returns a copy of the link built for a caller request.
func (a *ActiveLinks) FindByRequest(reqID uint32, linkType lane.LinkType) (lane.ActiveLink, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return lane.ActiveLink{}, lane.ErrLockUnavailable
	}
	id, ok := a.byReq[requestKey{reqID: reqID, linkType: linkType}]
	if !ok {
		return lane.ActiveLink{}, fmt.Errorf("%w: request %d %s", lane.ErrNotFound, reqID, linkType)
	}
	return a.byLink[id], nil
}

// FindByPeer returns the links to peer whose actual type is one of types,
// oldest first. With no types every link to peer matches.
func (a *ActiveLinks) FindByPeer(peer lane.PeerID, types ...lane.LinkType) []lane.ActiveLink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []lane.ActiveLink
	for _, l := range a.byLink {
		if l.Peer != peer {
			continue
		}
		if len(types) > 0 && !containsType(types, l.Type) {
			continue
		}
		out = append(out, l)
	}
	sortLinks(out)
	return out
}

// Remove deletes a link and returns its last state.
func (a *ActiveLinks) Remove(linkID int) (lane.ActiveLink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return lane.ActiveLink{}, lane.ErrLockUnavailable
	}
	l, ok := a.byLink[linkID]
	if !ok {
		return lane.ActiveLink{}, fmt.Errorf("%w: link %d", lane.ErrNotFound, linkID)
	}
	delete(a.byLink, linkID)
	delete(a.byReq, reqKeyOf(l))
	return l, nil
}

// All returns a snapshot of every link, oldest first.
func (a *ActiveLinks) All() []lane.ActiveLink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]lane.ActiveLink, 0, len(a.byLink))
	for _, l := range a.byLink {
		out = append(out, l)
	}
	sortLinks(out)
	return out
}

// Len returns the number of active links.
func (a *ActiveLinks) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byLink)
}

// Close empties the registry and returns the links it held. Every later
// operation fails with ErrLockUnavailable.
func (a *ActiveLinks) Close() []lane.ActiveLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]lane.ActiveLink, 0, len(a.byLink))
	for _, l := range a.byLink {
		out = append(out, l)
	}
	sortLinks(out)
	a.byLink = make(map[int]lane.ActiveLink)
	a.byReq = make(map[requestKey]int)
	a.closed = true
	return out
}

func containsType(types []lane.LinkType, t lane.LinkType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func sortLinks(links []lane.ActiveLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].LinkID < links[j].LinkID
		}
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
}
