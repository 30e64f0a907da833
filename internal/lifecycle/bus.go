// Package lifecycle fans out link up/down notifications to the higher-level
// lane users and keeps the reference-counted bindings between business types
// and the physical links they share.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/recovery"
)

// Event is one link state change.
type Event struct {
	Peer     lane.PeerID         `json:"peer"`
	Link     lane.LaneLinkInfo   `json:"link"`
	State    lane.LinkState      `json:"state"`
	Business []lane.BusinessType `json:"business,omitempty"` // business types bound to the link
	At       time.Time           `json:"at"`
}

// Listener receives notifications for one business type.
type Listener struct {
	OnLinkUp   func(Event)
	OnLinkDown func(Event)
}

// Binding is a snapshot of one business type's use of a physical link.
type Binding struct {
	Business lane.BusinessType `json:"business"`
	LinkKey  string            `json:"link_key"`
	Link     lane.LaneLinkInfo `json:"link"`
	Refs     int               `json:"refs"`
}

type bindingKey struct {
	business lane.BusinessType
	linkKey  string
}

type target struct {
	bt lane.BusinessType
	l  Listener
}

type binding struct {
	link lane.LaneLinkInfo
	refs int
}

// Bus is the lane lifecycle bus. It is safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners [lane.BusinessTypeCount]*Listener
	bindings  map[bindingKey]*binding
	watchers  map[int]chan Event
	nextWatch int
	closed    bool
	done      chan struct{}

	dropped atomic.Uint64
}

// NewBus creates a lifecycle bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logging.Component(logger, "lifecycle"),
		bindings: make(map[bindingKey]*binding),
		watchers: make(map[int]chan Event),
		done:     make(chan struct{}),
	}
}

// RegisterListener installs the listener of a business type, replacing any
// previous one.
func (b *Bus) RegisterListener(bt lane.BusinessType, l Listener) error {
	if !bt.Valid() {
		return fmt.Errorf("%w: business type %s", lane.ErrInvalidParam, bt)
	}
	if l.OnLinkUp == nil && l.OnLinkDown == nil {
		return fmt.Errorf("%w: listener has no callbacks", lane.ErrInvalidParam)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return lane.ErrLockUnavailable
	}
	replaced := b.listeners[bt] != nil
	b.listeners[bt] = &l
	b.logger.Debug("listener registered", logging.KeyBusiness, bt, "replaced", replaced)
	return nil
}

// UnregisterListener removes the listener of a business type.
func (b *Bus) UnregisterListener(bt lane.BusinessType) error {
	if !bt.Valid() {
		return fmt.Errorf("%w: business type %s", lane.ErrInvalidParam, bt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return lane.ErrLockUnavailable
	}
	if b.listeners[bt] == nil {
		return fmt.Errorf("%w: no listener for %s", lane.ErrNotFound, bt)
	}
	b.listeners[bt] = nil
	return nil
}

// Bind records one more use of link by business type bt and returns the new
// reference count.
func (b *Bus) Bind(bt lane.BusinessType, link lane.LaneLinkInfo) (int, error) {
	if !bt.Valid() {
		return 0, fmt.Errorf("%w: business type %s", lane.ErrInvalidParam, bt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, lane.ErrLockUnavailable
	}
	key := bindingKey{business: bt, linkKey: link.Key()}
	bd, ok := b.bindings[key]
	if !ok {
		bd = &binding{link: link}
		b.bindings[key] = bd
	}
	bd.refs++
	return bd.refs, nil
}

// Unbind drops one use of link by business type bt and returns the remaining
// reference count. The binding disappears when the count reaches zero.
func (b *Bus) Unbind(bt lane.BusinessType, link lane.LaneLinkInfo) (int, error) {
	if !bt.Valid() {
		return 0, fmt.Errorf("%w: business type %s", lane.ErrInvalidParam, bt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, lane.ErrLockUnavailable
	}
	key := bindingKey{business: bt, linkKey: link.Key()}
	bd, ok := b.bindings[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s not bound to %s", lane.ErrNotFound, bt, key.linkKey)
	}
	bd.refs--
	if bd.refs <= 0 {
		delete(b.bindings, key)
		return 0, nil
	}
	return bd.refs, nil
}

// BindingCount returns the reference count of (bt, link), zero when unbound.
func (b *Bus) BindingCount(bt lane.BusinessType, link lane.LaneLinkInfo) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bd, ok := b.bindings[bindingKey{business: bt, linkKey: link.Key()}]; ok {
		return bd.refs
	}
	return 0
}

// Bindings returns a snapshot of every binding ordered by business type and link.
func (b *Bus) Bindings() []Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Binding, 0, len(b.bindings))
	for k, bd := range b.bindings {
		out = append(out, Binding{Business: k.business, LinkKey: k.linkKey, Link: bd.link, Refs: bd.refs})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Business != out[j].Business {
			return out[i].Business < out[j].Business
		}
		return out[i].LinkKey < out[j].LinkKey
	})
	return out
}

// Notify delivers a link state change to every registered listener and
// watcher and returns the number of listeners called. Listeners run on the
// calling goroutine, outside the bus lock.
func (b *Bus) Notify(peer lane.PeerID, link lane.LaneLinkInfo, state lane.LinkState) int {
	ev := Event{Peer: peer, Link: link, State: state, At: time.Now()}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	var targets []target
	for bt, l := range b.listeners {
		if l != nil {
			targets = append(targets, target{bt: lane.BusinessType(bt), l: *l})
		}
	}
	linkKey := link.Key()
	for k := range b.bindings {
		if k.linkKey == linkKey {
			ev.Business = append(ev.Business, k.business)
		}
	}
	for _, ch := range b.watchers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	sort.Slice(ev.Business, func(i, j int) bool { return ev.Business[i] < ev.Business[j] })

	called := 0
	for _, t := range targets {
		fn := t.l.OnLinkDown
		if state == lane.LinkUp {
			fn = t.l.OnLinkUp
		}
		if fn == nil {
			continue
		}
		called++
		recovery.Call(b.logger, "listener-"+t.bt.String(), func() { fn(ev) })
	}

	b.logger.Debug("link state notified",
		logging.KeyPeerID, peer.Short(),
		logging.KeyLinkType, link.Type,
		logging.KeyState, state,
		logging.KeyCount, called)
	return called
}

// Watch returns a channel receiving every event until ctx is done. Events are
// dropped, not queued, when the channel buffer is full.
func (b *Bus) Watch(ctx context.Context, buffer int) (<-chan Event, error) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, lane.ErrLockUnavailable
	}
	id := b.nextWatch
	b.nextWatch++
	b.watchers[id] = ch
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		if _, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

// Dropped returns the number of events dropped for slow watchers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close removes listeners, bindings and watchers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	b.listeners = [lane.BusinessTypeCount]*Listener{}
	b.bindings = make(map[bindingKey]*binding)
	for id, ch := range b.watchers {
		close(ch)
		delete(b.watchers, id)
	}
}
