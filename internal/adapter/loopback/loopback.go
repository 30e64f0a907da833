// Package loopback provides in-process adapters with scripted outcomes.
// The simulate command drives the engine against them and the engine tests
// use them as fakes.
package loopback

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
)

// ErrNoAttribute is returned by the ledger for unknown attributes.
var ErrNoAttribute = errors.New("attribute not found")

// Outcome scripts the result of one adapter call.
type Outcome struct {
	// Err fails the call. A nil Err succeeds.
	Err error
	// Hang leaves the call outstanding until it is canceled.
	Hang bool
	// LinkType overrides the link type reported on success (Wi-Fi Direct only).
	LinkType *lane.LinkType
	// Reject makes the call itself return an error instead of calling back.
	Reject bool
}

// Fail returns an outcome failing with the given reason and category.
func Fail(reason lane.Reason, category lane.Category) Outcome {
	return Outcome{Err: adapter.Fail(reason, category, nil)}
}

// Succeed returns a successful outcome.
func Succeed() Outcome {
	return Outcome{}
}

// Hang returns an outcome that never calls back on its own.
func Hang() Outcome {
	return Outcome{Hang: true}
}

// ParseOutcome parses the textual outcome form used by simulation configs:
//
//	ok                  succeed
//	hang                never call back
//	reject              fail the call itself
//	fail:<reason>       fail and advance to the next guide
//	retry:<reason>      fail and retry the current guide
//	type:<link type>    succeed with another link type
func ParseOutcome(s string) (Outcome, error) {
	kind, arg, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch kind {
	case "ok", "":
		if arg != "" {
			break
		}
		return Succeed(), nil
	case "hang":
		return Hang(), nil
	case "reject":
		return Outcome{Reject: true}, nil
	case "fail", "retry":
		reason, err := lane.ParseReason(arg)
		if err != nil {
			return Outcome{}, err
		}
		category := lane.CategoryAdvance
		if kind == "retry" {
			category = lane.CategoryRetryCurrent
		}
		return Fail(reason, category), nil
	case "type":
		t, err := lane.ParseLinkType(arg)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{LinkType: &t}, nil
	}
	return Outcome{}, fmt.Errorf("%w: unknown outcome %q", lane.ErrInvalidParam, s)
}

// ParseOutcomes parses a list of outcomes.
func ParseOutcomes(list []string) ([]Outcome, error) {
	out := make([]Outcome, 0, len(list))
	for _, s := range list {
		o, err := ParseOutcome(s)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// script is a per-peer queue of outcomes; an empty queue succeeds.
type script struct {
	mu     sync.Mutex
	queues map[lane.PeerID][]Outcome
}

func (s *script) push(peer lane.PeerID, outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues == nil {
		s.queues = make(map[lane.PeerID][]Outcome)
	}
	s.queues[peer] = append(s.queues[peer], outcomes...)
}

func (s *script) next(peer lane.PeerID) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[peer]
	if len(q) == 0 {
		return Outcome{}
	}
	s.queues[peer] = q[1:]
	return q[0]
}

// Mode selects how callbacks are delivered.
type Mode uint8

const (
	// Sync delivers callbacks inside the issuing call.
	Sync Mode = iota
	// Async delivers callbacks on a new goroutine.
	Async
)

func deliver(mode Mode, fn func()) {
	if mode == Async {
		go fn()
		return
	}
	fn()
}

// Ledger is an in-memory attribute store.
type Ledger struct {
	mu     sync.RWMutex
	local  map[adapter.Attr]string
	remote map[lane.PeerID]map[adapter.Attr]string
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		local:  make(map[adapter.Attr]string),
		remote: make(map[lane.PeerID]map[adapter.Attr]string),
	}
}

// SetLocal sets a local attribute.
func (l *Ledger) SetLocal(key adapter.Attr, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local[key] = value
}

// SetRemote sets a peer attribute.
func (l *Ledger) SetRemote(peer lane.PeerID, key adapter.Attr, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	attrs, ok := l.remote[peer]
	if !ok {
		attrs = make(map[adapter.Attr]string)
		l.remote[peer] = attrs
	}
	attrs[key] = value
}

// GetRemoteAttribute implements adapter.Ledger.
func (l *Ledger) GetRemoteAttribute(peer lane.PeerID, key adapter.Attr) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.remote[peer][key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAttribute, key)
	}
	return v, nil
}

// GetLocalAttribute implements adapter.Ledger.
func (l *Ledger) GetLocalAttribute(key adapter.Attr) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.local[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAttribute, key)
	}
	return v, nil
}

// Topology is a settable view of existing connections.
type Topology struct {
	mu   sync.RWMutex
	auth map[lane.PeerID]bool
	br   map[lane.PeerID]bool
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		auth: make(map[lane.PeerID]bool),
		br:   make(map[lane.PeerID]bool),
	}
}

// SetAuth marks whether an authenticated connection to peer exists.
func (t *Topology) SetAuth(peer lane.PeerID, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auth[peer] = connected
}

// SetBR marks whether a classic Bluetooth connection to peer exists.
func (t *Topology) SetBR(peer lane.PeerID, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.br[peer] = connected
}

// HasAuthConnection implements adapter.Topology.
func (t *Topology) HasAuthConnection(peer lane.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.auth[peer]
}

// HasBRConnection implements adapter.Topology.
func (t *Topology) HasBRConnection(peer lane.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.br[peer]
}

// Adapters bundles a full set of loopback collaborators.
type Adapters struct {
	Ledger     *Ledger
	Topology   *Topology
	Auth       *Auth
	Proxy      *Proxy
	WifiDirect *WifiDirect
}

// New creates a loopback adapter set delivering callbacks in the given mode.
func New(mode Mode) *Adapters {
	return &Adapters{
		Ledger:     NewLedger(),
		Topology:   NewTopology(),
		Auth:       NewAuth(mode),
		Proxy:      NewProxy(mode),
		WifiDirect: NewWifiDirect(mode),
	}
}

// Set returns the adapters as an adapter.Set.
func (a *Adapters) Set() adapter.Set {
	return adapter.Set{
		WifiDirect: a.WifiDirect,
		Auth:       a.Auth,
		Proxy:      a.Proxy,
		Ledger:     a.Ledger,
		Topology:   a.Topology,
	}
}
