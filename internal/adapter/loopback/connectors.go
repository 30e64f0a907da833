package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
)

var errRejected = errors.New("request rejected")

func rejected() error {
	return adapter.Fail(lane.ReasonChannelUnavailable, lane.CategoryAdvance, errRejected)
}

// Auth is a loopback authenticated channel connector.
type Auth struct {
	mode   Mode
	script script

	mu         sync.Mutex
	nextReq    uint32
	nextHandle int64
	calls      []adapter.AuthConnInfo
	open       map[int64]adapter.AuthHandle
	closed     []adapter.AuthHandle
	hanging    map[uint32]hangingAuth
}

type hangingAuth struct {
	info adapter.AuthConnInfo
	cb   adapter.AuthOpenCallback
}

// NewAuth creates a loopback auth connector.
func NewAuth(mode Mode) *Auth {
	return &Auth{
		mode:    mode,
		open:    make(map[int64]adapter.AuthHandle),
		hanging: make(map[uint32]hangingAuth),
	}
}

// Script queues outcomes for the next Open calls towards peer.
func (a *Auth) Script(peer lane.PeerID, outcomes ...Outcome) {
	a.script.push(peer, outcomes...)
}

// Open implements adapter.AuthChannelConnector.
func (a *Auth) Open(info adapter.AuthConnInfo, cb adapter.AuthOpenCallback) (uint32, error) {
	out := a.script.next(info.Peer)
	if out.Reject {
		return 0, rejected()
	}

	a.mu.Lock()
	a.nextReq++
	reqID := a.nextReq
	a.calls = append(a.calls, info)
	if out.Hang {
		a.hanging[reqID] = hangingAuth{info: info, cb: cb}
		a.mu.Unlock()
		return reqID, nil
	}
	h := a.issueLocked(info, out.Err)
	a.mu.Unlock()

	deliver(a.mode, func() { cb(reqID, h, out.Err) })
	return reqID, nil
}

func (a *Auth) issueLocked(info adapter.AuthConnInfo, err error) adapter.AuthHandle {
	if err != nil {
		return adapter.AuthHandle{}
	}
	a.nextHandle++
	h := adapter.AuthHandle{ID: a.nextHandle, Kind: info.Kind}
	a.open[h.ID] = h
	return h
}

// Complete delivers the callback of a hanging Open.
func (a *Auth) Complete(reqID uint32, err error) error {
	a.mu.Lock()
	hc, ok := a.hanging[reqID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("auth request %d not hanging", reqID)
	}
	delete(a.hanging, reqID)
	h := a.issueLocked(hc.info, err)
	a.mu.Unlock()

	deliver(a.mode, func() { hc.cb(reqID, h, err) })
	return nil
}

// Close implements adapter.AuthChannelConnector.
func (a *Auth) Close(h adapter.AuthHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.open, h.ID)
	a.closed = append(a.closed, h)
}

// Calls returns every Open request seen so far.
func (a *Auth) Calls() []adapter.AuthConnInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.AuthConnInfo(nil), a.calls...)
}

// OpenHandles returns the number of handles opened and not yet closed.
func (a *Auth) OpenHandles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Closed returns every handle closed so far.
func (a *Auth) Closed() []adapter.AuthHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.AuthHandle(nil), a.closed...)
}

// Proxy is a loopback proxy channel connector.
type Proxy struct {
	mode   Mode
	script script

	mu       sync.Mutex
	nextReq  uint32
	nextChan int
	calls    []lane.PeerID
	open     map[int]bool
	closed   []int
}

// NewProxy creates a loopback proxy connector.
func NewProxy(mode Mode) *Proxy {
	return &Proxy{
		mode: mode,
		open: make(map[int]bool),
	}
}

// Script queues outcomes for the next Open calls towards peer.
func (p *Proxy) Script(peer lane.PeerID, outcomes ...Outcome) {
	p.script.push(peer, outcomes...)
}

// Open implements adapter.ProxyChannelConnector.
func (p *Proxy) Open(peer lane.PeerID, _ adapter.ProxyOptions, cb adapter.ProxyOpenCallback) (uint32, error) {
	out := p.script.next(peer)
	if out.Reject {
		return 0, rejected()
	}

	p.mu.Lock()
	p.nextReq++
	reqID := p.nextReq
	p.calls = append(p.calls, peer)
	if out.Hang {
		p.mu.Unlock()
		return reqID, nil
	}
	channelID := 0
	if out.Err == nil {
		p.nextChan++
		channelID = p.nextChan
		p.open[channelID] = true
	}
	p.mu.Unlock()

	deliver(p.mode, func() { cb(reqID, channelID, out.Err) })
	return reqID, nil
}

// Close implements adapter.ProxyChannelConnector.
func (p *Proxy) Close(channelID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, channelID)
	p.closed = append(p.closed, channelID)
}

// Calls returns the number of Open requests seen so far.
func (p *Proxy) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// OpenChannels returns the number of channels opened and not yet closed.
func (p *Proxy) OpenChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// WifiDirect is a loopback Wi-Fi Direct connector.
type WifiDirect struct {
	mode             Mode
	connectScript    script
	disconnectScript script

	mu          sync.Mutex
	nextReq     uint32
	nextLink    int
	connects    []adapter.ConnectInfo
	outstanding map[uint32]outstandingConnect
	perPeer     map[lane.PeerID]int
	peak        map[lane.PeerID]int
	canceled    []uint32
	disconnects []adapter.DisconnectInfo
}

type outstandingConnect struct {
	info adapter.ConnectInfo
	cb   adapter.ConnectCallback
	out  Outcome
}

// NewWifiDirect creates a loopback Wi-Fi Direct connector.
func NewWifiDirect(mode Mode) *WifiDirect {
	return &WifiDirect{
		mode:        mode,
		outstanding: make(map[uint32]outstandingConnect),
		perPeer:     make(map[lane.PeerID]int),
		peak:        make(map[lane.PeerID]int),
	}
}

// Script queues outcomes for the next Connect calls towards peer.
func (w *WifiDirect) Script(peer lane.PeerID, outcomes ...Outcome) {
	w.connectScript.push(peer, outcomes...)
}

// ScriptDisconnect queues outcomes for the next Disconnect calls towards peer.
func (w *WifiDirect) ScriptDisconnect(peer lane.PeerID, outcomes ...Outcome) {
	w.disconnectScript.push(peer, outcomes...)
}

// Connect implements adapter.WifiDirectConnector.
func (w *WifiDirect) Connect(info adapter.ConnectInfo, cb adapter.ConnectCallback) (uint32, error) {
	out := w.connectScript.next(info.Peer)
	if out.Reject {
		return 0, rejected()
	}

	w.mu.Lock()
	w.nextReq++
	reqID := w.nextReq
	w.connects = append(w.connects, info)
	w.outstanding[reqID] = outstandingConnect{info: info, cb: cb, out: out}
	w.perPeer[info.Peer]++
	if w.perPeer[info.Peer] > w.peak[info.Peer] {
		w.peak[info.Peer] = w.perPeer[info.Peer]
	}
	w.mu.Unlock()

	if out.Hang {
		return reqID, nil
	}
	w.finish(reqID, out.Err)
	return reqID, nil
}

// Complete delivers the callback of a hanging Connect.
func (w *WifiDirect) Complete(reqID uint32, err error) error {
	w.mu.Lock()
	_, ok := w.outstanding[reqID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("connect request %d not outstanding", reqID)
	}
	w.finish(reqID, err)
	return nil
}

func (w *WifiDirect) finish(reqID uint32, err error) {
	w.mu.Lock()
	oc, ok := w.outstanding[reqID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.outstanding, reqID)
	w.perPeer[oc.info.Peer]--

	var res adapter.ConnectResult
	if err == nil {
		w.nextLink++
		linkType := oc.info.LinkType
		if oc.out.LinkType != nil {
			linkType = *oc.out.LinkType
		}
		res = adapter.ConnectResult{
			LinkID:    w.nextLink,
			LinkType:  linkType,
			LocalIP:   "192.168.49.1",
			RemoteIP:  fmt.Sprintf("192.168.49.%d", 1+w.nextLink%250),
			Port:      35000 + w.nextLink,
			Bandwidth: 160 << 20,
			RemoteMac: oc.info.RemoteMac,
		}
	}
	w.mu.Unlock()

	deliver(w.mode, func() { oc.cb(reqID, res, err) })
}

// Cancel implements adapter.WifiDirectConnector. A canceled request never
// calls back.
func (w *WifiDirect) Cancel(reqID uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	oc, ok := w.outstanding[reqID]
	if !ok {
		return fmt.Errorf("%w: connect request %d", lane.ErrNotFound, reqID)
	}
	delete(w.outstanding, reqID)
	w.perPeer[oc.info.Peer]--
	w.canceled = append(w.canceled, reqID)
	return nil
}

// Disconnect implements adapter.WifiDirectConnector.
func (w *WifiDirect) Disconnect(info adapter.DisconnectInfo, cb adapter.DisconnectCallback) (uint32, error) {
	out := w.disconnectScript.next(info.Peer)
	if out.Reject {
		return 0, rejected()
	}

	w.mu.Lock()
	w.nextReq++
	reqID := w.nextReq
	w.disconnects = append(w.disconnects, info)
	w.mu.Unlock()

	if out.Hang {
		return reqID, nil
	}
	deliver(w.mode, func() { cb(reqID, out.Err) })
	return reqID, nil
}

// Connects returns every Connect request seen so far.
func (w *WifiDirect) Connects() []adapter.ConnectInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]adapter.ConnectInfo(nil), w.connects...)
}

// Outstanding returns the number of Connect calls not yet completed.
func (w *WifiDirect) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outstanding)
}

// OutstandingIDs returns the ids of Connect calls not yet completed.
func (w *WifiDirect) OutstandingIDs() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uint32, 0, len(w.outstanding))
	for id := range w.outstanding {
		ids = append(ids, id)
	}
	return ids
}

// PeakOutstanding returns the highest number of concurrently outstanding
// Connect calls seen for peer.
func (w *WifiDirect) PeakOutstanding(peer lane.PeerID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak[peer]
}

// Canceled returns the ids passed to Cancel for outstanding requests.
func (w *WifiDirect) Canceled() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint32(nil), w.canceled...)
}

// Disconnects returns every Disconnect request seen so far.
func (w *WifiDirect) Disconnects() []adapter.DisconnectInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]adapter.DisconnectInfo(nil), w.disconnects...)
}
