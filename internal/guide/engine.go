package guide

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/metrics"
	"github.com/postalsys/lanelink/internal/recovery"
	"github.com/postalsys/lanelink/internal/registry"
	"github.com/postalsys/lanelink/internal/sequencer"
)

// GuideReuse names the reuse-only connect in link info and logs.
const GuideReuse = "wifi-direct-reuse"

// DefaultAuthCloseDelay is how long a transient authenticated channel is
// kept open after the link it negotiated came up.
const DefaultAuthCloseDelay = 2 * time.Second

var errAttemptTimeout = errors.New("guide attempt timed out")

// Config configures an Engine.
type Config struct {
	Adapters  adapter.Set
	Sequencer *sequencer.Sequencer
	Requests  *registry.Requests
	Links     *registry.ActiveLinks
	Bus       *lifecycle.Bus

	// Disabled guide types are never planned.
	Disabled []lane.GuideType

	// AttemptTimeout bounds every adapter call. Zero disables the timeout.
	AttemptTimeout time.Duration
	// SameGuideRetries is how often a guide honoring retry-current
	// failures is re-run before advancing.
	SameGuideRetries int
	// AuthCloseDelay defers closing the negotiation channel after success.
	AuthCloseDelay time.Duration
	// StrictLinkType rejects links whose type differs from the request.
	StrictLinkType bool

	// OnLinkUp runs after a negotiated link was registered, on the
	// sequencer or, for a reuse answered inline, on the Reuse caller.
	OnLinkUp func(lane.ActiveLink)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine drives negotiated link builds through their guide channel ladder.
// All state transitions run on the sequencer; the exported methods only
// register requests and post messages.
type Engine struct {
	cfg      Config
	planner  *Planner
	seq      *sequencer.Sequencer
	requests *registry.Requests
	links    *registry.ActiveLinks
	bus      *lifecycle.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Owned by the sequencer worker.
	attempts map[registry.BuildKey]*attempt
	closing  map[int64]pendingClose
	aborted  bool
}

type pendingClose struct {
	handle adapter.AuthHandle
	timer  *sequencer.Timer
}

// attempt is the negotiation progress of one (request, link type) pair.
type attempt struct {
	key     registry.BuildKey
	req     lane.LinkRequest
	traceID string
	logger  *slog.Logger
	started time.Time

	ladder  []lane.GuideType
	index   int
	retries int
	tries   int
	reuse   bool

	last  *lane.AdapterError
	step  uint64
	timer *sequencer.Timer
}

func (a *attempt) guideName() string {
	if a.reuse {
		return GuideReuse
	}
	if a.index < len(a.ladder) {
		return a.ladder[a.index].String()
	}
	return ""
}

// NewEngine creates a guide channel engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Adapters.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sequencer == nil || cfg.Requests == nil || cfg.Links == nil {
		return nil, fmt.Errorf("%w: sequencer and registries are required", lane.ErrInvalidParam)
	}
	if cfg.SameGuideRetries < 0 {
		cfg.SameGuideRetries = 0
	}
	if cfg.AuthCloseDelay < 0 {
		cfg.AuthCloseDelay = 0
	}
	if cfg.Bus == nil {
		cfg.Bus = lifecycle.NewBus(cfg.Logger)
	}

	return &Engine{
		cfg:      cfg,
		planner:  NewPlanner(cfg.Adapters.Ledger, cfg.Adapters.Topology, cfg.Disabled...),
		seq:      cfg.Sequencer,
		requests: cfg.Requests,
		links:    cfg.Links,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   logging.Component(cfg.Logger, "guide"),
		attempts: make(map[registry.BuildKey]*attempt),
		closing:  make(map[int64]pendingClose),
	}, nil
}

// Planner returns the engine's planner.
func (e *Engine) Planner() *Planner {
	return e.planner
}

// Start registers a negotiated build and queues it on the sequencer. It
// returns the trace id assigned to the build. The terminal result is
// reported through the request callbacks.
func (e *Engine) Start(req lane.LinkRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !req.LinkType.NeedsNegotiation() && req.LinkType != lane.LinkP2PReuse {
		return "", fmt.Errorf("%w: %s needs no negotiation", lane.ErrInvalidParam, req.LinkType)
	}

	traceID := uuid.NewString()
	entry := registry.BuildEntry{
		ReqID:     req.ReqID,
		LinkType:  req.LinkType,
		Peer:      req.Peer,
		OwnerPID:  req.OwnerPID,
		TraceID:   traceID,
		CreatedAt: e.seq.Clock().Now(),
	}
	if err := e.requests.AddBuild(entry); err != nil {
		return "", err
	}
	if err := e.seq.Post(func() { e.begin(req, traceID) }); err != nil {
		_, _ = e.requests.RemoveBuild(entry.Key())
		return "", fmt.Errorf("%w: %v", lane.ErrEngineStopped, err)
	}
	e.metrics.SetBuildsPending(e.requests.BuildCount())
	return traceID, nil
}

// inlineConnect hands a connect result from the adapter callback to the
// goroutine that issued the connect, as long as Connect has not returned.
type inlineConnect struct {
	mu       sync.Mutex
	returned bool
	answered bool
	res      adapter.ConnectResult
	err      error
}

// Reuse builds a P2P-reuse link over the Wi-Fi Direct link already up to
// req.Peer. The reuse-only connect is issued on the calling goroutine; when
// the adapter answers inline the build is over before Reuse returns: on
// success the link is registered and OnSuccess has run, on failure the error
// is returned and no callback fires. A connect answered later is handed to
// the sequencer and reports through the callbacks like Start.
func (e *Engine) Reuse(req lane.LinkRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.LinkType != lane.LinkP2PReuse {
		return "", fmt.Errorf("%w: %s is not a reuse link", lane.ErrInvalidParam, req.LinkType)
	}
	existing, ok := e.reuseCandidate(req)
	if !ok {
		return "", fmt.Errorf("%w: no active wifi direct link to %s", lane.ErrNoAvailableGuideChannel, req.Peer.Short())
	}

	traceID := uuid.NewString()
	a := e.newAttempt(req, traceID)
	a.reuse = true
	a.tries = 1
	entry := registry.BuildEntry{
		ReqID:     req.ReqID,
		LinkType:  req.LinkType,
		Peer:      req.Peer,
		OwnerPID:  req.OwnerPID,
		Guide:     GuideReuse,
		TraceID:   traceID,
		CreatedAt: a.started,
	}
	if err := e.requests.AddBuild(entry); err != nil {
		return "", err
	}
	e.metrics.RecordBuildRequest(req.LinkType.String())
	e.metrics.SetBuildsPending(e.requests.BuildCount())
	a.logger.Debug("trying wifi direct reuse",
		logging.KeyLinkID, existing.LinkID,
		logging.KeyActualType, existing.Type)

	info := e.connectInfo(a, adapter.TriggerNone, adapter.NegoChannel{})
	info.ReuseOnly = true
	if existing.RemoteMac != "" {
		info.RemoteMac = existing.RemoteMac
	}

	ic := &inlineConnect{}
	id, err := e.cfg.Adapters.WifiDirect.Connect(info, func(id uint32, res adapter.ConnectResult, err error) {
		ic.mu.Lock()
		if !ic.returned {
			ic.answered, ic.res, ic.err = true, res, err
			ic.mu.Unlock()
			return
		}
		ic.mu.Unlock()
		e.post(func() { e.onConnected(id, res, err) }, nil)
	})
	if err != nil {
		return traceID, e.reuseDone(a, adapter.ConnectResult{}, err)
	}

	ic.mu.Lock()
	ic.returned = true
	if ic.answered {
		ic.mu.Unlock()
		return traceID, e.reuseDone(a, ic.res, ic.err)
	}
	// The adoption is posted under ic.mu so it runs before any late
	// callback reaches the sequencer.
	err = e.track(a, adapter.KindWifiDirect, id)
	if err == nil {
		err = e.seq.Post(func() { e.adopt(a) })
		if err != nil {
			err = fmt.Errorf("%w: %v", lane.ErrEngineStopped, err)
		}
	}
	ic.mu.Unlock()
	if err != nil {
		_ = e.cfg.Adapters.WifiDirect.Cancel(id)
		_, _ = e.requests.RemoveBuild(a.key)
		e.metrics.SetBuildsPending(e.requests.BuildCount())
		return "", err
	}
	return traceID, nil
}

// reuseDone finishes a reuse answered inline. It runs on the Reuse caller
// and never touches the attempt table.
func (e *Engine) reuseDone(a *attempt, res adapter.ConnectResult, err error) error {
	if _, rmErr := e.requests.RemoveBuild(a.key); rmErr != nil {
		if err == nil {
			e.releaseLink(res, a.req.Peer)
		}
		if errors.Is(rmErr, lane.ErrLockUnavailable) {
			return lane.ErrEngineStopped
		}
		e.metrics.RecordBuildResult(a.req.LinkType.String(), metrics.ResultCanceled, e.since(a))
		return fmt.Errorf("%w: reuse of request %d", lane.ErrCanceled, a.req.ReqID)
	}
	e.metrics.SetBuildsPending(e.requests.BuildCount())

	var link lane.ActiveLink
	if err == nil {
		link = e.linkFor(a, res)
		err = e.checkType(a, link.Info)
		if err == nil {
			if addErr := e.links.Add(link); addErr != nil {
				e.releaseLink(res, a.req.Peer)
				e.metrics.RecordReuseAttempt(metrics.ResultFailure)
				e.metrics.RecordBuildResult(a.req.LinkType.String(), metrics.ResultFailure, e.since(a))
				a.logger.Warn("link build failed", logging.KeyError, addErr)
				return addErr
			}
		} else {
			e.releaseLink(res, a.req.Peer)
		}
	}
	if err != nil {
		ae := lane.AsAdapterError(err)
		e.metrics.RecordReuseAttempt(metrics.ResultFailure)
		e.metrics.RecordBuildResult(a.req.LinkType.String(), metrics.ResultExhausted, e.since(a))
		a.logger.Warn("link build failed",
			logging.KeyGuide, GuideReuse,
			logging.KeyReason, ae.Reason,
			logging.KeyError, ae.Err)
		return &lane.ExhaustedError{Attempts: a.tries, Last: ae}
	}

	e.announce(a, link)
	return nil
}

// adopt moves a reuse the adapter did not answer inline onto the sequencer.
func (e *Engine) adopt(a *attempt) {
	if e.aborted {
		e.fireFailure(a.logger, a.req, lane.ErrEngineStopped)
		return
	}
	if _, err := e.requests.FindBuild(a.key); err != nil {
		return
	}
	e.attempts[a.key] = a
	e.arm(a)
}

// Cancel tears down every build of reqID. No callback fires for a
// canceled build.
func (e *Engine) Cancel(reqID uint32) error {
	if len(e.requests.BuildsByRequest(reqID)) == 0 {
		return fmt.Errorf("%w: no build for request %d", lane.ErrNotFound, reqID)
	}
	if err := e.seq.Post(func() { e.cancel(reqID) }); err != nil {
		return fmt.Errorf("%w: %v", lane.ErrEngineStopped, err)
	}
	return nil
}

// AbortAll fails every build with ErrEngineStopped and closes channels
// waiting for a delayed close. It must run on the sequencer.
func (e *Engine) AbortAll() {
	e.aborted = true
	for _, entry := range e.requests.Builds() {
		a := e.attempts[entry.Key()]
		e.release(entry, false)
		_, _ = e.requests.RemoveBuild(entry.Key())
		if a == nil {
			continue
		}
		e.disarm(a)
		delete(e.attempts, a.key)
		e.report(a, nil, lane.ErrEngineStopped)
	}
	for id, pc := range e.closing {
		pc.timer.Stop()
		e.cfg.Adapters.Auth.Close(pc.handle)
		delete(e.closing, id)
	}
	e.metrics.SetBuildsPending(0)
}

// begin runs the first step of a build.
func (e *Engine) begin(req lane.LinkRequest, traceID string) {
	key := registry.BuildKey{ReqID: req.ReqID, LinkType: req.LinkType}
	if e.aborted {
		_, _ = e.requests.RemoveBuild(key)
		e.fireFailure(e.logger, req, lane.ErrEngineStopped)
		return
	}
	if _, err := e.requests.FindBuild(key); err != nil {
		if errors.Is(err, lane.ErrLockUnavailable) {
			e.fireFailure(e.logger, req, lane.ErrEngineStopped)
		}
		return
	}

	a := e.newAttempt(req, traceID)
	e.attempts[key] = a
	e.metrics.RecordBuildRequest(req.LinkType.String())

	if existing, ok := e.reuseCandidate(req); ok {
		e.issueReuse(a, existing)
		return
	}
	if req.LinkType == lane.LinkP2PReuse {
		e.fail(a, fmt.Errorf("%w: no active wifi direct link to %s", lane.ErrNoAvailableGuideChannel, req.Peer.Short()))
		return
	}
	e.plan(a)
}

func (e *Engine) newAttempt(req lane.LinkRequest, traceID string) *attempt {
	return &attempt{
		key:     registry.BuildKey{ReqID: req.ReqID, LinkType: req.LinkType},
		req:     req,
		traceID: traceID,
		started: e.seq.Clock().Now(),
		logger: e.logger.With(
			logging.KeyTraceID, traceID,
			logging.KeyRequestID, req.ReqID,
			logging.KeyPeerID, req.Peer.Short(),
			logging.KeyLinkType, req.LinkType),
	}
}

func (e *Engine) reuseCandidate(req lane.LinkRequest) (lane.ActiveLink, bool) {
	switch req.LinkType {
	case lane.LinkP2P, lane.LinkHML, lane.LinkP2PReuse:
	default:
		return lane.ActiveLink{}, false
	}
	links := e.links.FindByPeer(req.Peer, lane.LinkP2P, lane.LinkHML)
	if len(links) == 0 {
		return lane.ActiveLink{}, false
	}
	return links[0], true
}

func (e *Engine) plan(a *attempt) {
	ladder, err := e.planner.Plan(a.req.Peer, a.req.LinkType, a.req.QoS)
	if err != nil {
		e.fail(a, err)
		return
	}
	a.ladder = ladder
	a.index = 0
	a.retries = 0
	a.logger.Info("guide ladder planned", logging.KeyLadder, ladder)
	e.issue(a)
}

// issue starts the guide at a.index.
func (e *Engine) issue(a *attempt) {
	s := strategyFor(a.ladder[a.index])
	a.tries++
	e.setGuide(a)
	a.logger.Debug("guide attempt",
		logging.KeyGuide, s.guide,
		logging.KeyGuideIndex, a.index,
		"retry", a.retries)

	switch s.channel {
	case adapter.NegoAuth:
		e.openAuth(a, s)
	case adapter.NegoProxy:
		e.openProxy(a)
	default:
		e.connect(a, e.connectInfo(a, s.trigger, adapter.NegoChannel{}))
	}
}

func (e *Engine) issueReuse(a *attempt, existing lane.ActiveLink) {
	a.reuse = true
	a.tries++
	e.setGuide(a)
	a.logger.Debug("trying wifi direct reuse",
		logging.KeyLinkID, existing.LinkID,
		logging.KeyActualType, existing.Type)

	info := e.connectInfo(a, adapter.TriggerNone, adapter.NegoChannel{})
	info.ReuseOnly = true
	if existing.RemoteMac != "" {
		info.RemoteMac = existing.RemoteMac
	}
	e.connect(a, info)
}

func (e *Engine) setGuide(a *attempt) {
	guide := a.guideName()
	_, _ = e.requests.UpdateBuild(a.key, func(b *registry.BuildEntry) { b.Guide = guide })
}

func (e *Engine) connectInfo(a *attempt, trigger adapter.TriggerMode, ch adapter.NegoChannel) adapter.ConnectInfo {
	return adapter.ConnectInfo{
		Peer:              a.req.Peer,
		LinkType:          a.req.LinkType,
		RemoteMac:         adapter.OptionalRemote(e.cfg.Adapters.Ledger, a.req.Peer, adapter.AttrP2PMac),
		OwnerPID:          a.req.OwnerPID,
		ExpectedBandwidth: a.req.QoS.MinBandwidth,
		PreferHighRate:    a.req.QoS.PreferHighRate,
		P2POnly:           a.req.QoS.P2POnly,
		NegoChannel:       ch,
		Trigger:           trigger,
	}
}

// post queues fn; orphan runs instead when the sequencer is gone so that
// resources handed over by a late callback are not leaked.
func (e *Engine) post(fn, orphan func()) {
	if err := e.seq.Post(fn); err != nil && orphan != nil {
		orphan()
	}
}

func (e *Engine) track(a *attempt, kind adapter.Kind, id uint32) error {
	_, err := e.requests.UpdateBuild(a.key, func(b *registry.BuildEntry) { b.SetAdapterID(kind, id) })
	return err
}

func (e *Engine) openAuth(a *attempt, s *strategy) {
	auth := e.cfg.Adapters.Auth
	e.arm(a)
	id, err := auth.Open(adapter.AuthConnInfo{
		Peer:           a.req.Peer,
		Kind:           s.authKind,
		PreferExisting: s.preferExisting,
	}, func(id uint32, h adapter.AuthHandle, err error) {
		e.post(func() { e.onAuthOpened(id, h, err) }, func() {
			if h.Valid() {
				auth.Close(h)
			}
		})
	})
	if err != nil {
		e.stepFailed(a, err)
		return
	}
	if err := e.track(a, adapter.KindAuth, id); err != nil {
		e.stepFailed(a, adapter.Fail(lane.ReasonConflict, lane.CategoryAdvance, err))
	}
}

func (e *Engine) onAuthOpened(id uint32, h adapter.AuthHandle, err error) {
	a, ok := e.lookup(adapter.KindAuth, id)
	if !ok {
		if h.Valid() {
			e.cfg.Adapters.Auth.Close(h)
		}
		e.logger.Debug("stale auth callback", logging.KeyAdapterReqID, id)
		return
	}
	_, _ = e.requests.UpdateBuild(a.key, func(b *registry.BuildEntry) {
		b.AuthReqID = 0
		if err == nil {
			b.AuthHandle = h
		}
	})
	if err != nil {
		e.stepFailed(a, err)
		return
	}
	if !h.Valid() {
		e.stepFailed(a, adapter.Fail(lane.ReasonChannelUnavailable, lane.CategoryAdvance, errors.New("invalid auth handle")))
		return
	}

	s := strategyFor(a.ladder[a.index])
	e.connect(a, e.connectInfo(a, s.trigger, adapter.NegoChannel{Type: adapter.NegoAuth, Auth: h}))
}

func (e *Engine) openProxy(a *attempt) {
	proxy := e.cfg.Adapters.Proxy
	opts := adapter.ProxyOptions{BRMac: adapter.OptionalRemote(e.cfg.Adapters.Ledger, a.req.Peer, adapter.AttrBRMac)}
	e.arm(a)
	id, err := proxy.Open(a.req.Peer, opts, func(id uint32, channelID int, err error) {
		e.post(func() { e.onProxyOpened(id, channelID, err) }, func() {
			if channelID != 0 {
				proxy.Close(channelID)
			}
		})
	})
	if err != nil {
		e.stepFailed(a, err)
		return
	}
	if err := e.track(a, adapter.KindProxy, id); err != nil {
		e.stepFailed(a, adapter.Fail(lane.ReasonConflict, lane.CategoryAdvance, err))
	}
}

func (e *Engine) onProxyOpened(id uint32, channelID int, err error) {
	a, ok := e.lookup(adapter.KindProxy, id)
	if !ok {
		if channelID != 0 {
			e.cfg.Adapters.Proxy.Close(channelID)
		}
		e.logger.Debug("stale proxy callback", logging.KeyAdapterReqID, id)
		return
	}
	_, _ = e.requests.UpdateBuild(a.key, func(b *registry.BuildEntry) {
		b.ProxyReqID = 0
		if err == nil {
			b.ProxyChannel = channelID
		}
	})
	if err != nil {
		e.stepFailed(a, err)
		return
	}

	e.connect(a, e.connectInfo(a, adapter.TriggerNone, adapter.NegoChannel{Type: adapter.NegoProxy, ProxyChan: channelID}))
}

func (e *Engine) connect(a *attempt, info adapter.ConnectInfo) {
	e.arm(a)
	id, err := e.cfg.Adapters.WifiDirect.Connect(info, func(id uint32, res adapter.ConnectResult, err error) {
		e.post(func() { e.onConnected(id, res, err) }, nil)
	})
	if err != nil {
		e.stepFailed(a, err)
		return
	}
	if err := e.track(a, adapter.KindWifiDirect, id); err != nil {
		_ = e.cfg.Adapters.WifiDirect.Cancel(id)
		e.stepFailed(a, adapter.Fail(lane.ReasonConflict, lane.CategoryAdvance, err))
	}
}

func (e *Engine) onConnected(id uint32, res adapter.ConnectResult, err error) {
	a, ok := e.lookup(adapter.KindWifiDirect, id)
	if !ok {
		if err == nil {
			e.logger.Warn("late connect success, releasing link",
				logging.KeyAdapterReqID, id,
				logging.KeyLinkID, res.LinkID)
			e.releaseLink(res, "")
		}
		return
	}
	entry, _ := e.requests.UpdateBuild(a.key, func(b *registry.BuildEntry) { b.P2PReqID = 0 })
	if err != nil {
		e.stepFailed(a, err)
		return
	}
	e.succeeded(a, entry, res)
}

// lookup maps an adapter callback to its live attempt.
func (e *Engine) lookup(kind adapter.Kind, id uint32) (*attempt, bool) {
	entry, err := e.requests.FindBuildByAdapter(kind, id)
	if err != nil {
		return nil, false
	}
	a, ok := e.attempts[entry.Key()]
	return a, ok
}

// releaseLink disconnects a link the engine will not keep.
func (e *Engine) releaseLink(res adapter.ConnectResult, peer lane.PeerID) {
	_, _ = e.cfg.Adapters.WifiDirect.Disconnect(adapter.DisconnectInfo{
		Peer:      peer,
		LinkID:    res.LinkID,
		LinkType:  res.LinkType,
		RemoteMac: res.RemoteMac,
	}, func(uint32, error) {})
}

func (e *Engine) succeeded(a *attempt, entry registry.BuildEntry, res adapter.ConnectResult) {
	link := e.linkFor(a, res)
	if err := e.checkType(a, link.Info); err != nil {
		e.releaseLink(res, a.req.Peer)
		e.stepFailed(a, err)
		return
	}
	if err := e.links.Add(link); err != nil {
		e.releaseLink(res, a.req.Peer)
		e.disarm(a)
		e.release(entry, false)
		e.fail(a, err)
		return
	}

	e.disarm(a)
	e.release(entry, true)
	e.finish(a)
	e.announce(a, link)
}

// linkFor builds the active link described by a successful connect.
func (e *Engine) linkFor(a *attempt, res adapter.ConnectResult) lane.ActiveLink {
	actual := res.LinkType
	if !actual.IsWifiDirect() {
		actual = a.req.LinkType
	}
	info := lane.LaneLinkInfo{
		Type:          actual,
		RequestedType: a.req.LinkType,
		Peer:          a.req.Peer,
		P2P: lane.P2PInfo{
			LinkID:    res.LinkID,
			LocalIP:   res.LocalIP,
			RemoteIP:  res.RemoteIP,
			Port:      res.Port,
			Bandwidth: res.Bandwidth,
			RemoteMac: res.RemoteMac,
			Guide:     a.guideName(),
			Reused:    a.reuse,
		},
	}
	return lane.ActiveLink{
		LinkID:    res.LinkID,
		ReqID:     a.req.ReqID,
		Type:      actual,
		Peer:      a.req.Peer,
		RemoteMac: res.RemoteMac,
		OwnerPID:  a.req.OwnerPID,
		Info:      info,
		CreatedAt: e.seq.Clock().Now(),
	}
}

// checkType rejects a link of another type than requested when
// StrictLinkType is set. Any Wi-Fi Direct link satisfies P2P-reuse.
func (e *Engine) checkType(a *attempt, info lane.LaneLinkInfo) error {
	if !info.TypeMismatch() {
		return nil
	}
	if info.RequestedType == lane.LinkP2PReuse && info.Type.IsWifiDirect() {
		return nil
	}
	if e.cfg.StrictLinkType {
		return adapter.Fail(lane.ReasonTypeMismatch, lane.CategoryAdvance,
			fmt.Errorf("built %s, requested %s", info.Type, info.RequestedType))
	}
	a.logger.Info("link type differs from request", logging.KeyActualType, info.Type)
	return nil
}

// announce reports a registered link to the requester, the lifecycle bus
// and OnLinkUp.
func (e *Engine) announce(a *attempt, link lane.ActiveLink) {
	e.metrics.SetLinksActive(e.links.Len())
	if a.reuse {
		e.metrics.RecordReuseAttempt(metrics.ResultSuccess)
	} else {
		e.metrics.RecordGuideAttempt(a.guideName(), metrics.ResultSuccess)
	}
	e.metrics.RecordBuildResult(a.req.LinkType.String(), metrics.ResultSuccess, e.since(a))

	a.logger.Info("link established",
		logging.KeyGuide, a.guideName(),
		logging.KeyLinkID, link.LinkID,
		logging.KeyActualType, link.Type,
		logging.KeyCount, a.tries,
		logging.KeyDuration, e.seq.Clock().Since(a.started))

	info := link.Info
	cb := a.req.Callbacks.OnSuccess
	recovery.Call(a.logger, "on-success", func() { cb(a.req.ReqID, info) })
	e.bus.Notify(a.req.Peer, info, lane.LinkUp)
	if e.cfg.OnLinkUp != nil {
		recovery.Call(a.logger, "on-link-up", func() { e.cfg.OnLinkUp(link) })
	}
}

// stepFailed handles the failure of the current guide or reuse step.
func (e *Engine) stepFailed(a *attempt, err error) {
	ae := lane.AsAdapterError(err)
	a.last = ae
	e.disarm(a)
	e.releaseStep(a)

	a.logger.Info("guide attempt failed",
		logging.KeyGuide, a.guideName(),
		logging.KeyReason, ae.Reason,
		logging.KeyCategory, ae.Category,
		logging.KeyError, ae.Err)

	if a.reuse {
		e.metrics.RecordReuseAttempt(metrics.ResultFailure)
		a.reuse = false
		if a.req.LinkType == lane.LinkP2PReuse {
			e.fail(a, &lane.ExhaustedError{Attempts: a.tries, Last: ae})
			return
		}
		e.plan(a)
		return
	}

	s := strategyFor(a.ladder[a.index])
	if ae.Category == lane.CategoryRetryCurrent && s.retryCurrent && a.retries < e.cfg.SameGuideRetries {
		e.metrics.RecordGuideAttempt(s.guide.String(), lane.CategoryRetryCurrent.String())
		a.retries++
		e.issue(a)
		return
	}

	e.metrics.RecordGuideAttempt(s.guide.String(), lane.CategoryAdvance.String())
	a.index++
	a.retries = 0
	if a.index >= len(a.ladder) {
		e.fail(a, &lane.ExhaustedError{Attempts: a.tries, Last: ae})
		return
	}
	e.issue(a)
}

// releaseStep drops every handle and outstanding call of the current step.
func (e *Engine) releaseStep(a *attempt) {
	entry, err := e.requests.FindBuild(a.key)
	if err != nil {
		return
	}
	e.release(entry, false)
	_, _ = e.requests.UpdateBuild(a.key, func(b *registry.BuildEntry) {
		b.AuthReqID, b.ProxyReqID, b.P2PReqID = 0, 0, 0
		b.AuthHandle = adapter.AuthHandle{}
		b.ProxyChannel = 0
	})
}

// release closes the channels held by entry and cancels its outstanding
// connect. With delayAuth the auth channel is closed after AuthCloseDelay.
func (e *Engine) release(entry registry.BuildEntry, delayAuth bool) {
	if entry.P2PReqID != 0 {
		if err := e.cfg.Adapters.WifiDirect.Cancel(entry.P2PReqID); err != nil {
			e.logger.Debug("connect cancel failed", logging.KeyAdapterReqID, entry.P2PReqID, logging.KeyError, err)
		}
	}
	if entry.ProxyChannel != 0 {
		e.cfg.Adapters.Proxy.Close(entry.ProxyChannel)
	}
	if entry.AuthHandle.Valid() {
		if delayAuth && e.cfg.AuthCloseDelay > 0 {
			e.closeLater(entry.AuthHandle)
		} else {
			e.cfg.Adapters.Auth.Close(entry.AuthHandle)
		}
	}
}

func (e *Engine) closeLater(h adapter.AuthHandle) {
	timer := e.seq.PostAfter(e.cfg.AuthCloseDelay, func() {
		if _, ok := e.closing[h.ID]; ok {
			delete(e.closing, h.ID)
			e.cfg.Adapters.Auth.Close(h)
		}
	})
	if timer == nil {
		e.cfg.Adapters.Auth.Close(h)
		return
	}
	e.closing[h.ID] = pendingClose{handle: h, timer: timer}
}

func (e *Engine) arm(a *attempt) {
	e.disarm(a)
	a.step++
	if e.cfg.AttemptTimeout <= 0 {
		return
	}
	key, step := a.key, a.step
	a.timer = e.seq.PostAfter(e.cfg.AttemptTimeout, func() { e.onTimeout(key, step) })
}

func (e *Engine) disarm(a *attempt) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (e *Engine) onTimeout(key registry.BuildKey, step uint64) {
	a, ok := e.attempts[key]
	if !ok || a.step != step {
		return
	}
	a.timer = nil
	a.logger.Warn("guide attempt timed out",
		logging.KeyGuide, a.guideName(),
		logging.KeyDuration, e.cfg.AttemptTimeout)
	e.stepFailed(a, adapter.Fail(lane.ReasonTimeout, lane.CategoryAdvance, errAttemptTimeout))
}

func (e *Engine) cancel(reqID uint32) {
	for _, entry := range e.requests.BuildsByRequest(reqID) {
		e.release(entry, false)
		_, _ = e.requests.RemoveBuild(entry.Key())
		if a, ok := e.attempts[entry.Key()]; ok {
			e.disarm(a)
			delete(e.attempts, a.key)
			e.metrics.RecordBuildResult(a.req.LinkType.String(), metrics.ResultCanceled, e.since(a))
			a.logger.Info("build canceled", logging.KeyGuide, a.guideName())
		}
	}
	e.metrics.SetBuildsPending(e.requests.BuildCount())
}

// finish drops the attempt and its registry entry.
func (e *Engine) finish(a *attempt) {
	delete(e.attempts, a.key)
	_, _ = e.requests.RemoveBuild(a.key)
	e.metrics.SetBuildsPending(e.requests.BuildCount())
}

// fail ends the build with err and fires the failure callback.
func (e *Engine) fail(a *attempt, err error) {
	e.disarm(a)
	e.finish(a)
	e.report(a, a.last, err)
}

func (e *Engine) report(a *attempt, last *lane.AdapterError, err error) {
	result := metrics.ResultFailure
	if errors.Is(err, lane.ErrGuideChannelExhausted) {
		result = metrics.ResultExhausted
	}
	e.metrics.RecordBuildResult(a.req.LinkType.String(), result, e.since(a))

	attrs := []any{logging.KeyError, err, logging.KeyCount, a.tries}
	if last != nil {
		attrs = append(attrs, logging.KeyReason, last.Reason)
	}
	a.logger.Warn("link build failed", attrs...)
	e.fireFailure(a.logger, a.req, err)
}

func (e *Engine) fireFailure(logger *slog.Logger, req lane.LinkRequest, err error) {
	cb := req.Callbacks.OnFailure
	recovery.Call(logger, "on-failure", func() { cb(req.ReqID, req.LinkType, err) })
}

func (e *Engine) since(a *attempt) float64 {
	return e.seq.Clock().Since(a.started).Seconds()
}
