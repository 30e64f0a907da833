// Package link is the public face of the lane link engine. It admits link
// requests, routes them to the direct dispatcher or the guide channel engine,
// tears links down and exposes the lane lifecycle API.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/addrcache"
	"github.com/postalsys/lanelink/internal/direct"
	"github.com/postalsys/lanelink/internal/guide"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/metrics"
	"github.com/postalsys/lanelink/internal/registry"
	"github.com/postalsys/lanelink/internal/sequencer"
)

// DefaultStopTimeout bounds the forced disconnects issued by Stop when the
// caller's context has no deadline.
const DefaultStopTimeout = 10 * time.Second

// releasedSize bounds how many torn down P2P-reuse requests are remembered.
const releasedSize = 256

// Config configures an Engine.
type Config struct {
	Adapters adapter.Set

	// Guide channel tuning, see guide.Config.
	AttemptTimeout   time.Duration
	SameGuideRetries int
	AuthCloseDelay   time.Duration
	StrictLinkType   bool
	DisabledGuides   []lane.GuideType

	// MaxPendingRequests bounds builds in flight, MaxActiveLinks bounds
	// negotiated links. Non-positive values use the registry defaults.
	MaxPendingRequests int
	MaxActiveLinks     int

	// BuildRate limits admitted BuildLink calls per second. Zero disables
	// the limit.
	BuildRate  float64
	BuildBurst int

	AddrCacheSize int
	AddrCacheTTL  time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine builds and tears down lane links. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	adapters adapter.Set
	logger   *slog.Logger
	metrics  *metrics.Metrics

	seq      *sequencer.Sequencer
	requests *registry.Requests
	links    *registry.ActiveLinks
	bus      *lifecycle.Bus
	cache    *addrcache.Cache
	direct   *direct.Dispatcher
	guide    *guide.Engine
	limiter  *rate.Limiter

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time

	// released holds P2P-reuse requests whose negotiated link was torn
	// down, so that destroying them again is not taken for a direct release.
	released *lru.Cache[registry.BuildKey, struct{}]

	// Owned by the sequencer worker.
	teardowns map[int]*teardown
}

// New creates an engine. Call Start before building links.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Adapters.Validate(); err != nil {
		return nil, err
	}
	if cfg.BuildRate < 0 {
		return nil, fmt.Errorf("%w: negative build rate", lane.ErrInvalidParam)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	released, err := lru.New[registry.BuildKey, struct{}](releasedSize)
	if err != nil {
		return nil, err
	}

	logger := logging.Component(cfg.Logger, "link")
	e := &Engine{
		cfg:       cfg,
		adapters:  cfg.Adapters,
		logger:    logger,
		metrics:   cfg.Metrics,
		requests:  registry.NewRequests(cfg.MaxPendingRequests),
		links:     registry.NewActiveLinks(cfg.MaxActiveLinks),
		bus:       lifecycle.NewBus(cfg.Logger),
		cache:     addrcache.New(cfg.AddrCacheSize, cfg.AddrCacheTTL),
		released:  released,
		teardowns: make(map[int]*teardown),
	}

	e.seq = sequencer.New(sequencer.Config{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		OnPanic: func(interface{}) {
			e.metrics.RecordSequencerPanic()
		},
	})

	e.direct = direct.New(direct.Config{
		Ledger:  cfg.Adapters.Ledger,
		Cache:   e.cache,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})

	g, err := guide.NewEngine(guide.Config{
		Adapters:         cfg.Adapters,
		Sequencer:        e.seq,
		Requests:         e.requests,
		Links:            e.links,
		Bus:              e.bus,
		Disabled:         cfg.DisabledGuides,
		AttemptTimeout:   cfg.AttemptTimeout,
		SameGuideRetries: cfg.SameGuideRetries,
		AuthCloseDelay:   cfg.AuthCloseDelay,
		StrictLinkType:   cfg.StrictLinkType,
		OnLinkUp: func(l lane.ActiveLink) {
			e.direct.Remember(l.Info)
		},
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.guide = g

	e.limiter = rate.NewLimiter(rate.Inf, 0)
	if cfg.BuildRate > 0 {
		burst := cfg.BuildBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.BuildRate), burst)
	}
	return e, nil
}

// Start launches the sequencer worker.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return lane.ErrEngineStopped
	}
	if e.started {
		return nil
	}
	e.started = true
	e.startedAt = e.cfg.Clock.Now()
	e.seq.Start()
	e.logger.Info("lane link engine started")
	return nil
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return lane.ErrEngineStopped
	}
	if !e.started {
		return fmt.Errorf("%w: engine not started", lane.ErrEngineStopped)
	}
	return nil
}

// BuildLink requests a link. Direct link types resolve before BuildLink
// returns: on success OnSuccess has already run, on failure the error is
// returned and no callback fires. P2P-reuse over a Wi-Fi Direct link that
// is already up resolves the same way when the adapter answers the
// reuse-only connect inline. Negotiated link types return once the request
// is accepted and report their result through the callbacks.
func (e *Engine) BuildLink(req lane.LinkRequest) error {
	if err := e.running(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if !e.limiter.Allow() {
		e.metrics.RecordBuildResult(req.LinkType.String(), metrics.ResultRejected, 0)
		return fmt.Errorf("%w: build rate exceeded", lane.ErrResourceExhausted)
	}

	if e.negotiated(req) {
		start := e.guide.Start
		if req.LinkType == lane.LinkP2PReuse {
			start = e.guide.Reuse
		}
		traceID, err := start(req)
		if err != nil {
			// A reuse answered inline has already recorded its result.
			if traceID == "" {
				e.metrics.RecordBuildResult(req.LinkType.String(), metrics.ResultRejected, 0)
			}
			return err
		}
		e.logger.Debug("link build accepted",
			logging.KeyTraceID, traceID,
			logging.KeyRequestID, req.ReqID,
			logging.KeyPeerID, req.Peer.Short(),
			logging.KeyLinkType, req.LinkType)
		return nil
	}

	e.metrics.RecordBuildRequest(req.LinkType.String())
	start := e.cfg.Clock.Now()
	err := e.direct.BuildDirectLink(req.ReqID, req.LinkType,
		&direct.PeerInfo{ID: req.Peer, OwnerPID: req.OwnerPID},
		direct.SuccessFunc(req.Callbacks.OnSuccess))
	if err != nil {
		e.metrics.RecordBuildResult(req.LinkType.String(), metrics.ResultFailure, 0)
		return err
	}
	e.released.Remove(registry.BuildKey{ReqID: req.ReqID, LinkType: req.LinkType})
	e.metrics.RecordBuildResult(req.LinkType.String(), metrics.ResultSuccess, e.cfg.Clock.Since(start).Seconds())
	return nil
}

// negotiated reports whether req goes through the guide channel engine.
// P2P-reuse is negotiated only when a Wi-Fi Direct link to the peer is up.
func (e *Engine) negotiated(req lane.LinkRequest) bool {
	if req.LinkType.NeedsNegotiation() {
		return true
	}
	if req.LinkType == lane.LinkP2PReuse {
		return len(e.links.FindByPeer(req.Peer, lane.LinkP2P, lane.LinkHML)) > 0
	}
	return false
}

// CancelBuild cancels every in-flight build of reqID. No callback fires for
// a canceled build.
func (e *Engine) CancelBuild(reqID uint32) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.guide.Cancel(reqID)
}

// RegisterLinkListener installs the listener of a business type, replacing
// any previous one.
func (e *Engine) RegisterLinkListener(bt lane.BusinessType, l lifecycle.Listener) error {
	return e.bus.RegisterListener(bt, l)
}

// UnregisterLinkListener removes the listener of a business type.
func (e *Engine) UnregisterLinkListener(bt lane.BusinessType) error {
	return e.bus.UnregisterListener(bt)
}

// BindLane records that a business type uses link and returns the new
// reference count.
func (e *Engine) BindLane(bt lane.BusinessType, info lane.LaneLinkInfo) (int, error) {
	n, err := e.bus.Bind(bt, info)
	if err == nil {
		e.metrics.SetLaneBindings(len(e.bus.Bindings()))
	}
	return n, err
}

// UnbindLane drops one reference of a business type to link and returns the
// remaining count. The binding disappears at zero.
func (e *Engine) UnbindLane(bt lane.BusinessType, info lane.LaneLinkInfo) (int, error) {
	n, err := e.bus.Unbind(bt, info)
	if err == nil {
		e.metrics.SetLaneBindings(len(e.bus.Bindings()))
	}
	return n, err
}

// Stop fails pending builds, force-disconnects every active link and shuts
// the engine down. Errors of individual disconnects are aggregated.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultStopTimeout)
		defer cancel()
	}

	var err error
	if started {
		err = e.forceDisconnectAll(ctx)
	}

	e.links.Close()
	e.requests.Close()
	e.bus.Close()
	e.seq.Stop()
	e.metrics.SetBuildsPending(0)
	e.metrics.SetLinksActive(0)
	e.logger.Info("lane link engine stopped")
	return err
}

// errUnexpectedStop is reported when the sequencer refused the shutdown message.
var errUnexpectedStop = errors.New("sequencer stopped before shutdown")
