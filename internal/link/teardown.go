package link

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/direct"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/metrics"
	"github.com/postalsys/lanelink/internal/registry"
	"github.com/postalsys/lanelink/internal/sequencer"
)

var errTeardownTimeout = errors.New("teardown step timed out")

// teardown is the progress of one negotiated link disconnect.
type teardown struct {
	link  lane.ActiveLink
	path  string // empty while the auth channel is being opened
	step  uint64
	timer *sequencer.Timer
}

// DestroyLink tears down the link built for (reqID, linkType). Negotiated
// links are disconnected through an authenticated channel when one can be
// opened and raw otherwise; the link is dropped from the engine once the
// adapter answers either way. Direct links only drop cached addresses.
// Destroying a negotiated link that is already gone returns ErrNotFound,
// including a P2P-reuse link that was built over an active link.
func (e *Engine) DestroyLink(peer lane.PeerID, reqID uint32, linkType lane.LinkType, ownerPID int32) error {
	if err := e.running(); err != nil {
		return err
	}
	if peer == "" || !linkType.Valid() {
		return fmt.Errorf("%w: peer %q link type %s", lane.ErrInvalidParam, peer, linkType)
	}

	l, err := e.links.FindByRequest(reqID, linkType)
	switch {
	case err == nil:
		if l.Peer != peer {
			return fmt.Errorf("%w: request %d has no %s link to %s", lane.ErrNotFound, reqID, linkType, peer.Short())
		}
		if ownerPID != 0 && l.OwnerPID != ownerPID {
			return fmt.Errorf("%w: link %d is owned by pid %d", lane.ErrInvalidParam, l.LinkID, l.OwnerPID)
		}
		if _, err := e.requests.FindTeardown(l.LinkID); err == nil {
			// Already being torn down.
			return nil
		}
		if err := e.seq.Post(func() { e.beginTeardown(l) }); err != nil {
			return fmt.Errorf("%w: %v", lane.ErrEngineStopped, err)
		}
		return nil
	case !errors.Is(err, lane.ErrNotFound):
		return err
	}

	if !direct.Supports(linkType) {
		return err
	}
	if e.released.Contains(registry.BuildKey{ReqID: reqID, LinkType: linkType}) {
		return fmt.Errorf("%w: %s link of request %d already destroyed", lane.ErrNotFound, linkType, reqID)
	}
	if linkType == lane.LinkP2PReuse {
		e.direct.Invalidate(peer)
	}
	e.metrics.RecordTeardown(metrics.TeardownDirect)
	e.logger.Debug("direct link released",
		logging.KeyRequestID, reqID,
		logging.KeyPeerID, peer.Short(),
		logging.KeyLinkType, linkType)
	return nil
}

func (e *Engine) beginTeardown(l lane.ActiveLink) {
	if _, busy := e.teardowns[l.LinkID]; busy {
		return
	}
	if _, err := e.links.Find(l.LinkID); err != nil {
		return
	}
	err := e.requests.AddTeardown(registry.TeardownEntry{
		LinkID:   l.LinkID,
		ReqID:    l.ReqID,
		LinkType: l.Info.RequestedType,
		Peer:     l.Peer,
	})
	if err != nil {
		e.logger.Warn("teardown not registered", logging.KeyLinkID, l.LinkID, logging.KeyError, err)
		return
	}

	td := &teardown{link: l}
	e.teardowns[l.LinkID] = td
	e.armTeardown(td)

	auth := e.adapters.Auth
	id, err := auth.Open(adapter.AuthConnInfo{
		Peer:           l.Peer,
		Kind:           adapter.AuthConnAny,
		PreferExisting: true,
	}, func(id uint32, h adapter.AuthHandle, err error) {
		e.post(func() { e.onTeardownAuth(id, h, err) }, func() {
			if h.Valid() {
				auth.Close(h)
			}
		})
	})
	if err != nil {
		e.logger.Debug("no auth channel for teardown", logging.KeyLinkID, l.LinkID, logging.KeyError, err)
		e.disconnect(td, adapter.NegoChannel{})
		return
	}
	_, _ = e.requests.UpdateTeardown(l.LinkID, func(t *registry.TeardownEntry) { t.AuthReqID = id })
}

func (e *Engine) onTeardownAuth(id uint32, h adapter.AuthHandle, err error) {
	entry, ferr := e.requests.FindTeardownByAdapter(adapter.KindAuth, id)
	td := e.teardowns[entry.LinkID]
	if ferr != nil || td == nil {
		if h.Valid() {
			e.adapters.Auth.Close(h)
		}
		return
	}
	_, _ = e.requests.UpdateTeardown(entry.LinkID, func(t *registry.TeardownEntry) {
		t.AuthReqID = 0
		if err == nil {
			t.AuthHandle = h
		}
	})
	if err != nil || !h.Valid() {
		e.logger.Debug("auth channel unavailable, raw disconnect",
			logging.KeyLinkID, entry.LinkID,
			logging.KeyError, err)
		e.disconnect(td, adapter.NegoChannel{})
		return
	}
	e.disconnect(td, adapter.NegoChannel{Type: adapter.NegoAuth, Auth: h})
}

func (e *Engine) disconnect(td *teardown, ch adapter.NegoChannel) {
	td.path = metrics.TeardownRaw
	if ch.Type == adapter.NegoAuth {
		td.path = metrics.TeardownAuth
	}
	e.armTeardown(td)

	l := td.link
	id, err := e.adapters.WifiDirect.Disconnect(adapter.DisconnectInfo{
		Peer:        l.Peer,
		LinkID:      l.LinkID,
		LinkType:    l.Type,
		RemoteMac:   l.RemoteMac,
		NegoChannel: ch,
	}, func(id uint32, err error) {
		e.post(func() { e.onDisconnected(id, err) }, nil)
	})
	if err != nil {
		e.finishTeardown(td, err)
		return
	}
	_, _ = e.requests.UpdateTeardown(l.LinkID, func(t *registry.TeardownEntry) { t.DisconnectReqID = id })
}

func (e *Engine) onDisconnected(id uint32, err error) {
	entry, ferr := e.requests.FindTeardownByAdapter(adapter.KindWifiDirect, id)
	if ferr != nil {
		return
	}
	if td := e.teardowns[entry.LinkID]; td != nil {
		e.finishTeardown(td, err)
	}
}

// finishTeardown drops the link whatever the adapter reported.
func (e *Engine) finishTeardown(td *teardown, err error) {
	l := td.link
	e.disarmTeardown(td)
	delete(e.teardowns, l.LinkID)

	if entry, rerr := e.requests.RemoveTeardown(l.LinkID); rerr == nil && entry.AuthHandle.Valid() {
		e.adapters.Auth.Close(entry.AuthHandle)
	}
	removed, rerr := e.links.Remove(l.LinkID)
	if l.Info.RequestedType == lane.LinkP2PReuse {
		e.released.Add(registry.BuildKey{ReqID: l.ReqID, LinkType: lane.LinkP2PReuse}, struct{}{})
	}
	if l.Type.IsWifiDirect() {
		e.direct.Invalidate(l.Peer)
	}
	e.metrics.RecordTeardown(td.path)
	e.metrics.SetLinksActive(e.links.Len())

	attrs := []any{
		logging.KeyLinkID, l.LinkID,
		logging.KeyPeerID, l.Peer.Short(),
		logging.KeyLinkType, l.Type,
		"path", td.path,
	}
	if err != nil {
		e.logger.Warn("disconnect failed, link dropped", append(attrs, logging.KeyError, err)...)
	} else {
		e.logger.Info("link destroyed", attrs...)
	}
	if rerr == nil {
		e.bus.Notify(removed.Peer, removed.Info, lane.LinkDown)
	}
}

func (e *Engine) armTeardown(td *teardown) {
	e.disarmTeardown(td)
	td.step++
	if e.cfg.AttemptTimeout <= 0 {
		return
	}
	linkID, step := td.link.LinkID, td.step
	td.timer = e.seq.PostAfter(e.cfg.AttemptTimeout, func() { e.onTeardownTimeout(linkID, step) })
}

func (e *Engine) disarmTeardown(td *teardown) {
	if td.timer != nil {
		td.timer.Stop()
		td.timer = nil
	}
}

func (e *Engine) onTeardownTimeout(linkID int, step uint64) {
	td, ok := e.teardowns[linkID]
	if !ok || td.step != step {
		return
	}
	td.timer = nil
	if td.path == "" {
		e.logger.Debug("auth open timed out, raw disconnect", logging.KeyLinkID, linkID)
		_, _ = e.requests.UpdateTeardown(linkID, func(t *registry.TeardownEntry) { t.AuthReqID = 0 })
		e.disconnect(td, adapter.NegoChannel{})
		return
	}
	e.finishTeardown(td, errTeardownTimeout)
}

// post queues fn; orphan runs instead when the sequencer is gone.
func (e *Engine) post(fn, orphan func()) {
	if err := e.seq.Post(fn); err != nil && orphan != nil {
		orphan()
	}
}

type disconnectResult struct {
	linkID int
	err    error
}

// forceDisconnectAll aborts every build, raw-disconnects every active link
// and waits for the adapter to confirm.
func (e *Engine) forceDisconnectAll(ctx context.Context) error {
	issued := make(chan int, 1)
	var results chan disconnectResult

	err := e.seq.Post(func() {
		e.guide.AbortAll()
		for id, td := range e.teardowns {
			e.disarmTeardown(td)
			delete(e.teardowns, id)
		}
		for _, t := range e.requests.Teardowns() {
			if t.AuthHandle.Valid() {
				e.adapters.Auth.Close(t.AuthHandle)
			}
			_, _ = e.requests.RemoveTeardown(t.LinkID)
		}

		links := e.links.All()
		results = make(chan disconnectResult, len(links))
		for _, l := range links {
			_, err := e.adapters.WifiDirect.Disconnect(adapter.DisconnectInfo{
				Peer:      l.Peer,
				LinkID:    l.LinkID,
				LinkType:  l.Type,
				RemoteMac: l.RemoteMac,
			}, func(_ uint32, err error) {
				results <- disconnectResult{linkID: l.LinkID, err: err}
			})
			if err != nil {
				results <- disconnectResult{linkID: l.LinkID, err: err}
			}
			_, _ = e.links.Remove(l.LinkID)
			e.metrics.RecordTeardown(metrics.TeardownForced)
			e.bus.Notify(l.Peer, l.Info, lane.LinkDown)
		}
		e.cache.Purge()
		issued <- len(links)
	})
	if err != nil {
		return errUnexpectedStop
	}

	var n int
	select {
	case n = <-issued:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n > 0 {
		e.logger.Info("force disconnecting links", logging.KeyCount, n)
	}

	var errs error
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				errs = multierr.Append(errs, fmt.Errorf("link %d: %w", r.linkID, r.err))
			}
		case <-ctx.Done():
			return multierr.Append(errs, fmt.Errorf("%d disconnects unconfirmed: %w", n-i, ctx.Err()))
		}
	}
	return errs
}
