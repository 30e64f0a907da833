package config

import (
	"log/slog"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/adapter/loopback"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/metrics"
)

// LinkConfig maps the configuration onto engine settings.
func (c *Config) LinkConfig(set adapter.Set, m *metrics.Metrics, logger *slog.Logger) (link.Config, error) {
	disabled, err := c.Guide.DisabledGuides()
	if err != nil {
		return link.Config{}, err
	}
	return link.Config{
		Adapters:           set,
		AttemptTimeout:     c.Guide.AttemptTimeout,
		SameGuideRetries:   c.Guide.SameGuideRetries,
		AuthCloseDelay:     c.Guide.AuthCloseDelay,
		StrictLinkType:     c.Guide.StrictLinkType,
		DisabledGuides:     disabled,
		MaxPendingRequests: c.Limits.MaxPendingRequests,
		MaxActiveLinks:     c.Limits.MaxActiveLinks,
		BuildRate:          c.Limits.BuildRate,
		BuildBurst:         c.Limits.BuildBurst,
		AddrCacheSize:      c.AddressCache.Size,
		AddrCacheTTL:       c.AddressCache.TTL,
		Metrics:            m,
		Logger:             logger,
	}, nil
}

// Loopback builds the simulated adapter set: ledger attributes, existing
// connections and scripted adapter outcomes for every configured peer.
func (s SimulationConfig) Loopback() (*loopback.Adapters, error) {
	mode := loopback.Sync
	if s.Async {
		mode = loopback.Async
	}
	a := loopback.New(mode)
	if s.LocalFeatures != "" {
		a.Ledger.SetLocal(adapter.AttrFeature, s.LocalFeatures)
	}
	if s.LocalP2PIP != "" {
		a.Ledger.SetLocal(adapter.AttrP2PIP, s.LocalP2PIP)
	}

	for _, p := range s.Peers {
		peer := lane.PeerID(p.ID)
		for k, v := range p.Attributes {
			a.Ledger.SetRemote(peer, adapter.Attr(k), v)
		}
		if p.Features != "" {
			a.Ledger.SetRemote(peer, adapter.AttrFeature, p.Features)
		}
		a.Topology.SetAuth(peer, p.AuthConnected)
		a.Topology.SetBR(peer, p.BRConnected)

		connect, err := loopback.ParseOutcomes(p.Connect)
		if err != nil {
			return nil, err
		}
		auth, err := loopback.ParseOutcomes(p.Auth)
		if err != nil {
			return nil, err
		}
		proxy, err := loopback.ParseOutcomes(p.Proxy)
		if err != nil {
			return nil, err
		}
		disconnect, err := loopback.ParseOutcomes(p.Disconnect)
		if err != nil {
			return nil, err
		}
		a.WifiDirect.Script(peer, connect...)
		a.WifiDirect.ScriptDisconnect(peer, disconnect...)
		a.Auth.Script(peer, auth...)
		a.Proxy.Script(peer, proxy...)
	}
	return a, nil
}

// LinkRequest converts a simulated request. Callbacks are left to the caller.
func (r SimRequestConfig) LinkRequest() (lane.LinkRequest, error) {
	lt, err := lane.ParseLinkType(r.LinkType)
	if err != nil {
		return lane.LinkRequest{}, err
	}
	return lane.LinkRequest{
		ReqID:    r.ReqID,
		Peer:     lane.PeerID(r.Peer),
		LinkType: lt,
		OwnerPID: r.OwnerPID,
		QoS: lane.QoS{
			MinBandwidth: r.MinBandwidth,
			P2POnly:      r.P2POnly,
		},
	}, nil
}
