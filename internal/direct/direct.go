// Package direct resolves link types that need no negotiation with the peer
// from attributes already held by the device ledger.
package direct

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/addrcache"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/metrics"
)

// PeerInfo identifies the peer a direct link is built for.
type PeerInfo struct {
	ID       lane.PeerID
	OwnerPID int32
}

// SuccessFunc receives a resolved link.
type SuccessFunc func(reqID uint32, info lane.LaneLinkInfo)

type resolver func(d *Dispatcher, peer lane.PeerID, info *lane.LaneLinkInfo) error

// resolvers is the dispatch table. A link type is direct iff it has an entry.
var resolvers = map[lane.LinkType]resolver{
	lane.LinkBR:         resolveBR,
	lane.LinkProxyReuse: resolveBR,
	lane.LinkBLE:        resolveBLE,
	lane.LinkBLEDirect:  resolveBLEDirect,
	lane.LinkWLAN2P4G:   resolveWLAN,
	lane.LinkWLAN5G:     resolveWLAN,
	lane.LinkP2PReuse:   resolveP2PReuse,
}

// Supports reports whether t is resolved without negotiation.
func Supports(t lane.LinkType) bool {
	_, ok := resolvers[t]
	return ok
}

// Config configures a Dispatcher.
type Config struct {
	Ledger  adapter.Ledger
	Cache   *addrcache.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher builds direct links.
type Dispatcher struct {
	ledger  adapter.Ledger
	cache   *addrcache.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a dispatcher. A nil cache disables reuse address caching.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		ledger:  cfg.Ledger,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		logger:  logging.Component(cfg.Logger, "direct"),
	}
}

// BuildDirectLink resolves the link and invokes onSuccess before returning.
// On error onSuccess is not called.
func (d *Dispatcher) BuildDirectLink(reqID uint32, linkType lane.LinkType, peer *PeerInfo, onSuccess SuccessFunc) error {
	if peer == nil || peer.ID == "" {
		return fmt.Errorf("%w: missing peer info", lane.ErrInvalidParam)
	}
	if onSuccess == nil {
		return fmt.Errorf("%w: missing callback", lane.ErrInvalidParam)
	}
	resolve, ok := resolvers[linkType]
	if !ok {
		return fmt.Errorf("%w: %s is not a direct link type", lane.ErrInvalidParam, linkType)
	}
	if d.ledger == nil {
		return fmt.Errorf("%w: no ledger", lane.ErrLedgerLookup)
	}

	info := lane.LaneLinkInfo{Type: linkType, RequestedType: linkType, Peer: peer.ID}
	if err := resolve(d, peer.ID, &info); err != nil {
		d.logger.Debug("direct link failed",
			logging.KeyRequestID, reqID,
			logging.KeyPeerID, peer.ID.Short(),
			logging.KeyLinkType, linkType,
			logging.KeyError, err)
		return err
	}

	d.logger.Debug("direct link resolved",
		logging.KeyRequestID, reqID,
		logging.KeyPeerID, peer.ID.Short(),
		logging.KeyLinkType, linkType,
		"link", info.String())
	onSuccess(reqID, info)
	return nil
}

// Invalidate drops the cached reuse address of peer.
func (d *Dispatcher) Invalidate(peer lane.PeerID) bool {
	if d.cache == nil {
		return false
	}
	return d.cache.Invalidate(peer)
}

// Remember caches the P2P address of a negotiated link for later reuse.
func (d *Dispatcher) Remember(info lane.LaneLinkInfo) {
	if d.cache == nil || !info.Type.IsWifiDirect() {
		return
	}
	d.cache.Put(addrcache.Entry{
		Peer:     info.Peer,
		LinkType: info.Type,
		LocalIP:  info.P2P.LocalIP,
		RemoteIP: info.P2P.RemoteIP,
		Port:     info.P2P.Port,
	})
}

func resolveBR(d *Dispatcher, peer lane.PeerID, info *lane.LaneLinkInfo) error {
	mac, err := adapter.RequireRemote(d.ledger, peer, adapter.AttrBRMac)
	if err != nil {
		return err
	}
	info.BR.Mac = mac
	return nil
}

func resolveBLE(d *Dispatcher, peer lane.PeerID, info *lane.LaneLinkInfo) error {
	mac, err := adapter.RequireRemote(d.ledger, peer, adapter.AttrBLEMac)
	if err != nil {
		return err
	}
	info.BLE.Mac = mac
	info.BLE.UDID = adapter.OptionalRemote(d.ledger, peer, adapter.AttrUDID)
	if v := adapter.OptionalRemote(d.ledger, peer, adapter.AttrBLEPSM); v != "" {
		psm, err := strconv.Atoi(v)
		if err != nil || psm < 0 {
			return fmt.Errorf("%w: %s of %s is %q", lane.ErrLedgerLookup, adapter.AttrBLEPSM, peer.Short(), v)
		}
		info.BLE.PSM = psm
	}
	return nil
}

func resolveBLEDirect(d *Dispatcher, peer lane.PeerID, info *lane.LaneLinkInfo) error {
	mac, err := adapter.RequireRemote(d.ledger, peer, adapter.AttrBLEMac)
	if err != nil {
		return err
	}
	udid, err := adapter.RequireRemote(d.ledger, peer, adapter.AttrUDID)
	if err != nil {
		return err
	}
	info.BLE.Mac = mac
	info.BLE.UDID = udid
	return nil
}

func resolveWLAN(d *Dispatcher, peer lane.PeerID, info *lane.LaneLinkInfo) error {
	ip, err := adapter.RequireRemote(d.ledger, peer, adapter.AttrWLANIP)
	if err != nil {
		return err
	}
	port, err := requirePort(d.ledger, peer, adapter.AttrSessionPort)
	if err != nil {
		return err
	}
	info.WLAN.IP = ip
	info.WLAN.Port = port
	info.WLAN.Band = "2.4GHz"
	if info.Type == lane.LinkWLAN5G {
		info.WLAN.Band = "5GHz"
	}
	if v := adapter.OptionalRemote(d.ledger, peer, adapter.AttrWLANChannel); v != "" {
		if ch, err := strconv.Atoi(v); err == nil {
			info.WLAN.Channel = ch
		}
	}
	return nil
}

func resolveP2PReuse(d *Dispatcher, peer lane.PeerID, info *lane.LaneLinkInfo) error {
	info.P2P.Reused = true
	if d.cache != nil {
		e, ok := d.cache.Get(peer)
		d.metrics.RecordAddrCacheLookup(ok)
		if ok {
			info.P2P.LocalIP = e.LocalIP
			info.P2P.RemoteIP = e.RemoteIP
			info.P2P.Port = e.Port
			return nil
		}
	}

	ip, err := adapter.RequireRemote(d.ledger, peer, adapter.AttrP2PIP)
	if err != nil {
		return err
	}
	port, err := requirePort(d.ledger, peer, adapter.AttrP2PPort)
	if err != nil {
		return err
	}
	info.P2P.RemoteIP = ip
	info.P2P.Port = port
	if local, err := d.ledger.GetLocalAttribute(adapter.AttrP2PLocalIP); err == nil {
		info.P2P.LocalIP = local
	}
	info.P2P.RemoteMac = adapter.OptionalRemote(d.ledger, peer, adapter.AttrP2PMac)

	if d.cache != nil {
		d.cache.Put(addrcache.Entry{
			Peer:     peer,
			LinkType: lane.LinkP2PReuse,
			LocalIP:  info.P2P.LocalIP,
			RemoteIP: ip,
			Port:     port,
		})
	}
	return nil
}

func requirePort(l adapter.Ledger, peer lane.PeerID, key adapter.Attr) (int, error) {
	v, err := adapter.RequireRemote(l, peer, key)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %s of %s is %q", lane.ErrLedgerLookup, key, peer.Short(), v)
	}
	return port, nil
}
