package lane

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// QoS carries the caller's quality hints for a link.
type QoS struct {
	MinBandwidth   uint32 // bytes per second, 0 means no requirement
	PreferHighRate bool
	P2POnly        bool // negotiated link must be plain P2P, no trigger variants
}

// Callbacks receives the terminal result of a build.
// Exactly one of the two functions is called per accepted request.
type Callbacks struct {
	OnSuccess func(reqID uint32, info LaneLinkInfo)
	OnFailure func(reqID uint32, linkType LinkType, err error)
}

// LinkRequest is one caller's ask for a link.
type LinkRequest struct {
	ReqID     uint32
	Peer      PeerID
	LinkType  LinkType
	OwnerPID  int32
	QoS       QoS
	Callbacks Callbacks
}

// Validate checks the request for structural errors.
func (r *LinkRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidParam)
	}
	if r.Peer == "" {
		return fmt.Errorf("%w: empty peer", ErrInvalidParam)
	}
	if !r.LinkType.Valid() {
		return fmt.Errorf("%w: link type %s", ErrInvalidParam, r.LinkType)
	}
	if r.Callbacks.OnSuccess == nil || r.Callbacks.OnFailure == nil {
		return fmt.Errorf("%w: missing callbacks", ErrInvalidParam)
	}
	return nil
}

// BRInfo describes a classic Bluetooth link.
type BRInfo struct {
	Mac string `json:"mac"`
}

// BLEInfo describes a BLE link.
type BLEInfo struct {
	Mac  string `json:"mac"`
	PSM  int    `json:"psm,omitempty"`
	UDID string `json:"udid,omitempty"`
}

// WLANInfo describes a Wi-Fi infrastructure link.
type WLANInfo struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Band    string `json:"band"`
	Channel int    `json:"channel,omitempty"`
}

// P2PInfo describes a Wi-Fi Direct (P2P or HML) link.
type P2PInfo struct {
	LinkID    int    `json:"link_id"`
	LocalIP   string `json:"local_ip"`
	RemoteIP  string `json:"remote_ip"`
	Port      int    `json:"port,omitempty"`
	Bandwidth uint32 `json:"bandwidth,omitempty"`
	RemoteMac string `json:"remote_mac,omitempty"`
	Guide     string `json:"guide,omitempty"` // guide channel that negotiated the link
	Reused    bool   `json:"reused,omitempty"`
}

// LaneLinkInfo is the description of a physical link handed to callers.
// Type is the link actually built; RequestedType is what the caller asked for.
type LaneLinkInfo struct {
	Type          LinkType `json:"type"`
	RequestedType LinkType `json:"requested_type"`
	Peer          PeerID   `json:"peer"`
	BR            BRInfo   `json:"br,omitempty"`
	BLE           BLEInfo  `json:"ble,omitempty"`
	WLAN          WLANInfo `json:"wlan,omitempty"`
	P2P           P2PInfo  `json:"p2p,omitempty"`
}

// TypeMismatch reports whether the built link differs from the requested one.
func (i LaneLinkInfo) TypeMismatch() bool {
	return i.Type != i.RequestedType
}

// Key returns the identity of the physical link, used to share one link
// between several business users.
func (i LaneLinkInfo) Key() string {
	switch i.Type {
	case LinkBR, LinkProxyReuse:
		return "br/" + i.BR.Mac
	case LinkBLE, LinkBLEDirect:
		return "ble/" + i.BLE.Mac
	case LinkWLAN2P4G, LinkWLAN5G:
		return "wlan/" + net.JoinHostPort(i.WLAN.IP, strconv.Itoa(i.WLAN.Port))
	default:
		return "p2p/" + string(i.Peer) + "/" + i.P2P.RemoteIP
	}
}

// String returns a short human readable description.
func (i LaneLinkInfo) String() string {
	switch i.Type {
	case LinkBR, LinkProxyReuse:
		return fmt.Sprintf("%s mac=%s", i.Type, i.BR.Mac)
	case LinkBLE, LinkBLEDirect:
		return fmt.Sprintf("%s mac=%s", i.Type, i.BLE.Mac)
	case LinkWLAN2P4G, LinkWLAN5G:
		return fmt.Sprintf("%s %s:%d", i.Type, i.WLAN.IP, i.WLAN.Port)
	default:
		bw := "n/a"
		if i.P2P.Bandwidth > 0 {
			bw = humanize.Bytes(uint64(i.P2P.Bandwidth)) + "/s"
		}
		return fmt.Sprintf("%s link=%d %s->%s bw=%s", i.Type, i.P2P.LinkID, i.P2P.LocalIP, i.P2P.RemoteIP, bw)
	}
}

// ActiveLink is a negotiated link owned by the engine until teardown.
type ActiveLink struct {
	LinkID    int          `json:"link_id"`
	ReqID     uint32       `json:"req_id"`
	Type      LinkType     `json:"type"`
	Peer      PeerID       `json:"peer"`
	RemoteMac string       `json:"remote_mac,omitempty"`
	OwnerPID  int32        `json:"owner_pid"`
	Info      LaneLinkInfo `json:"info"`
	CreatedAt time.Time    `json:"created_at"`
}
