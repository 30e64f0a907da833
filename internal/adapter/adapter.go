// Package adapter declares the external collaborators the lane link engine
// drives: the Wi-Fi Direct, authenticated channel and proxy channel
// connectors, the device ledger and the connection topology.
//
// Connect and Open calls return an adapter-issued request id and report the
// outcome later through the supplied callback. Callbacks may run on any
// goroutine, including synchronously inside the call that issued them.
// Failures are reported as *lane.AdapterError so that the engine never has to
// interpret adapter-specific codes.
package adapter

import (
	"errors"
	"fmt"

	"github.com/postalsys/lanelink/internal/lane"
)

// Kind identifies an adapter for request id correlation.
type Kind uint8

const (
	KindAuth Kind = iota
	KindProxy
	KindWifiDirect
)

// String returns the adapter kind name.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindProxy:
		return "proxy"
	case KindWifiDirect:
		return "wifi-direct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// NegoChannelType is the kind of channel used to carry negotiation messages.
type NegoChannelType uint8

const (
	NegoNone NegoChannelType = iota
	NegoAuth
	NegoProxy
)

// NegoChannel is a negotiation channel handed to the Wi-Fi Direct adapter.
type NegoChannel struct {
	Type      NegoChannelType
	Auth      AuthHandle
	ProxyChan int
}

// TriggerMode selects a trigger-based HML negotiation.
type TriggerMode uint8

const (
	TriggerNone TriggerMode = iota
	TriggerBLE
	TriggerAuth
)

// ConnectInfo describes a Wi-Fi Direct connect request.
type ConnectInfo struct {
	Peer              lane.PeerID
	LinkType          lane.LinkType
	RemoteMac         string
	OwnerPID          int32
	ExpectedBandwidth uint32
	PreferHighRate    bool
	P2POnly           bool
	ReuseOnly         bool
	NegoChannel       NegoChannel
	Trigger           TriggerMode
}

// ConnectResult carries the attributes of a negotiated link.
// LinkType is the link actually built and may differ from the request.
type ConnectResult struct {
	LinkID    int
	LinkType  lane.LinkType
	LocalIP   string
	RemoteIP  string
	Port      int
	Bandwidth uint32
	RemoteMac string
}

// DisconnectInfo describes a Wi-Fi Direct disconnect request.
type DisconnectInfo struct {
	Peer        lane.PeerID
	LinkID      int
	LinkType    lane.LinkType
	RemoteMac   string
	NegoChannel NegoChannel
}

// ConnectCallback receives the outcome of Connect.
type ConnectCallback func(reqID uint32, res ConnectResult, err error)

// DisconnectCallback receives the outcome of Disconnect.
type DisconnectCallback func(reqID uint32, err error)

// WifiDirectConnector brings P2P and HML links up and down.
type WifiDirectConnector interface {
	Connect(info ConnectInfo, cb ConnectCallback) (uint32, error)
	Cancel(reqID uint32) error
	Disconnect(info DisconnectInfo, cb DisconnectCallback) (uint32, error)
}

// AuthConnKind selects the transport for an authenticated channel.
type AuthConnKind uint8

const (
	AuthConnAny AuthConnKind = iota
	AuthConnWLAN
	AuthConnBR
	AuthConnBLE
)

// String returns the transport name.
func (k AuthConnKind) String() string {
	switch k {
	case AuthConnWLAN:
		return "wlan"
	case AuthConnBR:
		return "br"
	case AuthConnBLE:
		return "ble"
	default:
		return "any"
	}
}

// AuthConnInfo describes an authenticated channel open request.
type AuthConnInfo struct {
	Peer           lane.PeerID
	Kind           AuthConnKind
	PreferExisting bool
}

// AuthHandle is an opaque authenticated channel handle.
type AuthHandle struct {
	ID   int64
	Kind AuthConnKind
}

// Valid reports whether the handle refers to an opened channel.
func (h AuthHandle) Valid() bool {
	return h.ID > 0
}

// AuthOpenCallback receives the outcome of Open.
type AuthOpenCallback func(reqID uint32, h AuthHandle, err error)

// AuthChannelConnector opens authenticated channels to peers.
type AuthChannelConnector interface {
	Open(info AuthConnInfo, cb AuthOpenCallback) (uint32, error)
	Close(h AuthHandle)
}

// ProxyOptions tunes a proxy channel open request.
type ProxyOptions struct {
	BRMac string
}

// ProxyOpenCallback receives the outcome of a proxy Open.
type ProxyOpenCallback func(reqID uint32, channelID int, err error)

// ProxyChannelConnector opens proxy-relayed byte channels to peers.
type ProxyChannelConnector interface {
	Open(peer lane.PeerID, opts ProxyOptions, cb ProxyOpenCallback) (uint32, error)
	Close(channelID int)
}

// Topology reports connections that already exist to a peer.
type Topology interface {
	HasAuthConnection(peer lane.PeerID) bool
	HasBRConnection(peer lane.PeerID) bool
}

// Set bundles every collaborator the engine needs.
type Set struct {
	WifiDirect WifiDirectConnector
	Auth       AuthChannelConnector
	Proxy      ProxyChannelConnector
	Ledger     Ledger
	Topology   Topology
}

// Validate checks that every collaborator is present.
func (s Set) Validate() error {
	var errs []error
	if s.WifiDirect == nil {
		errs = append(errs, errors.New("wifi direct connector is required"))
	}
	if s.Auth == nil {
		errs = append(errs, errors.New("auth channel connector is required"))
	}
	if s.Proxy == nil {
		errs = append(errs, errors.New("proxy channel connector is required"))
	}
	if s.Ledger == nil {
		errs = append(errs, errors.New("ledger is required"))
	}
	if s.Topology == nil {
		errs = append(errs, errors.New("topology is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", lane.ErrInvalidParam, errors.Join(errs...))
	}
	return nil
}

// Fail builds an adapter failure with an explicit category.
func Fail(reason lane.Reason, category lane.Category, err error) *lane.AdapterError {
	return &lane.AdapterError{Reason: reason, Category: category, Err: err}
}
