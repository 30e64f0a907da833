package adapter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/postalsys/lanelink/internal/lane"
)

// Attr is a device attribute key held by the ledger.
type Attr string

const (
	AttrBRMac       Attr = "br_mac"
	AttrBLEMac      Attr = "ble_mac"
	AttrBLEPSM      Attr = "ble_psm"
	AttrUDID        Attr = "udid"
	AttrWLANIP      Attr = "wlan_ip"
	AttrWLANChannel Attr = "wlan_channel"
	AttrSessionPort Attr = "session_port"
	AttrP2PIP       Attr = "p2p_ip"
	AttrP2PLocalIP  Attr = "p2p_local_ip"
	AttrP2PPort     Attr = "p2p_port"
	AttrP2PMac      Attr = "p2p_mac"
	AttrFeature     Attr = "feature"
)

// Ledger is a read-only view of known device attributes.
type Ledger interface {
	GetRemoteAttribute(peer lane.PeerID, key Attr) (string, error)
	GetLocalAttribute(key Attr) (string, error)
}

// Feature is a capability bit advertised in the feature attribute.
type Feature uint64

const (
	FeatureProxyNego Feature = 1 << iota
	FeatureBLETrigger
	FeatureAuthTrigger
	FeatureHML
)

var featureNames = map[string]Feature{
	"proxy-nego":   FeatureProxyNego,
	"ble-trigger":  FeatureBLETrigger,
	"auth-trigger": FeatureAuthTrigger,
	"hml":          FeatureHML,
}

// Has reports whether every bit of f2 is set in f.
func (f Feature) Has(f2 Feature) bool {
	return f&f2 == f2
}

// ParseFeature parses a feature attribute. Both a numeric bitmask and a
// comma separated list of feature names are accepted.
func ParseFeature(s string) (Feature, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Feature(v), nil
	}
	var f Feature
	for _, part := range strings.Split(s, ",") {
		bit, ok := featureNames[strings.TrimSpace(part)]
		if !ok {
			return 0, fmt.Errorf("unknown feature %q", part)
		}
		f |= bit
	}
	return f, nil
}

// RemoteFeatures reads and parses the peer's feature attribute.
// A missing attribute is treated as no features.
func RemoteFeatures(l Ledger, peer lane.PeerID) Feature {
	v, err := l.GetRemoteAttribute(peer, AttrFeature)
	if err != nil {
		return 0
	}
	f, err := ParseFeature(v)
	if err != nil {
		return 0
	}
	return f
}

// LocalFeatures reads and parses the local feature attribute.
func LocalFeatures(l Ledger) Feature {
	v, err := l.GetLocalAttribute(AttrFeature)
	if err != nil {
		return 0
	}
	f, err := ParseFeature(v)
	if err != nil {
		return 0
	}
	return f
}

// RequireRemote reads a mandatory peer attribute and reports a ledger lookup
// error when it is missing or empty.
func RequireRemote(l Ledger, peer lane.PeerID, key Attr) (string, error) {
	v, err := l.GetRemoteAttribute(peer, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s of %s: %v", lane.ErrLedgerLookup, key, peer.Short(), err)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s of %s is empty", lane.ErrLedgerLookup, key, peer.Short())
	}
	return v, nil
}

// OptionalRemote reads a peer attribute, returning "" when it is unavailable.
func OptionalRemote(l Ledger, peer lane.PeerID, key Attr) string {
	v, err := l.GetRemoteAttribute(peer, key)
	if err != nil {
		return ""
	}
	return v
}
