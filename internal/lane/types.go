// Package lane defines the shared data model of the lane link engine.
package lane

import (
	"fmt"
	"strings"
)

// PeerID identifies a remote device by its network id.
type PeerID string

// String returns the peer id.
func (p PeerID) String() string {
	return string(p)
}

// Short returns a shortened form of the peer id for logs.
func (p PeerID) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return string(p[:8])
}

// LinkType is the kind of physical link a caller asks for.
type LinkType uint8

const (
	LinkBR LinkType = iota
	LinkBLE
	LinkBLEDirect
	LinkWLAN2P4G
	LinkWLAN5G
	LinkP2P
	LinkP2PReuse
	LinkHML
	LinkHMLRaw
	LinkProxyReuse

	linkTypeCount
)

var linkTypeNames = [...]string{
	LinkBR:         "br",
	LinkBLE:        "ble",
	LinkBLEDirect:  "ble-direct",
	LinkWLAN2P4G:   "wlan-2.4g",
	LinkWLAN5G:     "wlan-5g",
	LinkP2P:        "p2p",
	LinkP2PReuse:   "p2p-reuse",
	LinkHML:        "hml",
	LinkHMLRaw:     "hml-raw",
	LinkProxyReuse: "proxy-reuse",
}

// String returns the link type name.
func (t LinkType) String() string {
	if t < linkTypeCount {
		return linkTypeNames[t]
	}
	return fmt.Sprintf("link(%d)", uint8(t))
}

// Valid reports whether t is a known link type.
func (t LinkType) Valid() bool {
	return t < linkTypeCount
}

// NeedsNegotiation reports whether building t requires a guide channel
// negotiation with the peer.
func (t LinkType) NeedsNegotiation() bool {
	switch t {
	case LinkP2P, LinkHML, LinkHMLRaw:
		return true
	default:
		return false
	}
}

// IsWifiDirect reports whether t is carried by the Wi-Fi Direct adapter.
func (t LinkType) IsWifiDirect() bool {
	switch t {
	case LinkP2P, LinkP2PReuse, LinkHML, LinkHMLRaw:
		return true
	default:
		return false
	}
}

// ParseLinkType parses a link type name as produced by String.
func ParseLinkType(s string) (LinkType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range linkTypeNames {
		if name == s {
			return LinkType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown link type %q", ErrInvalidParam, s)
}

// AllLinkTypes returns every known link type in declaration order.
func AllLinkTypes() []LinkType {
	types := make([]LinkType, 0, linkTypeCount)
	for t := LinkType(0); t < linkTypeCount; t++ {
		types = append(types, t)
	}
	return types
}

// GuideType is a negotiation strategy used to bring up a negotiated link.
type GuideType uint8

const (
	GuideBLETrigger GuideType = iota
	GuideAuthTrigger
	GuideExistingAuth
	GuideBR
	GuideProxy
	GuideNewAuth

	guideTypeCount
)

var guideTypeNames = [...]string{
	GuideBLETrigger:   "ble-trigger",
	GuideAuthTrigger:  "auth-trigger",
	GuideExistingAuth: "existing-auth-negotiation",
	GuideBR:           "br-negotiation",
	GuideProxy:        "proxy-negotiation",
	GuideNewAuth:      "new-auth-negotiation",
}

// String returns the guide type name.
func (g GuideType) String() string {
	if g < guideTypeCount {
		return guideTypeNames[g]
	}
	return fmt.Sprintf("guide(%d)", uint8(g))
}

// Valid reports whether g is a known guide type.
func (g GuideType) Valid() bool {
	return g < guideTypeCount
}

// ParseGuideType parses a guide type name as produced by String.
func ParseGuideType(s string) (GuideType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range guideTypeNames {
		if name == s {
			return GuideType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown guide type %q", ErrInvalidParam, s)
}

// BusinessType is a coarse class of higher-level lane consumer.
type BusinessType uint8

const (
	BusinessCtrl BusinessType = iota
	BusinessMessage
	BusinessBytes
	BusinessFile
	BusinessStream

	businessTypeCount
)

// BusinessTypeCount is the number of business types.
const BusinessTypeCount = int(businessTypeCount)

var businessTypeNames = [...]string{
	BusinessCtrl:    "ctrl",
	BusinessMessage: "message",
	BusinessBytes:   "bytes",
	BusinessFile:    "file",
	BusinessStream:  "stream",
}

// String returns the business type name.
func (b BusinessType) String() string {
	if b < businessTypeCount {
		return businessTypeNames[b]
	}
	return fmt.Sprintf("business(%d)", uint8(b))
}

// Valid reports whether b is a known business type.
func (b BusinessType) Valid() bool {
	return b < businessTypeCount
}

// ParseBusinessType parses a business type name as produced by String.
func ParseBusinessType(s string) (BusinessType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range businessTypeNames {
		if name == s {
			return BusinessType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown business type %q", ErrInvalidParam, s)
}

// LinkState is the state carried by a lifecycle notification.
type LinkState uint8

const (
	LinkDown LinkState = iota
	LinkUp
)

// String returns "up" or "down".
func (s LinkState) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// MarshalText implements encoding.TextMarshaler.
func (t LinkType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *LinkType) UnmarshalText(b []byte) error {
	v, err := ParseLinkType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (g GuideType) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GuideType) UnmarshalText(b []byte) error {
	v, err := ParseGuideType(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b BusinessType) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BusinessType) UnmarshalText(text []byte) error {
	v, err := ParseBusinessType(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LinkState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "up":
		*s = LinkUp
	case "down":
		*s = LinkDown
	default:
		return fmt.Errorf("%w: unknown link state %q", ErrInvalidParam, text)
	}
	return nil
}
