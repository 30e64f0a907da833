package direct

import (
	"errors"
	"testing"
	"time"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/adapter/loopback"
	"github.com/postalsys/lanelink/internal/addrcache"
	"github.com/postalsys/lanelink/internal/lane"
)

const peerA lane.PeerID = "peer-a-0123456789"

func newLedger() *loopback.Ledger {
	l := loopback.NewLedger()
	l.SetRemote(peerA, adapter.AttrBRMac, "aa:bb:cc:dd:ee:01")
	l.SetRemote(peerA, adapter.AttrBLEMac, "aa:bb:cc:dd:ee:02")
	l.SetRemote(peerA, adapter.AttrBLEPSM, "129")
	l.SetRemote(peerA, adapter.AttrUDID, "udid-a")
	l.SetRemote(peerA, adapter.AttrWLANIP, "10.0.0.7")
	l.SetRemote(peerA, adapter.AttrSessionPort, "40001")
	l.SetRemote(peerA, adapter.AttrWLANChannel, "36")
	l.SetRemote(peerA, adapter.AttrP2PIP, "192.168.49.7")
	l.SetRemote(peerA, adapter.AttrP2PPort, "35007")
	l.SetLocal(adapter.AttrP2PLocalIP, "192.168.49.1")
	return l
}

func TestBuildDirectLink(t *testing.T) {
	tests := []struct {
		name  string
		typ   lane.LinkType
		check func(t *testing.T, info lane.LaneLinkInfo)
	}{
		{"br", lane.LinkBR, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.BR.Mac != "aa:bb:cc:dd:ee:01" {
				t.Errorf("BR.Mac = %q", info.BR.Mac)
			}
		}},
		{"proxy reuse", lane.LinkProxyReuse, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.BR.Mac != "aa:bb:cc:dd:ee:01" {
				t.Errorf("BR.Mac = %q", info.BR.Mac)
			}
		}},
		{"ble", lane.LinkBLE, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.BLE.Mac != "aa:bb:cc:dd:ee:02" || info.BLE.PSM != 129 || info.BLE.UDID != "udid-a" {
				t.Errorf("BLE = %+v", info.BLE)
			}
		}},
		{"ble direct", lane.LinkBLEDirect, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.BLE.UDID != "udid-a" {
				t.Errorf("BLE = %+v", info.BLE)
			}
		}},
		{"wlan 2.4g", lane.LinkWLAN2P4G, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.WLAN.IP != "10.0.0.7" || info.WLAN.Port != 40001 || info.WLAN.Band != "2.4GHz" {
				t.Errorf("WLAN = %+v", info.WLAN)
			}
		}},
		{"wlan 5g", lane.LinkWLAN5G, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.WLAN.Band != "5GHz" || info.WLAN.Channel != 36 {
				t.Errorf("WLAN = %+v", info.WLAN)
			}
		}},
		{"p2p reuse", lane.LinkP2PReuse, func(t *testing.T, info lane.LaneLinkInfo) {
			if info.P2P.RemoteIP != "192.168.49.7" || info.P2P.Port != 35007 || info.P2P.LocalIP != "192.168.49.1" || !info.P2P.Reused {
				t.Errorf("P2P = %+v", info.P2P)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Config{Ledger: newLedger(), Cache: addrcache.New(8, time.Minute)})

			calls := 0
			var got lane.LaneLinkInfo
			err := d.BuildDirectLink(7, tt.typ, &PeerInfo{ID: peerA}, func(reqID uint32, info lane.LaneLinkInfo) {
				calls++
				got = info
				if reqID != 7 {
					t.Errorf("reqID = %d, want 7", reqID)
				}
			})
			if err != nil {
				t.Fatalf("BuildDirectLink: %v", err)
			}
			if calls != 1 {
				t.Fatalf("callback called %d times, want 1", calls)
			}
			if got.Type != tt.typ || got.RequestedType != tt.typ || got.Peer != peerA {
				t.Errorf("info = %+v", got)
			}
			tt.check(t, got)
		})
	}
}

func TestBuildDirectLink_InvalidParam(t *testing.T) {
	d := New(Config{Ledger: newLedger()})
	cb := func(uint32, lane.LaneLinkInfo) { t.Error("callback must not fire") }

	if err := d.BuildDirectLink(1, lane.LinkBR, nil, cb); !errors.Is(err, lane.ErrInvalidParam) {
		t.Errorf("nil peer = %v, want ErrInvalidParam", err)
	}
	for _, typ := range []lane.LinkType{lane.LinkP2P, lane.LinkHML, lane.LinkHMLRaw, lane.LinkType(99)} {
		if err := d.BuildDirectLink(1, typ, &PeerInfo{ID: peerA}, cb); !errors.Is(err, lane.ErrInvalidParam) {
			t.Errorf("%s = %v, want ErrInvalidParam", typ, err)
		}
	}
}

func TestBuildDirectLink_LedgerLookup(t *testing.T) {
	tests := []struct {
		name  string
		typ   lane.LinkType
		setup func(l *loopback.Ledger)
	}{
		{"missing br mac", lane.LinkBR, func(*loopback.Ledger) {}},
		{"ble direct without udid", lane.LinkBLEDirect, func(l *loopback.Ledger) {
			l.SetRemote(peerA, adapter.AttrBLEMac, "aa")
		}},
		{"wlan bad port", lane.LinkWLAN5G, func(l *loopback.Ledger) {
			l.SetRemote(peerA, adapter.AttrWLANIP, "10.0.0.7")
			l.SetRemote(peerA, adapter.AttrSessionPort, "70000")
		}},
		{"wlan empty ip", lane.LinkWLAN2P4G, func(l *loopback.Ledger) {
			l.SetRemote(peerA, adapter.AttrWLANIP, "")
			l.SetRemote(peerA, adapter.AttrSessionPort, "1")
		}},
		{"p2p reuse without address", lane.LinkP2PReuse, func(*loopback.Ledger) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loopback.NewLedger()
			tt.setup(l)
			d := New(Config{Ledger: l})

			err := d.BuildDirectLink(1, tt.typ, &PeerInfo{ID: peerA}, func(uint32, lane.LaneLinkInfo) {
				t.Error("callback must not fire")
			})
			if !errors.Is(err, lane.ErrLedgerLookup) {
				t.Errorf("err = %v, want ErrLedgerLookup", err)
			}
		})
	}
}

func TestP2PReuse_UsesCache(t *testing.T) {
	l := newLedger()
	cache := addrcache.New(8, time.Minute)
	d := New(Config{Ledger: l, Cache: cache})

	var first lane.LaneLinkInfo
	if err := d.BuildDirectLink(1, lane.LinkP2PReuse, &PeerInfo{ID: peerA}, func(_ uint32, info lane.LaneLinkInfo) { first = info }); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache should be populated after a ledger resolve")
	}

	// Ledger changes are not observed while the cache entry lives
	l.SetRemote(peerA, adapter.AttrP2PIP, "192.168.49.99")
	var second lane.LaneLinkInfo
	d.BuildDirectLink(2, lane.LinkP2PReuse, &PeerInfo{ID: peerA}, func(_ uint32, info lane.LaneLinkInfo) { second = info })
	if second.P2P.RemoteIP != first.P2P.RemoteIP {
		t.Errorf("second resolve = %s, want cached %s", second.P2P.RemoteIP, first.P2P.RemoteIP)
	}

	if !d.Invalidate(peerA) {
		t.Fatal("Invalidate should report a dropped entry")
	}
	var third lane.LaneLinkInfo
	d.BuildDirectLink(3, lane.LinkP2PReuse, &PeerInfo{ID: peerA}, func(_ uint32, info lane.LaneLinkInfo) { third = info })
	if third.P2P.RemoteIP != "192.168.49.99" {
		t.Errorf("after invalidate = %s, want ledger value", third.P2P.RemoteIP)
	}
}

func TestRemember(t *testing.T) {
	cache := addrcache.New(8, time.Minute)
	d := New(Config{Ledger: loopback.NewLedger(), Cache: cache})

	d.Remember(lane.LaneLinkInfo{Type: lane.LinkBR, Peer: peerA})
	if cache.Len() != 0 {
		t.Fatal("non wifi-direct links must not be cached")
	}

	d.Remember(lane.LaneLinkInfo{
		Type: lane.LinkHML,
		Peer: peerA,
		P2P:  lane.P2PInfo{LocalIP: "192.168.49.1", RemoteIP: "192.168.49.5", Port: 35005},
	})

	var got lane.LaneLinkInfo
	if err := d.BuildDirectLink(1, lane.LinkP2PReuse, &PeerInfo{ID: peerA}, func(_ uint32, info lane.LaneLinkInfo) { got = info }); err != nil {
		t.Fatalf("reuse from remembered link: %v", err)
	}
	if got.P2P.RemoteIP != "192.168.49.5" || got.P2P.Port != 35005 {
		t.Errorf("P2P = %+v", got.P2P)
	}
}

func TestSupports(t *testing.T) {
	for _, typ := range lane.AllLinkTypes() {
		if Supports(typ) == typ.NeedsNegotiation() {
			t.Errorf("Supports(%s) = %v, NeedsNegotiation = %v", typ, Supports(typ), typ.NeedsNegotiation())
		}
	}
}
