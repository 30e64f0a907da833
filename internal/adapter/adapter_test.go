package adapter_test

import (
	"errors"
	"testing"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/adapter/loopback"
	"github.com/postalsys/lanelink/internal/lane"
)

func TestParseFeature(t *testing.T) {
	tests := []struct {
		in      string
		want    adapter.Feature
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"5", adapter.FeatureProxyNego | adapter.FeatureAuthTrigger, false},
		{"0x2", adapter.FeatureBLETrigger, false},
		{"proxy-nego", adapter.FeatureProxyNego, false},
		{"ble-trigger, hml", adapter.FeatureBLETrigger | adapter.FeatureHML, false},
		{"teleport", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := adapter.ParseFeature(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFeature(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFeature(%q) = %b, want %b", tt.in, got, tt.want)
			}
		})
	}
}

func TestFeatures_FromLedger(t *testing.T) {
	l := loopback.NewLedger()
	if f := adapter.LocalFeatures(l); f != 0 {
		t.Errorf("missing local attribute = %b, want 0", f)
	}

	l.SetLocal(adapter.AttrFeature, "proxy-nego")
	l.SetRemote("p1", adapter.AttrFeature, "bogus")
	l.SetRemote("p2", adapter.AttrFeature, "hml")

	if !adapter.LocalFeatures(l).Has(adapter.FeatureProxyNego) {
		t.Error("local proxy-nego not parsed")
	}
	if f := adapter.RemoteFeatures(l, "p1"); f != 0 {
		t.Errorf("malformed remote attribute = %b, want 0", f)
	}
	if !adapter.RemoteFeatures(l, "p2").Has(adapter.FeatureHML) {
		t.Error("remote hml not parsed")
	}
}

func TestRequireRemote(t *testing.T) {
	l := loopback.NewLedger()
	l.SetRemote("p1", adapter.AttrBRMac, "aa:bb")
	l.SetRemote("p1", adapter.AttrUDID, "")

	if v, err := adapter.RequireRemote(l, "p1", adapter.AttrBRMac); err != nil || v != "aa:bb" {
		t.Errorf("RequireRemote = %q, %v", v, err)
	}
	if _, err := adapter.RequireRemote(l, "p1", adapter.AttrUDID); !errors.Is(err, lane.ErrLedgerLookup) {
		t.Errorf("empty attribute error = %v, want ErrLedgerLookup", err)
	}
	if _, err := adapter.RequireRemote(l, "p2", adapter.AttrBRMac); !errors.Is(err, lane.ErrLedgerLookup) {
		t.Errorf("missing attribute error = %v, want ErrLedgerLookup", err)
	}
	if v := adapter.OptionalRemote(l, "p2", adapter.AttrBRMac); v != "" {
		t.Errorf("OptionalRemote = %q, want empty", v)
	}
}

func TestSetValidate(t *testing.T) {
	if err := loopback.New(loopback.Sync).Set().Validate(); err != nil {
		t.Errorf("complete set: %v", err)
	}

	s := loopback.New(loopback.Sync).Set()
	s.Proxy = nil
	s.Ledger = nil
	err := s.Validate()
	if !errors.Is(err, lane.ErrInvalidParam) {
		t.Fatalf("Validate() = %v, want ErrInvalidParam", err)
	}
}

func TestFail(t *testing.T) {
	cause := errors.New("link busy")
	err := adapter.Fail(lane.ReasonBusy, lane.CategoryRetryCurrent, cause)
	if err.Category != lane.CategoryRetryCurrent || !errors.Is(err, cause) {
		t.Errorf("Fail() = %+v", err)
	}
	if lane.StableReason(err) != lane.ReasonBusy {
		t.Errorf("reason = %s", lane.StableReason(err))
	}
}
