package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/postalsys/lanelink/internal/adapter/loopback"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/metrics"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	status  link.Status
}

func (m *mockStatsProvider) Ready() error {
	if !m.running {
		return lane.ErrEngineStopped
	}
	return nil
}

func (m *mockStatsProvider) Status() link.Status {
	return m.status
}

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}

	s := NewServer(cfg, provider)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Probes(t *testing.T) {
	up := &mockStatsProvider{running: true}
	down := &mockStatsProvider{running: false}

	tests := []struct {
		name     string
		provider StatsProvider
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"health", up, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health while engine down", down, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health post", up, http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
		{"ready", up, http.MethodGet, "/ready", http.StatusOK, "READY\n"},
		{"not ready", down, http.MethodGet, "/ready", http.StatusServiceUnavailable, "NOT READY: engine stopped\n"},
		{"ready without provider", nil, http.MethodGet, "/ready", http.StatusServiceUnavailable, ""},
		{"ready post", up, http.MethodPost, "/ready", http.StatusMethodNotAllowed, ""},
		{"healthz without provider", nil, http.MethodGet, "/healthz", http.StatusServiceUnavailable, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(NewServer(DefaultServerConfig(), tc.provider), tc.method, tc.path)
			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.wantBody != "" && rec.Body.String() != tc.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestServer_Healthz(t *testing.T) {
	provider := &mockStatsProvider{
		running: true,
		status: link.Status{
			Running:          true,
			Uptime:           90 * time.Second,
			ActiveLinks:      5,
			PendingBuilds:    2,
			PendingTeardowns: 1,
			LaneBindings:     3,
			CachedAddresses:  4,
		},
	}
	rec := serve(NewServer(DefaultServerConfig(), provider), http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got healthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := healthzResponse{
		Status:           "healthy",
		Running:          true,
		UptimeSeconds:    90,
		ActiveLinks:      5,
		PendingBuilds:    2,
		PendingTeardowns: 1,
		LaneBindings:     3,
		CachedAddresses:  4,
	}
	if got != want {
		t.Errorf("healthz = %+v, want %+v", got, want)
	}
}

func TestServer_HealthzUnavailable(t *testing.T) {
	rec := serve(NewServer(DefaultServerConfig(), &mockStatsProvider{}), http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var got healthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "unavailable" || got.Running || got.Error == "" {
		t.Errorf("healthz = %+v", got)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Give the server time to start accepting connections
	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	cfg := ServerConfig{
		Address: "127.0.0.1:0",
	}
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_Pprof(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	for _, path := range []string{"/debug/pprof/", "/debug/pprof/cmdline", "/debug/pprof/symbol"} {
		rec := serve(s, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: status %d", path, rec.Code)
		}
		if rec.Body.Len() == 0 {
			t.Errorf("GET %s: empty body", path)
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordBuildRequest(lane.LinkP2P.String())
	m.SetLinksActive(2)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("parse metrics: %v", err)
	}

	builds, ok := families["lanelink_build_requests_total"]
	if !ok || len(builds.GetMetric()) != 1 {
		t.Fatalf("build_requests_total = %v", builds)
	}
	m0 := builds.GetMetric()[0]
	if got := m0.GetCounter().GetValue(); got != 1 {
		t.Errorf("build_requests_total = %v, want 1", got)
	}
	if l := m0.GetLabel(); len(l) != 1 || l[0].GetName() != "link_type" || l[0].GetValue() != "p2p" {
		t.Errorf("labels = %v, want link_type=p2p", l)
	}

	active, ok := families["lanelink_links_active"]
	if !ok || active.GetMetric()[0].GetGauge().GetValue() != 2 {
		t.Errorf("links_active = %v, want 2", active)
	}
}

func TestServer_ReadyFollowsEngine(t *testing.T) {
	engine, err := link.New(link.Config{Adapters: loopback.New(loopback.Sync).Set()})
	if err != nil {
		t.Fatalf("link.New() error = %v", err)
	}
	s := NewServer(DefaultServerConfig(), engine)

	ready := func() int {
		return serve(s, http.MethodGet, "/ready").Code
	}

	if code := ready(); code != http.StatusServiceUnavailable {
		t.Errorf("before Start: status %d, want 503", code)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if code := ready(); code != http.StatusOK {
		t.Errorf("after Start: status %d, want 200", code)
	}
	if err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if code := ready(); code != http.StatusServiceUnavailable {
		t.Errorf("after Stop: status %d, want 503", code)
	}
}
