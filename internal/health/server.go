// Package health provides health check HTTP endpoints for the lane link engine.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/logging"
)

// StatsProvider provides engine state.
type StatsProvider interface {
	// Ready returns nil when the engine accepts requests.
	Ready() error

	// Status returns the engine summary.
	Status() link.Status
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logging.Component(cfg.Logger, "health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)

	metrics := promhttp.Handler()
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	mux.Handle("GET /metrics", metrics)

	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("POST /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", logging.KeyError, err)
		}
	}()
	s.logger.Info("health server listening", logging.KeyAddress, ln.Addr().String())

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// healthzResponse is the body of /healthz.
type healthzResponse struct {
	Status           string `json:"status"`
	Running          bool   `json:"running"`
	Error            string `json:"error,omitempty"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ActiveLinks      int    `json:"active_links"`
	PendingBuilds    int    `json:"pending_builds"`
	PendingTeardowns int    `json:"pending_teardowns"`
	LaneBindings     int    `json:"lane_bindings"`
	CachedAddresses  int    `json:"cached_addresses"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

func (s *Server) ready() error {
	if s.provider == nil {
		return lane.ErrEngineStopped
	}
	return s.provider.Ready()
}

// handleHealth answers as long as the process serves HTTP.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// handleHealthz reports engine counters, or 503 when the engine does not
// accept requests.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthzResponse{Status: "unavailable", Error: err.Error()})
		return
	}

	st := s.provider.Status()
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:           "healthy",
		Running:          st.Running,
		UptimeSeconds:    int64(st.Uptime.Seconds()),
		ActiveLinks:      st.ActiveLinks,
		PendingBuilds:    st.PendingBuilds,
		PendingTeardowns: st.PendingTeardowns,
		LaneBindings:     st.LaneBindings,
		CachedAddresses:  st.CachedAddresses,
		DroppedEvents:    st.DroppedEvents,
	})
}

// handleReady is the readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(); err != nil {
		writeText(w, http.StatusServiceUnavailable, "NOT READY: "+err.Error())
		return
	}
	writeText(w, http.StatusOK, "READY")
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(msg + "\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
