// Package control provides a Unix socket control interface for the lane link engine.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/lanelink/internal/addrcache"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/registry"
)

// Engine is the view of the link engine served over the control socket.
type Engine interface {
	Status() link.Status
	Links() []lane.ActiveLink
	Builds() []registry.BuildEntry
	Teardowns() []registry.TeardownEntry
	Bindings() []lifecycle.Binding
	CachedAddresses() []addrcache.Entry
	Watch(ctx context.Context, buffer int) (<-chan lifecycle.Event, error)
	CancelBuild(reqID uint32) error
	DestroyLink(peer lane.PeerID, reqID uint32, linkType lane.LinkType, ownerPID int32) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	link.Status
}

// LinksResponse is the response for the links endpoint.
type LinksResponse struct {
	Links []lane.ActiveLink `json:"links"`
}

// BuildInfo describes a build in flight.
type BuildInfo struct {
	ReqID     uint32        `json:"req_id"`
	LinkType  lane.LinkType `json:"link_type"`
	Peer      lane.PeerID   `json:"peer"`
	OwnerPID  int32         `json:"owner_pid"`
	TraceID   string        `json:"trace_id"`
	Guide     string        `json:"guide,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TeardownInfo describes a teardown in flight.
type TeardownInfo struct {
	LinkID    int           `json:"link_id"`
	ReqID     uint32        `json:"req_id"`
	LinkType  lane.LinkType `json:"link_type"`
	Peer      lane.PeerID   `json:"peer"`
	AuthPath  bool          `json:"auth_path"`
	CreatedAt time.Time     `json:"created_at"`
}

// RequestsResponse is the response for the requests endpoint.
type RequestsResponse struct {
	Builds    []BuildInfo    `json:"builds"`
	Teardowns []TeardownInfo `json:"teardowns"`
}

// BindingsResponse is the response for the bindings endpoint.
type BindingsResponse struct {
	Bindings []lifecycle.Binding `json:"bindings"`
}

// CacheResponse is the response for the cache endpoint.
type CacheResponse struct {
	Entries []addrcache.Entry `json:"entries"`
}

// CancelRequest is the body of a cancel call.
type CancelRequest struct {
	ReqID uint32 `json:"req_id"`
}

// DestroyRequest is the body of a destroy call.
type DestroyRequest struct {
	Peer     lane.PeerID   `json:"peer"`
	ReqID    uint32        `json:"req_id"`
	LinkType lane.LinkType `json:"link_type"`
	OwnerPID int32         `json:"owner_pid"`
}

// ErrorResponse carries a failed call's error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes and for each streamed event.
	WriteTimeout time.Duration

	// MaxConns caps concurrent connections, event streams included.
	// Zero means no limit.
	MaxConns int

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxConns:     32,
	}
}

// eventBuffer is the per-stream backlog before events are dropped.
const eventBuffer = 64

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	engine   Engine
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// stopping ends event streams with a close frame before the
	// connection is torn down.
	stopping chan struct{}
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, engine Engine) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultServerConfig().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logging.Component(cfg.Logger, "control"),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /links", s.handleLinks)
	mux.HandleFunc("POST /links/destroy", s.handleDestroy)
	mux.HandleFunc("GET /requests", s.handleRequests)
	mux.HandleFunc("POST /requests/cancel", s.handleCancel)
	mux.HandleFunc("GET /bindings", s.handleBindings)
	mux.HandleFunc("GET /cache", s.handleCache)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server failed", logging.KeyError, err)
		}
	}()
	s.logger.Info("control socket listening", logging.KeyAddress, s.cfg.SocketPath)

	return nil
}

// Stop stops the control server and closes open event streams.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopping)
	defer s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	// Remove socket file
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: s.engine.Status()})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LinksResponse{Links: nonNil(s.engine.Links())})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	builds := s.engine.Builds()
	teardowns := s.engine.Teardowns()

	resp := RequestsResponse{
		Builds:    make([]BuildInfo, 0, len(builds)),
		Teardowns: make([]TeardownInfo, 0, len(teardowns)),
	}
	for _, b := range builds {
		resp.Builds = append(resp.Builds, BuildInfo{
			ReqID:     b.ReqID,
			LinkType:  b.LinkType,
			Peer:      b.Peer,
			OwnerPID:  b.OwnerPID,
			TraceID:   b.TraceID,
			Guide:     b.Guide,
			CreatedAt: b.CreatedAt,
		})
	}
	for _, t := range teardowns {
		resp.Teardowns = append(resp.Teardowns, TeardownInfo{
			LinkID:    t.LinkID,
			ReqID:     t.ReqID,
			LinkType:  t.LinkType,
			Peer:      t.Peer,
			AuthPath:  t.AuthHandle.Valid(),
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BindingsResponse{Bindings: nonNil(s.engine.Bindings())})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CacheResponse{Entries: nonNil(s.engine.CachedAddresses())})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.engine.CancelBuild(req.ReqID); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req DestroyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.engine.DestroyLink(req.Peer, req.ReqID, req.LinkType, req.OwnerPID); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("link destroy requested",
		logging.KeyRequestID, req.ReqID,
		logging.KeyPeerID, req.Peer.Short(),
		logging.KeyLinkType, req.LinkType)
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams lifecycle events as JSON websocket messages until
// the client goes away or the server stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// The stream outlives the per-request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", logging.KeyError, err)
		return
	}
	defer conn.CloseNow()

	// Stop cancels r.Context; the stream has to outlive it to send its
	// close frame.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	events, err := s.engine.Watch(ctx, eventBuffer)
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine stopped")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		case <-s.stopping:
			conn.Close(websocket.StatusGoingAway, "control server stopping")
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lane.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, lane.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lane.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
