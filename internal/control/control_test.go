package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/lanelink/internal/addrcache"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/registry"
)

// mockEngine implements Engine for testing.
type mockEngine struct {
	bus      *lifecycle.Bus
	watching chan struct{}

	mu        sync.Mutex
	status    link.Status
	links     []lane.ActiveLink
	builds    []registry.BuildEntry
	teardowns []registry.TeardownEntry
	cache     []addrcache.Entry
	canceled  []uint32
	destroyed []DestroyRequest
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		bus:      lifecycle.NewBus(nil),
		watching: make(chan struct{}, 1),
	}
}

func (m *mockEngine) Status() link.Status                 { return m.status }
func (m *mockEngine) Links() []lane.ActiveLink            { return m.links }
func (m *mockEngine) Builds() []registry.BuildEntry       { return m.builds }
func (m *mockEngine) Teardowns() []registry.TeardownEntry { return m.teardowns }
func (m *mockEngine) Bindings() []lifecycle.Binding       { return m.bus.Bindings() }
func (m *mockEngine) CachedAddresses() []addrcache.Entry  { return m.cache }

func (m *mockEngine) Watch(ctx context.Context, buffer int) (<-chan lifecycle.Event, error) {
	ch, err := m.bus.Watch(ctx, buffer)
	if err == nil {
		m.watching <- struct{}{}
	}
	return ch, err
}

func (m *mockEngine) CancelBuild(reqID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reqID == 0 {
		return lane.ErrInvalidParam
	}
	m.canceled = append(m.canceled, reqID)
	return nil
}

func (m *mockEngine) DestroyLink(peer lane.PeerID, reqID uint32, linkType lane.LinkType, ownerPID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peer == "ghost" {
		return lane.ErrNotFound
	}
	m.destroyed = append(m.destroyed, DestroyRequest{Peer: peer, ReqID: reqID, LinkType: linkType, OwnerPID: ownerPID})
	return nil
}

func startServer(t *testing.T, engine Engine) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	s := NewServer(ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, engine)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	client := NewClient(socketPath)
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestNewServer(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newMockEngine())
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_StartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	s := NewServer(ServerConfig{SocketPath: socketPath}, newMockEngine())
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	// Verify socket file exists
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Error("socket file does not exist")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed on stop")
	}
}

func TestServer_ClientIntegration(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	engine := newMockEngine()
	engine.status = link.Status{Running: true, ActiveLinks: 1, PendingBuilds: 1, CacheHits: 3}
	engine.links = []lane.ActiveLink{{
		LinkID:   4,
		ReqID:    11,
		Type:     lane.LinkHML,
		Peer:     "peer-a",
		OwnerPID: 300,
		Info:     lane.LaneLinkInfo{Type: lane.LinkHML, RequestedType: lane.LinkHML, Peer: "peer-a"},
	}}
	engine.builds = []registry.BuildEntry{{
		ReqID:     12,
		LinkType:  lane.LinkP2P,
		Peer:      "peer-b",
		TraceID:   "trace-1",
		Guide:     "br-negotiation",
		CreatedAt: now,
	}}
	engine.teardowns = []registry.TeardownEntry{{LinkID: 4, ReqID: 11, LinkType: lane.LinkHML, Peer: "peer-a"}}
	engine.cache = []addrcache.Entry{{Peer: "peer-a", LinkType: lane.LinkP2P, RemoteIP: "192.168.49.1", Port: 7000}}
	if _, err := engine.bus.Bind(lane.BusinessFile, engine.links[0].Info); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	_, client := startServer(t, engine)
	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Running || status.ActiveLinks != 1 || status.CacheHits != 3 {
		t.Errorf("unexpected status %+v", status.Status)
	}

	links, err := client.Links(ctx)
	if err != nil {
		t.Fatalf("links failed: %v", err)
	}
	if len(links.Links) != 1 || links.Links[0].Type != lane.LinkHML || links.Links[0].OwnerPID != 300 {
		t.Errorf("unexpected links %+v", links.Links)
	}

	reqs, err := client.Requests(ctx)
	if err != nil {
		t.Fatalf("requests failed: %v", err)
	}
	if len(reqs.Builds) != 1 || reqs.Builds[0].Guide != "br-negotiation" || !reqs.Builds[0].CreatedAt.Equal(now) {
		t.Errorf("unexpected builds %+v", reqs.Builds)
	}
	if len(reqs.Teardowns) != 1 || reqs.Teardowns[0].AuthPath {
		t.Errorf("unexpected teardowns %+v", reqs.Teardowns)
	}

	bindings, err := client.Bindings(ctx)
	if err != nil {
		t.Fatalf("bindings failed: %v", err)
	}
	if len(bindings.Bindings) != 1 || bindings.Bindings[0].Business != lane.BusinessFile || bindings.Bindings[0].Refs != 1 {
		t.Errorf("unexpected bindings %+v", bindings.Bindings)
	}

	cache, err := client.Cache(ctx)
	if err != nil {
		t.Fatalf("cache failed: %v", err)
	}
	if len(cache.Entries) != 1 || cache.Entries[0].Port != 7000 {
		t.Errorf("unexpected cache %+v", cache.Entries)
	}
}

func TestServer_EmptyListsAreArrays(t *testing.T) {
	_, client := startServer(t, newMockEngine())

	links, err := client.Links(context.Background())
	if err != nil {
		t.Fatalf("links failed: %v", err)
	}
	if links.Links == nil {
		t.Error("links should decode as an empty array, not null")
	}
}

func TestServer_CancelAndDestroy(t *testing.T) {
	engine := newMockEngine()
	_, client := startServer(t, engine)
	ctx := context.Background()

	if err := client.CancelBuild(ctx, 21); err != nil {
		t.Fatalf("CancelBuild() error = %v", err)
	}
	if err := client.CancelBuild(ctx, 0); !errors.Is(err, lane.ErrInvalidParam) {
		t.Errorf("CancelBuild(0) error = %v, want ErrInvalidParam", err)
	}

	req := DestroyRequest{Peer: "peer-a", ReqID: 11, LinkType: lane.LinkHML, OwnerPID: 300}
	if err := client.DestroyLink(ctx, req); err != nil {
		t.Fatalf("DestroyLink() error = %v", err)
	}
	err := client.DestroyLink(ctx, DestroyRequest{Peer: "ghost", ReqID: 1, LinkType: lane.LinkP2P})
	if !errors.Is(err, lane.ErrNotFound) {
		t.Errorf("DestroyLink(ghost) error = %v, want ErrNotFound", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.canceled) != 1 || engine.canceled[0] != 21 {
		t.Errorf("canceled = %v, want [21]", engine.canceled)
	}
	if len(engine.destroyed) != 1 || engine.destroyed[0] != req {
		t.Errorf("destroyed = %v, want [%v]", engine.destroyed, req)
	}
}

func TestServer_Events(t *testing.T) {
	engine := newMockEngine()
	_, client := startServer(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan lifecycle.Event, 2)
	done := make(chan error, 1)
	go func() {
		done <- client.Events(ctx, func(ev lifecycle.Event) error {
			got <- ev
			if ev.State == lane.LinkDown {
				return errStop
			}
			return nil
		})
	}()

	select {
	case <-engine.watching:
	case <-ctx.Done():
		t.Fatal("event stream never subscribed")
	}

	info := lane.LaneLinkInfo{Type: lane.LinkP2P, RequestedType: lane.LinkP2P, Peer: "peer-a"}
	engine.bus.Notify("peer-a", info, lane.LinkUp)
	engine.bus.Notify("peer-a", info, lane.LinkDown)

	if err := <-done; !errors.Is(err, errStop) {
		t.Fatalf("Events() error = %v, want errStop", err)
	}
	close(got)

	var states []lane.LinkState
	for ev := range got {
		if ev.Peer != "peer-a" || ev.Link.Type != lane.LinkP2P {
			t.Errorf("unexpected event %+v", ev)
		}
		states = append(states, ev.State)
	}
	if len(states) != 2 || states[0] != lane.LinkUp || states[1] != lane.LinkDown {
		t.Errorf("states = %v, want [up down]", states)
	}
}

func TestServer_EventsEndWhenServerStops(t *testing.T) {
	engine := newMockEngine()
	s, client := startServer(t, engine)

	done := make(chan error, 1)
	go func() {
		done <- client.Events(context.Background(), func(lifecycle.Event) error { return nil })
	}()
	<-engine.watching

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Events() error = %v, want clean end", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end")
	}
}

var errStop = errors.New("stop")
