package lifecycle

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/lanelink/internal/lane"
)

func hmlLink(peer lane.PeerID, remoteIP string) lane.LaneLinkInfo {
	return lane.LaneLinkInfo{
		Type:          lane.LinkHML,
		RequestedType: lane.LinkHML,
		Peer:          peer,
		P2P:           lane.P2PInfo{LinkID: 1, LocalIP: "192.168.49.1", RemoteIP: remoteIP},
	}
}

func TestBus_RegisterListener_InvalidParam(t *testing.T) {
	b := NewBus(nil)

	if err := b.RegisterListener(lane.BusinessType(200), Listener{OnLinkUp: func(Event) {}}); !errors.Is(err, lane.ErrInvalidParam) {
		t.Errorf("invalid business type = %v, want ErrInvalidParam", err)
	}
	if err := b.RegisterListener(lane.BusinessCtrl, Listener{}); !errors.Is(err, lane.ErrInvalidParam) {
		t.Errorf("empty listener = %v, want ErrInvalidParam", err)
	}
}

func TestBus_RegisterReplaces(t *testing.T) {
	b := NewBus(nil)
	var first, second int

	b.RegisterListener(lane.BusinessCtrl, Listener{OnLinkUp: func(Event) { first++ }})
	b.RegisterListener(lane.BusinessCtrl, Listener{OnLinkUp: func(Event) { second++ }})

	if n := b.Notify("peer-a", hmlLink("peer-a", "192.168.49.2"), lane.LinkUp); n != 1 {
		t.Errorf("Notify called %d listeners, want 1", n)
	}
	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestBus_NotifyFanOut(t *testing.T) {
	b := NewBus(nil)
	var mu sync.Mutex
	got := map[lane.BusinessType][]lane.LinkState{}

	for _, bt := range []lane.BusinessType{lane.BusinessCtrl, lane.BusinessFile, lane.BusinessStream} {
		bt := bt
		b.RegisterListener(bt, Listener{
			OnLinkUp: func(ev Event) {
				mu.Lock()
				got[bt] = append(got[bt], ev.State)
				mu.Unlock()
			},
			OnLinkDown: func(ev Event) {
				mu.Lock()
				got[bt] = append(got[bt], ev.State)
				mu.Unlock()
			},
		})
	}

	link := hmlLink("peer-a", "192.168.49.2")
	b.Notify("peer-a", link, lane.LinkUp)
	b.Notify("peer-a", link, lane.LinkDown)

	if len(got) != 3 {
		t.Fatalf("notified %d business types, want 3", len(got))
	}
	for bt, states := range got {
		if len(states) != 2 || states[0] != lane.LinkUp || states[1] != lane.LinkDown {
			t.Errorf("%s got %v, want [up down]", bt, states)
		}
	}
}

func TestBus_NotifyCarriesBoundBusiness(t *testing.T) {
	b := NewBus(nil)
	link := hmlLink("peer-a", "192.168.49.2")
	b.Bind(lane.BusinessFile, link)
	b.Bind(lane.BusinessCtrl, link)
	b.Bind(lane.BusinessStream, hmlLink("peer-b", "192.168.49.3"))

	var ev Event
	b.RegisterListener(lane.BusinessCtrl, Listener{OnLinkDown: func(e Event) { ev = e }})
	b.Notify("peer-a", link, lane.LinkDown)

	if len(ev.Business) != 2 || ev.Business[0] != lane.BusinessCtrl || ev.Business[1] != lane.BusinessFile {
		t.Errorf("Business = %v, want [ctrl file]", ev.Business)
	}
}

func TestBus_ListenerPanicIsContained(t *testing.T) {
	b := NewBus(nil)
	var called bool
	b.RegisterListener(lane.BusinessCtrl, Listener{OnLinkUp: func(Event) { panic("listener bug") }})
	b.RegisterListener(lane.BusinessFile, Listener{OnLinkUp: func(Event) { called = true }})

	b.Notify("peer-a", hmlLink("peer-a", "192.168.49.2"), lane.LinkUp)

	if !called {
		t.Error("second listener should still be called")
	}
}

func TestBus_Unregister(t *testing.T) {
	b := NewBus(nil)
	b.RegisterListener(lane.BusinessCtrl, Listener{OnLinkUp: func(Event) {}})

	if err := b.UnregisterListener(lane.BusinessCtrl); err != nil {
		t.Fatal(err)
	}
	if err := b.UnregisterListener(lane.BusinessCtrl); !errors.Is(err, lane.ErrNotFound) {
		t.Errorf("second Unregister = %v, want ErrNotFound", err)
	}
	if n := b.Notify("peer-a", hmlLink("peer-a", "192.168.49.2"), lane.LinkUp); n != 0 {
		t.Errorf("Notify called %d listeners, want 0", n)
	}
}

func TestBus_BindRefCount(t *testing.T) {
	b := NewBus(nil)
	link := hmlLink("peer-a", "192.168.49.2")
	const k = 4

	for i := 1; i <= k; i++ {
		n, err := b.Bind(lane.BusinessBytes, link)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Errorf("Bind #%d returned %d", i, n)
		}
	}

	for i := 1; i < k; i++ {
		if _, err := b.Unbind(lane.BusinessBytes, link); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.BindingCount(lane.BusinessBytes, link); got != 1 {
		t.Fatalf("after k-1 unbinds count = %d, want 1", got)
	}
	if len(b.Bindings()) != 1 {
		t.Fatalf("binding should still be present")
	}

	n, err := b.Unbind(lane.BusinessBytes, link)
	if err != nil || n != 0 {
		t.Fatalf("k-th Unbind = %d, %v", n, err)
	}
	if len(b.Bindings()) != 0 {
		t.Error("binding should be removed after the k-th unbind")
	}
	if _, err := b.Unbind(lane.BusinessBytes, link); !errors.Is(err, lane.ErrNotFound) {
		t.Errorf("extra Unbind = %v, want ErrNotFound", err)
	}
}

func TestBus_BindingsAreIndependentPerBusiness(t *testing.T) {
	b := NewBus(nil)
	link := hmlLink("peer-a", "192.168.49.2")
	b.Bind(lane.BusinessBytes, link)
	b.Bind(lane.BusinessFile, link)
	b.Unbind(lane.BusinessBytes, link)

	if b.BindingCount(lane.BusinessFile, link) != 1 {
		t.Error("file binding should be unaffected")
	}
}

func TestBus_Watch(t *testing.T) {
	b := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Watch(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	b.Notify("peer-a", hmlLink("peer-a", "192.168.49.2"), lane.LinkUp)

	select {
	case ev := <-ch:
		if ev.State != lane.LinkUp || ev.Peer != "peer-a" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestBus_WatchEndsOnClose(t *testing.T) {
	b := NewBus(nil)
	before := runtime.NumGoroutine()

	ch, err := b.Watch(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	// The watcher goroutine must not outlive the bus while ctx stays alive.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, want %d after Close", runtime.NumGoroutine(), before)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBus_WatchDropsWhenFull(t *testing.T) {
	b := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Watch(ctx, 1)
	link := hmlLink("peer-a", "192.168.49.2")
	b.Notify("peer-a", link, lane.LinkUp)
	b.Notify("peer-a", link, lane.LinkDown)

	if b.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", b.Dropped())
	}
}

func TestBus_Close(t *testing.T) {
	b := NewBus(nil)
	b.Close()

	if _, err := b.Bind(lane.BusinessCtrl, hmlLink("peer-a", "1.1.1.1")); !errors.Is(err, lane.ErrLockUnavailable) {
		t.Errorf("Bind after Close = %v, want ErrLockUnavailable", err)
	}
	if _, err := b.Watch(context.Background(), 1); !errors.Is(err, lane.ErrLockUnavailable) {
		t.Errorf("Watch after Close = %v, want ErrLockUnavailable", err)
	}
	b.Close()
}
