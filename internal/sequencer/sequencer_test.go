package sequencer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sequencer")
	}
}

func TestSequencer_FIFO(t *testing.T) {
	s := New(Config{})
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		s.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	waitFor(t, done)

	for i, v := range got {
		if v != i {
			t.Fatalf("message %d ran at position %d", v, i)
		}
	}
}

func TestSequencer_OneAtATime(t *testing.T) {
	s := New(Config{})
	s.Start()
	defer s.Stop()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Post(func() {
					n := running.Add(1)
					if n > peak.Load() {
						peak.Store(n)
					}
					running.Add(-1)
				})
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	s.Post(func() { close(done) })
	waitFor(t, done)

	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestSequencer_PostFromMessage(t *testing.T) {
	s := New(Config{})
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	s.Post(func() {
		// Re-entrant posts must not block the worker
		for i := 0; i < 10; i++ {
			s.Post(func() {})
		}
		s.Post(func() { close(done) })
	})
	waitFor(t, done)
}

func TestSequencer_PanicRecovered(t *testing.T) {
	var panics atomic.Int32
	s := New(Config{OnPanic: func(interface{}) { panics.Add(1) }})
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	s.Post(func() { panic("boom") })
	s.Post(func() { close(done) })
	waitFor(t, done)

	if panics.Load() != 1 {
		t.Errorf("OnPanic called %d times, want 1", panics.Load())
	}
}

func TestSequencer_PostAfterStop(t *testing.T) {
	s := New(Config{})
	s.Start()
	s.Stop()

	if err := s.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Post after Stop = %v, want ErrStopped", err)
	}
	if tm := s.PostAfter(time.Second, func() {}); tm != nil {
		t.Error("PostAfter after Stop should return nil")
	}
	// Second Stop is a no-op
	s.Stop()
}

func TestSequencer_StopDrainsQueue(t *testing.T) {
	s := New(Config{})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		s.Post(func() { ran.Add(1) })
	}
	s.Start()
	s.Stop()

	if ran.Load() != 5 {
		t.Errorf("ran %d messages, want 5", ran.Load())
	}
}

func TestSequencer_StopWithoutStart(t *testing.T) {
	s := New(Config{})
	s.Stop()
	if err := s.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Post = %v, want ErrStopped", err)
	}
}

func TestSequencer_PostAfter(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{Clock: mock})
	s.Start()
	defer s.Stop()

	fired := make(chan struct{})
	s.PostAfter(500*time.Millisecond, func() { close(fired) })

	mock.Add(499 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("fired before the delay elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Millisecond)
	waitFor(t, fired)
}

func TestSequencer_TimerStop(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{Clock: mock})
	s.Start()
	defer s.Stop()

	var fired atomic.Bool
	tm := s.PostAfter(time.Second, func() { fired.Store(true) })
	if !tm.Stop() {
		t.Error("Stop should report a pending timer")
	}
	mock.Add(2 * time.Second)

	done := make(chan struct{})
	s.Post(func() { close(done) })
	waitFor(t, done)

	if fired.Load() {
		t.Error("stopped timer fired")
	}
}

func TestSequencer_Flush(t *testing.T) {
	s := New(Config{})
	s.Start()
	defer s.Stop()

	var ran atomic.Int32
	var chain func(n int)
	chain = func(n int) {
		ran.Add(1)
		if n > 0 {
			s.Post(func() { chain(n - 1) })
		}
	}
	s.Post(func() { chain(9) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 10 {
		t.Errorf("ran %d chained messages, want 10", ran.Load())
	}
}
