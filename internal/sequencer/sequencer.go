// Package sequencer provides the single logical serialization point of the
// engine: a FIFO mailbox drained by one worker goroutine.
//
// Post never blocks. Adapters may deliver callbacks synchronously from inside
// a call issued by a message that is itself running on the worker, so a
// bounded channel could deadlock the worker against itself.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/recovery"
)

// ErrStopped is returned by Post after Stop.
var ErrStopped = errors.New("sequencer stopped")

// Config configures a Sequencer.
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// OnPanic is called after a message panicked and was recovered.
	OnPanic func(recovered interface{})
}

// Sequencer runs posted messages one at a time in FIFO order.
type Sequencer struct {
	logger  *slog.Logger
	clock   clock.Clock
	onPanic func(recovered interface{})

	mu      sync.Mutex
	queue   []func()
	timers  map[*Timer]struct{}
	started bool
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// Timer is a pending delayed post.
type Timer struct {
	s *Sequencer
	t *clock.Timer
}

// Stop prevents the delayed message from being posted. It reports whether
// the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	delete(t.s.timers, t)
	t.s.mu.Unlock()
	return t.t.Stop()
}

// New creates a sequencer. Call Start to launch the worker.
func New(cfg Config) *Sequencer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Sequencer{
		logger:  logging.Component(cfg.Logger, "sequencer"),
		clock:   cfg.Clock,
		onPanic: cfg.OnPanic,
		timers:  make(map[*Timer]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Clock returns the clock used for delayed posts.
func (s *Sequencer) Clock() clock.Clock {
	return s.clock
}

// Start launches the worker goroutine. Calling Start more than once is a no-op.
func (s *Sequencer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Post appends fn to the mailbox.
func (s *Sequencer) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// PostAfter posts fn once d has elapsed on the sequencer clock.
func (s *Sequencer) PostAfter(d time.Duration, fn func()) *Timer {
	tm := &Timer{s: s}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.timers[tm] = struct{}{}
	s.mu.Unlock()

	tm.t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[tm]
		delete(s.timers, tm)
		s.mu.Unlock()
		if live {
			_ = s.Post(fn)
		}
	})
	return tm
}

// Len returns the number of queued messages.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush waits until the mailbox is empty, including messages posted by
// messages that ran while waiting. It must not be called from a message.
func (s *Sequencer) Flush(ctx context.Context) error {
	for {
		idle := make(chan bool, 1)
		if err := s.Post(func() { idle <- s.Len() == 0 }); err != nil {
			return err
		}
		select {
		case empty := <-idle:
			if empty {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops accepting messages, cancels delayed posts, runs what is
// already queued and waits for the worker to exit. Stop must not be called
// from a message.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	started := s.started
	timers := s.timers
	s.timers = make(map[*Timer]struct{})
	s.mu.Unlock()

	for tm := range timers {
		if tm.t != nil {
			tm.t.Stop()
		}
	}

	if !started {
		close(s.done)
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *Sequencer) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.exec(fn)
	}
}

func (s *Sequencer) exec(fn func()) {
	defer recovery.RecoverWithCallback(s.logger, "sequencer", s.onPanic)
	fn()
}
