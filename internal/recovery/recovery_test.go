package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestCall(t *testing.T) {
	tests := []struct {
		name     string
		fn       func()
		panicked bool
		logged   []string
	}{
		{
			name: "returns normally",
			fn:   func() {},
		},
		{
			name:     "string panic",
			fn:       func() { panic("listener exploded") },
			panicked: true,
			logged:   []string{"panic recovered", "component=on-success", "listener exploded", "stack="},
		},
		{
			name:     "error panic",
			fn:       func() { panic(errors.New("nil link info")) },
			panicked: true,
			logged:   []string{"nil link info"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			if got := Call(logger, "on-success", tc.fn); got != tc.panicked {
				t.Errorf("Call() = %v, want %v", got, tc.panicked)
			}
			if !tc.panicked && buf.Len() > 0 {
				t.Errorf("unexpected output: %s", buf.String())
			}
			for _, want := range tc.logged {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q: %s", want, buf.String())
				}
			}
		})
	}
}

func TestCall_NilLogger(t *testing.T) {
	if !Call(nil, "on-failure", func() { panic("boom") }) {
		t.Error("expected panic to be reported")
	}
}

func TestRecoverWithCallback_Worker(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	var recovered interface{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithCallback(logger, "sequencer", func(r interface{}) {
			recovered = r
		})
		panic("timer fired twice")
	}()
	wg.Wait()

	if recovered != "timer fired twice" {
		t.Errorf("recovered = %v", recovered)
	}
	if !strings.Contains(buf.String(), "component=sequencer") {
		t.Errorf("expected worker name in output, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithCallback(logger, "sequencer", nil)
		panic("no callback")
	}()
	<-done

	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_NoPanic(t *testing.T) {
	called := false
	func() {
		defer RecoverWithCallback(nil, "sequencer", func(interface{}) { called = true })
	}()
	if called {
		t.Error("callback ran without a panic")
	}
}
