package lane

import (
	"errors"
	"fmt"
	"strings"
)

// Caller-visible errors.
var (
	ErrInvalidParam            = errors.New("invalid parameter")
	ErrLockUnavailable         = errors.New("lock unavailable")
	ErrNotFound                = errors.New("not found")
	ErrNoAvailableGuideChannel = errors.New("no available guide channel")
	ErrGuideChannelExhausted   = errors.New("guide channels exhausted")
	ErrResourceExhausted       = errors.New("resource exhausted")
	ErrLedgerLookup            = errors.New("ledger lookup failed")
	ErrCanceled                = errors.New("build canceled")
	ErrEngineStopped           = errors.New("engine stopped")
)

// Reason is a stable failure code reported by adapters.
type Reason uint16

const (
	ReasonUnknown Reason = iota
	ReasonTimeout
	ReasonWaitReuseTimeout
	ReasonRefused
	ReasonAuthFailed
	ReasonChannelUnavailable
	ReasonConflict
	ReasonBusy
	ReasonTypeMismatch
	ReasonCanceled

	reasonCount
)

var reasonNames = [...]string{
	ReasonUnknown:            "unknown",
	ReasonTimeout:            "timeout",
	ReasonWaitReuseTimeout:   "wait-reuse-timeout",
	ReasonRefused:            "refused",
	ReasonAuthFailed:         "auth-failed",
	ReasonChannelUnavailable: "channel-unavailable",
	ReasonConflict:           "conflict",
	ReasonBusy:               "busy",
	ReasonTypeMismatch:       "type-mismatch",
	ReasonCanceled:           "canceled",
}

// String returns the reason name.
func (r Reason) String() string {
	if r < reasonCount {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint16(r))
}

// ParseReason parses a reason name as produced by String.
func ParseReason(s string) (Reason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range reasonNames {
		if name == s {
			return Reason(i), nil
		}
	}
	return ReasonUnknown, fmt.Errorf("%w: unknown reason %q", ErrInvalidParam, s)
}

// Stable maps codes outside the known set to ReasonUnknown.
func (r Reason) Stable() Reason {
	if r < reasonCount {
		return r
	}
	return ReasonUnknown
}

// Category tells the guide engine what to do after an adapter failure.
type Category uint8

const (
	// CategoryAdvance moves on to the next guide channel.
	CategoryAdvance Category = iota
	// CategoryRetryCurrent re-issues the same guide channel.
	CategoryRetryCurrent
)

// String returns the category name.
func (c Category) String() string {
	if c == CategoryRetryCurrent {
		return "retry-current"
	}
	return "advance"
}

// AdapterError is a failure reported by an external adapter.
type AdapterError struct {
	Reason   Reason
	Category Category
	Err      error
}

// Error implements error.
func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adapter failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("adapter failure (%s)", e.Reason)
}

// Unwrap returns the underlying error.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// ExhaustedError is reported when every guide channel of a ladder failed.
type ExhaustedError struct {
	Attempts int
	Last     *AdapterError
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrGuideChannelExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %s", ErrGuideChannelExhausted, e.Attempts, e.Last.Error())
}

// Is matches ErrGuideChannelExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrGuideChannelExhausted
}

// Unwrap returns the last adapter failure.
func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// StableReason extracts the stable failure code carried by err.
func StableReason(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Reason.Stable()
	}
	if errors.Is(err, ErrCanceled) {
		return ReasonCanceled
	}
	return ReasonUnknown
}

// AsAdapterError normalizes any error into an AdapterError with a stable reason.
func AsAdapterError(err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return &AdapterError{Reason: ae.Reason.Stable(), Category: ae.Category, Err: ae.Err}
	}
	return &AdapterError{Reason: ReasonUnknown, Category: CategoryAdvance, Err: err}
}
