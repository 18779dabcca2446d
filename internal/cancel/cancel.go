// Package cancel provides a one-way composite cancellation token.
//
// A session can be torn down by three independent triggers: the caller,
// the idle timer, and the max-duration timer. Merging them into a single
// token with a recorded reason keeps every exit path looking at one
// signal instead of three flags.
package cancel

import "sync"

// Reason records which trigger tripped the token first.
type Reason int

const (
	// ReasonNone means the token has not tripped.
	ReasonNone Reason = iota
	// ReasonCaller is caller-initiated cancellation.
	ReasonCaller
	// ReasonIdle is idle-timeout expiry.
	ReasonIdle
	// ReasonMaxDuration is max-duration expiry.
	ReasonMaxDuration
)

// String returns a human-readable reason name.
func (r Reason) String() string {
	switch r {
	case ReasonCaller:
		return "caller"
	case ReasonIdle:
		return "idle_timeout"
	case ReasonMaxDuration:
		return "max_duration"
	default:
		return "none"
	}
}

// Timeout reports whether the reason is one of the internal timeouts.
func (r Reason) Timeout() bool {
	return r == ReasonIdle || r == ReasonMaxDuration
}

// Token is a one-way trippable cancellation signal. The first trigger to
// trip wins and its reason is recorded; a tripped token never un-trips.
type Token struct {
	mu     sync.Mutex
	reason Reason
	done   chan struct{}
}

// New creates an untripped token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Trip trips the token with the given reason. Only the first call has any
// effect; it returns true for the call that actually tripped the token.
func (t *Token) Trip(r Reason) bool {
	if r == ReasonNone {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != ReasonNone {
		return false
	}
	t.reason = r
	close(t.done)
	return true
}

// Tripped reports whether the token has tripped.
func (t *Token) Tripped() bool {
	return t.Reason() != ReasonNone
}

// Reason returns the recorded trip reason, or ReasonNone.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed when the token trips.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
