// Package shutdown implements the one-shot, broadcast-to-many signal
// (spec component C6) observed by connection handlers and background
// tasks across the server.
package shutdown

import "context"

// Signal starts out "not shut down". Fire transitions it to "shut down"
// exactly once; further Fire calls are no-ops. Done and IsSet may be
// called from any number of goroutines simultaneously.
type Signal struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Signal in the "not shut down" state.
func New() *Signal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signal{ctx: ctx, cancel: cancel}
}

// Fire transitions the signal to "shut down". Safe to call more than
// once and from multiple goroutines.
func (s *Signal) Fire() { s.cancel() }

// Done returns a channel that closes on the "shut down" transition and
// stays closed forever after, so a <-s.Done() in a select resolves
// immediately once fired.
func (s *Signal) Done() <-chan struct{} { return s.ctx.Done() }

// IsSet reports whether Fire has been called.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns a context.Context that cancels when the signal fires,
// for handing to APIs that accept one directly (e.g. semaphore.Acquire).
func (s *Signal) Context() context.Context { return s.ctx }
