package harvest

import "sync/atomic"

// StopFlag is a cooperative stop request. It is polled between units of
// work and never cancels a remote call that is already in flight.
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests the run to wind down at the next check.
func (f *StopFlag) Stop() { f.stopped.Store(true) }

// Stopped reports whether Stop was called. A nil flag is never stopped.
func (f *StopFlag) Stopped() bool { return f != nil && f.stopped.Load() }

// Reset clears the request so the flag can be reused for the next run.
func (f *StopFlag) Reset() { f.stopped.Store(false) }
