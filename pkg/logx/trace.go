package logx

import (
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// TraceWriter is the plain-text sink for worker trace lines.
//
// Lines are written whole under a mutex so concurrent workers never interleave.
// When a rate is configured, lines above the rate are dropped (never block the
// caller) and counted.
type TraceWriter struct {
	mu      sync.Mutex
	out     io.Writer
	limiter *rate.Limiter
	enabled bool

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewTraceWriter returns an enabled trace sink. ratePerSec <= 0 disables limiting.
// A nil out writes to Stdout().
func NewTraceWriter(out io.Writer, ratePerSec int) *TraceWriter {
	if out == nil {
		out = Stdout()
	}
	t := &TraceWriter{out: out, enabled: true}
	t.limiter = newTraceLimiter(ratePerSec)
	return t
}

func newTraceLimiter(ratePerSec int) *rate.Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
}

// Apply swaps the enabled flag and rate at runtime.
func (t *TraceWriter) Apply(enabled bool, ratePerSec int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.enabled = enabled
	t.limiter = newTraceLimiter(ratePerSec)
	t.mu.Unlock()
}

// Write implements io.Writer. Dropped or disabled writes still report success.
func (t *TraceWriter) Write(p []byte) (int, error) {
	if t == nil {
		return len(p), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return len(p), nil
	}
	if t.limiter != nil && !t.limiter.Allow() {
		t.dropped.Add(1)
		return len(p), nil
	}
	n, err := t.out.Write(p)
	if err == nil {
		t.written.Add(1)
	}
	return n, err
}

// Written returns the number of lines delivered to the sink.
func (t *TraceWriter) Written() uint64 {
	if t == nil {
		return 0
	}
	return t.written.Load()
}

// Dropped returns the number of lines discarded by the rate limiter.
func (t *TraceWriter) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}
