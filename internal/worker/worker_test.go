package worker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"managedworker/internal/eventbus"
	logx "managedworker/pkg/logx"
)

type stopped struct {
	info Info
	err  error
}

// stopWaiter is the completion signal tests build on top of Observer.
type stopWaiter struct {
	NoopObserver
	ch chan stopped

	mu       sync.Mutex
	failures []error
	contain  []bool
}

func newStopWaiter(n int) *stopWaiter {
	return &stopWaiter{ch: make(chan stopped, n)}
}

func (s *stopWaiter) OnFailure(_ Info, err error, contained bool) {
	s.mu.Lock()
	s.failures = append(s.failures, err)
	s.contain = append(s.contain, contained)
	s.mu.Unlock()
}

func (s *stopWaiter) OnStop(info Info, err error) { s.ch <- stopped{info: info, err: err} }

func (s *stopWaiter) wait(t *testing.T) stopped {
	t.Helper()
	select {
	case st := <-s.ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop in time")
		return stopped{}
	}
}

func discardTrace() *logx.TraceWriter {
	return logx.NewTraceWriter(&strings.Builder{}, 0)
}

func startAll(t *testing.T, ws ...*Worker) {
	t.Helper()
	for _, w := range ws {
		require.NoError(t, w.Start())
	}
}

func namedBody(*Worker) error { return nil }

func TestIdentityResolution(t *testing.T) {
	t.Parallel()

	w := New(NewConfigurator().SetName("db-writer").SetBody(namedBody).Build())
	require.Equal(t, "db-writer", w.Identity())

	w = New(NewConfigurator().SetBody(namedBody).Build())
	require.Equal(t, "worker.namedBody", w.Identity())

	w = New(DefaultConfiguration())
	require.Equal(t, DefaultIdentity, w.Identity())

	// Every worker built from the same function literal shares an identity.
	mk := func() *Worker {
		return New(NewConfigurator().SetBody(func(*Worker) error { return nil }).Build())
	}
	a, b := mk(), mk()
	require.Equal(t, a.Identity(), b.Identity())
	require.True(t, strings.HasPrefix(a.Identity(), "worker@worker_test.go:"), a.Identity())
	require.NotEqual(t, a.ID(), b.ID())
}

func noopBody() Body {
	return func(*Worker) error { return nil }
}

func TestLiteralIdentityIgnoresCallSite(t *testing.T) {
	t.Parallel()
	direct := New(NewConfigurator().SetBody(noopBody()).Build())
	nested := func() *Worker {
		return New(NewConfigurator().SetBody(noopBody()).Build())
	}()
	var viaLoop []*Worker
	for range 2 {
		viaLoop = append(viaLoop, New(NewConfigurator().SetBody(noopBody()).Build()))
	}

	require.True(t, strings.HasPrefix(direct.Identity(), "worker@worker_test.go:"), direct.Identity())
	require.Equal(t, direct.Identity(), nested.Identity())
	for _, w := range viaLoop {
		require.Equal(t, direct.Identity(), w.Identity())
	}
}

func TestSymbolClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		full    string
		pkg     string
		sym     string
		literal bool
	}{
		{full: "managedworker/internal/worker.namedBody", pkg: "worker", sym: "namedBody"},
		{full: "managedworker/internal/actions.Sleep.func1", pkg: "actions", sym: "Sleep.func1", literal: true},
		{full: "managedworker/internal/actions.init.func1.Sleep.1", pkg: "actions", sym: "init.func1.Sleep.1", literal: true},
		{full: "example.com/x.glob..func2", pkg: "x", sym: "glob..func2", literal: true},
		{full: "example.com/x.(*T).Run-fm", pkg: "x", sym: "(*T).Run-fm"},
		{full: "main.Func2", pkg: "main", sym: "Func2"},
		{full: "nodot", pkg: "nodot", sym: ""},
	}
	for _, tt := range tests {
		pkg, sym := splitSymbol(tt.full)
		require.Equal(t, tt.pkg, pkg, tt.full)
		require.Equal(t, tt.sym, sym, tt.full)
		if sym != "" {
			require.Equal(t, tt.literal, isLiteral(sym), tt.full)
		}
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	t.Parallel()
	sw := newStopWaiter(1)
	w := New(DefaultConfiguration(), WithObserver(sw), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
	require.Equal(t, StateCreated, w.State())
	require.Zero(t, w.ThreadID())

	require.NoError(t, w.Start())
	require.ErrorIs(t, w.Start(), ErrAlreadyStarted)

	sw.wait(t)
	require.Equal(t, StateTerminated, w.State())
	require.ErrorIs(t, w.Start(), ErrAlreadyStarted)
	require.NotZero(t, w.ThreadID())
}

func TestTraceLineFormat(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	sw := newStopWaiter(1)
	var seenThread uint64
	w := New(NewConfigurator().SetName("tracer").SetBody(func(w *Worker) error {
		seenThread = w.ThreadID()
		return nil
	}).Build(), WithObserver(sw), WithTrace(logx.NewTraceWriter(&buf, 0)), WithLocks(NewLockRegistry()))

	startAll(t, w)
	st := sw.wait(t)

	require.Equal(t, fmt.Sprintf("tracer - Current Thread is : %d\n", seenThread), buf.String())
	require.Equal(t, seenThread, st.info.ThreadID)
	require.Equal(t, "tracer", st.info.Identity)
}

func TestContainedFailureGoesToCallbackOnce(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name  string
		body  Body
		check func(t *testing.T, err error)
	}{
		{
			name: "returned error",
			body: func(*Worker) error { return boom },
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, boom)
				require.False(t, IsPanic(err))
			},
		},
		{
			name: "panic",
			body: func(*Worker) error { panic("kaput") },
			check: func(t *testing.T, err error) {
				var pe *PanicError
				require.ErrorAs(t, err, &pe)
				require.Equal(t, "kaput", pe.Value)
				require.NotEmpty(t, pe.Stack)
			},
		},
		{
			name: "panic with error value",
			body: func(*Worker) error { panic(boom) },
			check: func(t *testing.T, err error) {
				require.True(t, IsPanic(err))
				require.ErrorIs(t, err, boom)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var (
				mu    sync.Mutex
				calls []error
			)
			sw := newStopWaiter(1)
			cfg := NewConfigurator().
				SetBody(tt.body).
				SetCatchFailures(true).
				SetFailureCallback(func(err error) {
					mu.Lock()
					calls = append(calls, err)
					mu.Unlock()
				}).
				Build()
			w := New(cfg, WithObserver(sw), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
			startAll(t, w)

			st := sw.wait(t)
			require.NoError(t, st.err, "contained failure must not propagate")

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, calls, 1)
			tt.check(t, calls[0])
			require.Equal(t, []bool{true}, sw.contain)
		})
	}
}

func TestContainedFailureWithoutCallbackIsSwallowed(t *testing.T) {
	t.Parallel()
	sw := newStopWaiter(1)
	w := New(NewConfigurator().
		SetBody(func(*Worker) error { panic("nobody listens") }).
		SetCatchFailures(true).
		Build(), WithObserver(sw), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
	startAll(t, w)

	st := sw.wait(t)
	require.NoError(t, st.err)
	require.Len(t, sw.failures, 1)
}

func TestPanickingCallbackDoesNotEscape(t *testing.T) {
	t.Parallel()
	sw := newStopWaiter(1)
	w := New(NewConfigurator().
		SetBody(func(*Worker) error { return errors.New("x") }).
		SetCatchFailures(true).
		SetFailureCallback(func(error) { panic("callback bug") }).
		Build(), WithObserver(sw), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
	startAll(t, w)

	st := sw.wait(t)
	require.NoError(t, st.err)
	require.Equal(t, StateTerminated, w.State())
}

func TestUncontainedFailureEndsOnlyThatWorker(t *testing.T) {
	t.Parallel()
	locks := NewLockRegistry()
	trace := discardTrace()

	var callbackCalls atomic.Int32
	crashSW := newStopWaiter(1)
	crasher := New(NewConfigurator().
		SetName("crasher").
		SetBody(func(*Worker) error { panic("fatal to this worker") }).
		SetFailureCallback(func(error) { callbackCalls.Add(1) }).
		Build(), WithObserver(crashSW), WithTrace(trace), WithLocks(locks))

	release := make(chan struct{})
	var survivorDone atomic.Bool
	survivorSW := newStopWaiter(1)
	survivor := New(NewConfigurator().
		SetName("survivor").
		SetBody(func(*Worker) error {
			<-release
			survivorDone.Store(true)
			return nil
		}).
		Build(), WithObserver(survivorSW), WithTrace(trace), WithLocks(locks))

	startAll(t, survivor, crasher)

	st := crashSW.wait(t)
	require.Error(t, st.err)
	require.True(t, IsPanic(st.err))
	require.Equal(t, StateTerminated, crasher.State())
	require.Zero(t, callbackCalls.Load(), "callback is only used with catchFailures")
	require.Equal(t, []bool{false}, crashSW.contain)

	// The other worker keeps running and finishes normally.
	require.Equal(t, StateRunning, survivor.State())
	close(release)
	st = survivorSW.wait(t)
	require.NoError(t, st.err)
	require.True(t, survivorDone.Load())
}

func TestUncontainedReturnedErrorIsReported(t *testing.T) {
	t.Parallel()
	want := errors.New("disk full")
	sw := newStopWaiter(1)
	w := New(NewConfigurator().SetBody(func(*Worker) error { return want }).Build(),
		WithObserver(sw), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
	startAll(t, w)

	st := sw.wait(t)
	require.ErrorIs(t, st.err, want)
	require.Greater(t, st.info.Duration, time.Duration(0))
}

// overlapProbe tracks how many bodies are inside their execution window.
type overlapProbe struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (p *overlapProbe) enter() {
	n := p.active.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			return
		}
	}
}

func (p *overlapProbe) leave() { p.active.Add(-1) }

func TestSameIdentitySerializes(t *testing.T) {
	t.Parallel()
	const n = 8
	locks := NewLockRegistry()
	probe := &overlapProbe{}
	sw := newStopWaiter(n)

	ws := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		cfg := NewConfigurator().
			SetName("shared").
			SetBody(func(*Worker) error {
				probe.enter()
				defer probe.leave()
				time.Sleep(10 * time.Millisecond)
				return nil
			}).
			Build()
		ws = append(ws, New(cfg, WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks)))
	}
	startAll(t, ws...)
	for i := 0; i < n; i++ {
		sw.wait(t)
	}

	require.Equal(t, int32(1), probe.peak.Load(), "bodies sharing an identity must never overlap")
	stats := locks.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "shared", stats[0].Key)
	require.Equal(t, uint64(n), stats[0].Acquired)
}

func TestUnnamedWorkersOfSameBodySerialize(t *testing.T) {
	t.Parallel()
	locks := NewLockRegistry()
	probe := &overlapProbe{}
	sw := newStopWaiter(2)

	body := func(*Worker) error {
		probe.enter()
		defer probe.leave()
		time.Sleep(30 * time.Millisecond)
		return nil
	}
	a := New(NewConfigurator().SetBody(body).Build(), WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks))
	b := New(NewConfigurator().SetBody(body).Build(), WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks))
	require.Equal(t, a.Identity(), b.Identity())

	startAll(t, a, b)
	sw.wait(t)
	sw.wait(t)
	require.Equal(t, int32(1), probe.peak.Load())
	require.Equal(t, []string{a.Identity()}, locks.Keys())
}

// rendezvous blocks each body until all parties have entered, proving overlap.
func rendezvous(parties int) func() error {
	var arrived atomic.Int32
	all := make(chan struct{})
	return func() error {
		if arrived.Add(1) == int32(parties) {
			close(all)
		}
		select {
		case <-all:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("bodies did not overlap")
		}
	}
}

func TestConcurrentExecutionAllowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		names     [2]string
		serialize bool
	}{
		{name: "different identities", names: [2]string{"alpha", "beta"}, serialize: true},
		{name: "serialize disabled", names: [2]string{"same", "same"}, serialize: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			locks := NewLockRegistry()
			meet := rendezvous(2)
			sw := newStopWaiter(2)
			var ws []*Worker
			for _, name := range tt.names {
				cfg := NewConfigurator().
					SetName(name).
					SetSerialize(tt.serialize).
					SetBody(func(*Worker) error { return meet() }).
					Build()
				ws = append(ws, New(cfg, WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks)))
			}
			startAll(t, ws...)

			first, second := sw.wait(t), sw.wait(t)
			require.NoError(t, first.err)
			require.NoError(t, second.err)
			require.NotEqual(t, first.info.ThreadID, second.info.ThreadID, "each worker owns its own thread")
		})
	}
}

func TestProcessWideRegistryIsSharedAcrossInstances(t *testing.T) {
	t.Parallel()
	name := "process-wide-" + t.Name()
	probe := &overlapProbe{}
	sw := newStopWaiter(3)
	for i := 0; i < 3; i++ {
		w := New(NewConfigurator().SetName(name).SetBody(func(*Worker) error {
			probe.enter()
			defer probe.leave()
			time.Sleep(5 * time.Millisecond)
			return nil
		}).Build(), WithObserver(sw), WithTrace(discardTrace()))
		startAll(t, w)
	}
	for i := 0; i < 3; i++ {
		sw.wait(t)
	}
	require.Equal(t, int32(1), probe.peak.Load())
	require.Contains(t, DefaultLocks().Keys(), name)
}

func TestLockReleasedAfterFailure(t *testing.T) {
	t.Parallel()
	locks := NewLockRegistry()
	sw := newStopWaiter(2)
	first := New(NewConfigurator().SetName("guarded").SetBody(func(*Worker) error { panic("first dies") }).Build(),
		WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks))
	second := New(NewConfigurator().SetName("guarded").SetBody(func(*Worker) error { return nil }).Build(),
		WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks))

	startAll(t, first)
	sw.wait(t)
	startAll(t, second)
	st := sw.wait(t)
	require.NoError(t, st.err, "lock must be released on the failure path")
}

func TestCountThenFailScenario(t *testing.T) {
	t.Parallel()
	var counter int
	var (
		mu       sync.Mutex
		messages []string
	)
	sw := newStopWaiter(1)
	cfg := NewConfigurator().
		SetBody(func(*Worker) error {
			for counter < 5 {
				counter++
			}
			return errors.New("counter reached 5")
		}).
		SetCatchFailures(true).
		SetFailureCallback(func(err error) {
			mu.Lock()
			messages = append(messages, err.Error())
			mu.Unlock()
		}).
		Build()
	w := New(cfg, WithObserver(sw), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
	startAll(t, w)

	st := sw.wait(t)
	require.NoError(t, st.err)
	require.Equal(t, 5, counter)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"counter reached 5"}, messages)
}

func TestDBWriterScenario(t *testing.T) {
	t.Parallel()
	const sleep = 50 * time.Millisecond
	type entry struct {
		id         int
		start, end time.Time
	}
	var (
		mu  sync.Mutex
		log []entry
	)
	locks := NewLockRegistry()
	sw := newStopWaiter(2)
	for id := 1; id <= 2; id++ {
		id := id
		cfg := NewConfigurator().
			SetName("db-writer").
			SetSerialize(true).
			SetBody(func(*Worker) error {
				start := time.Now()
				time.Sleep(sleep)
				mu.Lock()
				log = append(log, entry{id: id, start: start, end: time.Now()})
				mu.Unlock()
				return nil
			}).
			Build()
		startAll(t, New(cfg, WithObserver(sw), WithTrace(discardTrace()), WithLocks(locks)))
	}
	sw.wait(t)
	sw.wait(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, log, 2)
	require.ElementsMatch(t, []int{1, 2}, []int{log[0].id, log[1].id})
	require.False(t, log[1].start.Before(log[0].end), "second body started before the first finished")
	require.GreaterOrEqual(t, log[1].end.Sub(log[0].end), sleep)
}

func TestBusObserverPublishesLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	sw := newStopWaiter(1)
	w := New(NewConfigurator().SetName("evented").SetCatchFailures(true).
		SetBody(func(*Worker) error { return errors.New("bad input") }).Build(),
		WithObserver(Observers(nil, NewBusObserver(bus), sw)), WithTrace(discardTrace()), WithLocks(NewLockRegistry()))
	startAll(t, w)
	sw.wait(t)

	var types []string
	var failed RunEvent
	for i := 0; i < 3; i++ {
		ev := <-ch
		types = append(types, ev.Type)
		if ev.Type == EventFailed {
			failed = ev.Data.(RunEvent)
		}
	}
	require.Equal(t, []string{EventStarted, EventFailed, EventStopped}, types)
	require.Equal(t, "evented", failed.Identity)
	require.Equal(t, "bad input", failed.Error)
	require.True(t, failed.Contained)
	require.False(t, failed.Panicked)
}

func TestObserversCollapses(t *testing.T) {
	t.Parallel()
	require.Equal(t, NoopObserver{}, Observers())
	require.Equal(t, NoopObserver{}, Observers(nil, nil))
	sw := newStopWaiter(1)
	require.Same(t, sw, Observers(nil, sw))
	require.Equal(t, NoopObserver{}, NewBusObserver(nil))
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "terminated", StateTerminated.String())
	require.Equal(t, "state(9)", State(9).String())
}
