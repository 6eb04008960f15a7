package worker

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "managedworker/pkg/logx"
)

// DefaultIdentity is used when no name is configured and the body symbol
// cannot be resolved.
const DefaultIdentity = "ManagedWorker"

// State is the lifecycle of a worker. Terminated is absorbing.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var defaultTrace = logx.NewTraceWriter(nil, 0)

// Worker runs one Configuration on its own goroutine and OS thread.
// It cannot be restarted; construct a new Worker to run again.
type Worker struct {
	id       string
	cfg      Configuration
	identity string

	locks *LockRegistry
	log   logx.Logger
	trace io.Writer
	obs   Observer

	state     atomic.Int32
	threadID  atomic.Uint64
	startedAt time.Time
}

type Option func(*Worker)

// WithLogger sets the structured logger. Default: no-op.
func WithLogger(log logx.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithLocks scopes serialization to r instead of the process-wide registry.
func WithLocks(r *LockRegistry) Option {
	return func(w *Worker) {
		if r != nil {
			w.locks = r
		}
	}
}

// WithTrace sets the sink for trace lines. Default: a shared stdout TraceWriter.
func WithTrace(out io.Writer) Option {
	return func(w *Worker) {
		if out != nil {
			w.trace = out
		}
	}
}

// WithObserver installs lifecycle callbacks. Use Observers to combine several.
func WithObserver(obs Observer) Option {
	return func(w *Worker) {
		if obs != nil {
			w.obs = obs
		}
	}
}

// New takes ownership of cfg and resolves the worker identity once.
func New(cfg Configuration, opts ...Option) *Worker {
	w := &Worker{
		id:       uuid.NewString(),
		cfg:      cfg,
		identity: resolveIdentity(cfg),
		locks:    DefaultLocks(),
		trace:    defaultTrace,
		obs:      NoopObserver{},
	}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(logx.Worker(w.identity), logx.RunID(w.id))
	return w
}

// resolveIdentity picks the configured name, then the body's function, then
// DefaultIdentity. A named function resolves to "pkg.Func". A function literal
// resolves to its definition site, "pkg@file.go:line": the compiler emits a
// separate symbol for every inlined copy of a literal, so the symbol alone
// would split one literal into several identities.
func resolveIdentity(cfg Configuration) string {
	if name, ok := cfg.Name(); ok {
		return name
	}
	if cfg.body == nil {
		return DefaultIdentity
	}
	fn := runtime.FuncForPC(reflect.ValueOf(cfg.body).Pointer())
	if fn == nil {
		return DefaultIdentity
	}
	pkg, sym := splitSymbol(fn.Name())
	if sym == "" {
		return DefaultIdentity
	}
	if !isLiteral(sym) {
		return pkg + "." + sym
	}
	file, line := fn.FileLine(fn.Entry())
	if file == "" {
		return pkg + "." + sym
	}
	return pkg + "@" + filepath.Base(file) + ":" + strconv.Itoa(line)
}

// splitSymbol splits "a/b/pkg.Func.func1" into "pkg" and "Func.func1".
func splitSymbol(full string) (pkg, sym string) {
	full = strings.TrimSpace(full)
	slash := strings.LastIndexByte(full, '/')
	dot := strings.IndexByte(full[slash+1:], '.')
	if dot < 0 {
		return full[slash+1:], ""
	}
	dot += slash + 1
	return full[slash+1 : dot], full[dot+1:]
}

// isLiteral reports whether sym names a function literal: a "funcN" segment,
// or a bare number for an inlined copy.
func isLiteral(sym string) bool {
	for _, seg := range strings.Split(sym, ".") {
		rest, ok := strings.CutPrefix(seg, "func")
		if !ok {
			rest = seg
		}
		if rest == "" {
			continue
		}
		if _, err := strconv.Atoi(rest); err == nil {
			return true
		}
	}
	return false
}

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Identity() string      { return w.identity }
func (w *Worker) Config() Configuration { return w.cfg }
func (w *Worker) State() State          { return State(w.state.Load()) }
func (w *Worker) Logger() logx.Logger   { return w.log }

// ThreadID returns the id of the thread running the worker, or 0 before it runs.
func (w *Worker) ThreadID() uint64 { return w.threadID.Load() }

// Start launches the worker and returns immediately.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	w.startedAt = time.Now()
	go w.run()
	return nil
}

func (w *Worker) info() Info {
	inf := Info{
		ID:            w.id,
		Identity:      w.identity,
		ThreadID:      w.threadID.Load(),
		Serialize:     w.cfg.serialize,
		CatchFailures: w.cfg.catchFailures,
		StartedAt:     w.startedAt,
	}
	if w.State() == StateTerminated {
		inf.Duration = time.Since(w.startedAt)
	}
	return inf
}

func (w *Worker) run() {
	// The goroutine owns this thread for its whole life. It is never unlocked,
	// so the runtime terminates the thread when the goroutine exits.
	runtime.LockOSThread()
	w.threadID.Store(currentThreadID())

	w.obs.OnStart(w.info())
	w.log.Debug("worker started", logx.Uint64("thread", w.ThreadID()))

	err := w.startWork()

	w.state.Store(int32(StateTerminated))
	inf := w.info()
	if err != nil {
		w.log.Debug("worker stopped", logx.Duration("took", inf.Duration), logx.Err(err))
	} else {
		w.log.Debug("worker stopped", logx.Duration("took", inf.Duration))
	}
	w.obs.OnStop(inf, err)
}

// startWork applies failure containment around executeBody. It returns the
// failure only when it was not contained.
func (w *Worker) startWork() error {
	err := capture(w.executeBody)
	if err == nil {
		return nil
	}

	if w.cfg.catchFailures {
		w.obs.OnFailure(w.info(), err, true)
		w.log.Warn("worker failure contained", logx.Err(err))
		w.notifyFailure(err)
		return nil
	}

	w.obs.OnFailure(w.info(), err, false)
	fields := []logx.Field{logx.Err(err)}
	var pe *PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(string(pe.Stack)))
	}
	w.log.Error("worker crashed", fields...)
	return err
}

func (w *Worker) notifyFailure(err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("failure callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	w.cfg.fail(err)
}

// executeBody applies serialization around invoke.
func (w *Worker) executeBody() error {
	if w.cfg.serialize {
		unlock := w.locks.Lock(w.identity)
		defer unlock()
	}
	return w.invoke()
}

// invoke writes the trace line and runs the body.
func (w *Worker) invoke() error {
	fmt.Fprintf(w.trace, "%s - Current Thread is : %d\n", w.identity, w.ThreadID())
	return w.cfg.run(w)
}

// capture runs fn and converts a panic into a *PanicError.
func capture(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
