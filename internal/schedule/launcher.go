// Package schedule starts fresh managed workers on cron or interval triggers.
//
// A worker runs its body once, so every trigger builds a new one from the
// job's template. Overlapping runs of one job meet on the identity lock.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

// Starter launches a built worker. *monitor.Monitor implements it.
type Starter interface {
	Launch(w *worker.Worker) error
}

// StartFunc adapts a function to Starter.
type StartFunc func(w *worker.Worker) error

func (f StartFunc) Launch(w *worker.Worker) error { return f(w) }

// Job is a worker template plus its trigger.
type Job struct {
	Name     string
	Spec     string
	Template func() worker.Configuration
}

// Entry describes a registered job.
type Entry struct {
	Name   string
	Kind   Kind
	Spec   string
	Next   time.Time
	Fired  uint64
	Failed uint64
}

type jobState struct {
	job     Job
	spec    Spec
	entryID cron.EntryID

	fired  atomic.Uint64
	failed atomic.Uint64
}

type Launcher struct {
	mu sync.Mutex

	log     logx.Logger
	starter Starter
	opts    []worker.Option
	loc     *time.Location

	c    *cron.Cron
	jobs []*jobState

	// launch error throttling, keyed by job name
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithWorkerOptions sets the options every built worker receives.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(l *Launcher) { l.opts = append(l.opts, opts...) }
}

// WithLocation sets the time zone cron specs are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(l *Launcher) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// NewLauncher builds a stopped launcher. A nil starter calls Worker.Start.
func NewLauncher(starter Starter, log logx.Logger, opts ...Option) *Launcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if starter == nil {
		starter = StartFunc(func(w *worker.Worker) error { return w.Start() })
	}
	l := &Launcher{
		log:      log,
		starter:  starter,
		loc:      time.Local,
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func newJobState(job Job) (*jobState, error) {
	if job.Template == nil {
		return nil, fmt.Errorf("job %q: template required", job.Name)
	}
	spec, err := Parse(job.Spec)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", job.Name, err)
	}
	return &jobState{job: job, spec: spec}, nil
}

// Add registers a job. On a running launcher a scheduled job takes effect
// immediately; a one-shot job only runs on the next Start.
func (l *Launcher) Add(job Job) error {
	js, err := newJobState(job)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, js)
	if l.c != nil {
		l.registerLocked(js)
	}
	return nil
}

// Replace swaps the whole job set. Every job is validated before anything
// changes. One-shot jobs in the new set are not run.
func (l *Launcher) Replace(jobs []Job) error {
	next := make([]*jobState, 0, len(jobs))
	var errs []error
	for _, j := range jobs {
		js, err := newJobState(j)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next = append(next, js)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	running := l.c != nil
	if running {
		<-l.c.Stop().Done()
		l.c = l.newCron()
	}
	l.jobs = next
	if running {
		for _, js := range l.jobs {
			l.registerLocked(js)
		}
		l.c.Start()
	}
	l.log.Info("jobs replaced", logx.Int("jobs", len(next)), logx.Bool("running", running))
	return nil
}

func (l *Launcher) newCron() *cron.Cron {
	cl := cronLogger{log: l.log}
	return cron.New(
		cron.WithParser(parser),
		cron.WithLocation(l.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

func (l *Launcher) registerLocked(js *jobState) {
	if js.spec.Kind == KindOnce {
		return
	}
	js.entryID = l.c.Schedule(js.spec.Schedule(), cron.FuncJob(func() { l.fire(js) }))
}

// Start begins triggering and runs every one-shot job once.
func (l *Launcher) Start() {
	l.mu.Lock()
	if l.c != nil {
		l.mu.Unlock()
		return
	}
	l.c = l.newCron()
	var once []*jobState
	for _, js := range l.jobs {
		if js.spec.Kind == KindOnce {
			once = append(once, js)
			continue
		}
		l.registerLocked(js)
	}
	l.c.Start()
	l.log.Info("launcher started", logx.String("tz", l.loc.String()), logx.Int("jobs", len(l.jobs)))
	l.mu.Unlock()

	for _, js := range once {
		l.fire(js)
	}
}

// Stop ends triggering. Workers already started keep running.
func (l *Launcher) Stop(ctx context.Context) {
	l.mu.Lock()
	c := l.c
	l.c = nil
	l.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	l.log.Info("launcher stopped")
}

// RunAll starts every registered job once, whatever its schedule, and
// returns the workers that were launched.
func (l *Launcher) RunAll() ([]*worker.Worker, error) {
	l.mu.Lock()
	jobs := append([]*jobState(nil), l.jobs...)
	l.mu.Unlock()

	var (
		out  []*worker.Worker
		errs []error
	)
	for _, js := range jobs {
		w, err := l.launch(js)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, w)
	}
	return out, errors.Join(errs...)
}

func (l *Launcher) fire(js *jobState) {
	if _, err := l.launch(js); err != nil {
		l.warnLaunch(js.job.Name, err)
	}
}

func (l *Launcher) launch(js *jobState) (*worker.Worker, error) {
	w := worker.New(js.job.Template(), l.opts...)
	if err := l.starter.Launch(w); err != nil {
		js.failed.Add(1)
		return nil, fmt.Errorf("job %q: %w", js.job.Name, err)
	}
	js.fired.Add(1)
	l.log.Debug("job fired",
		logx.String("job", js.job.Name),
		logx.Worker(w.Identity()),
		logx.RunID(w.ID()),
	)
	return w, nil
}

// warnLaunch logs at most one launch failure per job every 30s.
func (l *Launcher) warnLaunch(name string, err error) {
	now := time.Now()
	l.warnMu.Lock()
	last := l.lastWarn[name]
	skip := !last.IsZero() && now.Sub(last) < 30*time.Second
	if !skip {
		l.lastWarn[name] = now
	}
	l.warnMu.Unlock()
	if skip {
		return
	}
	l.log.Warn("job launch failed", logx.String("job", name), logx.Err(err))
}

// Entries lists registered jobs sorted by name.
func (l *Launcher) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.jobs))
	for _, js := range l.jobs {
		e := Entry{
			Name:   js.job.Name,
			Kind:   js.spec.Kind,
			Spec:   strings.TrimSpace(js.job.Spec),
			Fired:  js.fired.Load(),
			Failed: js.failed.Load(),
		}
		if l.c != nil && js.entryID != 0 {
			e.Next = l.c.Entry(js.entryID).Next
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
