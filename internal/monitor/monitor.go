package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

// Monitor aggregates worker lifecycle callbacks per identity.
//
// It is a worker.Observer. Workers started through Launch are counted as
// in-flight before their goroutine runs, so WaitIdle cannot miss them.
type Monitor struct {
	log logx.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // run ids
	started  uint64
	idle     chan struct{} // closed while nothing is in flight
	stats    map[string]*IdentityStats
}

// Counters exposes best-effort totals.
type Counters struct {
	Active  int    `json:"active"`
	Started uint64 `json:"started"`
}

// IdentityStats is an aggregated view of all runs sharing one identity.
type IdentityStats struct {
	Identity     string        `json:"identity"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Contained    uint64        `json:"contained"`
	Crashes      uint64        `json:"crashes"`
	Panics       uint64        `json:"panics"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastThreadID uint64        `json:"last_thread_id"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view for diagnostics, not for synchronization.
type Snapshot struct {
	Counters   Counters        `json:"counters"`
	Identities []IdentityStats `json:"identities"`
}

func New(log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Monitor{
		log:      log,
		inflight: map[string]struct{}{},
		idle:     idle,
		stats:    map[string]*IdentityStats{},
	}
}

// Launch marks w in flight and starts it. w must have been built with m among
// its observers, otherwise it is never marked done.
func (m *Monitor) Launch(w *worker.Worker) error {
	m.mu.Lock()
	m.addLocked(w.ID())
	m.mu.Unlock()

	if err := w.Start(); err != nil {
		m.mu.Lock()
		m.removeLocked(w.ID())
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Monitor) addLocked(id string) {
	if _, ok := m.inflight[id]; ok {
		return
	}
	if len(m.inflight) == 0 {
		m.idle = make(chan struct{})
	}
	m.inflight[id] = struct{}{}
	m.started++
}

func (m *Monitor) removeLocked(id string) {
	if _, ok := m.inflight[id]; !ok {
		return
	}
	delete(m.inflight, id)
	if len(m.inflight) == 0 {
		close(m.idle)
	}
}

func (m *Monitor) statsLocked(identity string) *IdentityStats {
	st := m.stats[identity]
	if st == nil {
		st = &IdentityStats{Identity: identity}
		m.stats[identity] = st
	}
	return st
}

func (m *Monitor) OnStart(info worker.Info) {
	m.mu.Lock()
	m.addLocked(info.ID)
	st := m.statsLocked(info.Identity)
	st.Started++
	st.Active++
	st.LastStartAt = info.StartedAt
	st.LastThreadID = info.ThreadID
	m.mu.Unlock()
}

func (m *Monitor) OnFailure(info worker.Info, err error, contained bool) {
	now := time.Now()
	m.mu.Lock()
	st := m.statsLocked(info.Identity)
	if contained {
		st.Contained++
	} else {
		st.Crashes++
	}
	if worker.IsPanic(err) {
		st.Panics++
	}
	st.LastErrAt = now
	if err != nil {
		st.LastErr = err.Error()
	}
	m.mu.Unlock()
	m.log.Debug("worker failure observed", logx.Worker(info.Identity), logx.Bool("contained", contained), logx.Err(err))
}

func (m *Monitor) OnStop(info worker.Info, _ error) {
	m.mu.Lock()
	st := m.statsLocked(info.Identity)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = info.StartedAt.Add(info.Duration)
	st.LastRuntime = info.Duration
	st.TotalRuntime += info.Duration
	m.removeLocked(info.ID)
	m.mu.Unlock()
}

// Counters returns in-flight and total launched workers.
func (m *Monitor) Counters() Counters {
	if m == nil {
		return Counters{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counters{Active: len(m.inflight), Started: m.started}
}

// Snapshot returns per-identity stats: active first, then most recently
// started, then by name.
func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: m.Counters()}

	m.mu.Lock()
	out := make([]IdentityStats, 0, len(m.stats))
	for _, st := range m.stats {
		out = append(out, *st)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		if !out[i].LastStartAt.Equal(out[j].LastStartAt) {
			return out[i].LastStartAt.After(out[j].LastStartAt)
		}
		return out[i].Identity < out[j].Identity
	})
	snap.Identities = out
	return snap
}

// Stats returns the stats for one identity.
func (m *Monitor) Stats(identity string) (IdentityStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[identity]
	if !ok {
		return IdentityStats{}, false
	}
	return *st, true
}

var ErrNotIdle = errors.New("workers still running")

// WaitIdle blocks until no launched or observed worker is in flight.
// Workers are never cancelled; on ctx expiry it returns ErrNotIdle wrapped
// with ctx.Err().
func (m *Monitor) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrNotIdle, ctx.Err())
	}
}
