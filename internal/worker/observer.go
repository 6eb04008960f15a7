package worker

import (
	"time"

	"managedworker/internal/eventbus"
)

// Info describes one worker run as seen by observers.
type Info struct {
	ID            string        `json:"id"`
	Identity      string        `json:"identity"`
	ThreadID      uint64        `json:"thread_id"`
	Serialize     bool          `json:"serialize"`
	CatchFailures bool          `json:"catch_failures"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Observer receives lifecycle callbacks on the worker's own goroutine.
//
// Implementations should be fast and must not block. OnFailure and OnStop run
// after the identity lock has been released.
type Observer interface {
	// OnStart is called once, after the thread is pinned and before any lock
	// is acquired.
	OnStart(info Info)

	// OnFailure is called once per failed run. contained is true when the
	// failure went to the failure callback instead of ending the worker.
	OnFailure(info Info, err error, contained bool)

	// OnStop is called once when the worker terminates. err is the
	// uncontained failure, or nil.
	OnStop(info Info, err error)
}

// NoopObserver does nothing. It is the default.
type NoopObserver struct{}

func (NoopObserver) OnStart(Info)                {}
func (NoopObserver) OnFailure(Info, error, bool) {}
func (NoopObserver) OnStop(Info, error)          {}

type multiObserver []Observer

// Observers fans callbacks out to each non-nil observer in order.
func Observers(obs ...Observer) Observer {
	filtered := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopObserver{}
	case 1:
		return filtered[0]
	}
	return filtered
}

func (m multiObserver) OnStart(info Info) {
	for _, o := range m {
		o.OnStart(info)
	}
}

func (m multiObserver) OnFailure(info Info, err error, contained bool) {
	for _, o := range m {
		o.OnFailure(info, err, contained)
	}
}

func (m multiObserver) OnStop(info Info, err error) {
	for _, o := range m {
		o.OnStop(info, err)
	}
}

// Event types published by BusObserver.
const (
	EventStarted = "worker.started"
	EventFailed  = "worker.failed"
	EventStopped = "worker.stopped"
)

// RunEvent is the Data of worker events on the bus.
type RunEvent struct {
	Info
	Error     string `json:"error,omitempty"`
	Contained bool   `json:"contained,omitempty"`
	Panicked  bool   `json:"panicked,omitempty"`
}

type busObserver struct {
	bus eventbus.Bus
}

// NewBusObserver publishes worker lifecycle events on bus.
func NewBusObserver(bus eventbus.Bus) Observer {
	if bus == nil {
		return NoopObserver{}
	}
	return busObserver{bus: bus}
}

func (b busObserver) OnStart(info Info) {
	b.bus.Publish(eventbus.Event{Type: EventStarted, Time: info.StartedAt, Data: RunEvent{Info: info}})
}

func (b busObserver) OnFailure(info Info, err error, contained bool) {
	b.bus.Publish(eventbus.Event{Type: EventFailed, Data: runEvent(info, err, contained)})
}

func (b busObserver) OnStop(info Info, err error) {
	b.bus.Publish(eventbus.Event{Type: EventStopped, Data: runEvent(info, err, false)})
}

func runEvent(info Info, err error, contained bool) RunEvent {
	ev := RunEvent{Info: info, Contained: contained}
	if err != nil {
		ev.Error = err.Error()
		ev.Panicked = IsPanic(err)
	}
	return ev
}
