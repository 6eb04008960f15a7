package storage

import (
	"context"
	"time"

	"managedworker/internal/eventbus"
	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

// Recorder turns worker events into RunRecords.
//
// It subscribes in NewRecorder so no event published after construction is
// missed; Run consumes until ctx is done, then drains what is buffered.
type Recorder struct {
	store Store
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()

	// contained failures seen for runs that have not stopped yet
	pending map[string]worker.RunEvent
}

func NewRecorder(store Store, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	ch, unsub := bus.Subscribe(buffer, worker.EventFailed, worker.EventStopped)
	return &Recorder{
		store:   store,
		log:     log,
		ch:      ch,
		unsub:   unsub,
		pending: map[string]worker.RunEvent{},
	}
}

// Run records events until ctx is done, then drains the buffer. Appends never
// use ctx: a run that already stopped is recorded even during shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		if ctx.Err() != nil {
			r.drain()
			return nil
		}
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.handle(ev)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			r.handle(ev)
		default:
			return
		}
	}
}

const appendTimeout = 2 * time.Second

func (r *Recorder) handle(ev eventbus.Event) {
	re, ok := ev.Data.(worker.RunEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case worker.EventFailed:
		if re.Contained {
			r.pending[re.ID] = re
		}
	case worker.EventStopped:
		rec := RecordFromEvent(re)
		if failed, ok := r.pending[re.ID]; ok {
			delete(r.pending, re.ID)
			rec.Outcome = OutcomeContained
			rec.Error = failed.Error
			rec.Panicked = failed.Panicked
		}
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := r.store.AppendRun(ctx, rec)
		cancel()
		if err != nil {
			r.log.Warn("run record append failed", logx.Worker(rec.Identity), logx.Err(err))
		}
	}
}

// RecordFromEvent maps a stopped event to a record: crashed when it carries
// an error, ok otherwise.
func RecordFromEvent(re worker.RunEvent) RunRecord {
	rec := RunRecord{
		ID:            re.ID,
		Identity:      re.Identity,
		ThreadID:      re.ThreadID,
		StartedAt:     re.StartedAt,
		Duration:      re.Duration,
		Serialize:     re.Serialize,
		CatchFailures: re.CatchFailures,
		Outcome:       OutcomeOK,
	}
	if re.Error != "" {
		rec.Outcome = OutcomeCrashed
		rec.Error = re.Error
		rec.Panicked = re.Panicked
	}
	return rec
}
