// Package worker implements managed workers: one unit of background work bound
// to its own goroutine, pinned to a dedicated OS thread, whose execution policy
// is fixed by a Configuration before it starts.
//
// # Policy
//
// A Configuration carries the body, whether runs are serialized, whether
// failures are contained, the failure callback and an optional name:
//
//	cfg := worker.NewConfigurator().
//	    SetName("db-writer").
//	    SetCatchFailures(true).
//	    SetFailureCallback(func(err error) { log.Printf("write failed: %v", err) }).
//	    SetBody(func(w *worker.Worker) error { return flush() }).
//	    Build()
//
//	w := worker.New(cfg, worker.WithLogger(log))
//	_ = w.Start()
//
// Start returns immediately. There is no join primitive; callers that need to
// know when a worker is done use an Observer or their own signal.
//
// # Named locks
//
// Serialization is keyed by the worker's resolved identity string, not by the
// worker instance. Every worker in the process that resolves to the same
// identity shares one mutex from a process-wide LockRegistry, so two
// independently constructed workers both named "db-writer" never run their
// bodies at the same time. Workers with different identities never contend.
// Acquisition order is whatever sync.Mutex provides; it is not FIFO.
//
// # Failures
//
// A body fails by returning a non-nil error or by panicking. With
// CatchFailures the failure is handed to the callback once and dropped.
// Without it the failure ends the worker: its goroutine exits without
// unlocking the OS thread, so the runtime tears the thread down. The failure is
// logged and reported to observers but never re-panicked, so other workers and
// the caller are not affected.
package worker
