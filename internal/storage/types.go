package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRuns     int           // retention; 0 means DefaultMaxRuns
}

const DefaultMaxRuns = 10000

// Outcome values of a RunRecord.
const (
	OutcomeOK        = "ok"
	OutcomeContained = "contained"
	OutcomeCrashed   = "crashed"
)

// RunRecord is one terminated worker run.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID            string        `json:"id"`
	Identity      string        `json:"identity"`
	ThreadID      uint64        `json:"thread_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Serialize     bool          `json:"serialize"`
	CatchFailures bool          `json:"catch_failures"`
	Outcome       string        `json:"outcome"`
	Error         string        `json:"error,omitempty"`
	Panicked      bool          `json:"panicked,omitempty"`
}

// RunFilter selects runs for ListRuns. Results are newest first.
type RunFilter struct {
	Identity string // empty means all
	Limit    int    // <= 0 means 100
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}
