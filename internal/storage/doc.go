// Package storage persists the history of managed worker runs.
//
// It currently supports:
//   - "file": JSON Lines, compacted to the newest MaxRuns records
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// A Recorder subscribes to worker events on the bus and appends one RunRecord
// per terminated worker.
package storage
