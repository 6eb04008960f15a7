//go:build !linux

package worker

import "sync/atomic"

var threadSeq atomic.Uint64

// currentThreadID hands out a process-wide sequence number; there is no
// portable way to read the OS thread id.
func currentThreadID() uint64 {
	return threadSeq.Add(1)
}
