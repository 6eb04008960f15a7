//go:build linux

package worker

import "golang.org/x/sys/unix"

// currentThreadID returns the kernel thread id. Callers hold runtime.LockOSThread.
func currentThreadID() uint64 {
	return uint64(unix.Gettid())
}
