package worker

import (
	"sort"
	"sync"
	"sync/atomic"
)

// LockRegistry maps an identity string to a mutex.
//
// Entries are created on first use and kept for the life of the registry, so
// the same name always yields the same mutex. Workers use DefaultLocks unless
// WithLocks scopes them to another registry.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	mu        sync.Mutex
	acquired  atomic.Uint64
	contended atomic.Uint64
}

// LockStats is a best-effort view of one named lock.
type LockStats struct {
	Key       string `json:"key"`
	Acquired  uint64 `json:"acquired"`
	Contended uint64 `json:"contended"`
}

var defaultLocks = NewLockRegistry()

// DefaultLocks returns the process-wide registry.
func DefaultLocks() *LockRegistry { return defaultLocks }

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: map[string]*namedLock{}}
}

func (r *LockRegistry) get(key string) *namedLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = map[string]*namedLock{}
	}
	l := r.locks[key]
	if l == nil {
		l = &namedLock{}
		r.locks[key] = l
	}
	return l
}

// Lock blocks until the mutex for key is held and returns its release func.
// Calling the release func more than once is a no-op.
func (r *LockRegistry) Lock(key string) (unlock func()) {
	l := r.get(key)
	if !l.mu.TryLock() {
		l.contended.Add(1)
		l.mu.Lock()
	}
	l.acquired.Add(1)

	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }
}

// Keys returns the known lock names, sorted.
func (r *LockRegistry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.locks))
	for k := range r.locks {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Stats returns per-key counters, sorted by key.
func (r *LockRegistry) Stats() []LockStats {
	r.mu.Lock()
	out := make([]LockStats, 0, len(r.locks))
	for k, l := range r.locks {
		out = append(out, LockStats{Key: k, Acquired: l.acquired.Load(), Contended: l.contended.Load()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
