package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// keyedMutex provides per-key mutual exclusion inside the process. Entries are
// reference counted and dropped once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key, creating it on first access. It gives up
// with ctx's error when ctx ends first.
func (k *keyedMutex) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.drop(key, e)
		return err
	}
	return nil
}

// Unlock releases the mutex for key.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	e.sem.Release(1)
	k.drop(key, e)
}

func (k *keyedMutex) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 && k.locks[key] == e {
		delete(k.locks, key)
	}
}

// Limiter bounds dispatch with a global worker pool, per task type caps, and
// per node caps. Acquisition never blocks: a task run that cannot get a slot
// stays ready for a later pass.
type Limiter struct {
	global *semaphore.Weighted
	size   int
	types  map[string]*semaphore.Weighted
	inUse  atomic.Int64

	mu    sync.Mutex
	nodes map[string]int // run/node -> running instances
}

// NewLimiter creates a limiter. Caps below 1 are ignored.
func NewLimiter(global int, typeCaps map[string]int) *Limiter {
	if global <= 0 {
		global = 1
	}
	l := &Limiter{
		global: semaphore.NewWeighted(int64(global)),
		size:   global,
		types:  make(map[string]*semaphore.Weighted),
		nodes:  make(map[string]int),
	}
	for taskType, n := range typeCaps {
		if n > 0 {
			l.types[taskType] = semaphore.NewWeighted(int64(n))
		}
	}
	return l
}

// TryAcquire takes one slot from every applicable pool. nodeCap <= 0 means
// the node has no cap of its own. The returned release is idempotent.
func (l *Limiter) TryAcquire(taskType, nodeKey string, nodeCap int) (func(), bool) {
	if nodeCap > 0 {
		l.mu.Lock()
		if l.nodes[nodeKey] >= nodeCap {
			l.mu.Unlock()
			return nil, false
		}
		l.nodes[nodeKey]++
		l.mu.Unlock()
	}
	releaseNode := func() {
		if nodeCap <= 0 {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.nodes[nodeKey]--; l.nodes[nodeKey] <= 0 {
			delete(l.nodes, nodeKey)
		}
	}

	typeSem := l.types[taskType]
	if typeSem != nil && !typeSem.TryAcquire(1) {
		releaseNode()
		return nil, false
	}
	if !l.global.TryAcquire(1) {
		if typeSem != nil {
			typeSem.Release(1)
		}
		releaseNode()
		return nil, false
	}
	l.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.global.Release(1)
			if typeSem != nil {
				typeSem.Release(1)
			}
			releaseNode()
			l.inUse.Add(-1)
		})
	}, true
}

// InUse returns how many global slots are taken.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Size returns the global pool size.
func (l *Limiter) Size() int {
	return l.size
}
