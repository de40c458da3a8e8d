package dataset

import "sync"

// Locks is a per-dataset mutex registry. It guards short lifecycle
// bookkeeping (record count updates, removal), never a whole stage run.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty registry
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*entry)}
}

// Lock blocks until datasetID is held and returns the unlock func.
func (l *Locks) Lock(datasetID string) (unlock func()) {
	e := l.acquire(datasetID)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.release(datasetID)
	}
}

// TryLock takes datasetID only if it is free.
func (l *Locks) TryLock(datasetID string) (unlock func(), ok bool) {
	e := l.acquire(datasetID)
	if !e.mu.TryLock() {
		l.release(datasetID)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		l.release(datasetID)
	}, true
}

func (l *Locks) acquire(id string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	if !ok {
		e = &entry{}
		l.locks[id] = e
	}
	e.refs++
	return e
}

// entries with no holders or waiters are dropped
func (l *Locks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[id]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// Len returns how many datasets are currently locked or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
