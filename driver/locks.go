package driver

import "sync"

// runLocks serializes ticks per run id.
type runLocks struct {
	locks sync.Map // run id -> *sync.Mutex
}

func (rl *runLocks) get(id string) *sync.Mutex {
	l, _ := rl.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// tryLock acquires the run's lock without blocking. The returned func releases
// it again.
func (rl *runLocks) tryLock(id string) (func(), bool) {
	l := rl.get(id)
	if !l.TryLock() {
		return nil, false
	}

	return l.Unlock, true
}

func (rl *runLocks) lock(id string) func() {
	l := rl.get(id)
	l.Lock()

	return l.Unlock
}

// forget drops the lock for a run that reached a terminal state. A goroutine
// still holding the old mutex keeps a valid reference; new ticks are answered
// from the terminal cache and never touch the run again.
func (rl *runLocks) forget(id string) {
	rl.locks.Delete(id)
}
