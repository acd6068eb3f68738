package agentpipe

import (
	"sync"
	"time"
)

// liveness tracks the last-active timestamp of one long-running subtask
// (Snapshot driver, Audit, Sentinel), per spec.md §4.5 "Zombie detection":
// each subtask publishes a liveness timestamp a supervisor tick compares
// against task_zombie_timeout.
type liveness struct {
	mu     sync.Mutex
	touch  time.Time
	done   bool
	nowFn  func() time.Time
}

func newLiveness(now func() time.Time) *liveness {
	if now == nil {
		now = time.Now
	}
	return &liveness{touch: now(), nowFn: now}
}

// Touch records that the owning subtask is still making progress.
func (l *liveness) Touch() {
	l.mu.Lock()
	l.touch = l.nowFn()
	l.mu.Unlock()
}

// MarkDone records that the subtask finished normally, so it is never
// reported as a zombie again.
func (l *liveness) MarkDone() {
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
}

// Zombie reports whether the subtask is not done and hasn't touched its
// liveness timestamp within timeout.
func (l *liveness) Zombie(timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	return l.nowFn().Sub(l.touch) > timeout
}

// zombieWatcher holds the liveness of every registered subtask; Check,
// called by the owner on its own schedule, reports the ones past the
// timeout. A reported subtask stays registered until its owner
// unregisters it.
type zombieWatcher struct {
	mu      sync.Mutex
	tasks   map[string]*liveness
	timeout time.Duration
}

func newZombieWatcher(timeout time.Duration) *zombieWatcher {
	return &zombieWatcher{tasks: make(map[string]*liveness), timeout: timeout}
}

func (w *zombieWatcher) register(name string, l *liveness) {
	w.mu.Lock()
	w.tasks[name] = l
	w.mu.Unlock()
}

func (w *zombieWatcher) unregister(name string) {
	w.mu.Lock()
	delete(w.tasks, name)
	w.mu.Unlock()
}

// Check returns the names of every currently-registered subtask whose
// liveness has exceeded the configured timeout.
func (w *zombieWatcher) Check() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var zombies []string
	for name, l := range w.tasks {
		if l.Zombie(w.timeout) {
			zombies = append(zombies, name)
		}
	}
	return zombies
}
