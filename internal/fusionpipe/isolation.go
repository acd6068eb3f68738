// Package fusionpipe implements the Fusion-side Pipe and Session Bridge of
// spec.md §4.6: the receive path that accepts pushed batches from Agent
// Pipes, the View Handler isolation/cooldown policy, the readiness gate,
// and the Snapshot/Audit signal handling that drives the Consistency
// Arbitrator's cycles.
package fusionpipe

import (
	"sync"
	"time"
)

// isolationKey identifies one (view, schema) View Handler instance for
// failure tracking.
type isolationKey struct {
	viewID string
	schema string
}

type handlerState struct {
	consecutiveFailures int
	disabledUntil       time.Time // zero means enabled
}

// Isolation implements spec.md §4.6's "View Handler isolation": a handler
// that repeatedly throws during process_event is counted, and after
// MaxConsecutiveErrors consecutive failures it is disabled until Cooldown
// elapses. The first dispatch past cooldown re-enables the handler and
// counts a single failure as a non-fatal recovery probe rather than
// immediately re-disabling it.
type Isolation struct {
	MaxConsecutiveErrors int
	Cooldown             time.Duration

	mu    sync.Mutex
	state map[isolationKey]*handlerState
}

// NewIsolation constructs an Isolation tracker with the given thresholds.
func NewIsolation(maxConsecutiveErrors int, cooldown time.Duration) *Isolation {
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Isolation{
		MaxConsecutiveErrors: maxConsecutiveErrors,
		Cooldown:             cooldown,
		state:                make(map[isolationKey]*handlerState),
	}
}

// Call dispatches fn for (viewID, schema) unless the handler is currently
// disabled, in which case it returns skipped=true without calling fn.
func (i *Isolation) Call(viewID, schema string, now time.Time, fn func() error) (skipped bool, err error) {
	k := isolationKey{viewID: viewID, schema: schema}

	i.mu.Lock()
	st, ok := i.state[k]
	if !ok {
		st = &handlerState{}
		i.state[k] = st
	}
	disabled := !st.disabledUntil.IsZero() && now.Before(st.disabledUntil)
	recovering := !st.disabledUntil.IsZero() && !disabled
	i.mu.Unlock()

	if disabled {
		return true, nil
	}

	err = fn()

	i.mu.Lock()
	defer i.mu.Unlock()
	if recovering {
		st.disabledUntil = time.Time{}
		if err != nil {
			st.consecutiveFailures = 1
		} else {
			st.consecutiveFailures = 0
		}
		return false, err
	}
	if err != nil {
		st.consecutiveFailures++
		if st.consecutiveFailures >= i.MaxConsecutiveErrors {
			st.disabledUntil = now.Add(i.Cooldown)
		}
	} else {
		st.consecutiveFailures = 0
	}
	return false, err
}

// Disabled reports whether (viewID, schema)'s handler is currently disabled,
// for introspection/metrics without side effects.
func (i *Isolation) Disabled(viewID, schema string, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	st, ok := i.state[isolationKey{viewID: viewID, schema: schema}]
	if !ok {
		return false
	}
	return !st.disabledUntil.IsZero() && now.Before(st.disabledUntil)
}
