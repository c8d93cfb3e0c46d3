// Package timeout schedules per-state deadlines for machines. Deadlines
// are keyed by (machineId, state-entry generation); a firing whose
// generation is stale is a no-op, which makes cancellation on state exit
// and re-entry race-free.
package timeout

import (
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
)

// FireFunc delivers an expired deadline. It runs on a scheduler goroutine;
// the receiver applies the timeout as a normal transition under the usual
// machine lock and re-checks the generation itself.
type FireFunc func(machineID string, generation uint64)

type deadline struct {
	generation uint64
	timer      *time.Timer
	due        time.Time
}

// Manager owns at most one pending deadline per machine.
type Manager struct {
	fire   FireFunc
	logger core.Logger

	mu        sync.Mutex
	deadlines map[string]*deadline
	closed    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(tm *Manager) {
		tm.logger = logger
	}
}

// NewManager creates a manager that delivers expirations through fire.
func NewManager(fire FireFunc, opts ...Option) *Manager {
	tm := &Manager{
		fire:      fire,
		logger:    core.NewDefaultLogger(),
		deadlines: make(map[string]*deadline),
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Schedule arms a deadline for the machine's current state entry. Any
// previously armed deadline for the machine is superseded.
func (tm *Manager) Schedule(machineID string, generation uint64, d time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return
	}

	if prev, ok := tm.deadlines[machineID]; ok {
		prev.timer.Stop()
	}

	dl := &deadline{generation: generation, due: time.Now().Add(d)}
	dl.timer = time.AfterFunc(d, func() {
		tm.expire(machineID, dl)
	})
	tm.deadlines[machineID] = dl
}

// Cancel disarms the machine's pending deadline, if any.
func (tm *Manager) Cancel(machineID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if dl, ok := tm.deadlines[machineID]; ok {
		dl.timer.Stop()
		delete(tm.deadlines, machineID)
	}
}

// Rearm re-establishes a deadline after rehydration. The remaining time is
// d minus the time already spent in the state before eviction. When the
// deadline has already passed, Rearm arms nothing and returns true so the
// caller can fire the timeout immediately on the rehydration path.
func (tm *Manager) Rearm(machineID string, generation uint64, d time.Duration, enteredAt time.Time) bool {
	remaining := d - time.Since(enteredAt)
	if remaining <= 0 {
		return true
	}
	tm.Schedule(machineID, generation, remaining)
	return false
}

// Pending reports whether the machine has an armed deadline.
func (tm *Manager) Pending(machineID string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.deadlines[machineID]
	return ok
}

// Shutdown cancels every pending deadline. Subsequent Schedule calls are
// no-ops.
func (tm *Manager) Shutdown() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.closed = true
	for id, dl := range tm.deadlines {
		dl.timer.Stop()
		delete(tm.deadlines, id)
	}
}

func (tm *Manager) expire(machineID string, dl *deadline) {
	tm.mu.Lock()
	current, ok := tm.deadlines[machineID]
	if !ok || current != dl || tm.closed {
		// Superseded or cancelled between firing and locking.
		tm.mu.Unlock()
		return
	}
	delete(tm.deadlines, machineID)
	tm.mu.Unlock()

	tm.logger.Debugf("timeout expired for machine %s (generation %d)", machineID, dl.generation)
	tm.fire(machineID, dl.generation)
}
