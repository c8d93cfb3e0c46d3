package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
)

// StartEventType is the synthetic event passed to the initial state's
// entry action when a machine is started.
const StartEventType = "__start__"

const defaultHistoryLimit = 64

// Machine is a state machine instance. It holds the current state, the
// persistent context, and the volatile context, and applies events one at
// a time.
//
// Two locks split the work: fireMu serializes Start, RestoreState, Fire
// and ApplyTimeout and is held across user actions; mu guards the fields
// for short reads and writes and is never held while a user action or a
// listener runs. Actions may therefore call the machine's accessors
// freely.
type Machine struct {
	def             *Definition
	volatileFactory VolatileFactory
	logger          core.Logger
	snapshotRecords bool
	historyLimit    int

	fireMu sync.Mutex

	mu         sync.Mutex
	listener   TransitionListener
	pctx       PersistentContext
	volatile   interface{}
	started    bool
	generation uint64
	history    []TransitionRecord
}

// Option configures a machine.
type Option func(*Machine)

// WithVolatileFactory sets the factory for the volatile context. The
// factory runs on Start and again on every rehydration.
func WithVolatileFactory(factory VolatileFactory) Option {
	return func(m *Machine) {
		m.volatileFactory = factory
	}
}

// WithListener sets the transition listener. The listener is invoked after
// a transition has been committed in memory; it must not block.
func WithListener(listener TransitionListener) Option {
	return func(m *Machine) {
		m.listener = listener
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithSnapshotRecords includes a deep copy of the persistent context in
// every transition record.
func WithSnapshotRecords() Option {
	return func(m *Machine) {
		m.snapshotRecords = true
	}
}

// WithHistoryLimit bounds the in-memory transition history ring.
func WithHistoryLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// New creates a machine instance over an immutable definition and a
// persistent root context. The machine is inert until Start or
// RestoreState is called.
func New(def *Definition, pctx PersistentContext, opts ...Option) (*Machine, error) {
	if def == nil {
		return nil, fmt.Errorf("definition is required")
	}
	if pctx == nil {
		return nil, fmt.Errorf("persistent context is required")
	}
	if pctx.ID() == "" {
		return nil, fmt.Errorf("persistent context must carry a machine id")
	}

	m := &Machine{
		def:          def,
		pctx:         pctx,
		logger:       core.NewDefaultLogger(),
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the machine identifier.
func (m *Machine) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx.ID()
}

// Definition returns the immutable topology.
func (m *Machine) Definition() *Definition {
	return m.def
}

// CurrentState returns the current state name.
func (m *Machine) CurrentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx.CurrentState()
}

// Complete reports whether the machine has reached a final state.
func (m *Machine) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx.Complete()
}

// LastStateChange returns the time of the last state entry.
func (m *Machine) LastStateChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx.LastStateChange()
}

// Generation returns the state-entry generation counter. It increments on
// every state entry and keys timeout deadlines.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// PersistentContext returns the live persistent context. Callers outside
// an action must treat it as read-only.
func (m *Machine) PersistentContext() PersistentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx
}

// SetPersistentContext installs a loaded context during rehydration. It
// must be called before RestoreState.
func (m *Machine) SetPersistentContext(pctx PersistentContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("machine %s already started", m.pctx.ID())
	}
	if pctx == nil {
		return fmt.Errorf("persistent context is required")
	}
	m.pctx = pctx
	return nil
}

// Volatile returns the volatile context built by the volatile factory.
func (m *Machine) Volatile() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volatile
}

// History returns a copy of the bounded transition history.
func (m *Machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// SetListener wires the transition listener. The registry calls this at
// registration time.
func (m *Machine) SetListener(listener TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = listener
}

// Start activates the machine in the definition's initial state and runs
// the initial entry action once. A transition record with an empty From
// state is emitted.
func (m *Machine) Start() error {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	initial := m.def.StateNamed(m.def.InitialState)
	now := time.Now()

	m.mu.Lock()
	if m.started {
		id := m.pctx.ID()
		m.mu.Unlock()
		return fmt.Errorf("machine %s already started", id)
	}
	snapshot := m.pctx.DeepCopy()
	m.pctx.SetCurrentState(m.def.InitialState)
	m.pctx.SetLastStateChange(now)
	if m.volatileFactory != nil {
		m.volatile = m.volatileFactory()
	}
	m.started = true
	m.generation = 1
	m.mu.Unlock()

	if initial.Entry != nil {
		startEvent := event.Event{Type: StartEventType, Timestamp: now}
		if err := initial.Entry(m, startEvent); err != nil {
			m.mu.Lock()
			m.pctx = snapshot
			m.started = false
			m.generation = 0
			m.mu.Unlock()
			return fmt.Errorf("initial entry action failed: %w", err)
		}
	}

	m.emit(TransitionRecord{
		MachineID: m.ID(),
		EventType: StartEventType,
		From:      "",
		To:        m.def.InitialState,
		Timestamp: now,
		Offline:   initial.Offline,
		Final:     initial.Final,
	})

	return nil
}

// RestoreState activates the machine in a previously persisted state
// without running entry actions. Used only during rehydration, after
// SetPersistentContext. The volatile context is recreated fresh.
func (m *Machine) RestoreState(name string) error {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("machine %s already started", m.pctx.ID())
	}
	if m.def.StateNamed(name) == nil {
		return fmt.Errorf("cannot restore machine %s: unknown state %q", m.pctx.ID(), name)
	}

	m.pctx.SetCurrentState(name)
	if m.volatileFactory != nil {
		m.volatile = m.volatileFactory()
	}
	m.started = true
	m.generation = 1

	return nil
}

// Fire applies an event. Events whose type matches neither a transition
// nor a stay action of the current state are ignored; final states ignore
// everything. A user-action error aborts the transition: the machine
// remains in its pre-fire state and the result is OutcomeFailed.
func (m *Machine) Fire(e event.Event) Result {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()
	return m.fire(e)
}

// ApplyTimeout applies the deadline scheduled for the given state-entry
// generation. A stale generation (the machine has left or re-entered the
// state) is a no-op reported as ignored.
func (m *Machine) ApplyTimeout(gen uint64) Result {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	m.mu.Lock()
	if !m.started || m.pctx.Complete() || gen != m.generation {
		m.mu.Unlock()
		return Result{Outcome: OutcomeIgnored}
	}
	current := m.pctx.CurrentState()
	m.mu.Unlock()

	state := m.def.StateNamed(current)
	if state == nil || state.Timeout == nil {
		return Result{Outcome: OutcomeIgnored}
	}

	return m.transition(state, state.Timeout.Target, event.NewTimeout())
}

// fire runs with fireMu held.
func (m *Machine) fire(e event.Event) Result {
	m.mu.Lock()
	if !m.started {
		id := m.pctx.ID()
		m.mu.Unlock()
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("machine %s not started", id)}
	}
	if m.pctx.Complete() {
		m.mu.Unlock()
		return Result{Outcome: OutcomeIgnored}
	}
	current := m.pctx.CurrentState()
	m.mu.Unlock()

	state := m.def.StateNamed(current)
	if state == nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("machine %s in unknown state %q", m.ID(), current)}
	}

	if transition, ok := state.Transitions[e.Type]; ok {
		if transition.Guard != nil {
			allowed, err := transition.Guard(m, e)
			if err != nil {
				return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("guard for event %q failed: %w", e.Type, err)}
			}
			if !allowed {
				return Result{Outcome: OutcomeIgnored}
			}
		}
		return m.transition(state, transition.Target, e)
	}

	if stay, ok := state.StayActions[e.Type]; ok {
		snapshot := m.snapshot()
		if err := stay(m, e); err != nil {
			m.restore(snapshot)
			return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("stay action for event %q failed: %w", e.Type, err)}
		}
		return Result{Outcome: OutcomeStayApplied, NewState: state.Name}
	}

	return Result{Outcome: OutcomeIgnored}
}

// transition runs with fireMu held: exit, state-change commit, entry,
// completion flag, record. On any user-action error the persistent
// context is restored to its pre-fire snapshot. The complete flag is set
// only after the entry action succeeds, so entry actions observe the
// machine as not yet complete.
func (m *Machine) transition(from *State, targetName string, e event.Event) Result {
	target := m.def.StateNamed(targetName)
	if target == nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("machine %s: transition target %q not found", m.ID(), targetName)}
	}

	snapshot := m.snapshot()

	if from.Exit != nil {
		if err := from.Exit(m, e); err != nil {
			m.restore(snapshot)
			return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("exit action of %q failed: %w", from.Name, err)}
		}
	}

	now := time.Now()
	m.mu.Lock()
	m.pctx.SetCurrentState(target.Name)
	m.pctx.SetLastStateChange(now)
	m.mu.Unlock()

	if target.Entry != nil {
		if err := target.Entry(m, e); err != nil {
			m.restore(snapshot)
			return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("entry action of %q failed: %w", target.Name, err)}
		}
	}

	m.mu.Lock()
	if target.Final {
		m.pctx.SetComplete(true)
	}
	m.generation++
	m.mu.Unlock()

	rec := TransitionRecord{
		MachineID: m.ID(),
		EventType: e.Type,
		From:      from.Name,
		To:        target.Name,
		Timestamp: now,
		Offline:   target.Offline,
		Final:     target.Final,
	}
	if m.snapshotRecords {
		rec.Snapshot = m.snapshot()
	}
	m.emit(rec)

	return Result{Outcome: OutcomeAccepted, NewState: target.Name}
}

func (m *Machine) snapshot() PersistentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx.DeepCopy()
}

func (m *Machine) restore(snapshot PersistentContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pctx = snapshot
}

// emit appends the record to the history ring and invokes the listener
// outside the field lock. fireMu keeps records in applied order.
func (m *Machine) emit(rec TransitionRecord) {
	m.mu.Lock()
	if len(m.history) >= m.historyLimit {
		m.history = m.history[1:]
	}
	m.history = append(m.history, rec)
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener(rec)
	}
}

// CurrentStateTimeout returns the timeout of the current state, or nil.
func (m *Machine) CurrentStateTimeout() *StateTimeout {
	state := m.def.StateNamed(m.CurrentState())
	if state == nil {
		return nil
	}
	return state.Timeout
}

// InOfflineState reports whether the current state is marked offline.
func (m *Machine) InOfflineState() bool {
	state := m.def.StateNamed(m.CurrentState())
	return state != nil && state.Offline
}
