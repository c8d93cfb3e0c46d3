// Package fsm provides the state machine engine: immutable per-type
// topologies built with a fluent builder, and machine instances that apply
// typed events under a per-instance lock.
//
// Example usage:
//
//	def, err := fsm.NewBuilder("call").
//	    InitialState("IDLE").
//	    State("IDLE").
//	        Offline().
//	        On("INCOMING_CALL", "RINGING").Done().
//	        Done().
//	    State("RINGING").
//	        Timeout(30*time.Second, "IDLE").
//	        On("ANSWER", "CONNECTED").Done().
//	        On("HANGUP", "IDLE").Done().
//	        Done().
//	    State("CONNECTED").
//	        On("HANGUP", "HUNGUP").Done().
//	        Done().
//	    State("HUNGUP").
//	        Final().
//	        Done().
//	    Build()
package fsm

import (
	"time"

	"github.com/statorio/stator/pkg/event"
)

// PersistentContext is the capability a root context must carry to be
// persisted and rehydrated. Machines are polymorphic only over this
// capability, never over concrete context types.
type PersistentContext interface {
	// ID returns the machine identifier, the primary key across all
	// persisted rows for the machine.
	ID() string

	// CurrentState returns the persisted state name.
	CurrentState() string

	// SetCurrentState records the state name. Called by the engine only.
	SetCurrentState(state string)

	// LastStateChange returns the time of the last state entry.
	LastStateChange() time.Time

	// SetLastStateChange records the time of a state entry.
	SetLastStateChange(t time.Time)

	// Complete reports whether a final state has been reached.
	Complete() bool

	// SetComplete marks the machine complete.
	SetComplete(complete bool)

	// DeepCopy produces an independent snapshot of the context.
	DeepCopy() PersistentContext
}

// VolatileFactory builds the per-instance volatile context. It is invoked
// on admission and again on rehydration; volatile data never survives
// eviction.
type VolatileFactory func() interface{}

// ActionFunc is an entry or exit action. It receives the machine and the
// triggering event and may mutate both contexts. An error aborts the
// transition and rolls the machine back to its pre-fire state.
type ActionFunc func(m *Machine, e event.Event) error

// StayFunc handles an event without changing state. It runs under the
// per-machine lock; lastStateChange is not touched.
type StayFunc func(m *Machine, e event.Event) error

// GuardFunc gates the single transition declared for an event type. A
// false result makes the event behave as ignored.
type GuardFunc func(m *Machine, e event.Event) (bool, error)

// StateTimeout is a per-state deadline: after After in the state, a
// synthetic timeout event transitions the machine to Target.
type StateTimeout struct {
	After  time.Duration
	Target string
}

// Transition maps an event type to a target state. At most one transition
// per event type exists in a source state.
type Transition struct {
	Event  string
	Target string
	Guard  GuardFunc
}

// State is a named node of the topology.
type State struct {
	Name string

	// Offline marks the state as save-and-evict on entry.
	Offline bool

	// Final marks the state terminal; complete=true is persisted and no
	// further events are accepted.
	Final bool

	Entry   ActionFunc
	Exit    ActionFunc
	Timeout *StateTimeout

	Transitions map[string]*Transition
	StayActions map[string]StayFunc
}

// Definition is the immutable per-machine-type graph. It is validated at
// build time and freely shared between instances afterwards.
type Definition struct {
	Name         string
	InitialState string
	States       map[string]*State
}

// StateNamed returns the named state, or nil.
func (d *Definition) StateNamed(name string) *State {
	return d.States[name]
}

// Outcome classifies the result of applying an event to a machine.
type Outcome int

const (
	// OutcomeAccepted means a transition ran and the state changed.
	OutcomeAccepted Outcome = iota

	// OutcomeStayApplied means a stay action ran; no state change.
	OutcomeStayApplied

	// OutcomeIgnored means the event matched neither a transition nor a
	// stay action in the current state, or the machine is complete.
	OutcomeIgnored

	// OutcomeFailed means a user action returned an error; the machine
	// remains in its pre-fire state.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeStayApplied:
		return "stay_applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of Machine.Fire.
type Result struct {
	Outcome  Outcome
	NewState string
	Err      error
}

// TransitionRecord is emitted to the transition listener after a state
// change has been committed in memory.
type TransitionRecord struct {
	MachineID string             `json:"machineId"`
	EventType string             `json:"eventType"`
	From      string             `json:"fromState"`
	To        string             `json:"toState"`
	Timestamp time.Time          `json:"timestamp"`
	Offline   bool               `json:"isOffline"`
	Final     bool               `json:"isFinal"`
	Snapshot  PersistentContext  `json:"-"`
}

// TransitionListener receives transition records in the order events were
// applied. Implementations must not block; the registry wires a bounded
// asynchronous hub here.
type TransitionListener func(rec TransitionRecord)
