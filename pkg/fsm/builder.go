package fsm

import (
	"fmt"
	"time"
)

// Builder provides a fluent API for building machine topologies.
// Configuration errors (duplicate transitions, unknown targets, missing
// initial state) are fatal at Build time.
type Builder struct {
	definition *Definition
	err        error
}

// stateBuilder builds a single state.
type stateBuilder struct {
	parent *Builder
	state  *State
}

// transitionBuilder builds a single transition.
type transitionBuilder struct {
	parent     *stateBuilder
	transition *Transition
}

// NewBuilder creates a builder for the named machine type.
func NewBuilder(name string) *Builder {
	return &Builder{
		definition: &Definition{
			Name:   name,
			States: make(map[string]*State),
		},
	}
}

// InitialState sets the initial state name.
func (b *Builder) InitialState(name string) *Builder {
	b.definition.InitialState = name
	return b
}

// State adds a new state to the topology.
func (b *Builder) State(name string) *stateBuilder {
	if _, exists := b.definition.States[name]; exists {
		b.fail(fmt.Errorf("state %q declared twice", name))
	}

	state := &State{
		Name:        name,
		Transitions: make(map[string]*Transition),
		StayActions: make(map[string]StayFunc),
	}
	b.definition.States[name] = state

	return &stateBuilder{parent: b, state: state}
}

// Build validates and returns the immutable definition.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := validateDefinition(b.definition); err != nil {
		return nil, fmt.Errorf("invalid machine definition %q: %w", b.definition.Name, err)
	}
	return b.definition, nil
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// =============== stateBuilder methods ===============

// Offline marks the state as save-and-evict on entry.
func (sb *stateBuilder) Offline() *stateBuilder {
	sb.state.Offline = true
	return sb
}

// Final marks the state terminal.
func (sb *stateBuilder) Final() *stateBuilder {
	sb.state.Final = true
	return sb
}

// Entry sets the entry action for this state.
func (sb *stateBuilder) Entry(action ActionFunc) *stateBuilder {
	sb.state.Entry = action
	return sb
}

// Exit sets the exit action for this state.
func (sb *stateBuilder) Exit(action ActionFunc) *stateBuilder {
	sb.state.Exit = action
	return sb
}

// Timeout schedules a deadline for this state: after d without leaving,
// the machine transitions to target.
func (sb *stateBuilder) Timeout(d time.Duration, target string) *stateBuilder {
	if d <= 0 {
		sb.parent.fail(fmt.Errorf("state %q: timeout duration must be positive", sb.state.Name))
		return sb
	}
	sb.state.Timeout = &StateTimeout{After: d, Target: target}
	return sb
}

// On adds a transition triggered by an event type. At most one transition
// per event type is allowed in a state.
func (sb *stateBuilder) On(eventType string, target string) *transitionBuilder {
	if _, exists := sb.state.Transitions[eventType]; exists {
		sb.parent.fail(fmt.Errorf("state %q: duplicate transition for event %q", sb.state.Name, eventType))
	}
	if _, exists := sb.state.StayActions[eventType]; exists {
		sb.parent.fail(fmt.Errorf("state %q: event %q already bound to a stay action", sb.state.Name, eventType))
	}

	transition := &Transition{Event: eventType, Target: target}
	sb.state.Transitions[eventType] = transition

	return &transitionBuilder{parent: sb, transition: transition}
}

// Stay adds a stay action: the event mutates context without changing
// state.
func (sb *stateBuilder) Stay(eventType string, fn StayFunc) *stateBuilder {
	if _, exists := sb.state.StayActions[eventType]; exists {
		sb.parent.fail(fmt.Errorf("state %q: duplicate stay action for event %q", sb.state.Name, eventType))
	}
	if _, exists := sb.state.Transitions[eventType]; exists {
		sb.parent.fail(fmt.Errorf("state %q: event %q already bound to a transition", sb.state.Name, eventType))
	}
	sb.state.StayActions[eventType] = fn
	return sb
}

// Done finishes building this state and returns to the main builder.
func (sb *stateBuilder) Done() *Builder {
	return sb.parent
}

// =============== transitionBuilder methods ===============

// Guard sets a guard on the transition. A false guard makes the event
// behave as ignored.
func (tb *transitionBuilder) Guard(guard GuardFunc) *transitionBuilder {
	tb.transition.Guard = guard
	return tb
}

// Done finishes building this transition and returns to the state builder.
func (tb *transitionBuilder) Done() *stateBuilder {
	return tb.parent
}

// validateDefinition checks the topology for configuration errors.
func validateDefinition(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("machine type name is required")
	}
	if def.InitialState == "" {
		return fmt.Errorf("initial state is required")
	}
	if len(def.States) == 0 {
		return fmt.Errorf("at least one state is required")
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return fmt.Errorf("initial state %q not found in states", def.InitialState)
	}

	for name, state := range def.States {
		for _, transition := range state.Transitions {
			if transition.Event == "" {
				return fmt.Errorf("state %q: transition event type is required", name)
			}
			if _, ok := def.States[transition.Target]; !ok {
				return fmt.Errorf("state %q: transition target %q not found in states", name, transition.Target)
			}
		}
		if state.Timeout != nil {
			if _, ok := def.States[state.Timeout.Target]; !ok {
				return fmt.Errorf("state %q: timeout target %q not found in states", name, state.Timeout.Target)
			}
		}
	}

	return nil
}
