package fsm

import (
	"testing"
	"time"

	"github.com/statorio/stator/pkg/event"
)

func TestBuilder_ValidDefinition(t *testing.T) {
	def, err := NewBuilder("call").
		InitialState("IDLE").
		State("IDLE").
		Offline().
		On("INCOMING_CALL", "RINGING").Done().
		Done().
		State("RINGING").
		Timeout(30*time.Second, "IDLE").
		On("ANSWER", "CONNECTED").Done().
		On("HANGUP", "IDLE").Done().
		Done().
		State("CONNECTED").
		On("HANGUP", "HUNGUP").Done().
		Done().
		State("HUNGUP").
		Final().
		Done().
		Build()

	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if def.InitialState != "IDLE" {
		t.Errorf("expected initial state IDLE, got %q", def.InitialState)
	}
	if len(def.States) != 4 {
		t.Errorf("expected 4 states, got %d", len(def.States))
	}
	if !def.StateNamed("IDLE").Offline {
		t.Error("IDLE should be offline")
	}
	if !def.StateNamed("HUNGUP").Final {
		t.Error("HUNGUP should be final")
	}
	if def.StateNamed("RINGING").Timeout.Target != "IDLE" {
		t.Error("RINGING timeout should target IDLE")
	}
}

func TestBuilder_DuplicateTransition(t *testing.T) {
	_, err := NewBuilder("dup").
		InitialState("A").
		State("A").
		On("go", "B").Done().
		On("go", "A").Done().
		Done().
		State("B").Done().
		Build()

	if err == nil {
		t.Error("expected error for duplicate transition")
	}
}

func TestBuilder_UnknownTarget(t *testing.T) {
	_, err := NewBuilder("bad-target").
		InitialState("A").
		State("A").
		On("go", "NOWHERE").Done().
		Done().
		Build()

	if err == nil {
		t.Error("expected error for unknown transition target")
	}
}

func TestBuilder_MissingInitialState(t *testing.T) {
	_, err := NewBuilder("no-initial").
		State("A").Done().
		Build()

	if err == nil {
		t.Error("expected error for missing initial state")
	}
}

func TestBuilder_UnknownInitialState(t *testing.T) {
	_, err := NewBuilder("bad-initial").
		InitialState("MISSING").
		State("A").Done().
		Build()

	if err == nil {
		t.Error("expected error for unknown initial state")
	}
}

func TestBuilder_DuplicateState(t *testing.T) {
	b := NewBuilder("dup-state").InitialState("A")
	b.State("A").Done()
	b.State("A").Done()

	if _, err := b.Build(); err == nil {
		t.Error("expected error for duplicate state")
	}
}

func TestBuilder_TimeoutTargetUnknown(t *testing.T) {
	_, err := NewBuilder("bad-timeout").
		InitialState("A").
		State("A").
		Timeout(time.Second, "MISSING").
		Done().
		Build()

	if err == nil {
		t.Error("expected error for unknown timeout target")
	}
}

func TestBuilder_StayAndTransitionConflict(t *testing.T) {
	_, err := NewBuilder("conflict").
		InitialState("A").
		State("A").
		On("tick", "B").Done().
		Stay("tick", func(m *Machine, e event.Event) error { return nil }).
		Done().
		State("B").Done().
		Build()

	if err == nil {
		t.Error("expected error when an event is bound to both a transition and a stay action")
	}
}
