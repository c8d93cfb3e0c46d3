package fsm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/event"
)

// callContext is the persistent root used across the engine tests.
type callContext struct {
	ContextBase
	Notes  []string `json:"notes,omitempty"`
	Digits int      `json:"digits"`
}

func (c *callContext) DeepCopy() PersistentContext {
	cp := *c
	cp.Notes = append([]string(nil), c.Notes...)
	return &cp
}

func newCallContext(id string) *callContext {
	return &callContext{ContextBase: NewContextBase(id)}
}

func callDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := NewBuilder("call").
		InitialState("IDLE").
		State("IDLE").
		On("INCOMING_CALL", "RINGING").Done().
		Done().
		State("RINGING").
		On("ANSWER", "CONNECTED").Done().
		On("HANGUP", "IDLE").Done().
		Stay("DIGIT", func(m *Machine, e event.Event) error {
			m.PersistentContext().(*callContext).Digits++
			return nil
		}).
		Done().
		State("CONNECTED").
		On("HANGUP", "IDLE").Done().
		On("DROP", "HUNGUP").Done().
		Done().
		State("HUNGUP").
		Final().
		Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return def
}

func startedMachine(t *testing.T, def *Definition, id string, opts ...Option) *Machine {
	t.Helper()
	m, err := New(def, newCallContext(id), opts...)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("start machine: %v", err)
	}
	return m
}

func TestMachine_HappyCallFlow(t *testing.T) {
	var records []TransitionRecord
	m := startedMachine(t, callDefinition(t), "C1",
		WithListener(func(rec TransitionRecord) { records = append(records, rec) }))

	for _, evt := range []string{"INCOMING_CALL", "ANSWER", "HANGUP"} {
		res := m.Fire(event.New(evt, nil))
		if res.Outcome != OutcomeAccepted {
			t.Fatalf("event %s: expected accepted, got %s (%v)", evt, res.Outcome, res.Err)
		}
	}

	if m.CurrentState() != "IDLE" {
		t.Errorf("expected final state IDLE, got %q", m.CurrentState())
	}
	if m.Complete() {
		t.Error("machine should not be complete")
	}

	// Start emits one record, then one per applied transition.
	if len(records) != 4 {
		t.Fatalf("expected 4 transition records, got %d", len(records))
	}
	want := [][2]string{{"", "IDLE"}, {"IDLE", "RINGING"}, {"RINGING", "CONNECTED"}, {"CONNECTED", "IDLE"}}
	for i, rec := range records {
		if rec.From != want[i][0] || rec.To != want[i][1] {
			t.Errorf("record %d: got %s->%s, want %s->%s", i, rec.From, rec.To, want[i][0], want[i][1])
		}
	}
	for i := 2; i < len(records); i++ {
		if records[i].Timestamp.Before(records[i-1].Timestamp) {
			t.Errorf("record %d timestamp not monotonic", i)
		}
	}
}

func TestMachine_IgnoredEvent(t *testing.T) {
	m := startedMachine(t, callDefinition(t), "C1")

	res := m.Fire(event.New("ANSWER", nil))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("expected ignored, got %s", res.Outcome)
	}
	if m.CurrentState() != "IDLE" {
		t.Errorf("state should be unchanged, got %q", m.CurrentState())
	}
}

func TestMachine_StayAction(t *testing.T) {
	var records []TransitionRecord
	m := startedMachine(t, callDefinition(t), "C1",
		WithListener(func(rec TransitionRecord) { records = append(records, rec) }))

	m.Fire(event.New("INCOMING_CALL", nil))
	before := m.LastStateChange()
	recorded := len(records)

	res := m.Fire(event.New("DIGIT", nil))
	if res.Outcome != OutcomeStayApplied {
		t.Fatalf("expected stay applied, got %s (%v)", res.Outcome, res.Err)
	}
	if m.CurrentState() != "RINGING" {
		t.Errorf("stay action must not change state, got %q", m.CurrentState())
	}
	if got := m.PersistentContext().(*callContext).Digits; got != 1 {
		t.Errorf("expected 1 digit recorded, got %d", got)
	}
	if !m.LastStateChange().Equal(before) {
		t.Error("stay action must not touch lastStateChange")
	}
	if len(records) != recorded {
		t.Error("stay action must not emit a transition record")
	}
}

func TestMachine_ActionsUseMachineAccessors(t *testing.T) {
	// Guards, exit, entry and stay actions all read the machine they were
	// handed; the fire path must not hold the accessor lock across them.
	def, err := NewBuilder("accessors").
		InitialState("A").
		State("A").
		Exit(func(m *Machine, e event.Event) error {
			if m.CurrentState() != "A" {
				return fmt.Errorf("exit saw state %q", m.CurrentState())
			}
			m.PersistentContext().(*callContext).Notes = append(
				m.PersistentContext().(*callContext).Notes, "exiting")
			return nil
		}).
		Stay("tick", func(m *Machine, e event.Event) error {
			m.PersistentContext().(*callContext).Digits = len(m.History())
			return nil
		}).
		On("go", "B").
		Guard(func(m *Machine, e event.Event) (bool, error) {
			return m.Generation() > 0 && !m.Complete(), nil
		}).
		Done().
		Done().
		State("B").
		Entry(func(m *Machine, e event.Event) error {
			if m.Volatile() == nil {
				return fmt.Errorf("entry saw no volatile context")
			}
			if m.CurrentState() != "B" {
				return fmt.Errorf("entry saw state %q", m.CurrentState())
			}
			return nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("AC1"),
		WithVolatileFactory(func() interface{} { return &struct{ n int }{} }))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan Result, 2)
	go func() {
		done <- m.Fire(event.New("tick", nil))
		done <- m.Fire(event.New("go", nil))
	}()
	for _, want := range []Outcome{OutcomeStayApplied, OutcomeAccepted} {
		select {
		case res := <-done:
			if res.Outcome != want {
				t.Fatalf("expected %s, got %s (%v)", want, res.Outcome, res.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("fire did not complete; accessor called from an action blocked")
		}
	}
	if m.CurrentState() != "B" {
		t.Errorf("expected B, got %q", m.CurrentState())
	}
	if notes := m.PersistentContext().(*callContext).Notes; len(notes) != 1 || notes[0] != "exiting" {
		t.Errorf("exit action mutation lost: %v", notes)
	}
}

func TestMachine_CompleteSetAfterEntryAction(t *testing.T) {
	var completeDuringEntry bool

	def, err := NewBuilder("finalize").
		InitialState("A").
		State("A").On("end", "DONE").Done().Done().
		State("DONE").
		Final().
		Entry(func(m *Machine, e event.Event) error {
			completeDuringEntry = m.Complete()
			return nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("F1"))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if res := m.Fire(event.New("end", nil)); res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if completeDuringEntry {
		t.Error("entry action of a final state must run before complete is set")
	}
	if !m.Complete() {
		t.Error("machine must be complete after the entry action succeeds")
	}
}

func TestMachine_FinalStateIgnoresEverything(t *testing.T) {
	var records []TransitionRecord
	m := startedMachine(t, callDefinition(t), "C1",
		WithListener(func(rec TransitionRecord) { records = append(records, rec) }))

	m.Fire(event.New("INCOMING_CALL", nil))
	m.Fire(event.New("ANSWER", nil))
	res := m.Fire(event.New("DROP", nil))
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if !m.Complete() {
		t.Fatal("machine should be complete in HUNGUP")
	}

	recorded := len(records)
	res = m.Fire(event.New("INCOMING_CALL", nil))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("complete machine must ignore events, got %s", res.Outcome)
	}
	if len(records) != recorded {
		t.Error("complete machine must not emit records")
	}
}

func TestMachine_EntryExitReceiveTriggeringEvent(t *testing.T) {
	var exitEvent, entryEvent string

	def, err := NewBuilder("hooks").
		InitialState("A").
		State("A").
		Exit(func(m *Machine, e event.Event) error {
			exitEvent = e.Type
			return nil
		}).
		On("go", "B").Done().
		Done().
		State("B").
		Entry(func(m *Machine, e event.Event) error {
			entryEvent = e.Type
			return nil
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("H1"))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if res := m.Fire(event.New("go", nil)); res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if exitEvent != "go" || entryEvent != "go" {
		t.Errorf("actions should see the triggering event, got exit=%q entry=%q", exitEvent, entryEvent)
	}
}

func TestMachine_RollbackOnEntryError(t *testing.T) {
	var records int

	def, err := NewBuilder("rollback").
		InitialState("A").
		State("A").
		On("go", "B").Done().
		Done().
		State("B").
		Entry(func(m *Machine, e event.Event) error {
			m.PersistentContext().(*callContext).Notes = append(
				m.PersistentContext().(*callContext).Notes, "should not survive")
			return errors.New("boom")
		}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("R1"), WithListener(func(TransitionRecord) { records++ }))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	records = 0
	genBefore := m.Generation()
	changeBefore := m.LastStateChange()

	res := m.Fire(event.New("go", nil))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if m.CurrentState() != "A" {
		t.Errorf("state must roll back to A, got %q", m.CurrentState())
	}
	if len(m.PersistentContext().(*callContext).Notes) != 0 {
		t.Error("context mutations must roll back")
	}
	if m.Generation() != genBefore {
		t.Error("generation must not advance on a failed transition")
	}
	if !m.LastStateChange().Equal(changeBefore) {
		t.Error("lastStateChange must roll back")
	}
	if records != 0 {
		t.Error("no transition record on a failed transition")
	}

	// The machine remains usable.
	if res := m.Fire(event.New("go", nil)); res.Outcome != OutcomeFailed {
		t.Errorf("machine should remain usable after a failed transition, got %s", res.Outcome)
	}
}

func TestMachine_RollbackOnExitError(t *testing.T) {
	def, err := NewBuilder("exit-rollback").
		InitialState("A").
		State("A").
		Exit(func(m *Machine, e event.Event) error { return errors.New("exit boom") }).
		On("go", "B").Done().
		Done().
		State("B").Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("R2"))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := m.Fire(event.New("go", nil))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if m.CurrentState() != "A" {
		t.Errorf("state must remain A, got %q", m.CurrentState())
	}
}

func TestMachine_Guard(t *testing.T) {
	allowed := false
	def, err := NewBuilder("guarded").
		InitialState("A").
		State("A").
		On("go", "B").
		Guard(func(m *Machine, e event.Event) (bool, error) { return allowed, nil }).
		Done().
		Done().
		State("B").Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("G1"))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if res := m.Fire(event.New("go", nil)); res.Outcome != OutcomeIgnored {
		t.Errorf("rejecting guard should ignore the event, got %s", res.Outcome)
	}

	allowed = true
	if res := m.Fire(event.New("go", nil)); res.Outcome != OutcomeAccepted {
		t.Errorf("allowing guard should accept the event, got %s", res.Outcome)
	}
}

func TestMachine_RestoreStateSkipsEntryAction(t *testing.T) {
	entries := 0
	def, err := NewBuilder("restore").
		InitialState("A").
		State("A").Done().
		State("B").
		Entry(func(m *Machine, e event.Event) error {
			entries++
			return nil
		}).
		On("go", "A").Done().
		Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	pctx := newCallContext("RS1")
	pctx.SetCurrentState("B")
	m, _ := New(def, pctx, WithVolatileFactory(func() interface{} { return &struct{ n int }{} }))

	if err := m.RestoreState("B"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if entries != 0 {
		t.Error("restore must not run entry actions")
	}
	if m.CurrentState() != "B" {
		t.Errorf("expected restored state B, got %q", m.CurrentState())
	}
	if m.Volatile() == nil {
		t.Error("volatile context must be recreated on restore")
	}

	// Events fire normally after restoration.
	if res := m.Fire(event.New("go", nil)); res.Outcome != OutcomeAccepted {
		t.Errorf("expected accepted after restore, got %s", res.Outcome)
	}
}

func TestMachine_ApplyTimeout(t *testing.T) {
	def, err := NewBuilder("timed").
		InitialState("WAIT").
		State("WAIT").
		Timeout(30*time.Second, "EXPIRED").
		On("poke", "WAIT2").Done().
		Done().
		State("WAIT2").
		On("back", "WAIT").Done().
		Done().
		State("EXPIRED").Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("T1"))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	gen := m.Generation()

	// Leaving the state makes the old generation stale.
	m.Fire(event.New("poke", nil))
	if res := m.ApplyTimeout(gen); res.Outcome != OutcomeIgnored {
		t.Errorf("stale generation must no-op, got %s", res.Outcome)
	}

	// Re-entering produces a fresh generation that does fire.
	m.Fire(event.New("back", nil))
	res := m.ApplyTimeout(m.Generation())
	if res.Outcome != OutcomeAccepted || res.NewState != "EXPIRED" {
		t.Errorf("expected timeout transition to EXPIRED, got %s -> %q", res.Outcome, res.NewState)
	}
}

func TestMachine_Determinism(t *testing.T) {
	def := callDefinition(t)
	events := []string{"INCOMING_CALL", "DIGIT", "DIGIT", "ANSWER", "HANGUP", "INCOMING_CALL", "ANSWER", "DROP"}

	run := func() *callContext {
		m, _ := New(def, newCallContext("D1"))
		if err := m.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		for i, evt := range events {
			e := event.New(evt, nil)
			e.Timestamp = time.Unix(int64(i), 0)
			m.Fire(e)
		}
		return m.PersistentContext().(*callContext)
	}

	a, b := run(), run()
	if a.CurrentState() != b.CurrentState() || a.Complete() != b.Complete() || a.Digits != b.Digits {
		t.Errorf("two fresh machines diverged: %+v vs %+v", a, b)
	}
}

func TestMachine_HistoryBounded(t *testing.T) {
	def, err := NewBuilder("ring").
		InitialState("A").
		State("A").On("flip", "B").Done().Done().
		State("B").On("flip", "A").Done().Done().
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m, _ := New(def, newCallContext("HB1"), WithHistoryLimit(5))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20; i++ {
		m.Fire(event.New("flip", nil))
	}

	history := m.History()
	if len(history) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(history))
	}
	// The newest record is kept.
	last := history[len(history)-1]
	if last.EventType != "flip" {
		t.Errorf("unexpected newest record: %+v", last)
	}
}

func TestMachine_SnapshotRecords(t *testing.T) {
	var rec TransitionRecord
	m := startedMachine(t, callDefinition(t), "S1",
		WithSnapshotRecords(),
		WithListener(func(r TransitionRecord) { rec = r }))

	m.Fire(event.New("INCOMING_CALL", nil))
	if rec.Snapshot == nil {
		t.Fatal("expected a context snapshot in the record")
	}
	snap := rec.Snapshot.(*callContext)
	if snap.CurrentState() != "RINGING" {
		t.Errorf("snapshot should carry committed state, got %q", snap.CurrentState())
	}

	// Snapshot is independent of the live context.
	m.Fire(event.New("ANSWER", nil))
	if snap.CurrentState() != "RINGING" {
		t.Error("snapshot must not track later transitions")
	}
}

func TestMachine_StartTwice(t *testing.T) {
	m := startedMachine(t, callDefinition(t), "C2")
	if err := m.Start(); err == nil {
		t.Error("expected error on double start")
	}
}

func TestOutcome_String(t *testing.T) {
	cases := map[Outcome]string{
		OutcomeAccepted:    "accepted",
		OutcomeStayApplied: "stay_applied",
		OutcomeIgnored:     "ignored",
		OutcomeFailed:      "failed",
		Outcome(42):        "unknown",
	}
	for outcome, want := range cases {
		if got := fmt.Sprint(outcome); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", outcome, got, want)
		}
	}
}
