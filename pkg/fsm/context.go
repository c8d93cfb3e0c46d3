package fsm

import "time"

// ContextBase carries the persistent-context boilerplate. Embed it in a
// root context struct and implement DeepCopy to satisfy
// PersistentContext.
type ContextBase struct {
	MachineID      string    `json:"id"`
	State          string    `json:"currentState"`
	StateChangedAt time.Time `json:"lastStateChange"`
	Done           bool      `json:"complete"`
}

// NewContextBase creates the base for a new machine id.
func NewContextBase(id string) ContextBase {
	return ContextBase{MachineID: id}
}

func (c *ContextBase) ID() string {
	return c.MachineID
}

func (c *ContextBase) CurrentState() string {
	return c.State
}

func (c *ContextBase) SetCurrentState(state string) {
	c.State = state
}

func (c *ContextBase) LastStateChange() time.Time {
	return c.StateChangedAt
}

func (c *ContextBase) SetLastStateChange(t time.Time) {
	c.StateChangedAt = t
}

func (c *ContextBase) Complete() bool {
	return c.Done
}

func (c *ContextBase) SetComplete(complete bool) {
	c.Done = complete
}
