package main

import (
	"fmt"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/registry"
)

// OrderContext is the persistent context of one order machine.
type OrderContext struct {
	fsm.ContextBase
	Total float64  `json:"total"`
	Notes []string `json:"notes"`
}

func (oc *OrderContext) DeepCopy() fsm.PersistentContext {
	c := *oc
	c.Notes = append([]string(nil), oc.Notes...)
	return &c
}

// PaymentPayload is the body of a PAYMENT_RECEIVED event.
type PaymentPayload struct {
	Amount float64 `json:"amount"`
}

// orderDefinition is the order lifecycle hosted by the daemon:
//
//	CREATED -> PAID -> SHIPPED -> DELIVERED
//
// Unpaid orders expire after 24h. PAID is offline: the machine leaves
// memory while the warehouse works, and the SHIP event rehydrates it.
func orderDefinition() (*fsm.Definition, error) {
	b := fsm.NewBuilder("order").InitialState("CREATED")

	created := b.State("CREATED").Timeout(24*time.Hour, "EXPIRED")
	created.Stay("NOTE", func(m *fsm.Machine, e event.Event) error {
		var note string
		switch v := e.Payload.(type) {
		case string:
			note = v
		case *string:
			note = *v
		default:
			return fmt.Errorf("NOTE payload must be a string")
		}
		oc := m.PersistentContext().(*OrderContext)
		oc.Notes = append(oc.Notes, note)
		return nil
	})
	created.On("PAYMENT_RECEIVED", "PAID").
		Guard(func(m *fsm.Machine, e event.Event) (bool, error) {
			p, ok := e.Payload.(*PaymentPayload)
			if !ok {
				return false, fmt.Errorf("PAYMENT_RECEIVED payload must be a payment")
			}
			return p.Amount > 0, nil
		}).Done()
	created.On("CANCEL", "CANCELLED").Done()

	paid := b.State("PAID").Offline()
	paid.Entry(func(m *fsm.Machine, e event.Event) error {
		if p, ok := e.Payload.(*PaymentPayload); ok {
			m.PersistentContext().(*OrderContext).Total = p.Amount
		}
		return nil
	})
	paid.On("SHIP", "SHIPPED").Done()
	paid.On("CANCEL", "CANCELLED").Done()

	shipped := b.State("SHIPPED").Timeout(14*24*time.Hour, "LOST")
	shipped.On("DELIVERED", "DELIVERED").Done()

	b.State("DELIVERED").Final()
	b.State("CANCELLED").Final()
	b.State("EXPIRED").Final()
	b.State("LOST").Final()

	return b.Build()
}

// orderFactory builds unstarted order machines for the registry.
func orderFactory(def *fsm.Definition, logger core.Logger) registry.Factory {
	return func(id string) (*fsm.Machine, error) {
		return fsm.New(def, &OrderContext{ContextBase: fsm.NewContextBase(id)}, fsm.WithLogger(logger))
	}
}

// orderEventTypes registers the wire names and payload types the ingress
// accepts.
func orderEventTypes() (*event.TypeRegistry, error) {
	types := event.NewTypeRegistry()
	register := func(name string, factory event.PayloadFactory) error {
		return types.Register(name, factory)
	}
	for name, factory := range map[string]event.PayloadFactory{
		"PAYMENT_RECEIVED": func() interface{} { return &PaymentPayload{} },
		"NOTE":             func() interface{} { return new(string) },
		"SHIP":             func() interface{} { return nil },
		"DELIVERED":        func() interface{} { return nil },
		"CANCEL":           func() interface{} { return nil },
	} {
		if err := register(name, factory); err != nil {
			return nil, err
		}
	}
	return types, nil
}
