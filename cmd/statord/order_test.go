package main

import (
	"context"
	"testing"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/persist"
	"github.com/statorio/stator/pkg/registry"
)

func newOrderRegistry(t *testing.T) (*registry.Registry, *persist.MemoryProvider) {
	t.Helper()
	def, err := orderDefinition()
	if err != nil {
		t.Fatal(err)
	}
	mp := persist.NewMemoryProvider()
	r, err := registry.New(orderFactory(def, core.NopLogger{}),
		registry.ProviderStore{Provider: mp},
		registry.DefaultConfig(), registry.WithLogger(core.NopLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, mp
}

func TestOrderLifecycle(t *testing.T) {
	r, mp := newOrderRegistry(t)
	ctx := context.Background()

	res := r.Fire(ctx, "ORD-1", event.New("NOTE", "gift wrap"))
	if res.Outcome != registry.StayApplied {
		t.Fatalf("note: %+v", res)
	}

	// A zero payment fails the guard and is ignored.
	res = r.Fire(ctx, "ORD-1", event.New("PAYMENT_RECEIVED", &PaymentPayload{Amount: 0}))
	if res.Outcome != registry.Ignored {
		t.Fatalf("zero payment: %+v", res)
	}

	// A real payment moves to PAID, which is offline: save + evict.
	res = r.Fire(ctx, "ORD-1", event.New("PAYMENT_RECEIVED", &PaymentPayload{Amount: 49.90}))
	if res.Outcome != registry.Accepted || res.NewState != "PAID" {
		t.Fatalf("payment: %+v", res)
	}
	if r.Count() != 0 {
		t.Fatal("paid order must leave memory")
	}
	snap, err := mp.Load(ctx, "ORD-1")
	if err != nil || snap == nil || snap.CurrentState != "PAID" {
		t.Fatalf("snapshot: %+v err=%v", snap, err)
	}

	// SHIP rehydrates the order; the note and total survive the round
	// trip.
	res = r.Fire(ctx, "ORD-1", event.New("SHIP", nil))
	if res.Outcome != registry.Accepted || res.NewState != "SHIPPED" {
		t.Fatalf("ship: %+v", res)
	}
	m, ok := r.Get("ORD-1")
	if !ok {
		t.Fatal("order not resident after rehydration")
	}
	oc := m.PersistentContext().(*OrderContext)
	if oc.Total != 49.90 || len(oc.Notes) != 1 || oc.Notes[0] != "gift wrap" {
		t.Errorf("context did not survive eviction: %+v", oc)
	}

	res = r.Fire(ctx, "ORD-1", event.New("DELIVERED", nil))
	if res.Outcome != registry.Accepted || res.NewState != "DELIVERED" {
		t.Fatalf("delivered: %+v", res)
	}

	// Delivery is terminal.
	res = r.Fire(ctx, "ORD-1", event.New("SHIP", nil))
	if res.Outcome != registry.Ignored {
		t.Errorf("fire on delivered order: %+v", res)
	}
}

func TestOrderCancelFromCreated(t *testing.T) {
	r, _ := newOrderRegistry(t)
	ctx := context.Background()

	res := r.Fire(ctx, "ORD-2", event.New("CANCEL", nil))
	if res.Outcome != registry.Accepted || res.NewState != "CANCELLED" {
		t.Fatalf("cancel: %+v", res)
	}
	if r.Count() != 0 {
		t.Error("cancelled order must be evicted")
	}
}

func TestOrderEventTypes(t *testing.T) {
	types, err := orderEventTypes()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"PAYMENT_RECEIVED", "NOTE", "SHIP", "DELIVERED", "CANCEL"} {
		if !types.Known(name) {
			t.Errorf("event type %s not registered", name)
		}
	}

	e, err := types.Decode("PAYMENT_RECEIVED", []byte(`{"amount":12.5}`))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := e.Payload.(*PaymentPayload)
	if !ok || p.Amount != 12.5 {
		t.Errorf("decoded payload: %+v", e.Payload)
	}
}
