package persist

import (
	"context"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/fsm"
)

func TestMemoryProvider_SaveLoadDelete(t *testing.T) {
	mp := NewMemoryProvider()
	ctx := context.Background()
	if err := mp.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	pctx := &orderContext{ContextBase: fsm.NewContextBase("M1"), Region: "US"}
	pctx.SetCurrentState("RINGING")
	pctx.SetLastStateChange(time.Now().Truncate(time.Millisecond))

	snap, err := SnapshotContext(pctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.CreatedAt.IsZero() {
		t.Error("first save must stamp createdAt")
	}
	if err := mp.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	ok, err := mp.Exists(ctx, "M1")
	if err != nil || !ok {
		t.Fatalf("expected row for M1, ok=%v err=%v", ok, err)
	}

	got, err := mp.Load(ctx, "M1")
	if err != nil {
		t.Fatal(err)
	}
	restored := &orderContext{}
	if err := got.DecodeInto(restored); err != nil {
		t.Fatal(err)
	}
	if restored.ID() != "M1" || restored.CurrentState() != "RINGING" || restored.Region != "US" {
		t.Errorf("restored context mismatch: %+v", restored)
	}
	if !restored.LastStateChange().Equal(pctx.LastStateChange()) {
		t.Errorf("lastStateChange mismatch: %v vs %v", restored.LastStateChange(), pctx.LastStateChange())
	}

	if err := mp.Delete(ctx, "M1"); err != nil {
		t.Fatal(err)
	}
	got, err = mp.Load(ctx, "M1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil snapshot after delete")
	}
}

func TestMemoryProvider_LoadReturnsCopy(t *testing.T) {
	mp := NewMemoryProvider()
	ctx := context.Background()

	snap := &Snapshot{ID: "M2", CurrentState: "IDLE", CreatedAt: time.Now(), EntityData: []byte(`{"id":"M2"}`)}
	if err := mp.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	first, _ := mp.Load(ctx, "M2")
	first.EntityData[0] = 'X'
	second, _ := mp.Load(ctx, "M2")
	if second.EntityData[0] != '{' {
		t.Error("loaded snapshot must be isolated from caller mutation")
	}
}

func TestMemoryProvider_SaveBatch(t *testing.T) {
	mp := NewMemoryProvider()
	ctx := context.Background()

	snaps := []*Snapshot{
		{ID: "A", CurrentState: "IDLE", CreatedAt: time.Now()},
		{ID: "B", CurrentState: "RINGING", CreatedAt: time.Now()},
	}
	if err := mp.SaveBatch(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	if mp.Count() != 2 {
		t.Errorf("expected 2 snapshots, got %d", mp.Count())
	}
}

func TestRootSpec_Validate(t *testing.T) {
	if err := orderSpec().Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}

	bad := &RootSpec{Name: "bad", Fields: []FieldSpec{{Name: "x", Table: "t", Relation: OneToOne}}}
	if err := bad.Validate(); err == nil {
		t.Error("one-to-one field without accessors must be rejected")
	}

	sing := &RootSpec{Name: "bad", Fields: []FieldSpec{{
		Name: "x", Table: "t", Relation: OneToMany, Singleton: true, Key: "k",
		GetAll: func(interface{}) []ShardingEntity { return nil },
		SetAll: func(interface{}, []ShardingEntity) {},
		New:    func() ShardingEntity { return &lineEntity{} },
	}}}
	if err := sing.Validate(); err == nil {
		t.Error("one-to-many singleton must be rejected")
	}
}
