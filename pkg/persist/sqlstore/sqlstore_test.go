package sqlstore

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/persist"
	"github.com/statorio/stator/pkg/persist/partition"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.NewPool(db.DefaultPoolConfig(":memory:", "sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	store, err := New(pool, Config{BaseTable: "machines", RetentionMonths: 6, AutoCreate: true}, core.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return store
}

func snapshot(id string, createdAt time.Time) *persist.Snapshot {
	return &persist.Snapshot{
		ID:              id,
		CurrentState:    "RINGING",
		LastStateChange: time.Now().Truncate(time.Microsecond),
		Complete:        false,
		CreatedAt:       createdAt,
		EntityData:      []byte(`{"id":"` + id + `"}`),
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := snapshot("C1", time.Now())
	if err := store.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a row")
	}
	if got.ID != "C1" || got.CurrentState != "RINGING" || got.Complete {
		t.Errorf("row mismatch: %+v", got)
	}
	if !got.LastStateChange.Equal(snap.LastStateChange) {
		t.Errorf("lastStateChange mismatch: %v vs %v", got.LastStateChange, snap.LastStateChange)
	}
	if string(got.EntityData) != string(snap.EntityData) {
		t.Errorf("blob mismatch: %s", got.EntityData)
	}

	ok, err := store.Exists(ctx, "C1")
	if err != nil || !ok {
		t.Errorf("exists: ok=%v err=%v", ok, err)
	}
	ok, err = store.Exists(ctx, "NOPE")
	if err != nil || ok {
		t.Errorf("missing id must not exist: ok=%v err=%v", ok, err)
	}
}

func TestStore_UpsertReplacesRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Now()
	snap := snapshot("C2", created)
	if err := store.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	snap.CurrentState = "CONNECTED"
	snap.Complete = true
	if err := store.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(ctx, "C2")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentState != "CONNECTED" || !got.Complete {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestStore_LoadScansPreviousMonths(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A machine created two months ago lives in an older table.
	created := time.Now().AddDate(0, -2, 0)
	if err := store.Save(ctx, snapshot("OLD1", created)); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(ctx, "OLD1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("backward scan must find rows in previous months")
	}
	if got.CreatedAt.Unix() != created.Unix() {
		t.Errorf("createdAt mismatch: %v vs %v", got.CreatedAt, created)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, snapshot("C3", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "C3"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx, "C3")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestStore_SaveBatchGroupsByMonth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snaps := []*persist.Snapshot{
		snapshot("B1", time.Now()),
		snapshot("B2", time.Now()),
		snapshot("B3", time.Now().AddDate(0, -1, 0)),
	}
	if err := store.SaveBatch(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"B1", "B2", "B3"} {
		got, err := store.Load(ctx, id)
		if err != nil || got == nil {
			t.Errorf("load %s: %+v err=%v", id, got, err)
		}
	}
}

func TestStore_ChildRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	rows := []persist.Row{
		{ID: "L1", RootID: "C4", CreatedAt: now, Data: []byte(`{"id":"L1"}`)},
		{ID: "L2", RootID: "C4", CreatedAt: now, Data: []byte(`{"id":"L2"}`)},
		{ID: "P1", RootID: "C4", CreatedAt: now, Key: "profile", Data: []byte(`{"id":"P1"}`)},
	}
	if err := store.UpsertRows(ctx, "legs", rows); err != nil {
		t.Fatal(err)
	}

	got, err := store.FindRowsByRoot(ctx, "legs", "C4")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}

	byKey, err := store.FindRowByKey(ctx, "legs", "C4", "profile")
	if err != nil {
		t.Fatal(err)
	}
	if byKey == nil || byKey.ID != "P1" {
		t.Errorf("singleton lookup: %+v", byKey)
	}

	if err := store.DeleteRowsByRoot(ctx, "legs", "C4"); err != nil {
		t.Fatal(err)
	}
	got, err = store.FindRowsByRoot(ctx, "legs", "C4")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows after delete, got %d", len(got))
	}
}

func TestStore_DeletePartitionsOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, snapshot("NEW", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, snapshot("OLD", time.Now().AddDate(0, -4, 0))); err != nil {
		t.Fatal(err)
	}

	dropped, err := store.DeletePartitionsOlderThan(ctx, time.Now().AddDate(0, -2, 0))
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 1 {
		t.Errorf("expected 1 dropped table, got %d", dropped)
	}

	// The old machine is gone with its partition; the active month stays.
	got, err := store.Load(ctx, "OLD")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("row in dropped partition must be gone")
	}
	got, err = store.Load(ctx, "NEW")
	if err != nil || got == nil {
		t.Errorf("active month must survive maintenance: %+v err=%v", got, err)
	}
}

func TestStore_DeletePartitionsSeesTablesFromEarlierProcesses(t *testing.T) {
	pool, err := db.NewPool(db.DefaultPoolConfig(":memory:", "sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	ctx := context.Background()

	first, err := New(pool, Config{BaseTable: "machines", RetentionMonths: 6, AutoCreate: true}, core.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := first.Save(ctx, snapshot("OLD", time.Now().AddDate(0, -4, 0))); err != nil {
		t.Fatal(err)
	}

	// A restarted process starts with an empty table cache; maintenance
	// must still find the old month table in the catalog.
	second, err := New(pool, Config{BaseTable: "machines", RetentionMonths: 6, AutoCreate: true}, core.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	dropped, err := second.DeletePartitionsOlderThan(ctx, time.Now().AddDate(0, -2, 0))
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 1 {
		t.Errorf("expected 1 dropped table, got %d", dropped)
	}
	got, err := second.Load(ctx, "OLD")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("row in dropped partition must be gone")
	}
}

func TestStore_NeverDropsActiveMonth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, snapshot("NOW", time.Now())); err != nil {
		t.Fatal(err)
	}

	// A cutoff in the future must still spare the active month.
	dropped, err := store.DeletePartitionsOlderThan(ctx, time.Now().AddDate(0, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	_ = dropped
	got, err := store.Load(ctx, "NOW")
	if err != nil || got == nil {
		t.Errorf("active month dropped: %+v err=%v", got, err)
	}
}

func TestMonthOfTableName(t *testing.T) {
	at := time.Date(2026, time.July, 3, 0, 0, 0, 0, time.UTC)
	name := partition.MonthlyTableName("machines", at)
	month, ok := monthOf(name)
	if !ok || !month.Equal(time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthOf(%q) = %v, %v", name, month, ok)
	}
	if _, ok := monthOf("machines"); ok {
		t.Error("unsuffixed name must not parse")
	}
}
