package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/fsm"
)

// Row is one persisted child entity. RootID is always the owning machine
// id, never a parent row id, so a whole graph is addressable by one key.
// Key is set only for singleton rows.
type Row struct {
	ID        string
	RootID    string
	CreatedAt int64
	Key       string
	Data      []byte
}

// RowStore is the child-table contract a provider implements to back
// graph persistence. Upserts key on (id, created_at).
type RowStore interface {
	UpsertRows(ctx context.Context, table string, rows []Row) error
	FindRowsByRoot(ctx context.Context, table, rootID string) ([]Row, error)
	FindRowByKey(ctx context.Context, table, rootID, key string) (*Row, error)
	DeleteRowsByRoot(ctx context.Context, table, rootID string) error
}

// GraphPersister walks a root context's registered graph spec, writing
// child rows before the root row so a visible root always has its graph,
// and reattaching children on load.
type GraphPersister struct {
	provider Provider
	rows     RowStore
	spec     *RootSpec
	logger   core.Logger
}

// NewGraphPersister builds a persister for one root type. The spec is
// validated once here.
func NewGraphPersister(provider Provider, rows RowStore, spec *RootSpec, logger core.Logger) (*GraphPersister, error) {
	if provider == nil || rows == nil {
		return nil, fmt.Errorf("provider and row store are required")
	}
	if spec == nil {
		return nil, fmt.Errorf("root spec is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid root spec %s: %w", spec.Name, err)
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &GraphPersister{provider: provider, rows: rows, spec: spec, logger: logger}, nil
}

// saveWalk accumulates rows per table during one SaveGraph pass.
type saveWalk struct {
	rootID  string
	byTable map[string][]Row
	seen    map[ShardingEntity]bool
	singles map[string]bool
}

// SaveGraph persists the root context and every cascading annotated child.
// Child rows are batched per table and written before the root row; the
// root row gates visibility of the graph. Shared nodes are written once.
// createdAt is the machine's original creation time; pass the zero value
// on first save.
func (gp *GraphPersister) SaveGraph(ctx context.Context, pctx fsm.PersistentContext, createdAt time.Time) error {
	snap, err := SnapshotContext(pctx, createdAt)
	if err != nil {
		return err
	}

	w := &saveWalk{
		rootID:  snap.ID,
		byTable: make(map[string][]Row),
		seen:    make(map[ShardingEntity]bool),
		singles: make(map[string]bool),
	}
	if err := gp.collect(ctx, w, pctx, gp.spec.Fields); err != nil {
		return err
	}

	for table, rows := range w.byTable {
		if err := gp.rows.UpsertRows(ctx, table, rows); err != nil {
			return fmt.Errorf("save %d rows into %s for %s: %w", len(rows), table, snap.ID, err)
		}
	}

	return gp.provider.Save(ctx, snap)
}

func (gp *GraphPersister) collect(ctx context.Context, w *saveWalk, owner interface{}, fields []FieldSpec) error {
	for i := range fields {
		f := &fields[i]
		if !f.Cascade {
			continue
		}

		switch f.Relation {
		case OneToOne:
			ent := f.Get(owner)
			if ent == nil {
				continue
			}
			if err := gp.collectOne(ctx, w, f, ent); err != nil {
				return err
			}
		case OneToMany:
			for _, ent := range f.GetAll(owner) {
				if ent == nil {
					continue
				}
				if err := gp.collectOne(ctx, w, f, ent); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (gp *GraphPersister) collectOne(ctx context.Context, w *saveWalk, f *FieldSpec, ent ShardingEntity) error {
	if w.seen[ent] {
		return nil
	}
	w.seen[ent] = true

	write := true
	if f.Singleton {
		sk := f.Table + "\x00" + f.Key
		if w.singles[sk] {
			write = false
		} else {
			w.singles[sk] = true
			existing, err := gp.rows.FindRowByKey(ctx, f.Table, w.rootID, f.Key)
			if err != nil {
				return fmt.Errorf("lookup singleton %s in %s: %w", f.Key, f.Table, err)
			}
			if existing != nil && existing.ID != ent.GetID() {
				// A different instance already holds the key; the stored
				// one wins and the in-memory copy is treated as a reference.
				gp.logger.Debugf("singleton %s.%s already persisted as %s, skipping %s",
					f.Table, f.Key, existing.ID, ent.GetID())
				write = false
			}
		}
	}

	if write {
		data, err := core.JSONEncode(ent)
		if err != nil {
			return fmt.Errorf("encode %s row %s: %w", f.Table, ent.GetID(), err)
		}
		row := Row{
			ID:        ent.GetID(),
			RootID:    w.rootID,
			CreatedAt: ent.GetCreatedAt().Unix(),
			Data:      data,
		}
		if f.Singleton {
			row.Key = f.Key
		}
		w.byTable[f.Table] = append(w.byTable[f.Table], row)
	}

	return gp.collect(ctx, w, ent, f.Fields)
}

// LoadGraph loads the root snapshot for id, decodes it into pctx, and
// reattaches every eager annotated child. Transient fields are recreated
// fresh. Returns (nil, nil) when the machine was never persisted.
func (gp *GraphPersister) LoadGraph(ctx context.Context, id string, pctx fsm.PersistentContext) (*Snapshot, error) {
	snap, err := gp.provider.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	if err := snap.DecodeInto(pctx); err != nil {
		return nil, err
	}

	identity := make(map[string]ShardingEntity)
	if err := gp.attach(ctx, identity, id, pctx, gp.spec.Fields, false); err != nil {
		return nil, err
	}

	for i := range gp.spec.Transients {
		tr := &gp.spec.Transients[i]
		tr.Set(pctx, tr.Fresh())
	}

	return snap, nil
}

// LoadField loads one lazy top-level field by name onto an already loaded
// root context.
func (gp *GraphPersister) LoadField(ctx context.Context, rootID string, pctx fsm.PersistentContext, name string) error {
	for i := range gp.spec.Fields {
		f := &gp.spec.Fields[i]
		if f.Name != name {
			continue
		}
		identity := make(map[string]ShardingEntity)
		return gp.attachField(ctx, identity, rootID, pctx, f, true)
	}
	return fmt.Errorf("unknown field %s on %s", name, gp.spec.Name)
}

func (gp *GraphPersister) attach(ctx context.Context, identity map[string]ShardingEntity, rootID string, owner interface{}, fields []FieldSpec, includeLazy bool) error {
	for i := range fields {
		f := &fields[i]
		if f.Lazy && !includeLazy {
			continue
		}
		if err := gp.attachField(ctx, identity, rootID, owner, f, includeLazy); err != nil {
			return err
		}
	}
	return nil
}

// attachField reattaches one field. A non-singleton one-to-one table is
// expected to hold at most one row per root; per-parent children under a
// one-to-many field either live in the parent's blob or are modeled as
// singletons with distinct keys.
func (gp *GraphPersister) attachField(ctx context.Context, identity map[string]ShardingEntity, rootID string, owner interface{}, f *FieldSpec, includeLazy bool) error {
	switch f.Relation {
	case OneToOne:
		var row *Row
		var err error
		if f.Singleton {
			row, err = gp.rows.FindRowByKey(ctx, f.Table, rootID, f.Key)
		} else {
			row, err = gp.firstRowByRoot(ctx, f.Table, rootID)
		}
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		ent, err := gp.materialize(ctx, identity, rootID, f, row, includeLazy)
		if err != nil {
			return err
		}
		f.Set(owner, ent)

	case OneToMany:
		rows, err := gp.rows.FindRowsByRoot(ctx, f.Table, rootID)
		if err != nil {
			return fmt.Errorf("load %s rows for %s: %w", f.Table, rootID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		ents := make([]ShardingEntity, 0, len(rows))
		for i := range rows {
			ent, err := gp.materialize(ctx, identity, rootID, f, &rows[i], includeLazy)
			if err != nil {
				return err
			}
			ents = append(ents, ent)
		}
		f.SetAll(owner, ents)
	}
	return nil
}

// materialize decodes a row into a fresh entity, reusing the identity map
// so a shared node decoded once is attached everywhere by reference.
func (gp *GraphPersister) materialize(ctx context.Context, identity map[string]ShardingEntity, rootID string, f *FieldSpec, row *Row, includeLazy bool) (ShardingEntity, error) {
	ik := f.Table + "\x00" + row.ID
	if ent, ok := identity[ik]; ok {
		return ent, nil
	}

	ent := f.New()
	if err := core.JSONDecode(row.Data, ent); err != nil {
		return nil, fmt.Errorf("decode %s row %s: %w", f.Table, row.ID, err)
	}
	identity[ik] = ent

	if err := gp.attach(ctx, identity, rootID, ent, f.Fields, includeLazy); err != nil {
		return nil, err
	}
	return ent, nil
}

// DeleteGraph removes the root row and every child row of the machine.
func (gp *GraphPersister) DeleteGraph(ctx context.Context, id string) error {
	for _, table := range collectTables(gp.spec.Fields, nil) {
		if err := gp.rows.DeleteRowsByRoot(ctx, table, id); err != nil {
			return fmt.Errorf("delete %s rows for %s: %w", table, id, err)
		}
	}
	return gp.provider.Delete(ctx, id)
}

func (gp *GraphPersister) firstRowByRoot(ctx context.Context, table, rootID string) (*Row, error) {
	rows, err := gp.rows.FindRowsByRoot(ctx, table, rootID)
	if err != nil {
		return nil, fmt.Errorf("load %s rows for %s: %w", table, rootID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func collectTables(fields []FieldSpec, acc []string) []string {
	seen := make(map[string]bool, len(acc))
	for _, t := range acc {
		seen[t] = true
	}
	for i := range fields {
		f := &fields[i]
		if !seen[f.Table] {
			seen[f.Table] = true
			acc = append(acc, f.Table)
		}
		acc = collectTables(f.Fields, acc)
	}
	return acc
}
