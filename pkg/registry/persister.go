package registry

import (
	"context"
	"time"

	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/persist"
)

// Persister is the registry's port onto persistence: save a context,
// load one back, drop one. Both the plain provider and the graph
// persister satisfy it through the adapters below.
type Persister interface {
	SaveContext(ctx context.Context, pctx fsm.PersistentContext, createdAt time.Time) error
	LoadContext(ctx context.Context, id string, pctx fsm.PersistentContext) (*persist.Snapshot, error)
	DeleteContext(ctx context.Context, id string) error
}

// ProviderStore adapts a snapshot provider into a Persister.
type ProviderStore struct {
	Provider persist.Provider
}

func (ps ProviderStore) SaveContext(ctx context.Context, pctx fsm.PersistentContext, createdAt time.Time) error {
	snap, err := persist.SnapshotContext(pctx, createdAt)
	if err != nil {
		return err
	}
	return ps.Provider.Save(ctx, snap)
}

func (ps ProviderStore) LoadContext(ctx context.Context, id string, pctx fsm.PersistentContext) (*persist.Snapshot, error) {
	snap, err := ps.Provider.Load(ctx, id)
	if err != nil || snap == nil {
		return nil, err
	}
	if err := snap.DecodeInto(pctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (ps ProviderStore) DeleteContext(ctx context.Context, id string) error {
	return ps.Provider.Delete(ctx, id)
}

// GraphStore adapts a graph persister into a Persister, so machines with
// annotated child entities round-trip their whole graph on eviction and
// rehydration.
type GraphStore struct {
	Graph *persist.GraphPersister
}

func (gs GraphStore) SaveContext(ctx context.Context, pctx fsm.PersistentContext, createdAt time.Time) error {
	return gs.Graph.SaveGraph(ctx, pctx, createdAt)
}

func (gs GraphStore) LoadContext(ctx context.Context, id string, pctx fsm.PersistentContext) (*persist.Snapshot, error) {
	return gs.Graph.LoadGraph(ctx, id, pctx)
}

func (gs GraphStore) DeleteContext(ctx context.Context, id string) error {
	return gs.Graph.DeleteGraph(ctx, id)
}
