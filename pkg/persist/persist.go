// Package persist defines the persistence provider contract for machine
// snapshots and the selective multi-entity graph layered on top of it.
//
// The root row persisted for every machine carries the machine id, the
// current state, the last state change, the completion flag, the creation
// time (the partition key for time-based strategies), and an opaque JSON
// blob of the persistent context. Child entities are persisted iff their
// type carries the ShardingEntity capability and the field is registered
// in the root's graph spec; everything else is volatile, however deep it
// nests.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/fsm"
)

// Snapshot is the persistent root row for one machine.
type Snapshot struct {
	ID              string    `json:"id"`
	CurrentState    string    `json:"currentState"`
	LastStateChange time.Time `json:"lastStateChange"`
	Complete        bool      `json:"complete"`
	CreatedAt       time.Time `json:"createdAt"`
	EntityData      []byte    `json:"entityData,omitempty"`
}

// Provider is the uniform save/load/delete contract over a machine id.
// Save and load are atomic from the caller's viewpoint.
type Provider interface {
	// Initialize prepares the underlying storage (tables, partitions).
	Initialize(ctx context.Context) error

	// Save upserts the snapshot row.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the snapshot for the id, or (nil, nil) when the
	// machine has never been persisted.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Exists reports whether a row exists for the id.
	Exists(ctx context.Context, id string) (bool, error)

	// Delete removes all rows for the id.
	Delete(ctx context.Context, id string) error

	// Close releases storage resources.
	Close() error
}

// BatchSaver is implemented by providers that can group multiple roots by
// target table and issue one batch per table.
type BatchSaver interface {
	SaveBatch(ctx context.Context, snaps []*Snapshot) error
}

// Maintainer is implemented by providers that support partition
// maintenance. Maintenance never touches the active partition.
type Maintainer interface {
	DeletePartitionsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SnapshotContext builds a snapshot row from a machine's persistent
// context. createdAt is preserved across saves of the same machine; pass
// the zero value on first save to stamp it now.
func SnapshotContext(pctx fsm.PersistentContext, createdAt time.Time) (*Snapshot, error) {
	if pctx == nil {
		return nil, fmt.Errorf("persistent context is required")
	}

	data, err := core.JSONEncode(pctx)
	if err != nil {
		return nil, fmt.Errorf("encode persistent context for %s: %w", pctx.ID(), err)
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Snapshot{
		ID:              pctx.ID(),
		CurrentState:    pctx.CurrentState(),
		LastStateChange: pctx.LastStateChange(),
		Complete:        pctx.Complete(),
		CreatedAt:       createdAt,
		EntityData:      data,
	}, nil
}

// DecodeInto restores a persistent context from the snapshot. The blob is
// the source of truth for context fields; the state columns are applied
// afterwards so the FSM state always matches the row.
func (s *Snapshot) DecodeInto(pctx fsm.PersistentContext) error {
	if len(s.EntityData) > 0 {
		if err := core.JSONDecode(s.EntityData, pctx); err != nil {
			return fmt.Errorf("decode persistent context for %s: %w", s.ID, err)
		}
	}
	pctx.SetCurrentState(s.CurrentState)
	pctx.SetLastStateChange(s.LastStateChange)
	pctx.SetComplete(s.Complete)
	return nil
}
