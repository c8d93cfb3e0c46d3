package persist

import (
	"context"
	"sync"
)

// MemoryProvider is a map-backed provider used by tests and embedded
// deployments. It implements both the snapshot Provider and the child-row
// RowStore, so a full graph round trip needs no database.
type MemoryProvider struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
	rows  map[string]map[string]Row // table -> row id -> row
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		snaps: make(map[string]*Snapshot),
		rows:  make(map[string]map[string]Row),
	}
}

func (mp *MemoryProvider) Initialize(ctx context.Context) error {
	return nil
}

func (mp *MemoryProvider) Save(ctx context.Context, snap *Snapshot) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.snaps[snap.ID] = copySnapshot(snap)
	return nil
}

// SaveBatch implements BatchSaver.
func (mp *MemoryProvider) SaveBatch(ctx context.Context, snaps []*Snapshot) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, snap := range snaps {
		mp.snaps[snap.ID] = copySnapshot(snap)
	}
	return nil
}

func (mp *MemoryProvider) Load(ctx context.Context, id string) (*Snapshot, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	snap, ok := mp.snaps[id]
	if !ok {
		return nil, nil
	}
	return copySnapshot(snap), nil
}

func (mp *MemoryProvider) Exists(ctx context.Context, id string) (bool, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, ok := mp.snaps[id]
	return ok, nil
}

func (mp *MemoryProvider) Delete(ctx context.Context, id string) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.snaps, id)
	return nil
}

func (mp *MemoryProvider) Close() error {
	return nil
}

// Count returns the number of stored snapshots.
func (mp *MemoryProvider) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.snaps)
}

func (mp *MemoryProvider) UpsertRows(ctx context.Context, table string, rows []Row) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	t, ok := mp.rows[table]
	if !ok {
		t = make(map[string]Row)
		mp.rows[table] = t
	}
	for _, row := range rows {
		t[row.ID] = copyRow(row)
	}
	return nil
}

func (mp *MemoryProvider) FindRowsByRoot(ctx context.Context, table, rootID string) ([]Row, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	var out []Row
	for _, row := range mp.rows[table] {
		if row.RootID == rootID {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func (mp *MemoryProvider) FindRowByKey(ctx context.Context, table, rootID, key string) (*Row, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	for _, row := range mp.rows[table] {
		if row.RootID == rootID && row.Key == key {
			c := copyRow(row)
			return &c, nil
		}
	}
	return nil, nil
}

func (mp *MemoryProvider) DeleteRowsByRoot(ctx context.Context, table, rootID string) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for id, row := range mp.rows[table] {
		if row.RootID == rootID {
			delete(mp.rows[table], id)
		}
	}
	return nil
}

// RowCount returns the number of rows stored in table.
func (mp *MemoryProvider) RowCount(table string) int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.rows[table])
}

func copySnapshot(snap *Snapshot) *Snapshot {
	c := *snap
	if snap.EntityData != nil {
		c.EntityData = make([]byte, len(snap.EntityData))
		copy(c.EntityData, snap.EntityData)
	}
	return &c
}

func copyRow(row Row) Row {
	c := row
	if row.Data != nil {
		c.Data = make([]byte, len(row.Data))
		copy(c.Data, row.Data)
	}
	return c
}
