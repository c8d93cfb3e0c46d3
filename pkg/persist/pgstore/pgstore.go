// Package pgstore is the PostgreSQL machine store using declarative
// partitioning. RANGE mode partitions the base table by created_at month
// and pre-provisions forward partitions; HASH mode partitions by machine
// id into a fixed number of buckets. Both modes keep a single logical
// table, so reads are one query.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/persist"
	"github.com/statorio/stator/pkg/persist/partition"
)

// Config configures a Store.
type Config struct {
	// BaseTable is the partitioned root table name.
	BaseTable string

	// Strategy selects RANGE or HASH partitioning. MONTHLY is served by
	// the sqlstore package.
	Strategy partition.Strategy

	// ForwardMonths is how many future month partitions RANGE mode
	// provisions ahead of the current month.
	ForwardMonths int

	// RetentionMonths is how many past month partitions RANGE mode
	// provisions behind the current month.
	RetentionMonths int

	// HashBuckets is the bucket count for HASH mode.
	HashBuckets int

	// AutoCreate creates the table and partitions on Initialize.
	AutoCreate bool
}

// Store implements persist.Provider, persist.BatchSaver, persist.RowStore
// and persist.Maintainer over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	config Config
	logger core.Logger
}

// New creates a store. Initialize must be called before use.
func New(pool *pgxpool.Pool, config Config, logger core.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if config.BaseTable == "" {
		return nil, fmt.Errorf("base table is required")
	}
	switch config.Strategy {
	case partition.Range:
		if config.ForwardMonths <= 0 {
			config.ForwardMonths = 3
		}
		if config.RetentionMonths <= 0 {
			config.RetentionMonths = 12
		}
	case partition.Hash:
		if config.HashBuckets <= 0 {
			config.HashBuckets = 16
		}
	default:
		return nil, fmt.Errorf("pgstore supports RANGE and HASH strategies, got %s", config.Strategy)
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Store{pool: pool, config: config, logger: logger}, nil
}

// Initialize creates the partitioned table and its partitions when
// auto-create is enabled.
func (s *Store) Initialize(ctx context.Context) error {
	if !s.config.AutoCreate {
		return nil
	}

	switch s.config.Strategy {
	case partition.Range:
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			   id TEXT NOT NULL,
			   current_state TEXT NOT NULL,
			   last_state_change TIMESTAMPTZ NOT NULL,
			   complete BOOLEAN NOT NULL,
			   created_at TIMESTAMPTZ NOT NULL,
			   entity_data JSONB,
			   PRIMARY KEY (id, created_at)
			 ) PARTITION BY RANGE (created_at)`, s.config.BaseTable)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", s.config.BaseTable, err)
		}
		if err := s.ProvisionForward(ctx, time.Now()); err != nil {
			return err
		}
		// The catch-all takes rows whose created_at falls outside every
		// declared month, so re-saves of machines older than the
		// provisioned window never fail partition routing.
		hist := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s_%s PARTITION OF %s DEFAULT",
			s.config.BaseTable, partition.HistoryName, s.config.BaseTable)
		if _, err := s.pool.Exec(ctx, hist); err != nil {
			return fmt.Errorf("create history partition: %w", err)
		}
		return nil

	case partition.Hash:
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			   id TEXT NOT NULL,
			   current_state TEXT NOT NULL,
			   last_state_change TIMESTAMPTZ NOT NULL,
			   complete BOOLEAN NOT NULL,
			   created_at TIMESTAMPTZ NOT NULL,
			   entity_data JSONB,
			   PRIMARY KEY (id, created_at)
			 ) PARTITION BY HASH (id)`, s.config.BaseTable)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", s.config.BaseTable, err)
		}
		for i := 0; i < s.config.HashBuckets; i++ {
			p := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s_%s PARTITION OF %s
				 FOR VALUES WITH (MODULUS %d, REMAINDER %d)`,
				s.config.BaseTable, partition.HashName(i), s.config.BaseTable, s.config.HashBuckets, i)
			if _, err := s.pool.Exec(ctx, p); err != nil {
				return fmt.Errorf("create hash partition %d: %w", i, err)
			}
		}
	}
	return nil
}

// ProvisionForward creates month partitions from RetentionMonths behind
// now through ForwardMonths ahead. Called at Initialize and safe to call
// periodically from a maintenance ticker.
func (s *Store) ProvisionForward(ctx context.Context, now time.Time) error {
	if s.config.Strategy != partition.Range {
		return nil
	}
	for i := -s.config.RetentionMonths; i <= s.config.ForwardMonths; i++ {
		month := partition.AddMonths(now, i)
		name := fmt.Sprintf("%s_%s", s.config.BaseTable, partition.RangeName(month))
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s
			 FOR VALUES FROM ('%s') TO ('%s')`,
			name, s.config.BaseTable,
			month.Format("2006-01-02"), partition.NextMonth(month).Format("2006-01-02"))
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create range partition %s: %w", name, err)
		}
	}
	return nil
}

const upsertSQL = `INSERT INTO %s (id, current_state, last_state_change, complete, created_at, entity_data)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id, created_at) DO UPDATE SET
  current_state = EXCLUDED.current_state,
  last_state_change = EXCLUDED.last_state_change,
  complete = EXCLUDED.complete,
  entity_data = EXCLUDED.entity_data`

// Save upserts one snapshot.
func (s *Store) Save(ctx context.Context, snap *persist.Snapshot) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(upsertSQL, s.config.BaseTable),
		snap.ID, snap.CurrentState, snap.LastStateChange, snap.Complete, snap.CreatedAt, snap.EntityData)
	if err != nil {
		return fmt.Errorf("upsert %s into %s: %w", snap.ID, s.config.BaseTable, err)
	}
	return nil
}

// SaveBatch pipelines all upserts in one batch round trip.
func (s *Store) SaveBatch(ctx context.Context, snaps []*persist.Snapshot) error {
	batch := &pgx.Batch{}
	sql := fmt.Sprintf(upsertSQL, s.config.BaseTable)
	for _, snap := range snaps {
		batch.Queue(sql, snap.ID, snap.CurrentState, snap.LastStateChange, snap.Complete, snap.CreatedAt, snap.EntityData)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snaps {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch upsert into %s: %w", s.config.BaseTable, err)
		}
	}
	return nil
}

// Load returns the newest row for the id, or (nil, nil). Partition
// pruning keeps this a single indexed query in both modes.
func (s *Store) Load(ctx context.Context, id string) (*persist.Snapshot, error) {
	query := fmt.Sprintf(
		`SELECT id, current_state, last_state_change, complete, created_at, entity_data
		 FROM %s WHERE id = $1 ORDER BY created_at DESC LIMIT 1`, s.config.BaseTable)

	var snap persist.Snapshot
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&snap.ID, &snap.CurrentState, &snap.LastStateChange, &snap.Complete, &snap.CreatedAt, &snap.EntityData)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from %s: %w", id, s.config.BaseTable, err)
	}
	return &snap, nil
}

// Exists reports whether a row exists for the id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1 LIMIT 1", s.config.BaseTable), id).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes all rows for the id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.config.BaseTable), id)
	return err
}

// Close is a no-op; the pgx pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// ensureChildTable creates a plain child table. Child tables are not
// declaratively partitioned; the root table's pruning carries the load.
func (s *Store) ensureChildTable(ctx context.Context, table string) error {
	if !s.config.AutoCreate {
		return nil
	}
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		   id TEXT NOT NULL,
		   root_id TEXT NOT NULL,
		   created_at BIGINT NOT NULL,
		   skey TEXT NOT NULL DEFAULT '',
		   data JSONB,
		   PRIMARY KEY (id, created_at)
		 )`, table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_root ON %s (root_id)", table, table))
	return err
}

// UpsertRows pipelines child-row upserts in one batch.
func (s *Store) UpsertRows(ctx context.Context, table string, rows []persist.Row) error {
	if err := s.ensureChildTable(ctx, table); err != nil {
		return err
	}
	sql := fmt.Sprintf(
		`INSERT INTO %s (id, root_id, created_at, skey, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id, created_at) DO UPDATE SET
		   root_id = EXCLUDED.root_id,
		   skey = EXCLUDED.skey,
		   data = EXCLUDED.data`, table)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(sql, row.ID, row.RootID, row.CreatedAt, row.Key, row.Data)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch upsert into %s: %w", table, err)
		}
	}
	return nil
}

// FindRowsByRoot returns all child rows of the root in table.
func (s *Store) FindRowsByRoot(ctx context.Context, table, rootID string) ([]persist.Row, error) {
	if err := s.ensureChildTable(ctx, table); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT id, root_id, created_at, skey, data FROM %s WHERE root_id = $1", table), rootID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []persist.Row
	for rows.Next() {
		var row persist.Row
		if err := rows.Scan(&row.ID, &row.RootID, &row.CreatedAt, &row.Key, &row.Data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FindRowByKey finds the root's singleton row under key, or (nil, nil).
func (s *Store) FindRowByKey(ctx context.Context, table, rootID, key string) (*persist.Row, error) {
	if err := s.ensureChildTable(ctx, table); err != nil {
		return nil, err
	}
	var row persist.Row
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT id, root_id, created_at, skey, data FROM %s WHERE root_id = $1 AND skey = $2 LIMIT 1", table),
		rootID, key).Scan(&row.ID, &row.RootID, &row.CreatedAt, &row.Key, &row.Data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return &row, nil
}

// DeleteRowsByRoot removes the root's child rows from table.
func (s *Store) DeleteRowsByRoot(ctx context.Context, table, rootID string) error {
	if err := s.ensureChildTable(ctx, table); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE root_id = $1", table), rootID)
	return err
}

// DeletePartitionsOlderThan detaches and drops RANGE partitions whose
// month is strictly before the cutoff's month. The active month and the
// history catch-all are never dropped. HASH mode has no age-based
// partitions and returns 0.
func (s *Store) DeletePartitionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s.config.Strategy != partition.Range {
		return 0, nil
	}

	limit := partition.MonthStart(cutoff)
	active := partition.MonthStart(time.Now())

	dropped := 0
	// Walk known month partitions backwards from the cutoff over the
	// retention horizon.
	for i := 1; i <= s.config.RetentionMonths+12; i++ {
		month := partition.AddMonths(limit, -i)
		if month.Equal(active) {
			continue
		}
		name := fmt.Sprintf("%s_%s", s.config.BaseTable, partition.RangeName(month))

		var exists bool
		err := s.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", name).Scan(&exists)
		if err != nil {
			return dropped, fmt.Errorf("check partition %s: %w", name, err)
		}
		if !exists {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", s.config.BaseTable, name)); err != nil {
			return dropped, fmt.Errorf("detach partition %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE %s", name)); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", name, err)
		}
		s.logger.Infof("dropped partition %s", name)
		dropped++
	}
	return dropped, nil
}
