// Package sqlstore is the database/sql-backed machine store using the
// MONTHLY partitioning strategy: one physical table per month, named
// <base>_YYYY_MM. Rows are routed by the machine's creation time; readers
// scan backwards from the current month within the retention window.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/persist"
	"github.com/statorio/stator/pkg/persist/partition"
)

// Config configures a Store.
type Config struct {
	// BaseTable is the logical root table name; monthly suffixes are
	// appended to it and to every child table.
	BaseTable string

	// RetentionMonths bounds the backward scan on load and the age of
	// partitions kept by maintenance.
	RetentionMonths int

	// AutoCreate creates missing monthly tables on first use.
	AutoCreate bool

	// Postgres switches placeholders to $N syntax. The default is ?
	// syntax (sqlite3, mysql).
	Postgres bool
}

// Store implements persist.Provider, persist.BatchSaver, persist.RowStore
// and persist.Maintainer over a db.Pool.
type Store struct {
	pool   *db.Pool
	config Config
	logger core.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New creates a store. Initialize must be called before use.
func New(pool *db.Pool, config Config, logger core.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if config.BaseTable == "" {
		return nil, fmt.Errorf("base table is required")
	}
	if config.RetentionMonths <= 0 {
		config.RetentionMonths = 12
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Store{pool: pool, config: config, logger: logger, ensured: make(map[string]bool)}, nil
}

// Initialize creates the current month's root table.
func (s *Store) Initialize(ctx context.Context) error {
	return s.ensureRootTable(ctx, partition.MonthlyTableName(s.config.BaseTable, time.Now()))
}

// Save upserts the snapshot into the month table of its creation time.
func (s *Store) Save(ctx context.Context, snap *persist.Snapshot) error {
	return s.SaveBatch(ctx, []*persist.Snapshot{snap})
}

// SaveBatch groups snapshots by target month table and issues one
// multi-row upsert per table.
func (s *Store) SaveBatch(ctx context.Context, snaps []*persist.Snapshot) error {
	byTable := make(map[string][]*persist.Snapshot)
	for _, snap := range snaps {
		table := partition.MonthlyTableName(s.config.BaseTable, snap.CreatedAt)
		byTable[table] = append(byTable[table], snap)
	}

	for table, group := range byTable {
		if err := s.ensureRootTable(ctx, table); err != nil {
			return err
		}
		placeholders := make([]string, 0, len(group))
		args := make([]interface{}, 0, len(group)*6)
		for _, snap := range group {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?)")
			args = append(args, snap.ID, snap.CurrentState, snap.LastStateChange.UnixNano(),
				boolToInt(snap.Complete), snap.CreatedAt.Unix(), string(snap.EntityData))
		}
		query := fmt.Sprintf(
			`INSERT INTO %s (id, current_state, last_state_change, complete, created_at, entity_data)
			 VALUES %s
			 ON CONFLICT (id, created_at) DO UPDATE SET
			   current_state = excluded.current_state,
			   last_state_change = excluded.last_state_change,
			   complete = excluded.complete,
			   entity_data = excluded.entity_data`,
			table, strings.Join(placeholders, ", "))
		if _, err := s.pool.Exec(ctx, s.rebind(query), args...); err != nil {
			return fmt.Errorf("upsert %d rows into %s: %w", len(group), table, err)
		}
	}
	return nil
}

// Load scans month tables backwards from the current month within the
// retention window and returns the newest row for the id, or (nil, nil).
func (s *Store) Load(ctx context.Context, id string) (*persist.Snapshot, error) {
	for _, month := range partition.MonthsBack(time.Now(), s.config.RetentionMonths) {
		table := partition.MonthlyTableName(s.config.BaseTable, month)
		if err := s.ensureRootTable(ctx, table); err != nil {
			return nil, err
		}

		query := s.rebind(fmt.Sprintf(
			`SELECT id, current_state, last_state_change, complete, created_at, entity_data
			 FROM %s WHERE id = ? ORDER BY created_at DESC LIMIT 1`, table))
		snap, err := s.scanSnapshot(s.pool.QueryRow(ctx, query, id))
		if err != nil {
			return nil, fmt.Errorf("load %s from %s: %w", id, table, err)
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, nil
}

// Exists reports whether any row exists for the id in the retention
// window.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	snap, err := s.Load(ctx, id)
	return snap != nil, err
}

// Delete removes the id's root rows from every month in the retention
// window.
func (s *Store) Delete(ctx context.Context, id string) error {
	for _, month := range partition.MonthsBack(time.Now(), s.config.RetentionMonths) {
		table := partition.MonthlyTableName(s.config.BaseTable, month)
		if err := s.ensureRootTable(ctx, table); err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)), id); err != nil {
			return fmt.Errorf("delete %s from %s: %w", id, table, err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// UpsertRows writes child rows into the month tables of their creation
// times.
func (s *Store) UpsertRows(ctx context.Context, table string, rows []persist.Row) error {
	byTable := make(map[string][]persist.Row)
	for _, row := range rows {
		monthly := partition.MonthlyTableName(table, time.Unix(row.CreatedAt, 0))
		byTable[monthly] = append(byTable[monthly], row)
	}

	for monthly, group := range byTable {
		if err := s.ensureChildTable(ctx, monthly); err != nil {
			return err
		}
		placeholders := make([]string, 0, len(group))
		args := make([]interface{}, 0, len(group)*5)
		for _, row := range group {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
			args = append(args, row.ID, row.RootID, row.CreatedAt, row.Key, string(row.Data))
		}
		query := fmt.Sprintf(
			`INSERT INTO %s (id, root_id, created_at, skey, data)
			 VALUES %s
			 ON CONFLICT (id, created_at) DO UPDATE SET
			   root_id = excluded.root_id,
			   skey = excluded.skey,
			   data = excluded.data`,
			monthly, strings.Join(placeholders, ", "))
		if _, err := s.pool.Exec(ctx, s.rebind(query), args...); err != nil {
			return fmt.Errorf("upsert %d rows into %s: %w", len(group), monthly, err)
		}
	}
	return nil
}

// FindRowsByRoot collects the root's child rows across the retention
// window.
func (s *Store) FindRowsByRoot(ctx context.Context, table, rootID string) ([]persist.Row, error) {
	var out []persist.Row
	for _, month := range partition.MonthsBack(time.Now(), s.config.RetentionMonths) {
		monthly := partition.MonthlyTableName(table, month)
		if err := s.ensureChildTable(ctx, monthly); err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, s.rebind(fmt.Sprintf(
			"SELECT id, root_id, created_at, skey, data FROM %s WHERE root_id = ?", monthly)), rootID)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", monthly, err)
		}
		got, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", monthly, err)
		}
		out = append(out, got...)
	}
	return out, nil
}

// FindRowByKey finds the root's singleton row under key, or (nil, nil).
func (s *Store) FindRowByKey(ctx context.Context, table, rootID, key string) (*persist.Row, error) {
	for _, month := range partition.MonthsBack(time.Now(), s.config.RetentionMonths) {
		monthly := partition.MonthlyTableName(table, month)
		if err := s.ensureChildTable(ctx, monthly); err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, s.rebind(fmt.Sprintf(
			"SELECT id, root_id, created_at, skey, data FROM %s WHERE root_id = ? AND skey = ? LIMIT 1", monthly)),
			rootID, key)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", monthly, err)
		}
		got, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", monthly, err)
		}
		if len(got) > 0 {
			return &got[0], nil
		}
	}
	return nil, nil
}

// DeleteRowsByRoot removes the root's child rows across the retention
// window.
func (s *Store) DeleteRowsByRoot(ctx context.Context, table, rootID string) error {
	for _, month := range partition.MonthsBack(time.Now(), s.config.RetentionMonths) {
		monthly := partition.MonthlyTableName(table, month)
		if err := s.ensureChildTable(ctx, monthly); err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, s.rebind(fmt.Sprintf("DELETE FROM %s WHERE root_id = ?", monthly)), rootID); err != nil {
			return fmt.Errorf("delete from %s: %w", monthly, err)
		}
	}
	return nil
}

// DeletePartitionsOlderThan drops month tables whose month is strictly
// before the cutoff's month. The active month is never dropped. Returns
// the number of dropped tables.
//
// Root month tables are enumerated from the database catalog, so tables
// created by earlier processes age out too. Child month tables are found
// through the session cache, since their base names are only known once
// a graph touches them.
func (s *Store) DeletePartitionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	limit := partition.MonthStart(cutoff)
	active := partition.MonthStart(time.Now())

	candidates := make(map[string]bool)
	catalog, err := s.listMonthTables(ctx, s.config.BaseTable)
	if err != nil {
		return 0, err
	}
	for _, table := range catalog {
		candidates[table] = true
	}
	s.mu.Lock()
	for table := range s.ensured {
		candidates[table] = true
	}
	s.mu.Unlock()

	tables := make([]string, 0, len(candidates))
	for table := range candidates {
		tables = append(tables, table)
	}

	dropped := 0
	for _, table := range tables {
		month, ok := monthOf(table)
		if !ok {
			continue
		}
		if !month.Before(limit) || month.Equal(active) {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return dropped, fmt.Errorf("drop %s: %w", table, err)
		}
		s.mu.Lock()
		delete(s.ensured, table)
		s.mu.Unlock()
		s.logger.Infof("dropped partition table %s", table)
		dropped++
	}
	return dropped, nil
}

// listMonthTables returns the existing tables named <base>_YYYY_MM.
func (s *Store) listMonthTables(ctx context.Context, base string) ([]string, error) {
	query := "SELECT name FROM sqlite_master WHERE type = 'table'"
	if s.config.Postgres {
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()"
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	prefix := base + "_"
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, ok := monthOf(name); !ok {
			continue
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) ensureRootTable(ctx context.Context, table string) error {
	return s.ensure(ctx, table, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		   id TEXT NOT NULL,
		   current_state TEXT NOT NULL,
		   last_state_change BIGINT NOT NULL,
		   complete INTEGER NOT NULL,
		   created_at BIGINT NOT NULL,
		   entity_data TEXT,
		   PRIMARY KEY (id, created_at)
		 )`, table))
}

func (s *Store) ensureChildTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		   id TEXT NOT NULL,
		   root_id TEXT NOT NULL,
		   created_at BIGINT NOT NULL,
		   skey TEXT NOT NULL DEFAULT '',
		   data TEXT,
		   PRIMARY KEY (id, created_at)
		 )`, table)
	if err := s.ensure(ctx, table, ddl); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_root ON %s (root_id)", table, table))
	return err
}

func (s *Store) ensure(ctx context.Context, table, ddl string) error {
	s.mu.Lock()
	done := s.ensured[table]
	s.mu.Unlock()
	if done {
		return nil
	}
	if !s.config.AutoCreate {
		// Without auto-create the table is assumed provisioned.
		s.mu.Lock()
		s.ensured[table] = true
		s.mu.Unlock()
		return nil
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	s.mu.Lock()
	s.ensured[table] = true
	s.mu.Unlock()
	return nil
}

// rebind converts ? placeholders to $N when targeting postgres.
func (s *Store) rebind(query string) string {
	if !s.config.Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) scanSnapshot(row *sql.Row) (*persist.Snapshot, error) {
	var (
		snap     persist.Snapshot
		lscNanos int64
		complete int
		created  int64
		data     sql.NullString
	)
	err := row.Scan(&snap.ID, &snap.CurrentState, &lscNanos, &complete, &created, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.LastStateChange = time.Unix(0, lscNanos)
	snap.Complete = complete != 0
	snap.CreatedAt = time.Unix(created, 0)
	if data.Valid {
		snap.EntityData = []byte(data.String)
	}
	return &snap, nil
}

func scanRows(rows *sql.Rows) ([]persist.Row, error) {
	defer rows.Close()
	var out []persist.Row
	for rows.Next() {
		var (
			row  persist.Row
			data sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.RootID, &row.CreatedAt, &row.Key, &data); err != nil {
			return nil, err
		}
		if data.Valid {
			row.Data = []byte(data.String)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// monthOf parses the _YYYY_MM suffix of a monthly table name.
func monthOf(table string) (time.Time, bool) {
	parts := strings.Split(table, "_")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || year < 1970 {
		return time.Time{}, false
	}
	month, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
