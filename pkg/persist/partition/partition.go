// Package partition holds the deterministic naming and boundary math for
// date- and key-partitioned machine tables. Stores call into it so that
// table names, partition names, and month boundaries are computed in one
// place and stay consistent between writers, readers, and maintenance.
package partition

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Strategy selects how a store physically splits the base table.
type Strategy int

const (
	// Monthly uses one physical table per month: <base>_YYYY_MM.
	Monthly Strategy = iota

	// Range uses one table declaratively partitioned by createdAt ranges,
	// with partitions named pYYYYMM and a p_history catch-all.
	Range

	// Hash uses one table partitioned by a hash of the machine id into a
	// fixed number of buckets named p0..pN-1.
	Hash
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case Monthly:
		return "MONTHLY"
	case Range:
		return "RANGE"
	case Hash:
		return "HASH"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MONTHLY", "":
		return Monthly, nil
	case "RANGE":
		return Range, nil
	case "HASH", "KEY", "HASH/KEY":
		return Hash, nil
	default:
		return Monthly, fmt.Errorf("unknown partition strategy %q", s)
	}
}

// MonthlyTableName returns the physical table for rows created at t, in
// the form <base>_YYYY_MM.
func MonthlyTableName(base string, t time.Time) string {
	return fmt.Sprintf("%s_%04d_%02d", base, t.Year(), int(t.Month()))
}

// RangeName returns the declared partition name for the month of t, in
// the form pYYYYMM.
func RangeName(t time.Time) string {
	return fmt.Sprintf("p%04d%02d", t.Year(), int(t.Month()))
}

// HistoryName is the catch-all partition for rows older than every
// declared range.
const HistoryName = "p_history"

// HashName returns the bucket partition name for index i.
func HashName(i int) string {
	return fmt.Sprintf("p%d", i)
}

// HashBucket maps a machine id to one of n buckets. The mapping is stable
// across processes.
func HashBucket(id string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}

// MonthStart truncates t to the first instant of its month in UTC.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the first instant of the month after t's month.
func NextMonth(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// AddMonths returns the first instant of t's month shifted by n months.
func AddMonths(t time.Time, n int) time.Time {
	return MonthStart(t).AddDate(0, n, 0)
}

// MonthsBack lists the month starts from t's month going backwards n
// months inclusive, newest first. Readers scan these when the target
// month of a row is unknown.
func MonthsBack(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, AddMonths(t, -i))
	}
	return out
}
