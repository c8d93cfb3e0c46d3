package db

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestNewPool_ValidatesConfig(t *testing.T) {
	cases := []struct {
		name   string
		config PoolConfig
	}{
		{"empty dsn", PoolConfig{DriverName: "sqlite3", MaxOpenConns: 1}},
		{"empty driver", PoolConfig{DSN: ":memory:", MaxOpenConns: 1}},
		{"zero max open", PoolConfig{DSN: ":memory:", DriverName: "sqlite3"}},
		{"idle above open", PoolConfig{DSN: ":memory:", DriverName: "sqlite3", MaxOpenConns: 1, MaxIdleConns: 5}},
		{"negative lifetime", PoolConfig{DSN: ":memory:", DriverName: "sqlite3", MaxOpenConns: 1, ConnMaxLifetime: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPool(tc.config); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}
}

func TestPool_OpenQueryClose(t *testing.T) {
	pool, err := NewPool(DefaultPoolConfig(":memory:", "sqlite3"))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := pool.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, "INSERT INTO t (id) VALUES (?)", "a"); err != nil {
		t.Fatal(err)
	}

	var id string
	if err := pool.QueryRow(ctx, "SELECT id FROM t").Scan(&id); err != nil {
		t.Fatal(err)
	}
	if id != "a" {
		t.Errorf("got %q", id)
	}

	if pool.Stats().MaxOpenConnections != 25 {
		t.Errorf("pool limit not applied: %d", pool.Stats().MaxOpenConnections)
	}

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPool_EmptyQueryRejected(t *testing.T) {
	pool, err := NewPool(DefaultPoolConfig(":memory:", "sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if _, err := pool.Query(context.Background(), ""); err == nil {
		t.Error("empty query must be rejected")
	}
	if _, err := pool.Exec(context.Background(), ""); err == nil {
		t.Error("empty statement must be rejected")
	}
}
