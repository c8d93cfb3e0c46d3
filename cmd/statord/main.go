// statord hosts the machine runtime as a daemon: it loads the runtime
// configuration, opens the configured store, serves the order lifecycle
// over a NATS ingress, and exposes the registry through the HTTP
// inspector.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/statorio/stator/pkg/config"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/fanout"
	"github.com/statorio/stator/pkg/inspector"
	obsprom "github.com/statorio/stator/pkg/observability/prometheus"
	"github.com/statorio/stator/pkg/persist"
	"github.com/statorio/stator/pkg/persist/partition"
	"github.com/statorio/stator/pkg/persist/pgstore"
	"github.com/statorio/stator/pkg/persist/sqlstore"
	"github.com/statorio/stator/pkg/registry"
)

func main() {
	configPath := flag.String("config", "", "path to the runtime config file (YAML or JSON)")
	flag.Parse()

	logger := core.NewDefaultLogger()
	if err := run(*configPath, logger); err != nil {
		logger.Errorf("statord: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger core.Logger) error {
	cfg, err := config.LoadRuntime(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	metrics := obsprom.New()
	ctx := context.Background()

	provider, closeStore, err := openStore(ctx, cfg.Persistence, metrics, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	def, err := orderDefinition()
	if err != nil {
		return fmt.Errorf("build order definition: %w", err)
	}

	reg, err := registry.New(
		orderFactory(def, logger),
		registry.ProviderStore{Provider: provider},
		registry.Config{
			MaxConcurrentMachines: cfg.Registry.MaxConcurrentMachines,
			MaxTPS:                cfg.Registry.MaxTPS,
			TPSBurst:              cfg.Registry.TPSBurst,
			ListenerQueue:         cfg.Registry.ListenerQueue,
			AsyncSave:             cfg.Registry.AsyncSave,
			SaveWorkers:           cfg.Registry.SaveWorkers,
			SaveQueue:             cfg.Registry.SaveQueue,
			SaveRetries:           cfg.Registry.SaveRetries,
			SaveBackoff:           cfg.Registry.SaveBackoff,
			DrainTimeout:          cfg.Registry.DrainTimeout,
		},
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	if cfg.Nats.Enabled {
		bridge, err := fanout.NewBridge(cfg.Nats.URL, cfg.Nats.Prefix, logger)
		if err != nil {
			return fmt.Errorf("nats bridge: %w", err)
		}
		defer bridge.Close()
		bridge.Attach(reg)

		types, err := orderEventTypes()
		if err != nil {
			return fmt.Errorf("register event types: %w", err)
		}
		ingress, err := fanout.NewIngress(cfg.Nats.URL, cfg.Nats.Prefix, reg, types, logger)
		if err != nil {
			return fmt.Errorf("nats ingress: %w", err)
		}
		defer ingress.Close()
		logger.Infof("consuming events on %s.events.>", cfg.Nats.Prefix)
	}

	var ins *inspector.Inspector
	if cfg.Inspector.Enabled {
		ins = inspector.New(cfg.Inspector.Addr, reg, metrics, logger)
		go func() {
			if err := ins.Start(); err != nil {
				logger.Errorf("inspector: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Infof("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Registry.DrainTimeout+5*time.Second)
	defer cancel()
	if ins != nil {
		if err := ins.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("inspector shutdown: %v", err)
		}
	}
	return reg.Shutdown(shutdownCtx)
}

// openStore builds the configured persistence provider. The returned
// close function releases the underlying pool.
func openStore(ctx context.Context, cfg config.PersistenceConfig, metrics *obsprom.Metrics, logger core.Logger) (persist.Provider, func(), error) {
	strategy, err := partition.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Driver {
	case "memory":
		return persist.NewMemoryProvider(), func() {}, nil

	case "sqlite3":
		pool, err := db.NewPool(db.PoolConfig{
			DSN:          cfg.DSN,
			DriverName:   "sqlite3",
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite pool: %w", err)
		}
		store, err := sqlstore.New(pool, sqlstore.Config{
			BaseTable:       cfg.BaseTable,
			RetentionMonths: cfg.RetentionMonths,
			AutoCreate:      cfg.AutoCreate,
		}, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		metrics.ObserveDBStats(pool.Stats)
		return store, func() { pool.Close() }, nil

	case "postgres":
		if strategy == partition.Monthly {
			pool, err := db.NewPool(db.PoolConfig{
				DSN:          cfg.DSN,
				DriverName:   "postgres",
				MaxOpenConns: cfg.MaxOpenConns,
				MaxIdleConns: cfg.MaxIdleConns,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("open postgres pool: %w", err)
			}
			store, err := sqlstore.New(pool, sqlstore.Config{
				BaseTable:       cfg.BaseTable,
				RetentionMonths: cfg.RetentionMonths,
				AutoCreate:      cfg.AutoCreate,
				Postgres:        true,
			}, logger)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			if err := store.Initialize(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			metrics.ObserveDBStats(pool.Stats)
			return store, func() { pool.Close() }, nil
		}

		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open pgx pool: %w", err)
		}
		store, err := pgstore.New(pool, pgstore.Config{
			BaseTable:       cfg.BaseTable,
			Strategy:        strategy,
			ForwardMonths:   cfg.ForwardMonths,
			RetentionMonths: cfg.RetentionMonths,
			HashBuckets:     cfg.HashBuckets,
			AutoCreate:      cfg.AutoCreate,
		}, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}
