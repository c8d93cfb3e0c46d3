package config

import (
	"fmt"
	"time"

	"github.com/statorio/stator/pkg/persist/partition"
)

// RuntimeConfig is the full configuration of the machine runtime.
type RuntimeConfig struct {
	Registry    RegistryConfig    `yaml:"registry" json:"registry"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Inspector   InspectorConfig   `yaml:"inspector" json:"inspector"`
	Nats        NatsConfig        `yaml:"nats" json:"nats"`
}

// RegistryConfig tunes admission, throttling and saving.
type RegistryConfig struct {
	MaxConcurrentMachines int           `yaml:"maxConcurrentMachines" json:"maxConcurrentMachines"`
	MaxTPS                float64       `yaml:"maxTps" json:"maxTps"`
	TPSBurst              int           `yaml:"tpsBurst" json:"tpsBurst"`
	ListenerQueue         int           `yaml:"listenerQueue" json:"listenerQueue"`
	AsyncSave             bool          `yaml:"asyncSave" json:"asyncSave"`
	SaveWorkers           int           `yaml:"saveWorkers" json:"saveWorkers"`
	SaveQueue             int           `yaml:"saveQueue" json:"saveQueue"`
	SaveRetries           int           `yaml:"saveRetries" json:"saveRetries"`
	SaveBackoff           time.Duration `yaml:"saveBackoff" json:"saveBackoff"`
	DrainTimeout          time.Duration `yaml:"drainTimeout" json:"drainTimeout"`
}

// PersistenceConfig selects and tunes the store.
type PersistenceConfig struct {
	// Driver is "memory", "sqlite3" or "postgres".
	Driver string `yaml:"driver" json:"driver"`

	DSN       string `yaml:"dsn" json:"dsn"`
	BaseTable string `yaml:"baseTable" json:"baseTable"`

	// Strategy is MONTHLY, RANGE or HASH.
	Strategy string `yaml:"strategy" json:"strategy"`

	RetentionMonths int  `yaml:"retentionMonths" json:"retentionMonths"`
	ForwardMonths   int  `yaml:"forwardMonths" json:"forwardMonths"`
	HashBuckets     int  `yaml:"hashBuckets" json:"hashBuckets"`
	AutoCreate      bool `yaml:"autoCreate" json:"autoCreate"`

	MaxOpenConns int `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns int `yaml:"maxIdleConns" json:"maxIdleConns"`
}

// InspectorConfig configures the HTTP inspector.
type InspectorConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// NatsConfig configures the registry notification bridge.
type NatsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Prefix  string `yaml:"prefix" json:"prefix"`
}

// Default returns the runtime defaults. File and environment values are
// layered on top.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Registry: RegistryConfig{
			MaxConcurrentMachines: 100000,
			TPSBurst:              64,
			ListenerQueue:         4096,
			SaveWorkers:           4,
			SaveQueue:             1024,
			SaveRetries:           5,
			SaveBackoff:           100 * time.Millisecond,
			DrainTimeout:          10 * time.Second,
		},
		Persistence: PersistenceConfig{
			Driver:          "memory",
			BaseTable:       "machines",
			Strategy:        "MONTHLY",
			RetentionMonths: 12,
			ForwardMonths:   3,
			HashBuckets:     16,
			AutoCreate:      true,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
		},
		Inspector: InspectorConfig{
			Enabled: true,
			Addr:    ":8190",
		},
		Nats: NatsConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "stator",
		},
	}
}

// LoadRuntime layers a config file (optional) and STATOR_ environment
// overrides over the defaults.
func LoadRuntime(path string) (RuntimeConfig, error) {
	cfg := Default()
	if path != "" {
		if err := Load(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnvOverrides("STATOR", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *RuntimeConfig) Validate() error {
	if c.Registry.MaxConcurrentMachines < 0 {
		return fmt.Errorf("registry.maxConcurrentMachines cannot be negative")
	}
	if c.Registry.MaxTPS < 0 {
		return fmt.Errorf("registry.maxTps cannot be negative")
	}
	if c.Registry.SaveRetries < 0 {
		return fmt.Errorf("registry.saveRetries cannot be negative")
	}

	switch c.Persistence.Driver {
	case "memory", "sqlite3", "postgres":
	default:
		return fmt.Errorf("persistence.driver must be memory, sqlite3 or postgres, got %q", c.Persistence.Driver)
	}
	if c.Persistence.Driver != "memory" {
		if c.Persistence.DSN == "" {
			return fmt.Errorf("persistence.dsn is required for driver %s", c.Persistence.Driver)
		}
		if c.Persistence.BaseTable == "" {
			return fmt.Errorf("persistence.baseTable is required")
		}
	}
	strategy, err := partition.ParseStrategy(c.Persistence.Strategy)
	if err != nil {
		return fmt.Errorf("persistence.strategy: %w", err)
	}
	if c.Persistence.Driver == "sqlite3" && strategy != partition.Monthly {
		return fmt.Errorf("sqlite3 supports only the MONTHLY strategy")
	}
	if c.Persistence.RetentionMonths < 0 || c.Persistence.ForwardMonths < 0 {
		return fmt.Errorf("persistence partition windows cannot be negative")
	}

	if c.Inspector.Enabled && c.Inspector.Addr == "" {
		return fmt.Errorf("inspector.addr is required when the inspector is enabled")
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return fmt.Errorf("nats.url is required when the bridge is enabled")
	}
	return nil
}
