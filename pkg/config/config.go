// Package config holds the composed configuration for the counter
// subsystem, assembled the way the teacher's infrastructure config is:
// one struct per concern, sensible defaults, JSON file plus environment
// variable overrides, and startup validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level configuration for the pool/dispatcher/
// coordinator/definitions stack.
type Config struct {
	Pool        PoolConfig        `json:"pool"`
	Dispatcher  DispatcherConfig  `json:"dispatcher"`
	Database    DatabaseConfig    `json:"database"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Logging     LoggingConfig     `json:"logging"`
	Definitions DefinitionsConfig `json:"definitions"`
}

// PoolConfig configures the Process Pool Manager (spec.md §4.2).
type PoolConfig struct {
	WorkerCount       int           `json:"workerCount"`
	WorkerInitTimeout time.Duration `json:"workerInitTimeout"`
	ShutdownGrace     time.Duration `json:"shutdownGrace"`
}

// DispatcherConfig configures the Query Dispatcher (spec.md §4.3).
type DispatcherConfig struct {
	DefaultTimeout time.Duration `json:"defaultTimeout"`
	MaxConcurrency int           `json:"maxConcurrency"`
}

// DatabaseConfig configures the document-database connection each worker
// opens on INIT.
type DatabaseConfig struct {
	ConnectionString string         `json:"connectionString"`
	DatabaseName     string         `json:"databaseName"`
	Options          map[string]any `json:"options,omitempty"`
	FactsCollection  string         `json:"factsCollection"`
	IndexCollection  string         `json:"indexCollection"`
}

// CoordinatorConfig configures the Counter Execution Coordinator
// (spec.md §4.5).
type CoordinatorConfig struct {
	DepthLimit        int  `json:"depthLimit"`
	PerTypeLimit      int  `json:"perTypeLimit"`
	SingleStage       bool `json:"singleStage"`
	Debug             bool `json:"debug"`
	// StrictNames, when true, scopes counter names by their index type
	// ("T1.total") instead of the spec's default last-write-wins merge
	// across index types. Off by default to match spec.md exactly.
	StrictNames bool `json:"strictNames"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefinitionsConfig configures how counter definitions (pkg/defstore) are
// sourced: from a file, from Postgres, or both with the file watched for
// hot-reload.
type DefinitionsConfig struct {
	FilePath       string `json:"filePath,omitempty"`
	WatchFile      bool   `json:"watchFile"`
	PostgresDSN    string `json:"postgresDsn,omitempty"`
	MigrationsPath string `json:"migrationsPath,omitempty"`
}

// DefaultConfig returns the spec's stated defaults: workerCount 2,
// depthLimit capped at 1000, perTypeLimit 100, shutdown grace 5s.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			WorkerCount:       2,
			WorkerInitTimeout: 10 * time.Second,
			ShutdownGrace:     5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			DefaultTimeout: 5 * time.Second,
			MaxConcurrency: 4,
		},
		Database: DatabaseConfig{
			FactsCollection: "facts",
			IndexCollection: "indexEntries",
		},
		Coordinator: CoordinatorConfig{
			DepthLimit:   1000,
			PerTypeLimit: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads a Config from a JSON file (if configPath is non-empty),
// applies environment-variable overrides, validates, and returns it.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("COUNTERS_DB_CONNECTION_STRING"); v != "" {
		c.Database.ConnectionString = v
	}
	if v := os.Getenv("COUNTERS_DB_NAME"); v != "" {
		c.Database.DatabaseName = v
	}
	if v := os.Getenv("COUNTERS_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.WorkerCount = n
		}
	}
	if v := os.Getenv("COUNTERS_DEPTH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Coordinator.DepthLimit = n
		}
	}
	if v := os.Getenv("COUNTERS_DEFINITIONS_FILE"); v != "" {
		c.Definitions.FilePath = v
	}
	if v := os.Getenv("COUNTERS_DEFINITIONS_POSTGRES_DSN"); v != "" {
		c.Definitions.PostgresDSN = v
	}
}

// Validate rejects configuration values that violate the spec's stated
// invariants (workerCount >= 2, depthLimit <= 1000).
func (c *Config) Validate() error {
	if c.Pool.WorkerCount < 2 {
		return fmt.Errorf("pool.workerCount must be >= 2, got %d", c.Pool.WorkerCount)
	}
	if c.Coordinator.DepthLimit <= 0 || c.Coordinator.DepthLimit > 1000 {
		return fmt.Errorf("coordinator.depthLimit must be in (0, 1000], got %d", c.Coordinator.DepthLimit)
	}
	if c.Database.DatabaseName == "" {
		return fmt.Errorf("database.databaseName is required")
	}
	return nil
}
