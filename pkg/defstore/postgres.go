package defstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

// PostgresConfig configures PostgresStore, grounded on the teacher's
// compliance-database connection pool setup.
type PostgresConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// PostgresStore persists CounterDefinitions in a Postgres table, an
// alternative to file-backed loading for deployments that configure
// counters from an admin tool rather than editing a file by hand. This is
// supplemented configuration storage, not counter-result persistence, so
// it is not excluded by the "no result persistence" Non-goal.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  *PostgresConfig
}

// NewPostgresStore opens a connection pool against cfg.ConnectionString.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil || cfg.ConnectionString == "" {
		return nil, fmt.Errorf("defstore: connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://migrations/defstore"
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("defstore: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("defstore: create pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("defstore: ping: %w", err)
	}

	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

// Migrate applies pending schema migrations from cfg.MigrationsPath.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrationDB, err := sql.Open("postgres", s.cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("defstore: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("defstore: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("defstore: migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("defstore: migrate: %w", err)
	}
	return nil
}

// LoadAll returns every counter definition currently stored.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]model.CounterDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, index_type_name, computation_conditions, evaluation_conditions, attributes, variables
		FROM counter_definitions
		ORDER BY index_type_name, name`)
	if err != nil {
		return nil, fmt.Errorf("defstore: query: %w", err)
	}
	defer rows.Close()

	var defs []model.CounterDefinition
	for rows.Next() {
		var (
			d               model.CounterDefinition
			computationJSON []byte
			evaluationJSON  []byte
			attributesJSON  []byte
			variablesJSON   []byte
		)
		if err := rows.Scan(&d.Name, &d.IndexTypeName, &computationJSON, &evaluationJSON, &attributesJSON, &variablesJSON); err != nil {
			return nil, fmt.Errorf("defstore: scan: %w", err)
		}
		if err := unmarshalIfPresent(computationJSON, &d.ComputationConditions); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(evaluationJSON, &d.EvaluationConditions); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(attributesJSON, &d.Attributes); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(variablesJSON, &d.Variables); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// Upsert inserts or replaces one counter definition by (name, index_type_name).
func (s *PostgresStore) Upsert(ctx context.Context, d model.CounterDefinition) error {
	computation, err := json.Marshal(d.ComputationConditions)
	if err != nil {
		return err
	}
	evaluation, err := json.Marshal(d.EvaluationConditions)
	if err != nil {
		return err
	}
	attributes, err := json.Marshal(d.Attributes)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(d.Variables)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO counter_definitions (name, index_type_name, computation_conditions, evaluation_conditions, attributes, variables)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, index_type_name) DO UPDATE SET
			computation_conditions = EXCLUDED.computation_conditions,
			evaluation_conditions = EXCLUDED.evaluation_conditions,
			attributes = EXCLUDED.attributes,
			variables = EXCLUDED.variables`,
		d.Name, d.IndexTypeName, computation, evaluation, attributes, variables)
	if err != nil {
		return fmt.Errorf("defstore: upsert %s/%s: %w", d.IndexTypeName, d.Name, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func unmarshalIfPresent(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("defstore: unmarshal: %w", err)
	}
	return nil
}
