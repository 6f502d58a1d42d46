package defstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("counters_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	return container, connStr
}

func sampleDefinitionForStore() model.CounterDefinition {
	return model.CounterDefinition{
		Name:          "total_amount",
		IndexTypeName: "account",
		EvaluationConditions: map[string]any{
			"type": map[string]any{"$in": []any{"payment"}},
		},
		Attributes: map[string]any{
			"sum": map[string]any{"$sum": "$amount"},
		},
		Variables: []string{"amount"},
	}
}

func TestPostgresStoreMigrateAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	store, err := NewPostgresStore(ctx, &PostgresConfig{
		ConnectionString: connStr,
		MigrationsPath:   "file://../../migrations/defstore",
	})
	require.NoError(t, err, "should connect to test database")
	defer store.Close()

	require.NoError(t, store.Migrate(ctx), "should apply migrations")

	def := sampleDefinitionForStore()
	require.NoError(t, store.Upsert(ctx, def))

	defs, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, def.Name, defs[0].Name)
	assert.Equal(t, def.IndexTypeName, defs[0].IndexTypeName)

	def.Attributes["count"] = map[string]any{"$sum": 1}
	require.NoError(t, store.Upsert(ctx, def), "upsert should update on conflict")

	defs, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1, "upsert on same key should not duplicate rows")
	assert.Contains(t, defs[0].Attributes, "count")
}
