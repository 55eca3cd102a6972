package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/storetest"
)

// live connects to PROGRESSION_TEST_POSTGRES_URL, migrates, and empties the
// tables. Tests are skipped without it.
func live(t *testing.T) *Connection {
	t.Helper()
	url := os.Getenv("PROGRESSION_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PROGRESSION_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	conn, err := Connect(ctx, DefaultConfig(url))
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.NoError(t, NewMigrator(conn).Migrate(ctx))
	_, err = conn.Exec(ctx, `TRUNCATE node_progress, node_dependencies, learning_nodes`)
	require.NoError(t, err)
	return conn
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (storetest.Graphs, progression.ProgressStore) {
		conn := live(t)
		return NewGraphRepository(conn), NewProgressRepository(conn)
	})
}

func TestMigrator_Status(t *testing.T) {
	conn := live(t)

	status, err := NewMigrator(conn).Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, len(Migrations()))
	for _, m := range status {
		assert.True(t, m.IsApplied, m.Name)
	}
}

func TestConfig_PoolConfig(t *testing.T) {
	cfg := DefaultConfig("postgres://app:secret@db:5432/progression?pool_max_conns=4")
	cfg.MaxConns = 0

	pool, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(4), pool.MaxConns, "URL setting kept when no override")
	assert.Equal(t, int32(2), pool.MinConns)
	assert.Equal(t, time.Hour, pool.MaxConnLifetime)
	assert.Equal(t, "db", pool.ConnConfig.Host)

	cfg.MaxConns = 25
	pool, err = cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(25), pool.MaxConns)

	_, err = Config{URL: "postgres://%zz"}.PoolConfig()
	assert.Error(t, err)
}

func TestMigrations_Ordered(t *testing.T) {
	migrations := Migrations()
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL)
		assert.NotEmpty(t, m.DownSQL)
	}
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	assert.Len(t, nonNilKeys(nil), 0)
	assert.NotNil(t, nonNilKeys(nil))
}
