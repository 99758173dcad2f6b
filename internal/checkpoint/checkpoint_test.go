package checkpoint

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/postgres"
)

// Runs against a real database when SP_TEST_POSTGRES_HOST is set.
func newStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("SP_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("SP_TEST_POSTGRES_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("SP_TEST_POSTGRES_PORT"))
	if port == 0 {
		port = 5432
	}
	client, err := postgres.New(context.Background(), config.PostgresConfig{
		Host:         host,
		Port:         port,
		Database:     os.Getenv("SP_TEST_POSTGRES_DATABASE"),
		User:         os.Getenv("SP_TEST_POSTGRES_USER"),
		Password:     os.Getenv("SP_TEST_POSTGRES_PASSWORD"),
		SSLMode:      "disable",
		MaxOpenConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	s, err := New(context.Background(), client)
	require.NoError(t, err)
	return s
}

func TestCheckpointOnlyMovesForward(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const shard = 9001
	require.NoError(t, s.Reset(ctx, shard))
	t.Cleanup(func() { s.Reset(ctx, shard) })

	_, ok, err := s.Load(ctx, shard)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Checkpoint(ctx, shard, 10))
	require.NoError(t, s.Checkpoint(ctx, shard, 4))
	v, ok, err := s.Load(ctx, shard)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 10, v)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, all[shard])
}
