package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Indexer.NumShards)
	assert.Equal(t, 3, cfg.Indexer.ReaderGenerations)
	assert.Equal(t, 10, cfg.Indexer.Merge.MergeFactor)
	assert.True(t, cfg.Indexer.Merge.UseCompoundFile)
	assert.Equal(t, "index.complete", cfg.Kafka.Topics.IndexComplete)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
indexer:
  dataDir: /var/lib/index
  numShards: 4
  batchDelay: 250ms
  merge:
    mergeFactor: 4
    useCompoundFile: false
`), 0o644))
	t.Setenv("SP_INDEXER_NUM_SHARDS", "8")
	t.Setenv("SP_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/index", cfg.Indexer.DataDir)
	assert.Equal(t, 8, cfg.Indexer.NumShards)
	assert.Equal(t, 250*time.Millisecond, cfg.Indexer.BatchDelay)
	assert.Equal(t, 4, cfg.Indexer.Merge.MergeFactor)
	assert.False(t, cfg.Indexer.Merge.UseCompoundFile)
	assert.Equal(t, 6, cfg.Indexer.Merge.NumLargeSegments, "unset fields keep defaults")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsBadIndexer(t *testing.T) {
	cfg := defaultConfig()
	cfg.Indexer.NumShards = 0
	cfg.Indexer.Merge.MergeFactor = 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "numShards")
	assert.Contains(t, err.Error(), "mergeFactor")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
