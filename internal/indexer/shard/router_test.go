package shard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/manager"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/health"
)

func newRouter(t *testing.T, shards int) *Router {
	t.Helper()
	r, err := NewRouter(config.IndexerConfig{
		DataDir:           t.TempDir(),
		NumShards:         shards,
		BatchSize:         1000,
		BatchDelay:        time.Hour,
		ReaderGenerations: 2,
		OpenRetries:       1,
		RetryDelay:        time.Millisecond,
		Merge:             config.MergeConfig{MergeFactor: 10, NumLargeSegments: 6, MaxSmallSegments: 20, MaxMergeDocs: 1 << 20},
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestShardForWrapsNegativeUIDs(t *testing.T) {
	r := newRouter(t, 3)
	assert.Equal(t, 0, r.ShardFor(9))
	assert.Equal(t, 1, r.ShardFor(7))
	assert.Equal(t, 2, r.ShardFor(-1))
}

func TestRouteRejectsUnknownShard(t *testing.T) {
	r := newRouter(t, 2)
	_, err := r.Route(2)
	assert.ErrorIs(t, err, apperrors.ErrShardUnavailable)
	e, err := r.Route(1)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Shard())
}

func TestIndexSpreadsRecordsAcrossShards(t *testing.T) {
	r := newRouter(t, 3)
	var recs []manager.Record
	for uid := int64(0); uid < 9; uid++ {
		recs = append(recs, manager.Record{UID: uid, Text: fmt.Sprintf("item %d", uid), Version: uid})
	}
	require.NoError(t, r.Index(recs))
	before := r.ViewStamp()

	events, err := r.FlushAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i, ev.Shard)
		assert.Equal(t, 3, ev.Docs)
	}
	assert.NotEqual(t, before, r.ViewStamp())

	views, err := r.GetIndexReaders()
	require.NoError(t, err)
	defer ReturnReaders(views)
	require.Len(t, views, 3)
	for s, vs := range views {
		for _, v := range vs {
			v.ForEachLive(func(_ int, uid int64) bool {
				assert.Equal(t, s, r.ShardFor(uid))
				return true
			})
		}
	}
}

func TestPurgeAllAndStats(t *testing.T) {
	r := newRouter(t, 2)
	require.NoError(t, r.Index([]manager.Record{{UID: 1, Text: "x"}, {UID: 2, Text: "y"}}))
	_, err := r.FlushAll(context.Background())
	require.NoError(t, err)
	for _, st := range r.Stats() {
		assert.Equal(t, 1, st.Disk.Docs)
	}
	require.NoError(t, r.PurgeAll())
	for _, st := range r.Stats() {
		assert.Equal(t, 0, st.Disk.Docs)
	}
	require.NoError(t, r.RefreshAll())
}

func TestHealthCheck(t *testing.T) {
	r := newRouter(t, 2)
	h := r.HealthCheck(context.Background())
	assert.Equal(t, health.StatusUp, h.Status)
	assert.Equal(t, "2 shards", h.Message)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, health.StatusDown, r.HealthCheck(ctx).Status)
}
