package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/searcher/executor"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/redis"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, pkgredis.ErrNil
	}
	return v, nil
}

func (b *memBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *memBackend) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			delete(b.data, k)
			n++
		}
	}
	return n, nil
}

func result(uids ...int64) *executor.Result {
	r := &executor.Result{TotalHits: len(uids), Hits: []executor.Hit{}}
	for _, uid := range uids {
		r.Hits = append(r.Hits, executor.Hit{UID: uid, Source: "disk", Text: "x"})
	}
	return r
}

func TestGetOrComputeCachesPerStamp(t *testing.T) {
	c := New(newMemBackend(), time.Minute, nil)
	ctx := context.Background()
	q := executor.ParseQuery("red apple")
	var computed atomic.Int32
	compute := func() (*executor.Result, error) {
		computed.Add(1)
		return result(1, 2), nil
	}

	r, hit, err := c.GetOrCompute(ctx, q, 10, 7, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, r.TotalHits)

	r, hit, err = c.GetOrCompute(ctx, executor.ParseQuery("apple red"), 10, 7, compute)
	require.NoError(t, err)
	assert.True(t, hit, "term order does not matter")
	assert.Equal(t, result(1, 2), r)

	_, hit, err = c.GetOrCompute(ctx, q, 10, 8, compute)
	require.NoError(t, err)
	assert.False(t, hit, "a new view stamp misses")
	assert.EqualValues(t, 2, computed.Load())

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 2, misses)
}

func TestComputeErrorsAreNotCached(t *testing.T) {
	c := New(newMemBackend(), time.Minute, nil)
	q := executor.ParseQuery("red")
	_, _, err := c.GetOrCompute(context.Background(), q, 10, 1, func() (*executor.Result, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	_, hit, err := c.GetOrCompute(context.Background(), q, 10, 1, func() (*executor.Result, error) {
		return result(), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidate(t *testing.T) {
	b := newMemBackend()
	c := New(b, time.Minute, nil)
	q := executor.ParseQuery("red")
	_, _, err := c.GetOrCompute(context.Background(), q, 10, 1, func() (*executor.Result, error) {
		return result(1), nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(context.Background()))
	assert.Empty(t, b.data)
}

func TestBuildKey(t *testing.T) {
	q := executor.ParseQuery("red")
	assert.True(t, strings.HasPrefix(BuildKey(q, 10, 3), "search:3:"))
	assert.NotEqual(t, BuildKey(q, 10, 3), BuildKey(q, 20, 3))
}
