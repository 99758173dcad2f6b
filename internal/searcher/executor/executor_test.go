package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/memory"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/tokenizer"
)

// bufferSource lends one memory buffer per shard.
type bufferSource struct {
	shards   map[int]*memory.Index
	borrowed []*reader.View
	err      error
}

func (s *bufferSource) GetIndexReaders() (map[int][]*reader.View, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[int][]*reader.View)
	for id, m := range s.shards {
		v, err := m.Acquire("writable")
		if err != nil {
			return nil, err
		}
		s.borrowed = append(s.borrowed, v)
		out[id] = []*reader.View{v}
	}
	return out, nil
}

func buffer(t *testing.T, docs map[int64]string) *memory.Index {
	t.Helper()
	m := memory.New("test", nil)
	var in []memory.Document
	for uid, text := range docs {
		in = append(in, memory.Document{UID: uid, Terms: tokenizer.Terms(text), Payload: []byte(text)})
	}
	require.NoError(t, m.UpdateIndex(nil, in, 1))
	return m
}

func newSource(t *testing.T) *bufferSource {
	return &bufferSource{shards: map[int]*memory.Index{
		0: buffer(t, map[int64]string{2: "red apple", 4: "green apple"}),
		1: buffer(t, map[int64]string{1: "red cherry", 3: `{"fruit":"red apple"}`}),
	}}
}

func TestParseQuery(t *testing.T) {
	assert.Equal(t, Query{Terms: []string{"red", "apple"}}, ParseQuery("The RED apple"))
	assert.True(t, ParseQuery(" * ").MatchAll)
	assert.True(t, ParseQuery("the a").Empty())
	assert.Equal(t, "apple,red", ParseQuery("red apple").Key())
	assert.Equal(t, ParseQuery("apple red").Key(), ParseQuery("red apple").Key())
}

func TestExecuteIntersectsTermsAcrossShards(t *testing.T) {
	src := newSource(t)
	res, err := New(src).Execute(context.Background(), ParseQuery("red apple"), 10)
	require.NoError(t, err)

	assert.Equal(t, 2, res.TotalHits)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, Hit{UID: 2, Shard: 0, Source: "writable", Text: "red apple"}, res.Hits[0])
	assert.EqualValues(t, 3, res.Hits[1].UID)
	assert.JSONEq(t, `{"fruit":"red apple"}`, string(res.Hits[1].Payload))

	for _, v := range src.borrowed {
		assert.True(t, v.Released())
	}
}

func TestExecuteLimitAndMatchAll(t *testing.T) {
	res, err := New(newSource(t)).Execute(context.Background(), Query{MatchAll: true}, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalHits)
	require.Len(t, res.Hits, 3)
	assert.EqualValues(t, []int64{1, 2, 3}, []int64{res.Hits[0].UID, res.Hits[1].UID, res.Hits[2].UID})
}

func TestExecuteEmptyQueryBorrowsNothing(t *testing.T) {
	src := newSource(t)
	res, err := New(src).Execute(context.Background(), ParseQuery("the"), 10)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Empty(t, src.borrowed)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	src := newSource(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(src, WithShardTimeout(time.Second)).Execute(ctx, ParseQuery("apple"), 10)
	assert.ErrorIs(t, err, context.Canceled)
	for _, v := range src.borrowed {
		assert.True(t, v.Released())
	}
}

func TestExecuteReportsSourceErrors(t *testing.T) {
	_, err := New(&bufferSource{err: errors.New("shard down")}).Execute(context.Background(), ParseQuery("apple"), 10)
	assert.ErrorContains(t, err, "shard down")
}

func TestIntersect(t *testing.T) {
	assert.Equal(t, []int{2, 5}, intersect([]int{1, 2, 5, 9}, []int{2, 3, 5}))
	assert.Empty(t, intersect([]int{1}, nil))
}

func BenchmarkExecute(b *testing.B) {
	m := memory.New("bench", nil)
	docs := make([]memory.Document, 0, 10000)
	for uid := range int64(10000) {
		text := "search engine with realtime indexing"
		if uid%10 == 0 {
			text += " flagged"
		}
		docs = append(docs, memory.Document{UID: uid, Terms: tokenizer.Terms(text), Payload: []byte(text)})
	}
	if err := m.UpdateIndex(nil, docs, 1); err != nil {
		b.Fatal(err)
	}
	e := New(&bufferSource{shards: map[int]*memory.Index{0: m}})
	q := ParseQuery("search flagged")

	b.ReportAllocs()
	for b.Loop() {
		if _, err := e.Execute(context.Background(), q, 10); err != nil {
			b.Fatal(err)
		}
	}
}
