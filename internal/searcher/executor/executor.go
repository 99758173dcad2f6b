// Package executor answers term queries against borrowed index views. A
// query fans out to every shard, matches within each view, and merges the
// hits by UID.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/tokenizer"
)

// MatchAllToken is the query text that matches every live doc.
const MatchAllToken = "*"

// Query is a conjunction of analyzed terms, or every doc when MatchAll.
type Query struct {
	Terms    []string `json:"terms"`
	MatchAll bool     `json:"matchAll,omitempty"`
}

// ParseQuery analyzes text with the indexing analyzer. Every remaining term
// must match.
func ParseQuery(text string) Query {
	if strings.TrimSpace(text) == MatchAllToken {
		return Query{MatchAll: true}
	}
	return Query{Terms: tokenizer.Terms(text)}
}

// Empty reports whether the query can match nothing.
func (q Query) Empty() bool { return !q.MatchAll && len(q.Terms) == 0 }

// Key is a canonical form of q for caching.
func (q Query) Key() string {
	if q.MatchAll {
		return MatchAllToken
	}
	terms := append([]string(nil), q.Terms...)
	sort.Strings(terms)
	return strings.Join(terms, ",")
}

// Hit is one matching doc.
type Hit struct {
	UID     int64           `json:"uid"`
	Shard   int             `json:"shard"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
}

func newHit(uid int64, shard int, source string, payload []byte) Hit {
	h := Hit{UID: uid, Shard: shard, Source: source}
	if json.Valid(payload) {
		h.Payload = payload
	} else {
		h.Text = string(payload)
	}
	return h
}

// Result is a query's answer.
type Result struct {
	Query     Query `json:"query"`
	TotalHits int   `json:"totalHits"`
	Hits      []Hit `json:"hits"`
}

// ReaderSource lends views per shard. shard.Router implements it.
type ReaderSource interface {
	GetIndexReaders() (map[int][]*reader.View, error)
}

type Option func(*Executor)

// WithShardTimeout bounds the time spent matching in one shard.
func WithShardTimeout(d time.Duration) Option {
	return func(e *Executor) { e.shardTimeout = d }
}

type Executor struct {
	source       ReaderSource
	shardTimeout time.Duration
	logger       *slog.Logger
}

func New(source ReaderSource, opts ...Option) *Executor {
	e := &Executor{
		source: source,
		logger: slog.Default().With("component", "query-executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs q on every shard and returns at most limit hits ordered by
// UID. TotalHits counts every match.
func (e *Executor) Execute(ctx context.Context, q Query, limit int) (*Result, error) {
	start := time.Now()
	if q.Empty() {
		return &Result{Query: q, Hits: []Hit{}}, nil
	}
	shards, err := e.source.GetIndexReaders()
	if err != nil {
		return nil, fmt.Errorf("borrowing index readers: %w", err)
	}
	defer func() {
		for _, views := range shards {
			for _, v := range views {
				v.Release()
			}
		}
	}()

	ids := make([]int, 0, len(shards))
	for id := range shards {
		ids = append(ids, id)
	}
	results := make([][]Hit, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			sctx := gctx
			if e.shardTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(gctx, e.shardTimeout)
				defer cancel()
			}
			hits, err := searchShard(sctx, id, shards[id], q)
			if err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var hits []Hit
	for _, hs := range results {
		hits = append(hits, hs...)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].UID < hits[j].UID })
	res := &Result{Query: q, TotalHits: len(hits), Hits: hits}
	if limit > 0 && len(res.Hits) > limit {
		res.Hits = res.Hits[:limit]
	}
	if res.Hits == nil {
		res.Hits = []Hit{}
	}

	elapsed := time.Since(start)
	e.logger.Debug("query executed",
		"terms", q.Terms,
		"match_all", q.MatchAll,
		"shards", len(shards),
		"total_hits", res.TotalHits,
		"returned", len(res.Hits),
		"latency", elapsed,
	)
	return res, nil
}

func searchShard(ctx context.Context, shard int, views []*reader.View, q Query) ([]Hit, error) {
	var hits []Hit
	for _, v := range views {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs, err := match(v, q)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			payload, err := v.Document(d)
			if err != nil {
				return nil, fmt.Errorf("loading doc %d from %s: %w", d, v.Source(), err)
			}
			hits = append(hits, newHit(v.UID(d), shard, v.Source(), payload))
		}
	}
	return hits, nil
}

// match returns the live docs of v matching q, ascending.
func match(v *reader.View, q Query) ([]int, error) {
	if q.MatchAll {
		var docs []int
		v.ForEachLive(func(doc int, _ int64) bool {
			docs = append(docs, doc)
			return true
		})
		return docs, nil
	}
	var docs []int
	for i, term := range q.Terms {
		postings, err := v.Search(term)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			docs = postings
		} else {
			docs = intersect(docs, postings)
		}
		if len(docs) == 0 {
			return nil, nil
		}
	}
	return docs, nil
}

// intersect merges two ascending doc lists.
func intersect(a, b []int) []int {
	out := a[:0:0]
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
