package manager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := disk.Open(t.TempDir(), disk.WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	m := New(store)
	t.Cleanup(func() { m.Close() })
	return m
}

func put(uid int64, text string, version int64) Record {
	return Record{UID: uid, Text: text, Payload: []byte(text), Version: version}
}

// hits searches every layer and fails if a UID is visible more than once.
func hits(t *testing.T, m *Manager, word string) map[int64]string {
	t.Helper()
	term, ok := tokenizer.Default.Term(word)
	require.True(t, ok)
	views, err := m.GetIndexReaders()
	require.NoError(t, err)
	defer m.ReturnReaders(views)

	out := make(map[int64]string)
	for _, v := range views {
		docs, err := v.Search(term)
		require.NoError(t, err)
		for _, d := range docs {
			uid := v.UID(d)
			p, err := v.Document(d)
			require.NoError(t, err)
			_, dup := out[uid]
			assert.False(t, dup, "uid %d visible twice", uid)
			out[uid] = string(p)
		}
	}
	return out
}

func flush(t *testing.T, m *Manager) FlushResult {
	t.Helper()
	res, err := m.Flush()
	require.NoError(t, err)
	return res
}

func TestIndexLastRecordInBatchWins(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "red", 1), put(1, "blue", 2)}))

	assert.Empty(t, hits(t, m, "red"))
	assert.Equal(t, map[int64]string{1: "blue"}, hits(t, m, "blue"))
	assert.EqualValues(t, 2, m.Version())
}

func TestUpdateShadowsFlushedDoc(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "red", 1)}))
	flush(t, m)
	assert.Equal(t, map[int64]string{1: "red"}, hits(t, m, "red"))

	require.NoError(t, m.Index([]Record{put(1, "blue", 2)}))
	assert.Empty(t, hits(t, m, "red"))
	assert.Equal(t, map[int64]string{1: "blue"}, hits(t, m, "blue"))

	res := flush(t, m)
	assert.EqualValues(t, 2, res.Version)
	assert.Empty(t, hits(t, m, "red"))
	assert.Equal(t, map[int64]string{1: "blue"}, hits(t, m, "blue"))
	assert.Equal(t, 1, m.Stats().Disk.Docs)
	assert.True(t, m.Store().HeldDeletes().IsEmpty(), "flushed deletes are physical")
}

func TestDeleteHidesEveryLayer(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "green one", 1), put(2, "green two", 1)}))
	flush(t, m)
	require.NoError(t, m.SetStatus(Working))
	require.NoError(t, m.Index([]Record{put(3, "green three", 2)}))
	require.NoError(t, m.Index([]Record{{UID: 1, Delete: true, Version: 3}, {UID: 3, Delete: true, Version: 3}}))

	assert.Equal(t, map[int64]string{2: "green two"}, hits(t, m, "green"))
	flush(t, m)
	assert.Equal(t, map[int64]string{2: "green two"}, hits(t, m, "green"))
}

func TestStatusRotatesBuffers(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "red", 1)}))
	s := m.Stats()
	assert.Equal(t, "sleep", s.Status)
	assert.Nil(t, s.ReadOnly)
	assert.Equal(t, 1, s.Writable.Docs)

	require.NoError(t, m.SetStatus(Working))
	require.NoError(t, m.SetStatus(Working))
	s = m.Stats()
	assert.Equal(t, "working", s.Status)
	require.NotNil(t, s.ReadOnly)
	assert.Equal(t, 1, s.ReadOnly.Docs)
	assert.Equal(t, 0, s.Writable.Docs)

	require.NoError(t, m.Index([]Record{put(1, "blue", 2)}))
	assert.Empty(t, hits(t, m, "red"), "write to the new buffer shadows the read-only one")

	views, err := m.GetIndexReaders()
	require.NoError(t, err)
	var sources []string
	for _, v := range views {
		sources = append(sources, v.Source())
	}
	m.ReturnReaders(views)
	assert.Equal(t, []string{SourceReadOnly, SourceWritable, SourceDisk}, sources)
}

func TestBorrowedViewsSurviveFlush(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "red", 1)}))
	views, err := m.GetIndexReaders()
	require.NoError(t, err)

	flush(t, m)
	assert.Equal(t, map[int64]string{1: "red"}, hits(t, m, "red"))

	docs, err := views[0].Search("red")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	p, err := views[0].Document(docs[0])
	require.NoError(t, err)
	assert.Equal(t, "red", string(p))
	m.ReturnReaders(views)
}

func TestPurgeRejectedWhileWorking(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "red", 4)}))
	flush(t, m)
	require.NoError(t, m.Index([]Record{put(2, "red", 5)}))

	require.NoError(t, m.SetStatus(Working))
	assert.ErrorIs(t, m.PurgeIndex(), apperrors.ErrFlushInProgress)
	flush(t, m)

	require.NoError(t, m.PurgeIndex())
	assert.Empty(t, hits(t, m, "red"))
	assert.EqualValues(t, 0, m.Version())
	v, err := m.Store().Version()
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestFlushKeepsHigherDiskVersion(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "red", 9)}))
	flush(t, m)
	require.NoError(t, m.Index([]Record{put(2, "red", 3)}))
	res := flush(t, m)
	assert.EqualValues(t, 9, res.Version)
	assert.Len(t, hits(t, m, "red"), 2)
}

func TestClosedManagerRejectsCalls(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Index([]Record{put(1, "red", 1)}), apperrors.ErrIndexClosed)
	_, err := m.GetIndexReaders()
	assert.ErrorIs(t, err, apperrors.ErrIndexClosed)
	_, err = m.Flush()
	assert.ErrorIs(t, err, apperrors.ErrIndexClosed)
}

func TestConcurrentIndexAndFlush(t *testing.T) {
	m := newManager(t)
	const writers, perWriter = 4, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				uid := int64(i % 20)
				text := fmt.Sprintf("shared w%d", w)
				assert.NoError(t, m.Index([]Record{put(uid, text, int64(i))}))
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, err := m.Flush()
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	<-done

	assert.Len(t, hits(t, m, "shared"), 20)
	flush(t, m)
	assert.Len(t, hits(t, m, "shared"), 20)
}

func TestViewsNeverShowUIDTwiceDuringWrites(t *testing.T) {
	m := newManager(t)
	const n = 2000
	batch := make([]Record, 0, n)
	for uid := int64(1); uid <= n; uid++ {
		batch = append(batch, put(uid, "red", 1))
	}
	require.NoError(t, m.Index(batch))
	flush(t, m)

	term, ok := tokenizer.Default.Term("red")
	require.True(t, ok)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for uid := int64(1); uid <= n; uid++ {
			assert.NoError(t, m.Index([]Record{put(uid, "red again", 2)}))
		}
	}()

	bad := 0
	for checks := 0; ; checks++ {
		select {
		case <-done:
			assert.Zero(t, bad, "views with a duplicated uid out of %d", checks)
			assert.Len(t, hits(t, m, "red"), n)
			return
		default:
		}
		views, err := m.GetIndexReaders()
		require.NoError(t, err)
		total := 0
		for _, v := range views {
			docs, err := v.Search(term)
			require.NoError(t, err)
			total += len(docs)
		}
		m.ReturnReaders(views)
		if total != n {
			bad++
		}
	}
}

func TestRotationDoesNotWaitForReaders(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Index([]Record{put(1, "old", 1)}))

	m.publishMu.RLock()
	rotated := make(chan error, 1)
	go func() { rotated <- m.SetStatus(Working) }()
	select {
	case err := <-rotated:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep to Working blocked behind a reader")
	}
	m.publishMu.RUnlock()

	require.NoError(t, m.Index([]Record{put(2, "new", 2)}))
	st := m.state.Load()
	assert.Equal(t, 1, st.readOnly.NumDocs())
	assert.Equal(t, 1, st.writable.NumDocs())
	assert.True(t, st.readOnly.WriterClosed())
}
