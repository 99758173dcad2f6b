package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/reader"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
)

func doc(uid int64, payload string, terms ...string) Document {
	return Document{UID: uid, Payload: []byte(payload), Terms: terms}
}

func search(t *testing.T, m *Index, term string) []string {
	t.Helper()
	v, err := m.Acquire("test")
	require.NoError(t, err)
	defer v.Release()
	docs, err := v.Search(term)
	require.NoError(t, err)
	var out []string
	for _, d := range docs {
		p, err := v.Document(d)
		require.NoError(t, err)
		out = append(out, string(p))
	}
	return out
}

func TestUpdateSupersedesOlderDoc(t *testing.T) {
	m := New("a", nil)
	require.NoError(t, m.UpdateIndex(nil, []Document{doc(1, "a", "x"), doc(2, "two", "x")}, 3))
	require.NoError(t, m.UpdateIndex(nil, []Document{doc(1, "b", "x", "y")}, 2))

	assert.Equal(t, []string{"two", "b"}, search(t, m, "x"))
	assert.Equal(t, []string{"b"}, search(t, m, "y"))
	assert.Equal(t, 2, m.NumDocs())
	assert.Equal(t, 3, m.MaxDoc())
	assert.EqualValues(t, 3, m.Version(), "version never moves backwards")
	assert.Equal(t, 2, m.OpenReader().DocID(1))
}

func TestDeleteRemovesLatestDoc(t *testing.T) {
	m := New("a", nil)
	require.NoError(t, m.UpdateIndex(nil, []Document{doc(1, "a", "x")}, 1))
	require.NoError(t, m.UpdateIndex(reader.NewUIDSet(1, 7), nil, 2))

	assert.Empty(t, search(t, m, "x"))
	assert.Equal(t, 0, m.NumDocs())
	assert.ElementsMatch(t, []int64{1, 7}, m.UIDs().Slice())
}

func TestClosedWriterRejectsWrites(t *testing.T) {
	m := New("a", nil)
	m.CloseWriter()
	assert.True(t, m.WriterClosed())
	assert.ErrorIs(t, m.UpdateIndex(nil, []Document{doc(1, "a")}, 1), apperrors.ErrWriterClosed)
}

func TestReaderIsCachedUntilChange(t *testing.T) {
	m := New("a", nil)
	require.NoError(t, m.UpdateIndex(nil, []Document{doc(1, "a", "x")}, 1))
	r1 := m.OpenReader()
	assert.Same(t, r1, m.OpenReader())

	require.NoError(t, m.UpdateIndex(nil, []Document{doc(2, "b", "x")}, 2))
	r2 := m.OpenReader()
	assert.NotSame(t, r1, r2)
	assert.Equal(t, 1, r1.MaxDoc(), "older reader sees its own prefix")
	assert.Equal(t, 2, r2.MaxDoc())
	assert.EqualValues(t, 2, r2.Version())
}

func TestMarksPersistOnReadOnlyBuffer(t *testing.T) {
	m := New("a", nil)
	require.NoError(t, m.UpdateIndex(nil, []Document{doc(1, "a", "x"), doc(2, "b", "x")}, 1))
	m.CloseWriter()

	assert.Equal(t, 1, m.MarkDeletes(reader.NewUIDSet(1)))
	assert.Equal(t, []string{"a", "b"}, search(t, m, "x"))
	m.CommitDeletes()
	assert.Equal(t, []string{"b"}, search(t, m, "x"))
	assert.Equal(t, []string{"b"}, search(t, m, "x"))
}

func TestRetireWaitsForBorrowers(t *testing.T) {
	m := New("a", nil)
	require.NoError(t, m.UpdateIndex(nil, []Document{doc(1, "a", "x")}, 1))
	v, err := m.Acquire("read-only")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Refs())

	m.Retire()
	assert.False(t, m.Freed())
	p, err := v.Document(0)
	require.NoError(t, err)
	assert.Equal(t, "a", string(p))

	require.NoError(t, v.Release())
	assert.True(t, m.Freed())
	_, err = m.Acquire("read-only")
	assert.ErrorIs(t, err, apperrors.ErrIndexClosed)
}

func TestDrainSkipsSupersededDocs(t *testing.T) {
	m := New("a", nil)
	require.NoError(t, m.UpdateIndex(nil, []Document{
		doc(1, "a", "x", "x"),
		doc(2, "two", "y"),
		doc(1, "b", "z"),
	}, 5))
	require.NoError(t, m.UpdateIndex(reader.NewUIDSet(9), nil, 6))

	in, touched := m.Drain()
	assert.Equal(t, []int64{2, 1}, in.UIDs)
	assert.Equal(t, [][]byte{[]byte("two"), []byte("b")}, in.Payloads)
	assert.Equal(t, map[string][]int32{"y": {0}, "z": {1}}, in.Postings)
	assert.ElementsMatch(t, []int64{1, 2, 9}, touched.Slice())
}

func BenchmarkUpdateIndex(b *testing.B) {
	terms := []string{"alpha", "beta", "gamma", "delta"}
	m := New("bench", nil)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := doc(int64(i%5000), fmt.Sprintf("payload-%d", i), terms...)
		if err := m.UpdateIndex(nil, []Document{d}, int64(i)); err != nil {
			b.Fatal(err)
		}
	}
}
