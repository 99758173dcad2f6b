package segment

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() *Input {
	return &Input{
		UIDs:     []int64{10, 11, 12},
		Payloads: [][]byte{[]byte("alpha"), {}, []byte("gamma gamma")},
		Postings: map[string][]int32{
			"search": {0, 2},
			"engine": {1},
		},
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	for _, compound := range []bool{true, false} {
		dir := t.TempDir()
		info, err := NewWriter(dir, compound).Write(SegmentName(1), sampleInput())
		require.NoError(t, err)
		assert.Equal(t, 3, info.DocCount)
		for _, f := range info.Files {
			assert.FileExists(t, filepath.Join(dir, f))
		}

		r, err := Open(dir, "seg_1")
		require.NoError(t, err)
		assert.Equal(t, compound, r.Compound())
		assert.Equal(t, 3, r.DocCount())
		assert.Equal(t, []int64{10, 11, 12}, r.UIDs())
		assert.Equal(t, []string{"engine", "search"}, r.TermList())

		docs, err := r.Postings("search")
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 2}, docs)
		docs, err = r.Postings("missing")
		require.NoError(t, err)
		assert.Empty(t, docs)

		payload, err := r.Document(2)
		require.NoError(t, err)
		assert.Equal(t, "gamma gamma", string(payload))
		payload, err = r.Document(1)
		require.NoError(t, err)
		assert.Empty(t, payload)
		_, err = r.Document(3)
		assert.Error(t, err)

		require.NoError(t, r.Close())
	}
}

func TestWriteRejectsEmpty(t *testing.T) {
	_, err := NewWriter(t.TempDir(), true).Write("seg_0", &Input{})
	assert.Error(t, err)
}

func TestOpenRejectsCorruptDictionary(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWriter(dir, true).Write("seg_1", sampleInput())
	require.NoError(t, err)
	path := filepath.Join(dir, "seg_1"+Ext)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := Open(dir, "seg_1")
	require.NoError(t, err)
	dictOff := r.header.DictOffset
	require.NoError(t, r.Close())

	data[dictOff+2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err = Open(dir, "seg_1")
	assert.Error(t, err)
}

func TestReaderRefCounting(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWriter(dir, true).Write("seg_1", sampleInput())
	require.NoError(t, err)
	r, err := Open(dir, "seg_1")
	require.NoError(t, err)
	r.IncRef()
	require.NoError(t, r.DecRef())
	_, err = r.Document(0)
	require.NoError(t, err, "still referenced")
	require.NoError(t, r.DecRef())
	require.NoError(t, r.DecRef(), "extra release is a no-op")
}

func TestCommitPersistence(t *testing.T) {
	dir := t.TempDir()
	_, err := LatestCommit(dir)
	require.ErrorIs(t, err, ErrNoCommit)

	c := &Commit{Generation: 1, NextSegment: 2, Segments: []SegmentInfo{
		{Name: "seg_0", DocCount: 5, DelGen: 2, DelCount: 1, Compound: true},
		{Name: "seg_1", DocCount: 3},
	}}
	require.NoError(t, WriteCommit(dir, c))
	require.NoError(t, WriteCommit(dir, &Commit{Generation: 0}))

	latest, err := LatestCommit(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 1, latest.Generation)
	assert.Equal(t, 7, latest.NumDocs())
	assert.Equal(t, []string{
		"commit_1.json",
		"seg_0.spdx", "seg_0_2.del",
		"seg_1.spdx", "seg_1.sto",
	}, latest.Files())
	assert.Equal(t, "seg_0#2", latest.Segments[0].Identity())

	for _, f := range latest.Files() {
		assert.True(t, IsIndexFile(f), f)
	}
	assert.False(t, IsIndexFile("write.lock"))
}

func TestDeletesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := SegmentInfo{Name: "seg_4"}
	bm, err := ReadDeletes(dir, info)
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())

	require.NoError(t, WriteDeletes(dir, "seg_4", 3, roaring.BitmapOf(1, 7)))
	info.DelGen = 3
	bm, err = ReadDeletes(dir, info)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 7}, bm.ToArray())
}

func TestMergeDropsDeletedDocs(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, true)
	_, err := w.Write("seg_1", sampleInput())
	require.NoError(t, err)
	_, err = w.Write("seg_2", &Input{
		UIDs:     []int64{20, 21},
		Payloads: [][]byte{[]byte("x"), []byte("y")},
		Postings: map[string][]int32{"search": {1}, "other": {0}},
	})
	require.NoError(t, err)
	r1, err := Open(dir, "seg_1")
	require.NoError(t, err)
	defer r1.Close()
	r2, err := Open(dir, "seg_2")
	require.NoError(t, err)
	defer r2.Close()

	in, err := Merge([]*Reader{r1, r2}, []*roaring.Bitmap{roaring.BitmapOf(0), nil})
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 20, 21}, in.UIDs)
	assert.Equal(t, "y", string(in.Payloads[3]))
	assert.Equal(t, []int32{1, 3}, in.Postings["search"])
	assert.Equal(t, []int32{0}, in.Postings["engine"])
	assert.Equal(t, []int32{2}, in.Postings["other"])
}

func TestStoredCodecIsSharedAndValid(t *testing.T) {
	enc, err := storedEncoder()
	require.NoError(t, err)
	again, err := storedEncoder()
	require.NoError(t, err)
	assert.Same(t, enc, again)

	dec, err := storedDecoder()
	require.NoError(t, err)

	stored, err := encodeStored([][]byte{[]byte("one"), {}, []byte("three")})
	require.NoError(t, err)
	body := stored[4*8:]
	end := binary.LittleEndian.Uint64(stored[8:])
	out, err := dec.DecodeAll(body[:end], nil)
	require.NoError(t, err)
	assert.Equal(t, "one", string(out))
}
