package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

var storedDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// Reader is an open, immutable segment file. Readers are shared between
// reader generations and closed when the last reference is dropped.
type Reader struct {
	name          string
	file          *os.File
	stored        *os.File
	header        Header
	uids          []int64
	dict          []DictEntry
	storedOffsets []int64
	storedBase    int64
	refs          atomic.Int32
}

// Open reads the header, UIDs, dictionary and stored-field offsets of segment
// name in dir. The returned Reader holds one reference.
func Open(dir, name string) (*Reader, error) {
	f, err := os.Open(filepath.Join(dir, name+Ext))
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	r, err := load(f, dir, name)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.refs.Store(1)
	return r, nil
}

func load(f *os.File, dir, name string) (*Reader, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("reading segment header: %w", err)
	}
	header := decodeHeader(headerBytes)
	if header.Magic != MagicBytes {
		return nil, fmt.Errorf("invalid segment file: bad magic bytes %x", header.Magic)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported segment format version %d", header.Version)
	}

	uidBytes := make([]byte, 8*int(header.DocCount))
	if _, err := f.ReadAt(uidBytes, int64(HeaderSize)); err != nil {
		return nil, fmt.Errorf("reading uids: %w", err)
	}
	uids := make([]int64, header.DocCount)
	for i := range uids {
		uids[i] = int64(binary.LittleEndian.Uint64(uidBytes[i*8:]))
	}

	dictBytes := make([]byte, header.DictSize)
	if _, err := f.ReadAt(dictBytes, header.DictOffset); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, header.DictOffset+header.DictSize); err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	if sum := binary.LittleEndian.Uint32(footer[0:4]); sum != crc32.ChecksumIEEE(dictBytes) {
		return nil, fmt.Errorf("dictionary checksum mismatch in %s", name)
	}
	var dict []DictEntry
	if err := json.Unmarshal(dictBytes, &dict); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}

	r := &Reader{
		name:       name,
		file:       f,
		stored:     f,
		header:     header,
		uids:       uids,
		dict:       dict,
		storedBase: header.StoredOffset,
	}
	if !header.Compound() {
		sf, err := os.Open(filepath.Join(dir, name+StoredExt))
		if err != nil {
			return nil, fmt.Errorf("opening stored file: %w", err)
		}
		r.stored = sf
		r.storedBase = 0
	}
	table := make([]byte, 8*(len(uids)+1))
	if _, err := r.stored.ReadAt(table, r.storedBase); err != nil {
		r.closeStored()
		return nil, fmt.Errorf("reading stored offsets: %w", err)
	}
	r.storedOffsets = make([]int64, len(uids)+1)
	for i := range r.storedOffsets {
		r.storedOffsets[i] = int64(binary.LittleEndian.Uint64(table[i*8:]))
	}
	r.storedBase += int64(len(table))
	return r, nil
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) DocCount() int { return len(r.uids) }

func (r *Reader) Terms() int { return len(r.dict) }

func (r *Reader) Compound() bool { return r.header.Compound() }

// UID returns the UID stored for local doc.
func (r *Reader) UID(doc int) int64 { return r.uids[doc] }

// UIDs returns the shared UID column. Callers must not modify it.
func (r *Reader) UIDs() []int64 { return r.uids }

// Files lists the file names backing this segment.
func (r *Reader) Files() []string {
	if r.header.Compound() {
		return []string{r.name + Ext}
	}
	return []string{r.name + Ext, r.name + StoredExt}
}

// TermList returns every term in dictionary order.
func (r *Reader) TermList() []string {
	terms := make([]string, len(r.dict))
	for i, e := range r.dict {
		terms[i] = e.Term
	}
	return terms
}

// Postings returns the ascending local doc ids containing term.
func (r *Reader) Postings(term string) ([]int32, error) {
	idx := sort.Search(len(r.dict), func(i int) bool {
		return r.dict[i].Term >= term
	})
	if idx >= len(r.dict) || r.dict[idx].Term != term {
		return nil, nil
	}
	entry := r.dict[idx]
	data := make([]byte, entry.PostLen)
	if _, err := r.file.ReadAt(data, r.header.PostOffset+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	n, k := binary.Uvarint(data)
	if k <= 0 {
		return nil, fmt.Errorf("corrupt postings for term %q", term)
	}
	data = data[k:]
	docs := make([]int32, 0, n)
	prev := int32(0)
	for i := uint64(0); i < n; i++ {
		delta, k := binary.Uvarint(data)
		if k <= 0 {
			return nil, fmt.Errorf("corrupt postings for term %q", term)
		}
		data = data[k:]
		prev += int32(delta)
		docs = append(docs, prev)
	}
	return docs, nil
}

// Document returns the decompressed stored payload of local doc.
func (r *Reader) Document(doc int) ([]byte, error) {
	if doc < 0 || doc >= len(r.uids) {
		return nil, fmt.Errorf("doc %d out of range [0,%d)", doc, len(r.uids))
	}
	start, end := r.storedOffsets[doc], r.storedOffsets[doc+1]
	if start == end {
		return []byte{}, nil
	}
	frame := make([]byte, end-start)
	if _, err := r.stored.ReadAt(frame, r.storedBase+start); err != nil {
		return nil, fmt.Errorf("reading stored doc %d: %w", doc, err)
	}
	dec, err := storedDecoder()
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding stored doc %d: %w", doc, err)
	}
	return out, nil
}

func (r *Reader) IncRef() { r.refs.Add(1) }

// DecRef drops a reference and closes the files when none remain.
func (r *Reader) DecRef() error {
	n := r.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		r.refs.Store(0)
		return nil
	}
	r.closeStored()
	return r.file.Close()
}

// Close is DecRef; it exists so a Reader satisfies io.Closer.
func (r *Reader) Close() error { return r.DecRef() }

func (r *Reader) closeStored() {
	if r.stored != nil && r.stored != r.file {
		r.stored.Close()
	}
}
