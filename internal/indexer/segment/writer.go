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
	"time"

	"github.com/klauspost/compress/zstd"
)

// MagicBytes identifies a valid .spdx segment file.
const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 96
	FooterSize    int    = 32

	Ext       = ".spdx"
	StoredExt = ".sto"
)

const flagCompound uint32 = 1

// Header is the fixed-size header written at the start of every segment.
type Header struct {
	Magic        uint32
	Version      uint32
	Flags        uint32
	DocCount     uint32
	TermCount    uint32
	CreatedAt    int64
	StoredOffset int64
	StoredSize   int64
	PostOffset   int64
	PostSize     int64
	DictOffset   int64
	DictSize     int64
}

func (h Header) Compound() bool { return h.Flags&flagCompound != 0 }

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.Flags)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint32(b[16:20], h.TermCount)
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.StoredOffset))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.StoredSize))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.PostOffset))
	binary.LittleEndian.PutUint64(b[56:64], uint64(h.PostSize))
	binary.LittleEndian.PutUint64(b[64:72], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(b[72:80], uint64(h.DictSize))
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:        binary.LittleEndian.Uint32(b[0:4]),
		Version:      binary.LittleEndian.Uint32(b[4:8]),
		Flags:        binary.LittleEndian.Uint32(b[8:12]),
		DocCount:     binary.LittleEndian.Uint32(b[12:16]),
		TermCount:    binary.LittleEndian.Uint32(b[16:20]),
		CreatedAt:    int64(binary.LittleEndian.Uint64(b[24:32])),
		StoredOffset: int64(binary.LittleEndian.Uint64(b[32:40])),
		StoredSize:   int64(binary.LittleEndian.Uint64(b[40:48])),
		PostOffset:   int64(binary.LittleEndian.Uint64(b[48:56])),
		PostSize:     int64(binary.LittleEndian.Uint64(b[56:64])),
		DictOffset:   int64(binary.LittleEndian.Uint64(b[64:72])),
		DictSize:     int64(binary.LittleEndian.Uint64(b[72:80])),
	}
}

// DictEntry maps a term to its postings offset, length, and document frequency
// in the segment file.
type DictEntry struct {
	Term       string `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// Input is an inverted batch of documents ready to be written as one segment.
// Local doc ids are positions in UIDs; posting lists are ascending.
type Input struct {
	UIDs     []int64
	Payloads [][]byte
	Postings map[string][]int32
}

func (in *Input) Len() int {
	if in == nil {
		return 0
	}
	return len(in.UIDs)
}

// Info describes a segment that has just been written.
type Info struct {
	Name     string
	DocCount int
	Compound bool
	Files    []string
}

// storedEncoder is shared by all writers; EncodeAll is safe for concurrent use.
var storedEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// Writer serialises Inputs into new .spdx segment files.
type Writer struct {
	dataDir  string
	compound bool
}

// NewWriter creates a Writer that writes segments into the given directory.
// When compound is false, stored payloads go to a sibling .sto file.
func NewWriter(dataDir string, compound bool) *Writer {
	return &Writer{dataDir: dataDir, compound: compound}
}

// Write atomically creates segment name from in. Every file is written to a
// .tmp path first and renamed on success.
func (w *Writer) Write(name string, in *Input) (Info, error) {
	if in.Len() == 0 {
		return Info{}, fmt.Errorf("cannot write empty segment")
	}
	if len(in.Payloads) != len(in.UIDs) {
		return Info{}, fmt.Errorf("segment %s: %d payloads for %d docs", name, len(in.Payloads), len(in.UIDs))
	}
	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return Info{}, fmt.Errorf("creating segment directory: %w", err)
	}
	info := Info{Name: name, DocCount: in.Len(), Compound: w.compound, Files: []string{name + Ext}}
	finalPath := filepath.Join(w.dataDir, name+Ext)
	tmpPath := finalPath + ".tmp"

	var storedTmp, storedFinal string
	if !w.compound {
		storedFinal = filepath.Join(w.dataDir, name+StoredExt)
		storedTmp = storedFinal + ".tmp"
		info.Files = append(info.Files, name+StoredExt)
	}
	if err := w.write(in, tmpPath, storedTmp); err != nil {
		os.Remove(tmpPath)
		if storedTmp != "" {
			os.Remove(storedTmp)
		}
		return Info{}, err
	}
	if storedTmp != "" {
		if err := os.Rename(storedTmp, storedFinal); err != nil {
			return Info{}, fmt.Errorf("renaming stored file: %w", err)
		}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Info{}, fmt.Errorf("renaming segment file: %w", err)
	}
	return info, nil
}

func (w *Writer) write(in *Input, tmpPath, storedTmp string) error {
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp segment file: %w", err)
	}
	defer f.Close()

	header := Header{
		Magic:     MagicBytes,
		Version:   FormatVersion,
		DocCount:  uint32(in.Len()),
		TermCount: uint32(len(in.Postings)),
		CreatedAt: time.Now().Unix(),
	}
	if w.compound {
		header.Flags |= flagCompound
	}
	if _, err := f.Write(header.encode()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	uidBytes := make([]byte, 8*in.Len())
	for i, uid := range in.UIDs {
		binary.LittleEndian.PutUint64(uidBytes[i*8:], uint64(uid))
	}
	if _, err := f.Write(uidBytes); err != nil {
		return fmt.Errorf("writing uids: %w", err)
	}
	offset := int64(HeaderSize + len(uidBytes))

	stored, err := encodeStored(in.Payloads)
	if err != nil {
		return err
	}
	if w.compound {
		header.StoredOffset = offset
		header.StoredSize = int64(len(stored))
		if _, err := f.Write(stored); err != nil {
			return fmt.Errorf("writing stored fields: %w", err)
		}
		offset += int64(len(stored))
	} else {
		header.StoredSize = int64(len(stored))
		if err := writeFileSync(storedTmp, stored); err != nil {
			return fmt.Errorf("writing stored file: %w", err)
		}
	}

	terms := make([]string, 0, len(in.Postings))
	for term := range in.Postings {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	header.PostOffset = offset
	dict := make([]DictEntry, 0, len(terms))
	var buf []byte
	for _, term := range terms {
		docs := in.Postings[term]
		start := len(buf)
		buf = binary.AppendUvarint(buf, uint64(len(docs)))
		prev := int32(0)
		for _, d := range docs {
			buf = binary.AppendUvarint(buf, uint64(d-prev))
			prev = d
		}
		dict = append(dict, DictEntry{
			Term:       term,
			PostOffset: int64(start),
			PostLen:    len(buf) - start,
			DocFreq:    len(docs),
		})
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("writing postings: %w", err)
	}
	header.PostSize = int64(len(buf))
	offset += int64(len(buf))

	dictData, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	header.DictOffset = offset
	header.DictSize = int64(len(dictData))
	if _, err := f.Write(dictData); err != nil {
		return fmt.Errorf("writing dictionary: %w", err)
	}

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(dictData))
	binary.LittleEndian.PutUint32(footer[4:8], header.DocCount)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(header.DictOffset))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(header.DictSize))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(header.PostSize))
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}
	if _, err := f.WriteAt(header.encode(), 0); err != nil {
		return fmt.Errorf("updating header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing segment file: %w", err)
	}
	return f.Close()
}

// encodeStored lays out an offset table of len(payloads)+1 entries followed
// by one zstd frame per document.
func encodeStored(payloads [][]byte) ([]byte, error) {
	enc, err := storedEncoder()
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	table := make([]byte, 8*(len(payloads)+1))
	var body []byte
	for i, p := range payloads {
		binary.LittleEndian.PutUint64(table[i*8:], uint64(len(body)))
		body = enc.EncodeAll(p, body)
	}
	binary.LittleEndian.PutUint64(table[len(payloads)*8:], uint64(len(body)))
	return append(table, body...), nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
