package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lsmforge/lsmkv/pkg/bloom"
	"github.com/lsmforge/lsmkv/pkg/record"
)

// ErrNonAscendingKey is returned by Add when a key does not sort strictly
// after the previously added key.
var ErrNonAscendingKey = errors.New("sstable: keys must be added in strictly ascending order")

// ErrWriterClosed is returned by Add or Build after Build has already run.
var ErrWriterClosed = errors.New("sstable: writer already built or abandoned")

// Options configures a Writer.
type Options struct {
	SparseIndexInterval int     // write an index entry every N records; first record is always indexed
	BloomEnabled        bool
	BloomExpectedItems  int
	BloomFPR            float64
}

// DefaultOptions returns the stock writer knobs: index every 10 entries,
// bloom filter at 1% target false-positive rate.
func DefaultOptions() Options {
	return Options{
		SparseIndexInterval: 10,
		BloomEnabled:        true,
		BloomExpectedItems:  1000,
		BloomFPR:            0.01,
	}
}

// Metadata describes a built SSTable: the facts the manifest persists about
// it and a reader needs to open it.
type Metadata struct {
	FileNumber   uint32
	FilePath     string
	EntryCount   uint32
	FirstKey     string
	LastKey      string
	FileSize     int64
	CreatedAt    uint64
	IndexOffset  uint64
	DataOffset   uint64
	FilterOffset uint64
	HasFilter    bool
}

// Writer streams sorted entries into a new, immutable SSTable file. Entries
// must arrive already sorted; Add rejects a key that does not sort after
// the last one written.
type Writer struct {
	dir         string
	fileNumber  uint32
	finalPath   string
	tmpPath     string
	file        *os.File
	opts        Options
	filter      *bloom.Filter
	index       []indexEntry
	firstKey    string
	lastKey     string
	hasEntries  bool
	entryCount  uint32
	dataOffset  uint64 // always 0: data is the first section
	writeOffset uint64
	built       bool
}

// NewWriter creates the temporary file a new SSTable will be built into.
// The final path is <dir>/sstable-NNNNN.sst; the temp path is that with a
// ".tmp" suffix.
func NewWriter(dir string, fileNumber uint32, opts Options) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sstable: create directory: %w", err)
	}

	finalPath := FilePath(dir, fileNumber)
	tmpPath := finalPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("sstable: create temp file: %w", err)
	}

	var filter *bloom.Filter
	if opts.BloomEnabled {
		expected := opts.BloomExpectedItems
		if expected < 1 {
			expected = 1
		}
		filter = bloom.New(expected, opts.BloomFPR)
	}

	return &Writer{
		dir:        dir,
		fileNumber: fileNumber,
		finalPath:  finalPath,
		tmpPath:    tmpPath,
		file:       file,
		opts:       opts,
		filter:     filter,
	}, nil
}

// FilePath returns the canonical path for a given SSTable file number.
func FilePath(dir string, fileNumber uint32) string {
	return filepath.Join(dir, fmt.Sprintf("sstable-%05d.sst", fileNumber))
}

// Add appends the next entry. Keys must arrive in strictly ascending order.
func (w *Writer) Add(e record.Entry) error {
	if w.built {
		return ErrWriterClosed
	}
	if w.hasEntries && e.Key <= w.lastKey {
		w.abandon()
		return fmt.Errorf("%w: %q does not follow %q", ErrNonAscendingKey, e.Key, w.lastKey)
	}

	interval := w.opts.SparseIndexInterval
	if interval < 1 {
		interval = 1
	}
	if w.entryCount%uint32(interval) == 0 {
		w.index = append(w.index, indexEntry{Key: e.Key, Offset: w.writeOffset})
	}

	buf := encodeEntry(e)
	if _, err := w.file.Write(buf); err != nil {
		w.abandon()
		return fmt.Errorf("sstable: write entry: %w", err)
	}

	if w.filter != nil {
		w.filter.Insert([]byte(e.Key))
	}

	if !w.hasEntries {
		w.firstKey = e.Key
		w.hasEntries = true
	}
	w.lastKey = e.Key
	w.entryCount++
	w.writeOffset += uint64(len(buf))

	return nil
}

// Build finalizes the SSTable: writes the index, optional filter, and
// footer, fsyncs, renames the temp file into place, and returns the
// resulting metadata. On any failure the temp file is removed.
func (w *Writer) Build() (*Metadata, error) {
	if w.built {
		return nil, ErrWriterClosed
	}
	w.built = true

	indexOffset := w.writeOffset
	indexBuf := make([]byte, 0, 4+len(w.index)*16)
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(w.index)))
	indexBuf = append(indexBuf, countBuf...)
	for _, ie := range w.index {
		indexBuf = append(indexBuf, encodeIndexEntry(ie)...)
	}
	if _, err := w.file.Write(indexBuf); err != nil {
		w.abandon()
		return nil, fmt.Errorf("sstable: write index: %w", err)
	}

	// filterOffset stays zero when no filter is written; a real filter
	// section always follows the index section (4-byte count at minimum),
	// so a present filter's offset is never zero.
	var filterOffset uint64
	hasFilter := w.filter != nil
	if hasFilter {
		filterOffset = indexOffset + uint64(len(indexBuf))
		if _, err := w.file.Write(w.filter.Serialize()); err != nil {
			w.abandon()
			return nil, fmt.Errorf("sstable: write filter: %w", err)
		}
	}

	createdAt := uint64(time.Now().Unix())
	ft := footer{
		FileNumber:   w.fileNumber,
		EntryCount:   w.entryCount,
		DataOffset:   w.dataOffset,
		IndexOffset:  indexOffset,
		FilterOffset: filterOffset,
		FirstKey:     w.firstKey,
		LastKey:      w.lastKey,
		CreatedAt:    createdAt,
		Version:      FooterVersion,
	}
	body, tail := ft.encode()
	if _, err := w.file.Write(body); err != nil {
		w.abandon()
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}
	if _, err := w.file.Write(tail); err != nil {
		w.abandon()
		return nil, fmt.Errorf("sstable: write footer tail: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.abandon()
		return nil, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("sstable: close: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("sstable: rename into place: %w", err)
	}

	stat, err := os.Stat(w.finalPath)
	var size int64
	if err == nil {
		size = stat.Size()
	}

	return &Metadata{
		FileNumber:   w.fileNumber,
		FilePath:     w.finalPath,
		EntryCount:   w.entryCount,
		FirstKey:     w.firstKey,
		LastKey:      w.lastKey,
		FileSize:     size,
		CreatedAt:    createdAt,
		IndexOffset:  indexOffset,
		DataOffset:   w.dataOffset,
		FilterOffset: filterOffset,
		HasFilter:    hasFilter,
	}, nil
}

// EntryCount reports how many entries have been added so far.
func (w *Writer) EntryCount() uint32 {
	return w.entryCount
}

// Abandon discards the writer and removes its temp file without building.
// Used when a caller discovers mid-stream that no output file is wanted
// (e.g. a compaction whose every input entry was a tombstone).
func (w *Writer) Abandon() {
	if w.built {
		return
	}
	w.abandon()
}

func (w *Writer) abandon() {
	w.file.Close()
	os.Remove(w.tmpPath)
	w.built = true
}
