package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lsmforge/lsmkv/pkg/bloom"
	"github.com/lsmforge/lsmkv/pkg/record"
)

// Reader opens an immutable SSTable file for point lookups and range scans.
// It is safe for concurrent readers (no mutation ever occurs after Open).
type Reader struct {
	path   string
	meta   Metadata
	index  []indexEntry
	filter *bloom.Filter
}

// Open reads an SSTable's footer, sparse index, and optional filter into
// memory, and returns a Reader ready to serve Get/Iterate.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	fileSize := stat.Size()
	if fileSize < 8 {
		return nil, fmt.Errorf("%w: file too small to contain a footer", ErrCorrupt)
	}

	tail := make([]byte, 8)
	if _, err := file.ReadAt(tail, fileSize-8); err != nil {
		return nil, fmt.Errorf("sstable: read footer tail: %w", err)
	}
	footerSize := binary.BigEndian.Uint32(tail[0:4])
	magic := binary.BigEndian.Uint32(tail[4:8])
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrCorrupt, magic)
	}

	footerStart := fileSize - 8 - int64(footerSize)
	if footerStart < 0 {
		return nil, fmt.Errorf("%w: footer_size overruns file", ErrCorrupt)
	}
	footerBody := make([]byte, footerSize)
	if _, err := file.ReadAt(footerBody, footerStart); err != nil {
		return nil, fmt.Errorf("sstable: read footer body: %w", err)
	}

	ft, err := decodeFooterBody(footerBody, true)
	if err != nil {
		return nil, err
	}
	if ft.Version != FooterVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, ft.Version)
	}

	hasFilter := ft.FilterOffset != 0

	indexEnd := footerStart
	if hasFilter {
		indexEnd = int64(ft.FilterOffset)
	}
	indexLen := indexEnd - int64(ft.IndexOffset)
	if indexLen < 4 {
		return nil, fmt.Errorf("%w: index section too small", ErrCorrupt)
	}
	indexBuf := make([]byte, indexLen)
	if _, err := file.ReadAt(indexBuf, int64(ft.IndexOffset)); err != nil {
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	count := binary.BigEndian.Uint32(indexBuf[0:4])
	off := 4
	index := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		ie, n, err := decodeIndexEntry(indexBuf, off)
		if err != nil {
			return nil, err
		}
		index = append(index, ie)
		off += n
	}

	var filter *bloom.Filter
	if hasFilter {
		filterLen := footerStart - int64(ft.FilterOffset)
		if filterLen < 0 {
			return nil, fmt.Errorf("%w: negative filter length", ErrCorrupt)
		}
		filterBuf := make([]byte, filterLen)
		if _, err := file.ReadAt(filterBuf, int64(ft.FilterOffset)); err != nil {
			return nil, fmt.Errorf("sstable: read filter: %w", err)
		}
		filter, err = bloom.Deserialize(filterBuf)
		if err != nil {
			return nil, fmt.Errorf("sstable: decode filter: %w", err)
		}
	}

	meta := Metadata{
		FileNumber:   ft.FileNumber,
		FilePath:     path,
		EntryCount:   ft.EntryCount,
		FirstKey:     ft.FirstKey,
		LastKey:      ft.LastKey,
		FileSize:     fileSize,
		CreatedAt:    ft.CreatedAt,
		IndexOffset:  ft.IndexOffset,
		DataOffset:   ft.DataOffset,
		FilterOffset: ft.FilterOffset,
		HasFilter:    hasFilter,
	}

	return &Reader{path: path, meta: meta, index: index, filter: filter}, nil
}

// Metadata returns the reader's SSTable metadata.
func (r *Reader) Metadata() Metadata { return r.meta }

// Path returns the backing file path.
func (r *Reader) Path() string { return r.path }

// Close releases the reader. Open never keeps a file handle beyond a single
// call, so Close is a no-op provided for lifecycle symmetry with Writer.
func (r *Reader) Close() error { return nil }

// MaybeContains combines the key-range fence with the Bloom filter: both
// must pass for a lookup to be worth attempting.
func (r *Reader) MaybeContains(key string) bool {
	if key < r.meta.FirstKey || key > r.meta.LastKey {
		return false
	}
	if r.filter != nil && !r.filter.MaybeContains([]byte(key)) {
		return false
	}
	return true
}

// dataEnd returns the offset where the data section ends (start of index).
func (r *Reader) dataEnd() uint64 {
	return r.meta.IndexOffset
}

// seekOffset returns the data offset to start scanning from for key,
// binary-searching the sparse index for the greatest indexed key <= key.
func (r *Reader) seekOffset(key string) uint64 {
	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].Key > key
	})
	if i == 0 {
		return 0
	}
	return r.index[i-1].Offset
}

// Get returns the entry for key, or found=false if absent. It rejects
// out-of-range and filter-negative keys before touching the file.
func (r *Reader) Get(key string) (record.Entry, bool, error) {
	if !r.MaybeContains(key) {
		return record.Entry{}, false, nil
	}

	file, err := os.Open(r.path)
	if err != nil {
		return record.Entry{}, false, fmt.Errorf("sstable: open %s: %w", r.path, err)
	}
	defer file.Close()

	offset := r.seekOffset(key)
	end := r.dataEnd()
	buf := make([]byte, end-offset)
	if len(buf) > 0 {
		if _, err := file.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
			return record.Entry{}, false, fmt.Errorf("sstable: read data: %w", err)
		}
	}

	pos := 0
	for pos < len(buf) {
		e, n, err := decodeEntry(buf, pos)
		if err != nil {
			return record.Entry{}, false, err
		}
		if e.Key == key {
			return e, true, nil
		}
		if e.Key > key {
			return record.Entry{}, false, nil
		}
		pos += n
	}
	return record.Entry{}, false, nil
}

// Iterate returns every entry with start <= key <= end, in ascending order.
func (r *Reader) Iterate(start, end string) ([]record.Entry, error) {
	if start > end {
		return nil, nil
	}
	if end < r.meta.FirstKey || start > r.meta.LastKey {
		return nil, nil
	}

	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", r.path, err)
	}
	defer file.Close()

	offset := r.seekOffset(start)
	dataEnd := r.dataEnd()
	buf := make([]byte, dataEnd-offset)
	if len(buf) > 0 {
		if _, err := file.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("sstable: read data: %w", err)
		}
	}

	var out []record.Entry
	pos := 0
	for pos < len(buf) {
		e, n, err := decodeEntry(buf, pos)
		if err != nil {
			return nil, err
		}
		if e.Key > end {
			break
		}
		if e.Key >= start {
			out = append(out, e)
		}
		pos += n
	}
	return out, nil
}
