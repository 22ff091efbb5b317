// Package sstable implements the on-disk Sorted String Table format: an
// immutable, key-ascending data section with a sparse index, an optional
// Bloom filter, and a fixed-shape footer that a reader can locate from the
// last 8 bytes of the file.
package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lsmforge/lsmkv/pkg/record"
)

// FooterVersion is the on-disk format version this package reads and
// writes. Version 2 adds the optional filter_offset field.
const FooterVersion uint16 = 2

// Magic identifies the footer of a well-formed SSTable file.
const Magic uint32 = 0x5353544C // "SSTL"

// ErrCorrupt is wrapped by any decode failure caused by malformed or
// truncated bytes.
var ErrCorrupt = errors.New("sstable: corrupt data")

// encodeEntry serializes a data entry as
// [key_len:u16][key][value_len:u32][value][timestamp:u64][tombstone:u8].
func encodeEntry(e record.Entry) []byte {
	key := []byte(e.Key)
	buf := make([]byte, 2+len(key)+4+len(e.Value)+8+1)
	off := 0

	binary.BigEndian.PutUint16(buf[off:], uint16(len(key)))
	off += 2
	off += copy(buf[off:], key)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Value)))
	off += 4
	off += copy(buf[off:], e.Value)

	binary.BigEndian.PutUint64(buf[off:], e.Timestamp)
	off += 8

	if e.Tombstone {
		buf[off] = 1
	} else {
		buf[off] = 0
	}

	return buf
}

// decodeEntry reads one entry from buf starting at off, returning the entry,
// the number of bytes consumed, and any error.
func decodeEntry(buf []byte, off int) (record.Entry, int, error) {
	start := off
	if off+2 > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated key length", ErrCorrupt)
	}
	keyLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	if off+keyLen > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated key", ErrCorrupt)
	}
	key := string(buf[off : off+keyLen])
	off += keyLen

	if off+4 > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated value length", ErrCorrupt)
	}
	valLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4

	if off+valLen > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated value", ErrCorrupt)
	}
	var value []byte
	if valLen > 0 {
		value = make([]byte, valLen)
		copy(value, buf[off:off+valLen])
	}
	off += valLen

	if off+8+1 > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated entry tail", ErrCorrupt)
	}
	ts := binary.BigEndian.Uint64(buf[off:])
	off += 8
	tombstone := buf[off] != 0
	off++

	return record.Entry{Key: key, Value: value, Timestamp: ts, Tombstone: tombstone}, off - start, nil
}

// entrySize returns the encoded size of an entry without allocating.
func entrySize(e record.Entry) int {
	return 2 + len(e.Key) + 4 + len(e.Value) + 8 + 1
}

// indexEntry is one sparse-index record: [key_len:u16][key][data_offset:u64].
type indexEntry struct {
	Key    string
	Offset uint64
}

func encodeIndexEntry(e indexEntry) []byte {
	key := []byte(e.Key)
	buf := make([]byte, 2+len(key)+8)
	binary.BigEndian.PutUint16(buf[0:], uint16(len(key)))
	copy(buf[2:], key)
	binary.BigEndian.PutUint64(buf[2+len(key):], e.Offset)
	return buf
}

func decodeIndexEntry(buf []byte, off int) (indexEntry, int, error) {
	if off+2 > len(buf) {
		return indexEntry{}, 0, fmt.Errorf("%w: truncated index key length", ErrCorrupt)
	}
	keyLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+keyLen+8 > len(buf) {
		return indexEntry{}, 0, fmt.Errorf("%w: truncated index entry", ErrCorrupt)
	}
	key := string(buf[off : off+keyLen])
	off += keyLen
	offset := binary.BigEndian.Uint64(buf[off:])
	off += 8
	return indexEntry{Key: key, Offset: offset}, 2 + keyLen + 8, nil
}

// footer holds the fixed-plus-variable fields written at the tail of every
// SSTable file, per the version-2 layout. FilterOffset is zero when the file
// carries no filter; a real filter section always sits after the index
// section, whose 4-byte count alone places it at a non-zero offset, so zero
// is unambiguous.
type footer struct {
	FileNumber   uint32
	EntryCount   uint32
	DataOffset   uint64
	IndexOffset  uint64
	FilterOffset uint64
	FirstKey     string
	LastKey      string
	CreatedAt    uint64
	Version      uint16
}

// encode serializes the footer body (everything except the trailing
// [footer_size][magic]) and returns it alongside those trailing 8 bytes.
func (f footer) encode() (body []byte, tail []byte) {
	firstKey := []byte(f.FirstKey)
	lastKey := []byte(f.LastKey)

	size := 4 + 4 + 8 + 8
	if f.Version >= 2 {
		size += 8
	}
	size += 2 + len(firstKey) + 2 + len(lastKey) + 8 + 2

	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint32(buf[off:], f.FileNumber)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.EntryCount)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], f.DataOffset)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], f.IndexOffset)
	off += 8
	if f.Version >= 2 {
		binary.BigEndian.PutUint64(buf[off:], f.FilterOffset)
		off += 8
	}
	binary.BigEndian.PutUint16(buf[off:], uint16(len(firstKey)))
	off += 2
	off += copy(buf[off:], firstKey)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(lastKey)))
	off += 2
	off += copy(buf[off:], lastKey)
	binary.BigEndian.PutUint64(buf[off:], f.CreatedAt)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], f.Version)
	off += 2

	tail = make([]byte, 8)
	binary.BigEndian.PutUint32(tail[0:], uint32(len(buf)))
	binary.BigEndian.PutUint32(tail[4:], Magic)

	return buf, tail
}

// decodeFooterBody parses the footer body once the caller knows whether a
// filter_offset field is present (version >= 2 always writes it). The field
// itself is zero when no filter section was written.
func decodeFooterBody(buf []byte, withFilterOffset bool) (footer, error) {
	var f footer
	off := 0

	need := func(n int) error {
		if off+n > len(buf) {
			return fmt.Errorf("%w: truncated footer", ErrCorrupt)
		}
		return nil
	}

	if err := need(4); err != nil {
		return f, err
	}
	f.FileNumber = binary.BigEndian.Uint32(buf[off:])
	off += 4

	if err := need(4); err != nil {
		return f, err
	}
	f.EntryCount = binary.BigEndian.Uint32(buf[off:])
	off += 4

	if err := need(8); err != nil {
		return f, err
	}
	f.DataOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8

	if err := need(8); err != nil {
		return f, err
	}
	f.IndexOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8

	if withFilterOffset {
		if err := need(8); err != nil {
			return f, err
		}
		f.FilterOffset = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}

	if err := need(2); err != nil {
		return f, err
	}
	firstLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if err := need(firstLen); err != nil {
		return f, err
	}
	f.FirstKey = string(buf[off : off+firstLen])
	off += firstLen

	if err := need(2); err != nil {
		return f, err
	}
	lastLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if err := need(lastLen); err != nil {
		return f, err
	}
	f.LastKey = string(buf[off : off+lastLen])
	off += lastLen

	if err := need(8); err != nil {
		return f, err
	}
	f.CreatedAt = binary.BigEndian.Uint64(buf[off:])
	off += 8

	if err := need(2); err != nil {
		return f, err
	}
	f.Version = binary.BigEndian.Uint16(buf[off:])
	off += 2

	return f, nil
}
