// Package manifest persists the authoritative list of live SSTables and the
// engine's monotonic file-number counter in a small, crash-safe file.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lsmforge/lsmkv/pkg/sstable"
)

const fileName = "MANIFEST"

// magic identifies a well-formed manifest file.
const magic uint32 = 0x4D414E46 // "MANF"

// formatVersion gates the on-disk schema, independent of the monotonic
// content Version each edit advances.
const formatVersion uint16 = 1

// ErrCorrupt is returned when the manifest file's magic or format version
// does not match, which is treated as fatal to initialization.
var ErrCorrupt = errors.New("manifest: corrupt or unsupported file")

// State is an immutable snapshot of the manifest's content.
type State struct {
	SSTables            []sstable.Metadata // newest-first by file_number
	NextFileNumber      uint64
	LastFlushedSequence uint64
	Version             uint64
	CreatedAt           uint64
}

// Edit describes one atomic change to the manifest.
type Edit struct {
	Added               []sstable.Metadata
	RemovedFileNumbers  []uint32
	NextFileNumber      uint64
	LastFlushedSequence uint64
}

// Manifest guards the current State and persists every edit atomically.
// dataDir houses the MANIFEST file directly and an "sstables" subdirectory
// whose file_number-named files the manifest's entries refer to.
type Manifest struct {
	dataDir string
	sstDir  string
	mu      sync.Mutex
	state   State
}

func path(dataDir string) string {
	return filepath.Join(dataDir, fileName)
}

// SSTableDir returns the directory under dataDir where SSTable files live.
func SSTableDir(dataDir string) string {
	return filepath.Join(dataDir, "sstables")
}

// Load reads the manifest from dataDir, or starts and persists a fresh,
// empty one if absent.
func Load(dataDir string) (*Manifest, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create directory: %w", err)
	}
	sstDir := SSTableDir(dataDir)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create sstable directory: %w", err)
	}

	data, err := os.ReadFile(path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			fresh := State{
				NextFileNumber: 1,
				Version:        0,
				CreatedAt:      uint64(time.Now().Unix()),
			}
			if err := persist(dataDir, fresh); err != nil {
				return nil, err
			}
			return &Manifest{dataDir: dataDir, sstDir: sstDir, state: fresh}, nil
		}
		return nil, fmt.Errorf("manifest: read: %w", err)
	}

	state, err := decode(data, sstDir)
	if err != nil {
		return nil, err
	}
	return &Manifest{dataDir: dataDir, sstDir: sstDir, state: state}, nil
}

// State returns a snapshot of the current content. Callers must treat it as
// read-only; the underlying slice is not shared with future mutations.
func (m *Manifest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ApplyEdit computes the new state (remove then add, newest-first by
// file_number, version advanced), persists it via temp-file-then-rename,
// and only then updates the in-memory state.
func (m *Manifest) ApplyEdit(edit Edit) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make(map[uint32]bool, len(edit.RemovedFileNumbers))
	for _, n := range edit.RemovedFileNumbers {
		removed[n] = true
	}

	next := make([]sstable.Metadata, 0, len(m.state.SSTables)+len(edit.Added))
	for _, s := range m.state.SSTables {
		if !removed[s.FileNumber] {
			next = append(next, s)
		}
	}
	next = append(next, edit.Added...)
	sort.Slice(next, func(i, j int) bool { return next[i].FileNumber > next[j].FileNumber })

	newState := State{
		SSTables:            next,
		NextFileNumber:      edit.NextFileNumber,
		LastFlushedSequence: edit.LastFlushedSequence,
		Version:             m.state.Version + 1,
		CreatedAt:           m.state.CreatedAt,
	}
	if newState.NextFileNumber == 0 {
		newState.NextFileNumber = m.state.NextFileNumber
	}
	if newState.LastFlushedSequence == 0 {
		newState.LastFlushedSequence = m.state.LastFlushedSequence
	}

	if err := persist(m.dataDir, newState); err != nil {
		return State{}, err
	}

	m.state = newState
	return newState, nil
}

func persist(dir string, state State) error {
	final := path(dir)
	tmp := final + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("manifest: create temp file: %w", err)
	}

	buf := encode(state)
	if _, err := file.Write(buf); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: write: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: fsync: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: close: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}

func encode(state State) []byte {
	buf := make([]byte, 0, 64+len(state.SSTables)*96)
	head := make([]byte, 4+2+8+8+8+8+4)
	off := 0
	binary.BigEndian.PutUint32(head[off:], magic)
	off += 4
	binary.BigEndian.PutUint16(head[off:], formatVersion)
	off += 2
	binary.BigEndian.PutUint64(head[off:], state.Version)
	off += 8
	binary.BigEndian.PutUint64(head[off:], state.NextFileNumber)
	off += 8
	binary.BigEndian.PutUint64(head[off:], state.LastFlushedSequence)
	off += 8
	binary.BigEndian.PutUint64(head[off:], state.CreatedAt)
	off += 8
	binary.BigEndian.PutUint32(head[off:], uint32(len(state.SSTables)))
	buf = append(buf, head...)

	for _, s := range state.SSTables {
		buf = append(buf, encodeMetadata(s)...)
	}
	return buf
}

func decode(data []byte, dir string) (State, error) {
	if len(data) < 4+2+8+8+8+8+4 {
		return State{}, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	off := 0
	if binary.BigEndian.Uint32(data[off:]) != magic {
		return State{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	off += 4
	if binary.BigEndian.Uint16(data[off:]) != formatVersion {
		return State{}, fmt.Errorf("%w: unsupported format version", ErrCorrupt)
	}
	off += 2

	var state State
	state.Version = binary.BigEndian.Uint64(data[off:])
	off += 8
	state.NextFileNumber = binary.BigEndian.Uint64(data[off:])
	off += 8
	state.LastFlushedSequence = binary.BigEndian.Uint64(data[off:])
	off += 8
	state.CreatedAt = binary.BigEndian.Uint64(data[off:])
	off += 8
	count := int(binary.BigEndian.Uint32(data[off:]))
	off += 4

	state.SSTables = make([]sstable.Metadata, 0, count)
	for i := 0; i < count; i++ {
		meta, n, err := decodeMetadata(data[off:], dir)
		if err != nil {
			return State{}, err
		}
		state.SSTables = append(state.SSTables, meta)
		off += n
	}
	return state, nil
}

func encodeMetadata(m sstable.Metadata) []byte {
	firstKey := []byte(m.FirstKey)
	lastKey := []byte(m.LastKey)
	size := 4 + 4 + 2 + len(firstKey) + 2 + len(lastKey) + 8 + 8 + 8 + 8 + 1 + 8
	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint32(buf[off:], m.FileNumber)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.EntryCount)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(firstKey)))
	off += 2
	off += copy(buf[off:], firstKey)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(lastKey)))
	off += 2
	off += copy(buf[off:], lastKey)
	binary.BigEndian.PutUint64(buf[off:], uint64(m.FileSize))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], m.CreatedAt)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], m.IndexOffset)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], m.DataOffset)
	off += 8
	if m.HasFilter {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint64(buf[off:], m.FilterOffset)
	off += 8

	return buf
}

func decodeMetadata(buf []byte, dir string) (sstable.Metadata, int, error) {
	var m sstable.Metadata
	off := 0

	need := func(n int) error {
		if off+n > len(buf) {
			return fmt.Errorf("%w: truncated sstable metadata", ErrCorrupt)
		}
		return nil
	}

	if err := need(4); err != nil {
		return m, 0, err
	}
	m.FileNumber = binary.BigEndian.Uint32(buf[off:])
	off += 4

	if err := need(4); err != nil {
		return m, 0, err
	}
	m.EntryCount = binary.BigEndian.Uint32(buf[off:])
	off += 4

	if err := need(2); err != nil {
		return m, 0, err
	}
	firstLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if err := need(firstLen); err != nil {
		return m, 0, err
	}
	m.FirstKey = string(buf[off : off+firstLen])
	off += firstLen

	if err := need(2); err != nil {
		return m, 0, err
	}
	lastLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if err := need(lastLen); err != nil {
		return m, 0, err
	}
	m.LastKey = string(buf[off : off+lastLen])
	off += lastLen

	if err := need(8 + 8 + 8 + 8 + 1 + 8); err != nil {
		return m, 0, err
	}
	m.FileSize = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	m.CreatedAt = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.IndexOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.DataOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.HasFilter = buf[off] != 0
	off++
	m.FilterOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8

	m.FilePath = sstable.FilePath(dir, m.FileNumber)
	return m, off, nil
}
