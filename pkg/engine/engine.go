// Package engine orchestrates the WAL, MemTable, SSTable, manifest,
// compaction, and merge layers into the single public key-value store
// surface client front-ends call into.
package engine

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/lsmforge/lsmkv/pkg/compaction"
	"github.com/lsmforge/lsmkv/pkg/manifest"
	"github.com/lsmforge/lsmkv/pkg/memtable"
	"github.com/lsmforge/lsmkv/pkg/merge"
	"github.com/lsmforge/lsmkv/pkg/record"
	"github.com/lsmforge/lsmkv/pkg/sstable"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

// State is the engine's lifecycle phase.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateClosing
	StateClosed
)

// Engine is the LSM store's orchestrator. The zero value is not usable;
// construct with New and call Initialize before any other operation.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	state     State
	active    *memtable.MemTable
	immutable *memtable.MemTable
	readers   []*sstable.Reader // newest-first, mirrors manifest order
	flushing  bool

	wl  *wal.Log
	mf  *manifest.Manifest
	cpt *compaction.Compactor

	flushWg sync.WaitGroup
}

// New constructs an Engine in the Uninitialized state.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, state: StateUninitialized}
}

// State returns the engine's current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Initialize creates the data directories, loads the manifest, opens a
// reader for every listed SSTable (retiring any that fail to open), opens
// the WAL and replays it into the active MemTable, and starts the
// compactor. It must be called exactly once before any other operation.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return fmt.Errorf("%w: initialize called in state %d", ErrStateError, e.state)
	}
	e.mu.Unlock()

	mf, err := manifest.Load(e.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	state := mf.State()
	readers := make([]*sstable.Reader, 0, len(state.SSTables))
	var retired []uint32
	for _, meta := range state.SSTables {
		r, openErr := sstable.Open(meta.FilePath)
		if openErr != nil {
			retired = append(retired, meta.FileNumber)
			continue
		}
		readers = append(readers, r)
	}
	if len(retired) > 0 {
		if _, err := mf.ApplyEdit(manifest.Edit{
			RemovedFileNumbers: retired,
			NextFileNumber:     state.NextFileNumber,
		}); err != nil {
			return fmt.Errorf("%w: retiring unreadable sstables: %v", ErrIoFault, err)
		}
	}

	walDir := walDir(e.cfg.DataDir)
	wl, records, err := wal.Open(walDir, e.cfg.walConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoFault, err)
	}

	active := memtable.New(e.cfg.MemTableSizeLimit)
	for _, rec := range records {
		applyWALRecord(active, rec)
	}

	cpt := compaction.New(manifest.SSTableDir(e.cfg.DataDir), mf, e.cfg.compactionConfig(), e.onCompacted)

	e.mu.Lock()
	e.mf = mf
	e.wl = wl
	e.active = active
	e.readers = readers
	e.cpt = cpt
	e.state = StateReady
	e.mu.Unlock()

	wl.SetListener(e.onWALCommit)
	cpt.Start()

	return nil
}

func walDir(dataDir string) string {
	return filepath.Join(dataDir, "wal")
}

func applyWALRecord(m *memtable.MemTable, rec wal.Record) {
	switch rec.Op {
	case wal.OpPut:
		m.Put(rec.Key, rec.Value, rec.TimestampMs)
	case wal.OpDelete:
		m.Delete(rec.Key, rec.TimestampMs)
	case wal.OpBatchPut:
		for _, kv := range rec.Batch {
			m.Put(kv.Key, kv.Value, rec.TimestampMs)
		}
	}
}

// onWALCommit is the WAL's durability listener. It is a hook point for
// replication and tail-monitoring feeds; the engine itself has no use for
// it beyond offering the attachment point.
func (e *Engine) onWALCommit(wal.Record) {}

// SetCommitListener overrides the WAL's commit callback, replacing the
// no-op default installed by Initialize. Used by replication primaries and
// websocket tail endpoints.
func (e *Engine) SetCommitListener(fn func(wal.Record)) {
	e.mu.Lock()
	wl := e.wl
	e.mu.Unlock()
	if wl != nil {
		wl.SetListener(fn)
	}
}

func (e *Engine) requireReady() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReady {
		return fmt.Errorf("%w: operation on engine in state %d", ErrStateError, e.state)
	}
	return nil
}

// Put durably appends a Put record, applies it to the active MemTable, and
// triggers a flush if the table is now full.
func (e *Engine) Put(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if err := e.requireReady(); err != nil {
		return err
	}

	rec, err := e.wl.AppendPut(key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoFault, err)
	}

	e.mu.Lock()
	e.active.Put(key, value, rec.TimestampMs)
	e.mu.Unlock()

	e.maybeFlush()
	return nil
}

// Delete durably appends a Delete record and marks a tombstone.
func (e *Engine) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if err := e.requireReady(); err != nil {
		return err
	}

	rec, err := e.wl.AppendDelete(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoFault, err)
	}

	e.mu.Lock()
	e.active.Delete(key, rec.TimestampMs)
	e.mu.Unlock()

	e.maybeFlush()
	return nil
}

// BatchPut appends one BatchPut WAL record covering every entry, then
// applies them to the active MemTable in input order. It returns the
// number of entries written.
func (e *Engine) BatchPut(entries []wal.KV) (int, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	for _, kv := range entries {
		if kv.Key == "" {
			return 0, fmt.Errorf("%w: empty key in batch", ErrInvalidArgument)
		}
	}

	rec, err := e.wl.AppendBatchPut(entries)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIoFault, err)
	}

	e.mu.Lock()
	for _, kv := range rec.Batch {
		e.active.Put(kv.Key, kv.Value, rec.TimestampMs)
	}
	e.mu.Unlock()

	e.maybeFlush()
	return len(rec.Batch), nil
}

// Get returns the value for key, or found=false if it is absent or
// tombstoned. The active MemTable is checked first, then the immutable
// MemTable, then live SSTables newest-first.
func (e *Engine) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if err := e.requireReady(); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	if entry, found := e.active.Get(key); found {
		e.mu.Unlock()
		return entryValue(entry)
	}
	if e.immutable != nil {
		if entry, found := e.immutable.Get(key); found {
			e.mu.Unlock()
			return entryValue(entry)
		}
	}
	readers := append([]*sstable.Reader(nil), e.readers...)
	e.mu.Unlock()

	for _, r := range readers {
		if !r.MaybeContains(key) {
			continue
		}
		entry, found, err := r.Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrIoFault, err)
		}
		if found {
			return entryValue(entry)
		}
	}
	return nil, false, nil
}

func entryValue(e record.Entry) ([]byte, bool, error) {
	if e.Tombstone {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// ReadKeyRange returns up to limit key/value pairs with start <= key <= end,
// in ascending order, merged across both MemTables and every overlapping
// SSTable. limit <= 0 means unlimited. start > end yields nothing.
func (e *Engine) ReadKeyRange(start, end string, limit int) ([]record.Entry, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	if start > end {
		return nil, nil
	}

	e.mu.Lock()
	sources := [][]record.Entry{e.active.Range(start, end)}
	if e.immutable != nil {
		sources = append(sources, e.immutable.Range(start, end))
	}
	readers := append([]*sstable.Reader(nil), e.readers...)
	e.mu.Unlock()

	for _, r := range readers {
		meta := r.Metadata()
		if end < meta.FirstKey || start > meta.LastKey {
			continue
		}
		entries, err := r.Iterate(start, end)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoFault, err)
		}
		sources = append(sources, entries)
	}

	it := merge.New(sources, true)
	return merge.Collect(it, limit), nil
}

// ApplyReplicatedRecord is used on a backup: it appends the record locally
// to the WAL, applies it to the active MemTable, and triggers a flush check.
func (e *Engine) ApplyReplicatedRecord(op wal.Op, key string, value []byte, batch []wal.KV) error {
	if err := e.requireReady(); err != nil {
		return err
	}

	var rec wal.Record
	var err error
	switch op {
	case wal.OpPut:
		rec, err = e.wl.AppendPut(key, value)
	case wal.OpDelete:
		rec, err = e.wl.AppendDelete(key)
	case wal.OpBatchPut:
		rec, err = e.wl.AppendBatchPut(batch)
	default:
		return fmt.Errorf("%w: unknown replicated op %d", ErrInvalidArgument, op)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoFault, err)
	}

	e.mu.Lock()
	applyWALRecord(e.active, rec)
	e.mu.Unlock()

	e.maybeFlush()
	return nil
}

// maybeFlush swaps the active MemTable to immutable and schedules a
// background flush if the active table is full and no flush is already in
// progress. Non-reentrant: a trigger arriving mid-flush is dropped.
func (e *Engine) maybeFlush() {
	e.mu.Lock()
	if !e.active.Full() {
		e.mu.Unlock()
		return
	}
	if e.flushing || e.immutable != nil {
		e.mu.Unlock()
		log.Printf("engine: memtable full but a flush is pending; dropping trigger")
		return
	}
	immutable := e.active
	e.immutable = immutable
	e.active = memtable.New(e.cfg.MemTableSizeLimit)
	e.flushing = true
	e.mu.Unlock()

	e.flushWg.Add(1)
	go e.backgroundFlush(immutable)
}

// backgroundFlush streams the immutable MemTable into a new SSTable, edits
// the manifest, prepends a reader for it, checkpoints the WAL, and drops
// the immutable table. It never blocks the write path: active writes
// continue hitting the fresh active MemTable throughout. On failure the WAL
// is NOT checkpointed (its segments still hold the only durable copy of the
// immutable table's entries) and the immutable table stays readable.
func (e *Engine) backgroundFlush(immutable *memtable.MemTable) {
	defer e.flushWg.Done()

	fileNumber := uint32(e.mf.State().NextFileNumber)
	dir := manifest.SSTableDir(e.cfg.DataDir)

	entries := immutable.GetAllSorted()
	if len(entries) > 0 {
		if err := e.flushEntries(dir, fileNumber, entries); err != nil {
			log.Printf("engine: flush of %d entries failed, keeping WAL segments: %v", len(entries), err)
			e.mu.Lock()
			e.flushing = false
			e.mu.Unlock()
			return
		}
	}

	if err := e.wl.Checkpoint(); err != nil {
		log.Printf("engine: wal checkpoint after flush: %v", err)
	}

	e.mu.Lock()
	e.immutable = nil
	e.flushing = false
	e.mu.Unlock()
}

// flushEntries writes one SSTable from entries, records it in the manifest,
// and prepends a reader for it so it is immediately visible to reads.
func (e *Engine) flushEntries(dir string, fileNumber uint32, entries []record.Entry) error {
	w, err := sstable.NewWriter(dir, fileNumber, e.cfg.writerOptions())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := w.Add(entry); err != nil {
			return err
		}
	}
	meta, err := w.Build()
	if err != nil {
		return err
	}

	if _, err := e.mf.ApplyEdit(manifest.Edit{
		Added:               []sstable.Metadata{*meta},
		NextFileNumber:      uint64(fileNumber) + 1,
		LastFlushedSequence: e.wl.LastSequence(),
	}); err != nil {
		return err
	}

	reader, err := sstable.Open(meta.FilePath)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.readers = append([]*sstable.Reader{reader}, e.readers...)
	e.mu.Unlock()
	return nil
}

// onCompacted is the compactor's completion callback: it keeps the engine's
// live reader list in lock-step with the manifest edit the compaction run
// just committed, closing readers over the files that were just removed and
// opening one for the new merged file. Invoked after the manifest edit is
// durable but before the old files are deleted from disk.
func (e *Engine) onCompacted(newFile sstable.Metadata, removed []uint32) {
	removedSet := make(map[uint32]bool, len(removed))
	for _, n := range removed {
		removedSet[n] = true
	}

	reader, err := sstable.Open(newFile.FilePath)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	kept := make([]*sstable.Reader, 0, len(e.readers)+1)
	for _, r := range e.readers {
		if removedSet[r.Metadata().FileNumber] {
			_ = r.Close()
			continue
		}
		kept = append(kept, r)
	}
	e.readers = append([]*sstable.Reader{reader}, kept...)
}

// Stats is a point-in-time snapshot of engine-level counters, surfaced by
// front-end adapters (e.g. the HTTP /stats endpoint) for operational use.
type Stats struct {
	State                State
	LiveSSTables         int
	ManifestVersion      uint64
	NextFileNumber       uint64
	HasImmutableMemTable bool
	Compaction           compaction.Stats
}

// Stats returns a snapshot of the engine's current state. Safe to call in
// any lifecycle state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	state := e.state
	liveSSTables := len(e.readers)
	hasImmutable := e.immutable != nil
	mf := e.mf
	cpt := e.cpt
	e.mu.Unlock()

	s := Stats{State: state, LiveSSTables: liveSSTables, HasImmutableMemTable: hasImmutable}
	if mf != nil {
		mfState := mf.State()
		s.ManifestVersion = mfState.Version
		s.NextFileNumber = mfState.NextFileNumber
	}
	if cpt != nil {
		s.Compaction = cpt.Stats()
	}
	return s
}

// TriggerCompaction asks the background compactor to check eligibility
// immediately, bypassing its periodic timer. Intended for tests and
// operator-triggered maintenance endpoints.
func (e *Engine) TriggerCompaction() error {
	e.mu.Lock()
	cpt := e.cpt
	e.mu.Unlock()
	if cpt == nil {
		return fmt.Errorf("%w: engine not initialized", ErrStateError)
	}
	return cpt.RunOnce()
}

// DataDir returns the directory this engine was configured with.
func (e *Engine) DataDir() string {
	return e.cfg.DataDir
}

// Close stops the compactor, awaits any in-flight flush, closes every
// SSTable reader, and closes the WAL. Subsequent operations fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return fmt.Errorf("%w: close called in state %d", ErrStateError, e.state)
	}
	e.state = StateClosing
	cpt := e.cpt
	e.mu.Unlock()

	if cpt != nil {
		cpt.Stop()
	}
	e.flushWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.readers {
		_ = r.Close()
	}
	var err error
	if e.wl != nil {
		err = e.wl.Close()
	}
	e.state = StateClosed
	return err
}
