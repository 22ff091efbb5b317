package wal

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Mode selects the durability discipline for Append.
type Mode int

const (
	// ModeSyncEveryWrite fsyncs after every single append.
	ModeSyncEveryWrite Mode = iota
	// ModeGroupCommit batches pending appends and fsyncs once per batch.
	ModeGroupCommit
)

// groupCommitBatchThreshold forces an immediate flush once this many writes
// are pending, regardless of the timer.
const groupCommitBatchThreshold = 100

// Config configures a Log's durability behaviour.
type Config struct {
	Mode          Mode
	FlushInterval time.Duration

	// Codec, if set, encrypts Put/BatchPut values before they reach disk and
	// decrypts them once at replay time. Optional; nil means plaintext, the
	// default.
	Codec ValueCodec
}

// DefaultConfig returns the 100ms group-commit default.
func DefaultConfig() Config {
	return Config{Mode: ModeGroupCommit, FlushInterval: 100 * time.Millisecond}
}

// PeriodicConfig returns a faster, 10ms group-commit flush interval.
func PeriodicConfig() Config {
	return Config{Mode: ModeGroupCommit, FlushInterval: 10 * time.Millisecond}
}

type pendingAppend struct {
	frame  []byte
	record Record
	done   chan error
}

// Log is the write-ahead log: a single active segment file plus zero or more
// retired segments awaiting checkpoint. A single logical writer serialises
// appends and flushes so on-disk order matches sequence order.
type Log struct {
	dir      string
	cfg      Config
	mu       sync.Mutex
	file     *os.File
	nextSeq  uint64
	pending  []*pendingAppend
	listener func(Record)
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open replays every existing segment in dir (in filename order), truncates
// a torn tail from the most recent segment, and opens (or creates) the
// active segment for further appends. It returns the log and the records
// recovered from replay, which the caller applies before accepting writes.
func Open(dir string, cfg Config) (*Log, []Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("wal: create directory: %w", err)
	}

	records, maxSeq, validBytes, lastPath, err := replaySegments(dir)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Codec != nil {
		if err := decryptRecords(records, cfg.Codec); err != nil {
			return nil, nil, err
		}
	}

	var path string
	if lastPath != "" {
		path = lastPath
		if err := os.Truncate(path, validBytes); err != nil {
			return nil, nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	} else {
		path = newSegmentPath(dir)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: open segment: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("wal: seek segment: %w", err)
	}

	l := &Log{
		dir:     dir,
		cfg:     cfg,
		file:    file,
		nextSeq: maxSeq + 1,
		stopCh:  make(chan struct{}),
	}

	if cfg.Mode == ModeGroupCommit {
		l.wg.Add(1)
		go l.flushLoop()
	}

	return l, records, nil
}

// LastSequence returns the most recently assigned sequence id, or 0 if
// nothing has been appended over this log's lifetime.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// SetListener installs a callback that fires, in sequence order, after each
// record becomes durable. Used by replication and tail-monitoring feeds.
func (l *Log) SetListener(fn func(Record)) {
	l.mu.Lock()
	l.listener = fn
	l.mu.Unlock()
}

// AppendPut durably appends a Put record and returns it (with its assigned
// sequence id and timestamp) once committed.
func (l *Log) AppendPut(key string, value []byte) (Record, error) {
	return l.append(Record{Op: OpPut, Key: key, Value: value})
}

// AppendDelete durably appends a Delete record.
func (l *Log) AppendDelete(key string) (Record, error) {
	return l.append(Record{Op: OpDelete, Key: key})
}

// AppendBatchPut durably appends a single BatchPut record covering every
// pair in batch.
func (l *Log) AppendBatchPut(batch []KV) (Record, error) {
	return l.append(Record{Op: OpBatchPut, Batch: batch})
}

func (l *Log) append(r Record) (Record, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Record{}, ErrClosed
	}

	r.SequenceID = l.nextSeq
	l.nextSeq++
	r.TimestampMs = uint64(time.Now().UnixMilli())

	frameRecord := r
	if l.cfg.Codec != nil {
		wireRecord, err := encryptForWire(r, l.cfg.Codec)
		if err != nil {
			l.mu.Unlock()
			return Record{}, fmt.Errorf("wal: %w", err)
		}
		frameRecord = wireRecord
	}
	frame := encodeFrame(frameRecord)

	if l.cfg.Mode == ModeSyncEveryWrite {
		defer l.mu.Unlock()
		if _, err := l.file.Write(frame); err != nil {
			return Record{}, fmt.Errorf("wal: write frame: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return Record{}, fmt.Errorf("wal: fsync: %w", err)
		}
		if l.listener != nil {
			l.listener(r)
		}
		return r, nil
	}

	pa := &pendingAppend{frame: frame, record: r, done: make(chan error, 1)}
	l.pending = append(l.pending, pa)
	shouldFlush := len(l.pending) >= groupCommitBatchThreshold
	l.mu.Unlock()

	if shouldFlush {
		l.flush()
	}

	if err := <-pa.done; err != nil {
		return Record{}, err
	}
	return r, nil
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.stopCh:
			l.flush()
			return
		}
	}
}

// flush writes every pending frame in one batch and fsyncs once; all waiters
// resolve together, or all reject together if the fsync fails. The mutex is
// held for the whole batch so on-disk order always matches sequence order,
// even across overlapping timer- and threshold-triggered flushes.
func (l *Log) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return
	}
	batch := l.pending
	l.pending = nil

	var writeErr error
	for _, pa := range batch {
		if _, err := l.file.Write(pa.frame); err != nil {
			writeErr = fmt.Errorf("wal: write frame: %w", err)
			break
		}
	}
	if writeErr == nil {
		if err := l.file.Sync(); err != nil {
			writeErr = fmt.Errorf("wal: fsync: %w", err)
		}
	}

	for _, pa := range batch {
		if writeErr != nil {
			pa.done <- writeErr
			continue
		}
		if l.listener != nil {
			l.listener(pa.record)
		}
		pa.done <- nil
	}
}

// Checkpoint flushes any pending writes, rotates to a fresh segment, and
// deletes all prior segments. Callers must guarantee every record in the
// deleted segments is already reflected in durable SSTables.
func (l *Log) Checkpoint() error {
	l.flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync before checkpoint: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment: %w", err)
	}

	oldPaths, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	newPath := newSegmentPath(l.dir)
	newFile, err := os.OpenFile(newPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create new segment: %w", err)
	}
	l.file = newFile

	sort.Strings(oldPaths)
	for _, p := range oldPaths {
		_ = os.Remove(p)
	}

	return nil
}

// Close stops the flush loop, flushes any remaining writes, and closes the
// active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	mode := l.cfg.Mode
	l.mu.Unlock()

	if mode == ModeGroupCommit {
		close(l.stopCh)
		l.wg.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync on close: %w", err)
	}
	return l.file.Close()
}
