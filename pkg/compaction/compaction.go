// Package compaction implements the size-tiered background worker that
// merges all live SSTables into one once their count reaches a threshold,
// dropping tombstones along the way.
package compaction

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lsmforge/lsmkv/pkg/manifest"
	"github.com/lsmforge/lsmkv/pkg/merge"
	"github.com/lsmforge/lsmkv/pkg/record"
	"github.com/lsmforge/lsmkv/pkg/sstable"
)

// DefaultThreshold is the live-SSTable count that triggers a compaction run.
const DefaultThreshold = 4

// Stats reports cumulative and in-flight compaction activity.
type Stats struct {
	CompactionCount int
	EntriesKept     uint64
	EntriesDropped  uint64
	LastRunAt       time.Time
	InProgress      bool
}

// OpenReader abstracts sstable.Open so tests can substitute readers without
// touching the filesystem.
type OpenReader func(path string) (*sstable.Reader, error)

// Compactor periodically checks the manifest's live SSTable count and, once
// it reaches Threshold, merges all of them into one new SSTable.
type Compactor struct {
	dir           string
	mf            *manifest.Manifest
	checkInterval time.Duration
	threshold     int
	writerOpts    sstable.Options
	openReader    OpenReader

	onCompacted func(newFile sstable.Metadata, removed []uint32)

	mu      sync.Mutex
	stats   Stats
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Compactor.
type Config struct {
	CheckInterval time.Duration
	Threshold     int
	WriterOptions sstable.Options
}

// DefaultConfig returns a 1-second check interval and the default threshold.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Second,
		Threshold:     DefaultThreshold,
		WriterOptions: sstable.DefaultOptions(),
	}
}

// New creates a Compactor bound to mf. onCompacted, if non-nil, is invoked
// after every successful (non-empty) compaction with the new file's
// metadata and the file numbers it replaced.
func New(dir string, mf *manifest.Manifest, cfg Config, onCompacted func(sstable.Metadata, []uint32)) *Compactor {
	threshold := cfg.Threshold
	if threshold < 2 {
		threshold = DefaultThreshold
	}
	return &Compactor{
		dir:           dir,
		mf:            mf,
		checkInterval: cfg.CheckInterval,
		threshold:     threshold,
		writerOpts:    cfg.WriterOptions,
		openReader:    sstable.Open,
		onCompacted:   onCompacted,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic background check. Safe to call at most once.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the background loop and waits for any in-flight run to finish.
func (c *Compactor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Compactor) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.maybeRun()
		case <-c.stopCh:
			return
		}
	}
}

// Stats returns a snapshot of the compactor's cumulative statistics.
func (c *Compactor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Compactor) maybeRun() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	state := c.mf.State()
	if len(state.SSTables) < c.threshold {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stats.InProgress = true
	c.mu.Unlock()

	c.run(state)

	c.mu.Lock()
	c.running = false
	c.stats.InProgress = false
	c.mu.Unlock()
}

// run performs one compaction pass over the given metadata snapshot.
func (c *Compactor) run(state manifest.State) {
	if len(state.SSTables) < 2 {
		return
	}

	readers := make([]*sstable.Reader, 0, len(state.SSTables))
	removed := make([]uint32, 0, len(state.SSTables))
	for _, meta := range state.SSTables {
		r, err := c.openReader(meta.FilePath)
		if err != nil {
			log.Printf("compaction: skip unreadable sstable %s: %v", meta.FilePath, err)
			continue
		}
		readers = append(readers, r)
		removed = append(removed, meta.FileNumber)
	}
	if len(readers) < 2 {
		return
	}

	sources := make([][]record.Entry, len(readers))
	for i, r := range readers {
		meta := r.Metadata()
		entries, err := r.Iterate(meta.FirstKey, meta.LastKey)
		if err != nil {
			log.Printf("compaction: iterate %s: %v", r.Path(), err)
			return
		}
		sources[i] = entries
	}

	it := merge.New(sources, true)

	fileNumber := uint32(state.NextFileNumber)
	w, err := sstable.NewWriter(c.dir, fileNumber, c.writerOpts)
	if err != nil {
		log.Printf("compaction: new writer: %v", err)
		return
	}

	var total uint64
	for _, entries := range sources {
		total += uint64(len(entries))
	}

	var kept uint64
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if err := w.Add(e); err != nil {
			log.Printf("compaction: add entry: %v", err)
			return
		}
		kept++
	}
	// Dropped covers tombstones and versions shadowed by a newer source.
	dropped := total - kept

	if kept == 0 {
		w.Abandon()
		_, err := c.mf.ApplyEdit(manifest.Edit{
			RemovedFileNumbers: removed,
			NextFileNumber:     state.NextFileNumber,
		})
		if err != nil {
			log.Printf("compaction: apply edit (all-tombstones case): %v", err)
			return
		}
		c.deleteFiles(state.SSTables, removed)
		c.recordStats(kept, dropped)
		return
	}

	meta, err := w.Build()
	if err != nil {
		log.Printf("compaction: build: %v", err)
		return
	}

	_, err = c.mf.ApplyEdit(manifest.Edit{
		Added:              []sstable.Metadata{*meta},
		RemovedFileNumbers: removed,
		NextFileNumber:     uint64(fileNumber) + 1,
	})
	if err != nil {
		log.Printf("compaction: apply edit: %v", err)
		return
	}

	if c.onCompacted != nil {
		c.onCompacted(*meta, removed)
	}

	c.deleteFiles(state.SSTables, removed)
	c.recordStats(kept, dropped)
}

func (c *Compactor) deleteFiles(metas []sstable.Metadata, removed []uint32) {
	removedSet := make(map[uint32]bool, len(removed))
	for _, n := range removed {
		removedSet[n] = true
	}
	for _, m := range metas {
		if !removedSet[m.FileNumber] {
			continue
		}
		if err := os.Remove(m.FilePath); err != nil {
			log.Printf("compaction: delete %s: %v", m.FilePath, err)
		}
	}
}

func (c *Compactor) recordStats(kept, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.CompactionCount++
	c.stats.EntriesKept += kept
	c.stats.EntriesDropped += dropped
	c.stats.LastRunAt = time.Now()
}

// RunOnce triggers a single synchronous compaction check, bypassing the
// timer. Used by tests and by callers that want to force a pass.
func (c *Compactor) RunOnce() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("compaction: already running")
	}
	state := c.mf.State()
	c.running = true
	c.stats.InProgress = true
	c.mu.Unlock()

	c.run(state)

	c.mu.Lock()
	c.running = false
	c.stats.InProgress = false
	c.mu.Unlock()
	return nil
}
