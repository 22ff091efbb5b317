// Package memtable implements the engine's in-memory write buffer: an
// ordered map of keys to versioned values with byte-footprint accounting so
// the engine knows when to swap and flush.
package memtable

import (
	"github.com/lsmforge/lsmkv/pkg/ordmap"
	"github.com/lsmforge/lsmkv/pkg/record"
)

// entryOverhead approximates the encoded footprint of everything in an
// entry besides the key and value bytes themselves (timestamp, tombstone
// flag, and length prefixes), matching the SSTable entry encoding.
const entryOverhead = 8 + 1 + 2 + 4

// MemTable is an ordered key/value buffer with size accounting. It is safe
// to mutate only while "active"; once frozen (swapped to immutable) callers
// must stop writing to it and only read via GetAllSorted/Range.
type MemTable struct {
	entries     *ordmap.Map
	currentSize int
	sizeLimit   int
}

// New creates an empty MemTable that reports Full once currentSize reaches
// sizeLimit bytes.
func New(sizeLimit int) *MemTable {
	return &MemTable{entries: ordmap.New(), sizeLimit: sizeLimit}
}

func footprint(key string, value []byte) int {
	return len(key) + len(value) + entryOverhead
}

// Put inserts or overwrites key with value, refreshing its timestamp and
// clearing any tombstone.
func (t *MemTable) Put(key string, value []byte, timestampMs uint64) {
	t.set(key, record.Entry{Key: key, Value: value, Timestamp: timestampMs, Tombstone: false})
}

// Delete writes a tombstone for key.
func (t *MemTable) Delete(key string, timestampMs uint64) {
	t.set(key, record.Entry{Key: key, Timestamp: timestampMs, Tombstone: true})
}

func (t *MemTable) set(key string, e record.Entry) {
	if prev, existed := t.entries.Get(key); existed {
		p := prev.(record.Entry)
		t.currentSize -= footprint(key, p.Value)
	}
	t.entries.Set(key, e)
	t.currentSize += footprint(key, e.Value)
}

// Full reports whether currentSize has reached sizeLimit.
func (t *MemTable) Full() bool {
	return t.currentSize >= t.sizeLimit
}

// Get returns the entry stored for key, if present (value entry or
// tombstone; callers distinguish via Entry.Tombstone).
func (t *MemTable) Get(key string) (record.Entry, bool) {
	v, found := t.entries.Get(key)
	if !found {
		return record.Entry{}, false
	}
	return v.(record.Entry), true
}

// GetAllSorted returns every entry in ascending key order.
func (t *MemTable) GetAllSorted() []record.Entry {
	all := t.entries.All()
	out := make([]record.Entry, 0, len(all))
	for _, e := range all {
		out = append(out, e.Value.(record.Entry))
	}
	return out
}

// Range returns entries with start <= key <= end in ascending order.
func (t *MemTable) Range(start, end string) []record.Entry {
	rng := t.entries.Range(start, end)
	out := make([]record.Entry, 0, len(rng))
	for _, e := range rng {
		out = append(out, e.Value.(record.Entry))
	}
	return out
}

// Clear resets the table and its size counter to empty.
func (t *MemTable) Clear() {
	t.entries.Clear()
	t.currentSize = 0
}

// Len returns the number of keys currently stored.
func (t *MemTable) Len() int {
	return t.entries.Len()
}

// CurrentSize returns the approximate encoded footprint of the table.
func (t *MemTable) CurrentSize() int {
	return t.currentSize
}
