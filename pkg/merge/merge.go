// Package merge implements the k-way sorted merge used by range queries and
// compaction to combine multiple key-ascending sources into a single
// de-duplicated, newest-wins stream.
package merge

import (
	"github.com/lsmforge/lsmkv/pkg/heap"
	"github.com/lsmforge/lsmkv/pkg/record"
)

type item struct {
	entry  record.Entry
	source int
	idx    int
}

// Iterator merges sources in priority order, where a lower source index
// means a newer source (active MemTable first, then immutable MemTable,
// then SSTables newest-first). Each source must already be sorted ascending
// by key; Iterator never reorders within a source.
type Iterator struct {
	sources          [][]record.Entry
	h                *heap.Heap[item]
	filterTombstones bool
}

// New builds a merge iterator over sources, each already sorted ascending.
// If filterTombstones is true, Next skips tombstone winners entirely
// instead of emitting them.
func New(sources [][]record.Entry, filterTombstones bool) *Iterator {
	less := func(a, b item) bool {
		if a.entry.Key != b.entry.Key {
			return a.entry.Key < b.entry.Key
		}
		return a.source < b.source
	}
	h := heap.New(less)

	it := &Iterator{sources: sources, h: h, filterTombstones: filterTombstones}
	for s, entries := range sources {
		if len(entries) > 0 {
			h.Push(item{entry: entries[0], source: s, idx: 0})
		}
	}
	return it
}

func (it *Iterator) pushNext(source, idx int) {
	nextIdx := idx + 1
	if nextIdx < len(it.sources[source]) {
		it.h.Push(item{entry: it.sources[source][nextIdx], source: source, idx: nextIdx})
	}
}

// Next returns the next winning entry in ascending key order, or
// found=false once every source is exhausted. Exactly one entry is ever
// emitted per unique key: the one from the lowest-index (newest) source
// holding it.
func (it *Iterator) Next() (entry record.Entry, found bool) {
	for {
		win, ok := it.h.PopMin()
		if !ok {
			return record.Entry{}, false
		}
		it.pushNext(win.source, win.idx)

		for {
			peek, ok := it.h.PeekMin()
			if !ok || peek.entry.Key != win.entry.Key {
				break
			}
			dup, _ := it.h.PopMin()
			it.pushNext(dup.source, dup.idx)
		}

		if win.entry.Tombstone && it.filterTombstones {
			continue
		}
		return win.entry, true
	}
}

// Collect drains the iterator, returning at most limit entries (limit <= 0
// means unlimited).
func Collect(it *Iterator, limit int) []record.Entry {
	var out []record.Entry
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}
