// Package record defines the value types shared by the memtable, SSTable,
// merge iterator, and engine layers so they can pass entries around without
// importing one another.
package record

// Entry is a single key's value as stored in a MemTable or SSTable. A
// tombstone entry carries an empty Value and Tombstone set to true.
type Entry struct {
	Key       string
	Value     []byte
	Timestamp uint64
	Tombstone bool
}
