package engine

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lsmforge/lsmkv/pkg/wal"
)

func newTestEngine(t *testing.T, memLimit int) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	if memLimit > 0 {
		cfg.MemTableSizeLimit = memLimit
	}
	cfg.SyncPolicy = SyncPolicySync
	cfg.CompactionCheckIntervalMs = 60000
	e := New(cfg)
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutThenGetRoundTrip(t *testing.T) {
	e := newTestEngine(t, 0)
	if err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, found, err := e.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "1" {
		t.Fatalf("expected a=1, got found=%v v=%s", found, v)
	}
}

func TestDeleteShadowsPriorValue(t *testing.T) {
	e := newTestEngine(t, 0)
	if err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := e.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected deleted key to be absent")
	}
}

func TestBatchPutAppliesAllInOrder(t *testing.T) {
	e := newTestEngine(t, 0)
	n, err := e.BatchPut([]wal.KV{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}})
	if err != nil {
		t.Fatalf("BatchPut: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries written, got %d", n)
	}
	for _, want := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}} {
		v, found, err := e.Get(want.k)
		if err != nil || !found || string(v) != want.v {
			t.Fatalf("Get(%s) = %s,%v,%v; want %s", want.k, v, found, err, want.v)
		}
	}
}

func TestGetOnEmptyKeyIsInvalidArgument(t *testing.T) {
	e := newTestEngine(t, 0)
	if _, _, err := e.Get(""); err == nil {
		t.Fatalf("expected invalid-argument error for empty key")
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncPolicy = SyncPolicySync
	e := New(cfg)
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Put("a", []byte("1")); err == nil {
		t.Fatalf("expected Put after Close to fail")
	}
}

func TestFlushMovesDataIntoSSTableAndStaysReadable(t *testing.T) {
	e := newTestEngine(t, 200) // tiny limit so a handful of puts trigger a flush

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if err := e.Put(key, []byte("some-reasonably-sized-value")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		readerCount := len(e.readers)
		e.mu.Unlock()
		if readerCount > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.mu.Lock()
	readerCount := len(e.readers)
	e.mu.Unlock()
	if readerCount == 0 {
		t.Fatalf("expected at least one SSTable reader after triggering a flush")
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%03d", i)
		v, found, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !found || string(v) != "some-reasonably-sized-value" {
			t.Fatalf("Get(%s) = found=%v value=%s", key, found, v)
		}
	}
}

func TestReadKeyRangeReturnsAscendingMergedResults(t *testing.T) {
	e := newTestEngine(t, 0)
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		if err := e.Put(k, []byte(k)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := e.ReadKeyRange("b", "d", 0)
	if err != nil {
		t.Fatalf("ReadKeyRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries in [b,d], got %d: %+v", len(got), got)
	}
	for i, want := range []string{"b", "c", "d"} {
		if got[i].Key != want {
			t.Fatalf("expected ascending [b,c,d], got %+v", got)
		}
	}
}

func TestReadKeyRangeReversedBoundsYieldsNothing(t *testing.T) {
	e := newTestEngine(t, 0)
	if err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := e.ReadKeyRange("z", "a", 0)
	if err != nil {
		t.Fatalf("ReadKeyRange: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries for reversed range, got %+v", got)
	}
}

func TestRestartReplaysWALIntoMemTable(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncPolicy = SyncPolicySync

	e1 := New(cfg)
	if err := e1.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e1.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := New(cfg)
	if err := e2.Initialize(); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	defer e2.Close()

	v, found, err := e2.Get("a")
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("expected replayed key a=1 after restart, got v=%s found=%v err=%v", v, found, err)
	}
}

func TestCompactionMergesSSTablesAndKeepsValuesReadable(t *testing.T) {
	e := newTestEngine(t, 200)

	flushAndWait := func(prefix string) {
		t.Helper()
		before := 0
		e.mu.Lock()
		before = len(e.readers)
		e.mu.Unlock()

		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("%s-%03d", prefix, i)
			if err := e.Put(key, []byte("value-"+key)); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			e.mu.Lock()
			after := len(e.readers)
			e.mu.Unlock()
			if after > before {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("flush for prefix %s never produced a new reader", prefix)
	}

	for _, prefix := range []string{"g1", "g2", "g3", "g4"} {
		flushAndWait(prefix)
	}

	e.mu.Lock()
	readerCount := len(e.readers)
	e.mu.Unlock()
	if readerCount != 4 {
		t.Fatalf("expected 4 live SSTables before compaction, got %d", readerCount)
	}

	oldPaths := make([]string, 0, readerCount)
	e.mu.Lock()
	for _, r := range e.readers {
		oldPaths = append(oldPaths, r.Metadata().FilePath)
	}
	e.mu.Unlock()

	if err := e.TriggerCompaction(); err != nil {
		t.Fatalf("TriggerCompaction: %v", err)
	}

	e.mu.Lock()
	readerCount = len(e.readers)
	e.mu.Unlock()
	if readerCount != 1 {
		t.Fatalf("expected exactly 1 live SSTable after compaction, got %d", readerCount)
	}

	for _, prefix := range []string{"g1", "g2", "g3", "g4"} {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("%s-%03d", prefix, i)
			v, found, err := e.Get(key)
			if err != nil || !found || string(v) != "value-"+key {
				t.Fatalf("Get(%s) after compaction = %s,%v,%v", key, v, found, err)
			}
		}
	}

	for _, p := range oldPaths {
		if _, err := os.Stat(p); err == nil {
			t.Fatalf("expected compacted-away file %s to be removed", p)
		}
	}
}

func TestApplyReplicatedRecordAppliesLikeLocalWrite(t *testing.T) {
	e := newTestEngine(t, 0)
	if err := e.ApplyReplicatedRecord(wal.OpPut, "a", []byte("1"), nil); err != nil {
		t.Fatalf("ApplyReplicatedRecord: %v", err)
	}
	v, found, err := e.Get("a")
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("expected replicated put to be readable locally, got v=%s found=%v err=%v", v, found, err)
	}
}
