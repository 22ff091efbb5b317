package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func syncConfig() Config {
	return Config{Mode: ModeSyncEveryWrite}
}

func TestAppendPutSyncEveryWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, records, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()
	if len(records) != 0 {
		t.Fatalf("expected no replayed records on fresh log, got %d", len(records))
	}

	r1, err := log.AppendPut("a", []byte("1"))
	if err != nil {
		t.Fatalf("AppendPut: %v", err)
	}
	r2, err := log.AppendPut("b", []byte("2"))
	if err != nil {
		t.Fatalf("AppendPut: %v", err)
	}
	if r1.SequenceID != 1 || r2.SequenceID != 2 {
		t.Fatalf("expected sequential ids 1,2; got %d,%d", r1.SequenceID, r2.SequenceID)
	}
}

func TestReplayRecoversAllDurableRecords(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := log.AppendPut("a", []byte("1")); err != nil {
		t.Fatalf("AppendPut: %v", err)
	}
	if _, err := log.AppendDelete("a"); err != nil {
		t.Fatalf("AppendDelete: %v", err)
	}
	if _, err := log.AppendBatchPut([]KV{{Key: "c", Value: []byte("3")}, {Key: "d", Value: []byte("4")}}); err != nil {
		t.Fatalf("AppendBatchPut: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	log2, records, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()

	if len(records) != 3 {
		t.Fatalf("expected 3 replayed records, got %d", len(records))
	}
	if records[0].Op != OpPut || records[0].Key != "a" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Op != OpDelete || records[1].Key != "a" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
	if records[2].Op != OpBatchPut || len(records[2].Batch) != 2 {
		t.Fatalf("unexpected third record: %+v", records[2])
	}
}

func TestReplayStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := log.AppendPut("a", []byte("1")); err != nil {
		t.Fatalf("AppendPut: %v", err)
	}
	if _, err := log.AppendPut("b", []byte("2")); err != nil {
		t.Fatalf("AppendPut: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	paths, err := listSegments(dir)
	if err != nil || len(paths) != 1 {
		t.Fatalf("expected exactly one segment, got %v (err=%v)", paths, err)
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	if err := os.WriteFile(paths[0], flipped, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	log2, records, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer log2.Close()

	if len(records) != 1 {
		t.Fatalf("expected exactly the prior, uncorrupted record to survive; got %d", len(records))
	}
	if records[0].Key != "a" {
		t.Fatalf("expected surviving record to be the first put, got %+v", records[0])
	}
}

func TestGroupCommitBatchesAndFlushesOnTimer(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Mode: ModeGroupCommit, FlushInterval: 20 * time.Millisecond}
	log, _, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	done := make(chan error, 1)
	go func() {
		_, err := log.AppendPut("a", []byte("1"))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AppendPut: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("group-commit append never resolved")
	}
}

func TestGroupCommitImplicitFlushAtBatchThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Mode: ModeGroupCommit, FlushInterval: time.Hour}
	log, _, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	errs := make(chan error, groupCommitBatchThreshold)
	for i := 0; i < groupCommitBatchThreshold; i++ {
		i := i
		go func() {
			_, err := log.AppendPut("k", []byte{byte(i)})
			errs <- err
		}()
	}

	for i := 0; i < groupCommitBatchThreshold; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("AppendPut: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("implicit batch-threshold flush never resolved all pending appends")
		}
	}
}

func TestListenerFiresAfterDurability(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	var seen []Record
	log.SetListener(func(r Record) {
		seen = append(seen, r)
	})

	if _, err := log.AppendPut("a", []byte("1")); err != nil {
		t.Fatalf("AppendPut: %v", err)
	}
	if _, err := log.AppendPut("b", []byte("2")); err != nil {
		t.Fatalf("AppendPut: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected listener to fire twice, got %d", len(seen))
	}
	if seen[0].SequenceID != 1 || seen[1].SequenceID != 2 {
		t.Fatalf("expected listener to fire in sequence order, got %d,%d", seen[0].SequenceID, seen[1].SequenceID)
	}
}

func TestCheckpointRotatesAndDeletesPriorSegments(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if _, err := log.AppendPut("a", []byte("1")); err != nil {
		t.Fatalf("AppendPut: %v", err)
	}

	before, err := listSegments(dir)
	if err != nil || len(before) != 1 {
		t.Fatalf("expected 1 segment before checkpoint, got %v (err=%v)", before, err)
	}

	if err := log.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	after, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected exactly 1 segment after checkpoint, got %v", after)
	}
	if after[0] == before[0] {
		t.Fatalf("expected checkpoint to rotate to a new segment file")
	}

	// The new segment should be empty: a fresh Open shows no replayed records.
	log2, records, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()
	if len(records) != 0 {
		t.Fatalf("expected no records after checkpoint, got %d", len(records))
	}
}

func TestEmptyValuesAreAllowedOnPut(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if _, err := log.AppendPut("empty", []byte{}); err != nil {
		t.Fatalf("AppendPut with empty value should be allowed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, records, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(records) != 1 || records[0].Key != "empty" {
		t.Fatalf("expected empty-value put to survive replay, got %+v", records)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	log, _, err := Open(dir, syncConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := log.AppendPut("a", []byte("1")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSegmentNamingSortsChronologically(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, segmentName(1))
	b := filepath.Join(dir, segmentName(2))
	if err := os.WriteFile(a, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(b, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	paths, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(paths) != 2 || paths[0] != a || paths[1] != b {
		t.Fatalf("expected chronological order [%s,%s], got %v", a, b, paths)
	}
}
