package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/lsmforge/lsmkv/pkg/wal"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []wal.KV
}

func (f *fakeApplier) ApplyReplicatedRecord(op wal.Op, key string, value []byte, batch []wal.KV) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch op {
	case wal.OpPut:
		f.applied = append(f.applied, wal.KV{Key: key, Value: value})
	case wal.OpBatchPut:
		f.applied = append(f.applied, batch...)
	}
	return nil
}

func (f *fakeApplier) snapshot() []wal.KV {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wal.KV(nil), f.applied...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func startBackup(t *testing.T) (*Backup, *fakeApplier) {
	t.Helper()
	applier := &fakeApplier{}
	backup := NewBackup(DefaultBackupConfig("127.0.0.1:0"), applier)
	if err := backup.Start(); err != nil {
		t.Fatalf("Backup.Start: %v", err)
	}
	t.Cleanup(func() { _ = backup.Stop() })
	return backup, applier
}

func TestPrimaryReplicatesRecordsToBackup(t *testing.T) {
	backup, applier := startBackup(t)

	cfg := DefaultPrimaryConfig(backup.Addr().String())
	cfg.ReconnectInterval = 20 * time.Millisecond
	primary := NewPrimary(cfg)
	primary.Start()
	t.Cleanup(primary.Stop)

	primary.Submit(wal.Record{SequenceID: 1, Op: wal.OpPut, Key: "a", Value: []byte("1")})
	primary.Submit(wal.Record{SequenceID: 2, Op: wal.OpPut, Key: "b", Value: []byte("2")})

	waitFor(t, 2*time.Second, func() bool { return len(applier.snapshot()) == 2 })

	got := applier.snapshot()
	if got[0].Key != "a" || got[1].Key != "b" {
		t.Fatalf("expected FIFO order [a,b], got %+v", got)
	}

	waitFor(t, 2*time.Second, func() bool { return primary.Metrics().RecordsReplicated == 2 })
}

func TestBackupRefusesSecondConnection(t *testing.T) {
	backup, _ := startBackup(t)

	cfgA := DefaultPrimaryConfig(backup.Addr().String())
	cfgA.ReconnectInterval = 20 * time.Millisecond
	primaryA := NewPrimary(cfgA)
	primaryA.Start()
	t.Cleanup(primaryA.Stop)

	waitFor(t, 2*time.Second, func() bool { return backup.Metrics().Connected })

	cfgB := DefaultPrimaryConfig(backup.Addr().String())
	cfgB.ReconnectInterval = 20 * time.Millisecond
	primaryB := NewPrimary(cfgB)
	primaryB.Start()
	t.Cleanup(primaryB.Stop)

	time.Sleep(200 * time.Millisecond)
	if primaryB.Metrics().RecordsReplicated != 0 {
		t.Fatalf("second primary should never get acks while the first owns the connection")
	}
}

func TestPrimaryReconnectsAfterBackupRestart(t *testing.T) {
	applier := &fakeApplier{}
	backup1 := NewBackup(DefaultBackupConfig("127.0.0.1:0"), applier)
	if err := backup1.Start(); err != nil {
		t.Fatalf("Backup.Start: %v", err)
	}
	addr := backup1.Addr().String()

	cfg := DefaultPrimaryConfig(addr)
	cfg.ReconnectInterval = 20 * time.Millisecond
	primary := NewPrimary(cfg)
	primary.Start()
	t.Cleanup(primary.Stop)

	primary.Submit(wal.Record{SequenceID: 1, Op: wal.OpPut, Key: "x", Value: []byte("1")})
	waitFor(t, 2*time.Second, func() bool { return len(applier.snapshot()) == 1 })

	_ = backup1.Stop()

	primary.Submit(wal.Record{SequenceID: 2, Op: wal.OpPut, Key: "x", Value: []byte("2")})

	backup2 := NewBackup(BackupConfig{ListenAddr: addr, Logger: cfg.Logger}, applier)
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = backup2.Start(); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Backup.Start after restart: %v", err)
	}
	t.Cleanup(func() { _ = backup2.Stop() })

	waitFor(t, 3*time.Second, func() bool {
		got := applier.snapshot()
		for _, kv := range got {
			if kv.Key == "x" && string(kv.Value) == "2" {
				return true
			}
		}
		return false
	})
}
