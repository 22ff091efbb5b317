package engine

import (
	"time"

	"github.com/lsmforge/lsmkv/pkg/compaction"
	"github.com/lsmforge/lsmkv/pkg/sstable"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

// SyncPolicy selects the WAL durability discipline.
type SyncPolicy int

const (
	SyncPolicySync SyncPolicy = iota
	SyncPolicyGroup
	SyncPolicyPeriodic
)

// Config holds every per-process knob the engine accepts.
type Config struct {
	DataDir                   string
	MemTableSizeLimit         int
	SyncPolicy                SyncPolicy
	SparseIndexInterval       int
	BloomFPR                  float64
	CompactionThreshold       int
	CompactionCheckIntervalMs int

	// WALCodec, if set, encrypts Put/BatchPut value bytes at rest (see
	// pkg/security.Encryptor). Nil, the default, leaves the WAL plaintext.
	WALCodec wal.ValueCodec
}

// DefaultConfig returns the stock per-process knobs: 4 MiB memtable,
// group-commit WAL, sparse index every 10 entries, 1% bloom FPR.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                   dataDir,
		MemTableSizeLimit:         4 << 20,
		SyncPolicy:                SyncPolicyGroup,
		SparseIndexInterval:       10,
		BloomFPR:                  0.01,
		CompactionThreshold:       compaction.DefaultThreshold,
		CompactionCheckIntervalMs: 60000,
	}
}

func (c Config) walConfig() wal.Config {
	var cfg wal.Config
	switch c.SyncPolicy {
	case SyncPolicySync:
		cfg = wal.Config{Mode: wal.ModeSyncEveryWrite}
	case SyncPolicyPeriodic:
		cfg = wal.PeriodicConfig()
	default:
		cfg = wal.DefaultConfig()
	}
	cfg.Codec = c.WALCodec
	return cfg
}

func (c Config) writerOptions() sstable.Options {
	opts := sstable.DefaultOptions()
	if c.SparseIndexInterval > 0 {
		opts.SparseIndexInterval = c.SparseIndexInterval
	}
	if c.BloomFPR > 0 {
		opts.BloomFPR = c.BloomFPR
	}
	return opts
}

func (c Config) compactionConfig() compaction.Config {
	threshold := c.CompactionThreshold
	if threshold < 2 {
		threshold = compaction.DefaultThreshold
	}
	intervalMs := c.CompactionCheckIntervalMs
	if intervalMs <= 0 {
		intervalMs = 60000
	}
	return compaction.Config{
		CheckInterval: time.Duration(intervalMs) * time.Millisecond,
		Threshold:     threshold,
		WriterOptions: c.writerOptions(),
	}
}
