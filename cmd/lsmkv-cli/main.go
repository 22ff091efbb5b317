// Command lsmkv-cli runs a single one-shot operation against a local data
// directory: put, get, delete, batch-put, range, stats, snapshot, or
// restore. It opens and closes the engine once per invocation; it is not a
// REPL and holds no connection to a running lsmkv-server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lsmforge/lsmkv/pkg/engine"
	"github.com/lsmforge/lsmkv/pkg/snapshot"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

const version = "1.0.0"

func main() {
	dataDir := flag.String("data-dir", "./data", "Data directory for WAL, SSTables and manifest")
	operation := flag.String("operation", "stats", "Operation: put, get, delete, batch-put, range, stats, snapshot, restore")
	key := flag.String("key", "", "Key for put/get/delete")
	value := flag.String("value", "", "Value for put (raw bytes, read verbatim)")
	batchFile := flag.String("batch-file", "", "Path to a JSON array of {\"key\":...,\"value\":...} for batch-put")
	rangeStart := flag.String("start", "", "Inclusive range start key")
	rangeEnd := flag.String("end", "", "Inclusive range end key")
	rangeLimit := flag.Int("limit", 0, "Maximum range results (0 = unlimited)")
	snapshotFile := flag.String("snapshot-file", "", "Path to the backup archive for snapshot/restore")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lsmkv-cli v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s -data-dir DIR -operation OP [options]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "Operations:\n")
		fmt.Fprintf(os.Stderr, "  put        -key K -value V\n")
		fmt.Fprintf(os.Stderr, "  get        -key K\n")
		fmt.Fprintf(os.Stderr, "  delete     -key K\n")
		fmt.Fprintf(os.Stderr, "  batch-put  -batch-file entries.json\n")
		fmt.Fprintf(os.Stderr, "  range      -start K1 -end K2 [-limit N]\n")
		fmt.Fprintf(os.Stderr, "  stats\n")
		fmt.Fprintf(os.Stderr, "  snapshot   -snapshot-file backup.tar.zst\n")
		fmt.Fprintf(os.Stderr, "  restore    -snapshot-file backup.tar.zst\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("lsmkv-cli v%s\n", version)
		return
	}

	if *operation == "restore" {
		if err := runRestore(*dataDir, *snapshotFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	eng := engine.New(engine.DefaultConfig(*dataDir))
	if err := eng.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open data dir %q: %v\n", *dataDir, err)
		os.Exit(1)
	}
	defer eng.Close()

	var err error
	switch *operation {
	case "put":
		err = runPut(eng, *key, *value)
	case "get":
		err = runGet(eng, *key)
	case "delete":
		err = runDelete(eng, *key)
	case "batch-put":
		err = runBatchPut(eng, *batchFile)
	case "range":
		err = runRange(eng, *rangeStart, *rangeEnd, *rangeLimit)
	case "stats":
		err = runStats(eng)
	case "snapshot":
		err = runSnapshot(eng, *snapshotFile)
	default:
		err = fmt.Errorf("unknown operation %q", *operation)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runPut(eng *engine.Engine, key, value string) error {
	if key == "" {
		return fmt.Errorf("-key is required")
	}
	if err := eng.Put(key, []byte(value)); err != nil {
		return err
	}
	fmt.Printf("OK put %q\n", key)
	return nil
}

func runGet(eng *engine.Engine, key string) error {
	if key == "" {
		return fmt.Errorf("-key is required")
	}
	value, found, err := eng.Get(key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("(not found)\n")
		return nil
	}
	fmt.Printf("%s\n", value)
	return nil
}

func runDelete(eng *engine.Engine, key string) error {
	if key == "" {
		return fmt.Errorf("-key is required")
	}
	if err := eng.Delete(key); err != nil {
		return err
	}
	fmt.Printf("OK delete %q\n", key)
	return nil
}

type batchEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func runBatchPut(eng *engine.Engine, batchFile string) error {
	if batchFile == "" {
		return fmt.Errorf("-batch-file is required")
	}
	raw, err := os.ReadFile(batchFile)
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}
	var entries []batchEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}
	kvs := make([]wal.KV, len(entries))
	for i, e := range entries {
		kvs[i] = wal.KV{Key: e.Key, Value: []byte(e.Value)}
	}
	n, err := eng.BatchPut(kvs)
	if err != nil {
		return err
	}
	fmt.Printf("OK batch-put %d entries\n", n)
	return nil
}

func runRange(eng *engine.Engine, start, end string, limit int) error {
	entries, err := eng.ReadKeyRange(start, end, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Tombstone {
			continue
		}
		fmt.Printf("%s\t%s\n", e.Key, e.Value)
	}
	fmt.Printf("(%d entries)\n", len(entries))
	return nil
}

func runStats(eng *engine.Engine) error {
	stats := eng.Stats()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func runSnapshot(eng *engine.Engine, snapshotFile string) error {
	if snapshotFile == "" {
		return fmt.Errorf("-snapshot-file is required")
	}
	f, err := os.Create(snapshotFile)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()
	if err := snapshot.Backup(eng.DataDir(), f, snapshot.DefaultOptions()); err != nil {
		return err
	}
	fmt.Printf("OK snapshot written to %s\n", snapshotFile)
	return nil
}

func runRestore(dataDir, snapshotFile string) error {
	if snapshotFile == "" {
		return fmt.Errorf("-snapshot-file is required")
	}
	entries, err := os.ReadDir(dataDir)
	if err == nil && len(entries) > 0 {
		return fmt.Errorf("refusing to restore into non-empty data dir %q", dataDir)
	}
	f, err := os.Open(snapshotFile)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()
	if err := snapshot.Restore(f, dataDir); err != nil {
		return err
	}
	fmt.Printf("OK restored into %s\n", dataDir)
	return nil
}
