// Command lsmkv-server runs the LSM key-value store as a standalone
// process: the engine plus its three front-ends (HTTP/REST, WebSocket
// tail, and streaming TCP), with optional primary/backup replication and
// optional at-rest encryption.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lsmforge/lsmkv/pkg/engine"
	"github.com/lsmforge/lsmkv/pkg/httpserver"
	"github.com/lsmforge/lsmkv/pkg/replication"
	"github.com/lsmforge/lsmkv/pkg/security"
	"github.com/lsmforge/lsmkv/pkg/tcpstream"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

const saltFileName = ".lsmkv-salt"

func main() {
	host := flag.String("host", "localhost", "HTTP API host address")
	port := flag.Int("port", 8080, "HTTP API port")
	dataDir := flag.String("data-dir", "./data", "Data directory for WAL, SSTables and manifest")
	tcpAddr := flag.String("tcp-addr", "", "Streaming TCP front-end listen address (disabled if empty)")
	corsOrigin := flag.String("cors-origin", "*", "CORS allowed origin for the HTTP API")
	enableTail := flag.Bool("tail", true, "Enable the GET /tail WebSocket feed of committed records")

	memtableSize := flag.Int("memtable-size", 4<<20, "MemTable flush threshold in bytes")
	syncPolicy := flag.String("sync-policy", "group", "WAL durability policy: sync, group, or periodic")
	compactionThreshold := flag.Int("compaction-threshold", 4, "Number of level-0 SSTables that triggers compaction")

	role := flag.String("role", "standalone", "Replication role: standalone, primary, or backup")
	backupAddr := flag.String("backup-addr", "", "Backup's address to connect to (role=primary)")
	listenAddr := flag.String("listen-addr", "", "Address to listen for the primary on (role=backup)")

	encryptPassword := flag.String("encrypt-password", "", "Enable at-rest WAL encryption derived from this password")
	flag.Parse()

	cfg := engine.DefaultConfig(*dataDir)
	cfg.MemTableSizeLimit = *memtableSize
	cfg.CompactionThreshold = *compactionThreshold
	switch *syncPolicy {
	case "sync":
		cfg.SyncPolicy = engine.SyncPolicySync
	case "periodic":
		cfg.SyncPolicy = engine.SyncPolicyPeriodic
	default:
		cfg.SyncPolicy = engine.SyncPolicyGroup
	}

	if *encryptPassword != "" {
		codec, err := loadOrCreateCodec(*dataDir, *encryptPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv-server: encryption setup failed: %v\n", err)
			os.Exit(1)
		}
		cfg.WALCodec = codec
	}

	eng := engine.New(cfg)
	if err := eng.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "lsmkv-server: engine init failed: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = *host
	httpCfg.Port = *port
	httpCfg.AllowedOrigins = []string{*corsOrigin}
	httpCfg.EnableTail = *enableTail
	srv := httpserver.New(httpCfg, eng)

	listeners := []func(wal.Record){srv.CommitListener()}

	var primary *replication.Primary
	var backup *replication.Backup
	switch *role {
	case "primary":
		if *backupAddr == "" {
			fmt.Fprintln(os.Stderr, "lsmkv-server: -backup-addr is required for role=primary")
			os.Exit(1)
		}
		primary = replication.NewPrimary(replication.DefaultPrimaryConfig(*backupAddr))
		primary.Start()
		defer primary.Stop()
		listeners = append(listeners, primary.Submit)
	case "backup":
		if *listenAddr == "" {
			fmt.Fprintln(os.Stderr, "lsmkv-server: -listen-addr is required for role=backup")
			os.Exit(1)
		}
		backup = replication.NewBackup(replication.DefaultBackupConfig(*listenAddr), eng)
		if err := backup.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv-server: backup listen failed: %v\n", err)
			os.Exit(1)
		}
		defer backup.Stop()
	case "standalone":
		// no replication wiring
	default:
		fmt.Fprintf(os.Stderr, "lsmkv-server: unknown -role %q\n", *role)
		os.Exit(1)
	}

	eng.SetCommitListener(composeListeners(listeners))

	var tcpSrv *tcpstream.Server
	if *tcpAddr != "" {
		tcpSrv = tcpstream.NewServer(eng)
		if err := tcpSrv.Start(*tcpAddr); err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv-server: tcp stream listen failed: %v\n", err)
			os.Exit(1)
		}
		defer tcpSrv.Stop()
		fmt.Printf("streaming TCP front-end listening on %s\n", tcpSrv.Addr())
	}

	errCh := srv.ListenAndServeAsync()
	fmt.Printf("lsmkv-server listening on http://%s:%d (data_dir=%s, role=%s)\n", *host, *port, *dataDir, *role)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv-server: http server error: %v\n", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		fmt.Printf("received signal %v, shutting down\n", sig)
		if err := srv.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv-server: shutdown error: %v\n", err)
		}
	}
}

// composeListeners returns a single func(wal.Record) invoking every fn in
// fns in turn, so the httpserver tail hub and a replication Primary's
// Submit can both be installed as the engine's one commit listener.
func composeListeners(fns []func(wal.Record)) func(wal.Record) {
	return func(rec wal.Record) {
		for _, fn := range fns {
			fn(rec)
		}
	}
}

// loadOrCreateCodec derives (or rederives, on a restart) a WAL value codec
// from password, persisting the PBKDF2 salt alongside the data directory
// so a later run with the same password reopens the same encrypted store.
func loadOrCreateCodec(dataDir, password string) (wal.ValueCodec, error) {
	saltPath := filepath.Join(dataDir, saltFileName)
	if salt, err := os.ReadFile(saltPath); err == nil {
		secCfg, err := security.ConfigFromPasswordAndSalt(password, salt)
		if err != nil {
			return nil, err
		}
		return security.NewEncryptor(secCfg)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	secCfg, err := security.NewConfigFromPassword(password)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(saltPath, secCfg.Salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt file: %w", err)
	}
	return security.NewEncryptor(secCfg)
}
