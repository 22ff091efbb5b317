package replication

import (
	"net"
	"sync"
	"time"

	"github.com/lsmforge/lsmkv/pkg/wal"
)

// Applier is the subset of the engine a Backup needs: applying a record
// received from the Primary. engine.Engine satisfies this.
type Applier interface {
	ApplyReplicatedRecord(op wal.Op, key string, value []byte, batch []wal.KV) error
}

// Backup listens for a single Primary connection and applies every record
// it receives via applier, acking each one in turn.
type Backup struct {
	cfg      BackupConfig
	applier  Applier
	listener net.Listener

	mu      sync.Mutex
	conn    net.Conn // nil when no Primary is connected
	metrics BackupMetrics
	closed  bool

	wg sync.WaitGroup
}

// NewBackup constructs a Backup bound to applier; it does not listen until
// Start is called.
func NewBackup(cfg BackupConfig, applier Applier) *Backup {
	return &Backup{cfg: cfg, applier: applier, metrics: BackupMetrics{TimeSinceLastApplyMs: -1}}
}

// Start opens the listening socket and begins accepting connections.
func (b *Backup) Start() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return err
	}
	b.listener = ln

	b.wg.Add(1)
	go b.acceptLoop(ln)
	return nil
}

// Addr returns the listener's bound address, useful when ListenAddr used
// port 0.
func (b *Backup) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Metrics returns a snapshot of the Backup's current state.
func (b *Backup) Metrics() BackupMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	if !m.LastApplyAt.IsZero() {
		m.TimeSinceLastApplyMs = time.Since(m.LastApplyAt).Milliseconds()
	} else {
		m.TimeSinceLastApplyMs = -1
	}
	return m
}

// Stop closes the listener and any active connection.
func (b *Backup) Stop() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	var err error
	if b.listener != nil {
		err = b.listener.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Backup) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		if b.conn != nil {
			b.mu.Unlock()
			b.cfg.logf("replication: %v; refusing %s", ErrBackupBusy, conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		b.conn = conn
		b.metrics.Connected = true
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serveConnection(conn)
	}
}

func (b *Backup) serveConnection(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
			b.metrics.Connected = false
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		opcode, body, err := readFrame(conn)
		if err != nil {
			return
		}
		if opcode != OpReplicate {
			continue
		}

		rec, err := decodeReplicate(body)
		if err != nil {
			continue
		}

		applyErr := b.applyRecord(rec)

		b.mu.Lock()
		if applyErr == nil {
			b.metrics.RecordsApplied++
			b.metrics.LastApplyAt = time.Now()
		} else {
			b.metrics.FailedApplies++
		}
		b.mu.Unlock()

		status := StatusOK
		if applyErr != nil {
			status = StatusError
		}
		if err := writeFrame(conn, OpReplicateAck, encodeAck(status, rec.SequenceID)); err != nil {
			return
		}
	}
}

func (b *Backup) applyRecord(rec wal.Record) error {
	switch rec.Op {
	case wal.OpPut:
		return b.applier.ApplyReplicatedRecord(wal.OpPut, rec.Key, rec.Value, nil)
	case wal.OpDelete:
		return b.applier.ApplyReplicatedRecord(wal.OpDelete, rec.Key, nil, nil)
	case wal.OpBatchPut:
		return b.applier.ApplyReplicatedRecord(wal.OpBatchPut, "", nil, rec.Batch)
	default:
		return nil
	}
}
