package replication

import (
	"net"
	"sync"
	"time"

	"github.com/lsmforge/lsmkv/pkg/wal"
)

type pendingRecord struct {
	rec      wal.Record
	enqueued time.Time
	bodyLen  int
}

// Primary pushes every WAL record handed to Submit to a single configured
// Backup over a persistent TCP connection. It never blocks the caller: a
// disconnected or slow Backup only grows the in-memory pending queue.
type Primary struct {
	cfg PrimaryConfig

	mu       sync.Mutex
	queue    []pendingRecord // awaiting send, FIFO
	inFlight []pendingRecord // sent, awaiting ack, FIFO
	conn     net.Conn
	metrics  PrimaryMetrics
	closed   bool

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPrimary constructs a Primary that has not yet started connecting.
func NewPrimary(cfg PrimaryConfig) *Primary {
	return &Primary{
		cfg:     cfg,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		metrics: PrimaryMetrics{OldestPendingAgeMs: -1},
	}
}

// Start launches the background connect/send/ack-receive loop.
func (p *Primary) Start() {
	p.wg.Add(1)
	go p.run()
}

// Submit enqueues rec for replication. Safe to call from a WAL commit
// listener: it only ever appends to an in-memory slice and signals the
// sender goroutine, never performs I/O itself.
func (p *Primary) Submit(rec wal.Record) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, pendingRecord{rec: rec, enqueued: time.Now()})
	p.mu.Unlock()

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Metrics returns a snapshot of the Primary's current state.
func (p *Primary) Metrics() PrimaryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	switch {
	case len(p.inFlight) > 0:
		m.OldestPendingAgeMs = time.Since(p.inFlight[0].enqueued).Milliseconds()
	case len(p.queue) > 0:
		m.OldestPendingAgeMs = time.Since(p.queue[0].enqueued).Milliseconds()
	default:
		m.OldestPendingAgeMs = -1
	}
	return m
}

// Stop halts the background loop and closes any open connection.
func (p *Primary) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	close(p.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
	p.wg.Wait()
}

func (p *Primary) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", p.cfg.BackupAddr, p.cfg.DialTimeout)
		if err != nil {
			p.cfg.logf("replication: dial %s failed: %v", p.cfg.BackupAddr, err)
			p.mu.Lock()
			p.metrics.FailedAttempts++
			p.metrics.LastFailureAt = time.Now()
			p.metrics.Connected = false
			p.mu.Unlock()
			if !p.sleepOrStop(p.cfg.ReconnectInterval) {
				return
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.metrics.Connected = true
		// Records already sent and awaiting ack on the lost connection are
		// dropped, not resent: replication is best-effort and previously
		// unacked writes are never retried. Only records never sent at all
		// remain queued.
		p.inFlight = nil
		p.mu.Unlock()

		p.serveConnection(conn)

		p.mu.Lock()
		p.conn = nil
		p.metrics.Connected = false
		p.mu.Unlock()

		if !p.sleepOrStop(p.cfg.ReconnectInterval) {
			return
		}
	}
}

func (p *Primary) sleepOrStop(d time.Duration) bool {
	select {
	case <-p.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// serveConnection drains the queue onto the wire, pipelining sends ahead of
// acks, and runs a concurrent ack reader. It returns once the connection
// fails or Stop is requested.
func (p *Primary) serveConnection(conn net.Conn) {
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		p.readAcks(conn)
	}()

	for {
		p.mu.Lock()
		next := p.queue
		p.queue = nil
		p.mu.Unlock()

		for i, pr := range next {
			body := encodeReplicate(pr.rec)
			if err := writeFrame(conn, OpReplicate, body); err != nil {
				// The frame that failed mid-write is the dropped in-flight
				// send; only records never attempted go back on the queue.
				p.mu.Lock()
				p.queue = append(append([]pendingRecord{}, next[i+1:]...), p.queue...)
				p.metrics.FailedAttempts++
				p.metrics.LastFailureAt = time.Now()
				p.mu.Unlock()
				_ = conn.Close()
				<-ackDone
				return
			}
			pr.bodyLen = len(body)
			p.mu.Lock()
			p.inFlight = append(p.inFlight, pr)
			p.mu.Unlock()
		}

		select {
		case <-p.stopCh:
			_ = conn.Close()
			<-ackDone
			return
		case <-ackDone:
			return
		case <-p.wakeCh:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Primary) readAcks(conn net.Conn) {
	for {
		opcode, body, err := readFrame(conn)
		if err != nil {
			return
		}
		if opcode != OpReplicateAck {
			continue
		}
		status, seq, err := decodeAck(body)
		if err != nil {
			continue
		}

		p.mu.Lock()
		if len(p.inFlight) > 0 && p.inFlight[0].rec.SequenceID == seq {
			acked := p.inFlight[0]
			p.inFlight = p.inFlight[1:]
			if status == StatusOK {
				p.metrics.RecordsReplicated++
				p.metrics.BytesReplicated += uint64(acked.bodyLen)
				p.metrics.LastSuccessAt = time.Now()
			} else {
				p.metrics.FailedAttempts++
				p.metrics.LastFailureAt = time.Now()
			}
		}
		p.mu.Unlock()
	}
}
