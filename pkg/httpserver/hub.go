package httpserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tailEvent is the JSON shape pushed to each connected /tail client.
type tailEvent struct {
	SequenceID  uint64 `json:"sequence_id"`
	TimestampMs uint64 `json:"timestamp_ms"`
	Op          string `json:"op"`
	Key         string `json:"key,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

func opName(op wal.Op) string {
	switch op {
	case wal.OpPut:
		return "put"
	case wal.OpDelete:
		return "delete"
	case wal.OpBatchPut:
		return "batch_put"
	default:
		return "unknown"
	}
}

// tailHub fans out committed WAL records (minus their values, which may be
// large or sensitive) to every connected WebSocket client. It is the
// server's WAL commit listener; it never blocks a write, mirroring the
// requirement that replication and tail-monitoring feeds off the same
// durability hook must stay off the commit path.
type tailHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan tailEvent
}

func newTailHub() *tailHub {
	return &tailHub{clients: make(map[*websocket.Conn]chan tailEvent)}
}

// OnCommit is installed as (one component of) the engine's WAL commit
// listener via SetCommitListener.
func (h *tailHub) OnCommit(rec wal.Record) {
	ev := tailEvent{
		SequenceID:  rec.SequenceID,
		TimestampMs: rec.TimestampMs,
		Op:          opName(rec.Op),
		Key:         rec.Key,
	}
	if rec.Op == wal.OpBatchPut {
		ev.BatchSize = len(rec.Batch)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop rather than block the WAL commit path.
		}
	}
}

func (h *tailHub) register(conn *websocket.Conn) chan tailEvent {
	ch := make(chan tailEvent, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *tailHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("httpserver: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.hub.register(conn)
	defer s.hub.unregister(conn)

	// Drain (and discard) any client -> server messages so a misbehaving
	// peer's closed connection is noticed promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
