package tcpstream

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/lsmforge/lsmkv/pkg/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	e := engine.New(engine.DefaultConfig(dir))
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestStreamPutAcksAndApplies(t *testing.T) {
	eng := newTestEngine(t)
	srv := NewServer(eng)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body := encodeStreamPut(StreamPutBody{Op: 1, Key: "user:1", Value: []byte("Alice")})
	if err := writeFrame(conn, OpStreamPut, body); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	opcode, ackBody, err := readFrame(conn)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != OpAck || len(ackBody) != 1 || ackBody[0] != 0x00 {
		t.Fatalf("expected OK ack, got opcode=%v body=%v", opcode, ackBody)
	}

	val, found, err := eng.Get("user:1")
	if err != nil || !found || string(val) != "Alice" {
		t.Fatalf("Get user:1 = %q, %v, %v", val, found, err)
	}
}

func TestStreamPutDeleteAndBatch(t *testing.T) {
	eng := newTestEngine(t)
	srv := NewServer(eng)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	batchBody := encodeStreamPut(StreamPutBody{Op: 3, Batch: []KV{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	}})
	if err := writeFrame(conn, OpStreamPut, batchBody); err != nil {
		t.Fatalf("writeFrame batch: %v", err)
	}
	if opcode, _, err := readFrame(conn); err != nil || opcode != OpAck {
		t.Fatalf("expected ack for batch, got %v err=%v", opcode, err)
	}

	delBody := encodeStreamPut(StreamPutBody{Op: 2, Key: "a"})
	if err := writeFrame(conn, OpStreamPut, delBody); err != nil {
		t.Fatalf("writeFrame delete: %v", err)
	}
	if opcode, _, err := readFrame(conn); err != nil || opcode != OpAck {
		t.Fatalf("expected ack for delete, got %v err=%v", opcode, err)
	}

	if _, found, _ := eng.Get("a"); found {
		t.Fatalf("expected a to be deleted")
	}
	if val, found, _ := eng.Get("b"); !found || string(val) != "2" {
		t.Fatalf("expected b=2, got %q found=%v", val, found)
	}
}

func TestStreamPutUnknownOpcodeReturnsError(t *testing.T) {
	eng := newTestEngine(t)
	srv := NewServer(eng)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, 0x99, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	opcode, _, err := readFrame(conn)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != OpError {
		t.Fatalf("expected OpError, got %v", opcode)
	}
}
