package tcpstream

import (
	"log"
	"net"
	"sync"

	"github.com/lsmforge/lsmkv/pkg/engine"
	"github.com/lsmforge/lsmkv/pkg/wal"
)

// Server accepts streaming TCP clients and applies each StreamPut frame to
// an Engine, answering FIFO with one response per request: an Ack on
// success, or an Error frame carrying the message on failure.
type Server struct {
	eng      *engine.Engine
	listener net.Listener
	logger   func(format string, args ...any)

	wg sync.WaitGroup
}

// NewServer constructs a Server bound to eng. It does not listen until
// Start is called.
func NewServer(eng *engine.Engine) *Server {
	return &Server{eng: eng, logger: log.Printf}
}

// SetLogger overrides the default log.Printf logger.
func (s *Server) SetLogger(fn func(format string, args ...any)) {
	s.logger = fn
}

// Start listens on addr and begins accepting connections in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConnection(conn)
		}()
	}
}

func (s *Server) serveConnection(conn net.Conn) {
	defer conn.Close()
	for {
		opcode, body, err := readFrame(conn)
		if err != nil {
			return
		}

		switch opcode {
		case OpStreamPut:
			s.handleStreamPut(conn, body)
		case OpEndStream:
			return
		default:
			_ = writeFrame(conn, OpError, encodeError("unknown opcode"))
			return
		}
	}
}

func (s *Server) handleStreamPut(conn net.Conn, body []byte) {
	req, err := decodeStreamPut(body)
	if err != nil {
		_ = writeFrame(conn, OpError, encodeError(err.Error()))
		return
	}

	var applyErr error
	switch req.Op {
	case 1:
		applyErr = s.eng.Put(req.Key, req.Value)
	case 2:
		applyErr = s.eng.Delete(req.Key)
	case 3:
		batch := make([]wal.KV, len(req.Batch))
		for i, kv := range req.Batch {
			batch[i] = wal.KV{Key: kv.Key, Value: kv.Value}
		}
		_, applyErr = s.eng.BatchPut(batch)
	}

	if applyErr != nil {
		s.logger("tcpstream: apply failed: %v", applyErr)
		_ = writeFrame(conn, OpError, encodeError(applyErr.Error()))
		return
	}
	_ = writeFrame(conn, OpAck, encodeAck(true))
}
