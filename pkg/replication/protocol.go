// Package replication implements the best-effort push-based Primary→Backup
// protocol: a Primary forwards every durable WAL record to its Backup over a
// persistent framed TCP connection, pipelining sends and matching acks FIFO.
package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lsmforge/lsmkv/pkg/wal"
)

// Opcode identifies a frame's body shape.
type Opcode uint8

const (
	OpReplicate    Opcode = 0x10
	OpReplicateAck Opcode = 0x11
)

// Status is the outcome an ack reports for the record it acknowledges.
type Status uint8

const (
	StatusOK    Status = 0x00
	StatusError Status = 0x01
)

const maxFrameLen = 64 << 20

// writeFrame writes [payload_len:u32][opcode:u8][body] to w.
func writeFrame(w io.Writer, opcode Opcode, body []byte) error {
	header := make([]byte, 4+1)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)+1))
	header[4] = byte(opcode)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one [payload_len:u32][opcode:u8][body] frame from r.
func readFrame(r io.Reader) (Opcode, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen == 0 || payloadLen > maxFrameLen {
		return 0, nil, fmt.Errorf("%w: implausible frame length %d", ErrProtocol, payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return Opcode(payload[0]), payload[1:], nil
}

// encodeReplicate builds a Replicate frame body from a WAL record.
func encodeReplicate(rec wal.Record) []byte {
	return wal.EncodeRecordBody(rec)
}

func decodeReplicate(body []byte) (wal.Record, error) {
	rec, err := wal.DecodeRecordBody(body)
	if err != nil {
		return wal.Record{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return rec, nil
}

// encodeAck builds a ReplicateAck frame body: [status:u8][seq:u64].
func encodeAck(status Status, seq uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = byte(status)
	binary.BigEndian.PutUint64(buf[1:], seq)
	return buf
}

func decodeAck(body []byte) (Status, uint64, error) {
	if len(body) != 1+8 {
		return 0, 0, fmt.Errorf("%w: malformed ack body", ErrProtocol)
	}
	return Status(body[0]), binary.BigEndian.Uint64(body[1:]), nil
}
