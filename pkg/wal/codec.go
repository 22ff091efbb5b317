package wal

import "fmt"

// ValueCodec optionally transforms Put/BatchPut value bytes before they are
// framed to disk and after they are read back, so the on-disk payload is
// opaque ciphertext while every in-memory Record a caller observes (via
// Append* return values or the commit listener) stays plaintext. The frame
// layout in frame.go is unaffected: a codec only changes the bytes that
// occupy the existing value_len/value fields.
type ValueCodec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// encryptForWire returns a copy of r with every value transformed by codec,
// for framing only; the caller keeps the original plaintext Record.
func encryptForWire(r Record, codec ValueCodec) (Record, error) {
	out := r
	switch r.Op {
	case OpPut:
		ct, err := codec.Encrypt(r.Value)
		if err != nil {
			return Record{}, fmt.Errorf("wal: encrypt value: %w", err)
		}
		out.Value = ct
	case OpBatchPut:
		batch := make([]KV, len(r.Batch))
		for i, kv := range r.Batch {
			ct, err := codec.Encrypt(kv.Value)
			if err != nil {
				return Record{}, fmt.Errorf("wal: encrypt batch value: %w", err)
			}
			batch[i] = KV{Key: kv.Key, Value: ct}
		}
		out.Batch = batch
	}
	return out, nil
}

// decryptRecords decrypts every Put/BatchPut value in records in place,
// undoing encryptForWire. Used once, right after replay, before records are
// applied to the active MemTable.
func decryptRecords(records []Record, codec ValueCodec) error {
	for i, r := range records {
		switch r.Op {
		case OpPut:
			pt, err := codec.Decrypt(r.Value)
			if err != nil {
				return fmt.Errorf("wal: decrypt value at sequence %d: %w", r.SequenceID, err)
			}
			records[i].Value = pt
		case OpBatchPut:
			batch := make([]KV, len(r.Batch))
			for j, kv := range r.Batch {
				pt, err := codec.Decrypt(kv.Value)
				if err != nil {
					return fmt.Errorf("wal: decrypt batch value at sequence %d: %w", r.SequenceID, err)
				}
				batch[j] = KV{Key: kv.Key, Value: pt}
			}
			records[i].Batch = batch
		}
	}
	return nil
}
