package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func segmentName(createdAt int64) string {
	return fmt.Sprintf("wal-%020d.log", createdAt)
}

// listSegments returns every segment file path in dir in filename (and
// therefore chronological) order.
func listSegments(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// scanSegment reads every well-formed frame from buf in order, stopping at
// the first short read, length overrun, or checksum mismatch. It returns the
// records decoded so far and the byte offset of the first unconsumed byte
// (i.e. the start of the torn tail, if any).
func scanSegment(buf []byte) (records []Record, validBytes int64) {
	pos := 0
	for {
		if pos+4 > len(buf) {
			break
		}
		frameLen := int(binary.BigEndian.Uint32(buf[pos:]))
		if pos+4+frameLen > len(buf) {
			break
		}
		frameBody := buf[pos+4 : pos+4+frameLen]
		rec, err := decodeFrame(frameBody)
		if err != nil {
			break
		}
		records = append(records, rec)
		pos += 4 + frameLen
	}
	return records, int64(pos)
}

// replaySegments scans every segment in dir in order and returns all valid
// records plus the highest sequence id observed. It stops scanning entirely
// at the first torn tail it finds, per the log's crash-recovery contract.
func replaySegments(dir string) (records []Record, maxSeq uint64, lastGoodBytes int64, lastPath string, err error) {
	paths, err := listSegments(dir)
	if err != nil {
		return nil, 0, 0, "", err
	}

	for _, path := range paths {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, 0, 0, "", fmt.Errorf("wal: read segment %s: %w", path, readErr)
		}
		segRecords, valid := scanSegment(data)
		records = append(records, segRecords...)
		for _, r := range segRecords {
			if r.SequenceID > maxSeq {
				maxSeq = r.SequenceID
			}
		}
		lastPath = path
		lastGoodBytes = valid
		if valid != int64(len(data)) {
			// Torn tail: stop scanning further segments.
			break
		}
	}

	return records, maxSeq, lastGoodBytes, lastPath, nil
}

func newSegmentPath(dir string) string {
	return filepath.Join(dir, segmentName(time.Now().UnixNano()))
}
