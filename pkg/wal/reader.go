package wal

import (
	"encoding/binary"
	"io"
	"os"

	engerrors "github.com/omendb/omen-sub002/pkg/errors"
)

// segmentReader reads framed records sequentially from one segment file.
type segmentReader struct {
	file   *os.File
	offset int64
}

func newSegmentReader(path string) (*segmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &engerrors.IoError{Op: "open segment for read", Err: err}
	}
	return &segmentReader{file: f}, nil
}

// readRecord reads the next framed record. It returns io.EOF when the file
// is exhausted cleanly. A truncated final record (short length prefix,
// short body, short checksum) is also treated as a clean end, matching
// "don't error on a short final record". A length prefix above 256 MiB, a
// body too short for the fixed fields, or a full record whose checksum
// fails to validate is reported as corruption.
func (r *segmentReader) readRecord() (Record, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r.file, lenBuf[:])
	if n == 0 && err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, io.EOF
	}

	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen > 256*1024*1024 {
		return Record{}, &engerrors.WalCorruptionError{Lsn: 0, Reason: "implausible record length"}
	}

	bufPtr := AcquireBuffer()
	defer ReleaseBuffer(bufPtr)
	if cap(*bufPtr) < int(bodyLen) {
		*bufPtr = make([]byte, bodyLen)
	}
	body := (*bufPtr)[:bodyLen]
	if _, err := io.ReadFull(r.file, body); err != nil {
		return Record{}, io.EOF
	}

	var checksumBuf [4]byte
	if _, err := io.ReadFull(r.file, checksumBuf[:]); err != nil {
		return Record{}, io.EOF
	}
	checksum := binary.BigEndian.Uint32(checksumBuf[:])

	rec, err := decodeBody(body)
	if err != nil {
		return Record{}, &engerrors.WalCorruptionError{Lsn: rec.LSN, Reason: "short record body"}
	}
	if !ValidateCRC32(body, checksum) {
		return Record{}, &engerrors.WalCorruptionError{Lsn: rec.LSN, Reason: "checksum mismatch"}
	}

	// rec.Payload aliases the pooled buffer being released above, so it
	// must be copied out before this function returns.
	rec.Payload = append([]byte(nil), rec.Payload...)

	r.offset += int64(4 + len(body) + 4)
	return rec, nil
}

func (r *segmentReader) Close() error {
	return r.file.Close()
}

// ApplyFunc receives each record the two-pass replay decides to apply, in
// LSN order.
type ApplyFunc func(Record) error

// Replay reconstructs durable state from every segment in dir. It runs a
// two-pass classify-then-apply algorithm: the first pass scans every
// record to partition transactions into committed and aborted (a
// transaction with neither a commit nor an abort record is in-doubt and
// treated as not committed); the second pass invokes apply for every
// record belonging to a committed transaction, plus every record whose
// TxnID is 0 (checkpoints and any non-transactional record).
//
// If truncateOnCorruption is false, Replay stops and returns the
// corruption error on the first bad record. If true, it discards
// everything from that record onward and replays what preceded it.
func Replay(dir string, truncateOnCorruption bool, apply ApplyFunc) error {
	paths, err := segmentPaths(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &engerrors.IoError{Op: "list wal segments", Err: err}
	}

	records, err := collectRecords(paths, truncateOnCorruption)
	if err != nil {
		return err
	}

	committed := make(map[uint64]bool)
	for _, rec := range records {
		if rec.Type == RecordTxnCommit {
			committed[rec.TxnID] = true
		}
	}

	for _, rec := range records {
		if rec.TxnID != 0 && !committed[rec.TxnID] {
			continue
		}
		if err := apply(rec); err != nil {
			return err
		}
	}
	return nil
}

func collectRecords(paths []string, truncateOnCorruption bool) ([]Record, error) {
	var records []Record
	for _, path := range paths {
		sr, err := newSegmentReader(path)
		if err != nil {
			return nil, err
		}

		for {
			rec, err := sr.readRecord()
			if err == io.EOF {
				break
			}
			if err != nil {
				sr.Close()
				if truncateOnCorruption {
					return records, nil
				}
				return nil, err
			}
			records = append(records, rec)
		}
		sr.Close()
	}
	return records, nil
}
