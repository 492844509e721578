package wal

import (
	"encoding/binary"
	"io"
)

// RecordType tags the variant payload carried by a Record, matching the
// write-ahead log's record taxonomy.
type RecordType uint8

const (
	// RecordPageWrite carries an opaque page/version write keyed by a page id.
	RecordPageWrite RecordType = iota + 1
	// RecordTxnBegin marks the start of a transaction.
	RecordTxnBegin
	// RecordTxnCommit marks a transaction's commit point.
	RecordTxnCommit
	// RecordTxnAbort marks a transaction's abort point.
	RecordTxnAbort
	// RecordCheckpoint records the LSN below which the log may be reclaimed.
	RecordCheckpoint
)

// fixedFieldsSize is the byte length of lsn, txn_id, timestamp_us and the
// variant tag, before the variable-length payload and trailing checksum.
const fixedFieldsSize = 8 + 8 + 8 + 1

// Record is one framed entry in the log: a length-prefixed, checksummed
// body of (lsn, txn_id, timestamp_us, variant tag, variant payload).
type Record struct {
	LSN         uint64
	TxnID       uint64
	TimestampUs uint64
	Type        RecordType
	Payload     []byte // variant-specific encoded payload
}

// PageWritePayload is the decoded body of a RecordPageWrite record. PageID
// carries the full signed 64-bit key space, not just a 32-bit page number,
// since the engine logs row writes keyed by their primary key.
type PageWritePayload struct {
	PageID int64
	Bytes  []byte
}

// EncodePageWrite serializes a page id and its bytes as a record payload.
func EncodePageWrite(pageID int64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(pageID))
	copy(buf[8:], data)
	return buf
}

// DecodePageWrite parses a RecordPageWrite payload.
func DecodePageWrite(payload []byte) (PageWritePayload, error) {
	if len(payload) < 8 {
		return PageWritePayload{}, io.ErrUnexpectedEOF
	}
	return PageWritePayload{
		PageID: int64(binary.BigEndian.Uint64(payload[0:8])),
		Bytes:  payload[8:],
	}, nil
}

// EncodeTxnID serializes the single-field payload shared by
// TxnBegin/TxnCommit/TxnAbort records.
func EncodeTxnID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// DecodeTxnID parses the single-field payload shared by
// TxnBegin/TxnCommit/TxnAbort records.
func DecodeTxnID(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint64(payload[0:8]), nil
}

// EncodeCheckpointLSN serializes a RecordCheckpoint payload.
func EncodeCheckpointLSN(lsn uint64) []byte {
	return EncodeTxnID(lsn)
}

// DecodeCheckpointLSN parses a RecordCheckpoint payload.
func DecodeCheckpointLSN(payload []byte) (uint64, error) {
	return DecodeTxnID(payload)
}

// bodyLen returns the encoded length of lsn+txn_id+timestamp+tag+payload,
// i.e. everything the length prefix covers.
func (r *Record) bodyLen() uint32 {
	return uint32(fixedFieldsSize + len(r.Payload))
}

// encodeBody writes lsn, txn_id, timestamp_us, tag and payload into buf,
// which must be at least bodyLen() bytes long.
func (r *Record) encodeBody(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], r.LSN)
	binary.BigEndian.PutUint64(buf[8:16], r.TxnID)
	binary.BigEndian.PutUint64(buf[16:24], r.TimestampUs)
	buf[24] = byte(r.Type)
	copy(buf[fixedFieldsSize:], r.Payload)
}

// WriteTo writes the full framed record (length prefix, body, checksum) to w.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	body := make([]byte, r.bodyLen())
	r.encodeBody(body)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	checksum := CalculateCRC32(body)
	var checksumBuf [4]byte
	binary.BigEndian.PutUint32(checksumBuf[:], checksum)

	var total int64
	n, err := w.Write(lenBuf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(body)
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(checksumBuf[:])
	total += int64(n)
	return total, err
}

// decodeBody parses a body buffer (as framed between the length prefix and
// the checksum) into the fixed fields and a payload slice aliasing buf.
func decodeBody(buf []byte) (Record, error) {
	if len(buf) < fixedFieldsSize {
		return Record{}, io.ErrUnexpectedEOF
	}
	r := Record{
		LSN:         binary.BigEndian.Uint64(buf[0:8]),
		TxnID:       binary.BigEndian.Uint64(buf[8:16]),
		TimestampUs: binary.BigEndian.Uint64(buf[16:24]),
		Type:        RecordType(buf[24]),
		Payload:     buf[fixedFieldsSize:],
	}
	return r, nil
}
