// Package errors defines the typed error values returned across the
// engine. Each kind is its own struct with an Error() method rather than a
// sentinel, so callers can type-assert (or errors.As) to recover the
// structured fields instead of parsing a message.
package errors

import "fmt"

// NotFoundError is returned when a key has no visible version under the
// caller's snapshot.
type NotFoundError struct {
	Key int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key %d not found", e.Key)
}

// DuplicateKeyError is returned by an insert when the key already has a
// live version and the index's on-duplicate policy is "reject".
type DuplicateKeyError struct {
	Key int64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: key %d already present", e.Key)
}

// SerializationConflictError is returned when a serializable transaction's
// read-set validation fails at commit time.
type SerializationConflictError struct {
	TxnID  uint64
	Key    int64
	Reason string
}

func (e *SerializationConflictError) Error() string {
	return fmt.Sprintf("serialization conflict in txn %d on key %d: %s", e.TxnID, e.Key, e.Reason)
}

// WalCorruptionError is returned by replay when a record fails its checksum
// or framing invariant. Lsn is the LSN decoded from the first bad record's
// body (0 when its length prefix is rejected); replay does not continue
// past it.
type WalCorruptionError struct {
	Lsn    uint64
	Reason string
}

func (e *WalCorruptionError) Error() string {
	return fmt.Sprintf("wal corruption at lsn %d: %s", e.Lsn, e.Reason)
}

// IoError wraps an underlying filesystem/transport failure with the
// operation that triggered it.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// InvariantViolationError marks a state the engine's own invariants forbid
// reaching (e.g. splitting an empty leaf). Seeing this means a bug, not a
// caller mistake.
type InvariantViolationError struct {
	Component string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// PrepareAbortedError is returned to a 2PC coordinator when a participant
// votes to abort during the prepare phase.
type PrepareAbortedError struct {
	NodeID uint64
	Reason string
}

func (e *PrepareAbortedError) Error() string {
	return fmt.Sprintf("node %d voted to abort prepare: %s", e.NodeID, e.Reason)
}

// TimeoutError is returned when a 2PC phase does not hear back from every
// participant within its configured deadline.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}
