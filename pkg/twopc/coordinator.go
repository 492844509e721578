package twopc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/wal"
)

// State is a distributed transaction's position in the 2PC state machine.
type State int

const (
	StatePreparing State = iota
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

type coordinatorTxn struct {
	participants []uint64
	votes        map[uint64]bool
	state        State
	done         chan struct{}
	resolved     bool
	result       bool
	reason       string
}

// Coordinator drives the 2PC protocol for transactions it originates.
// A TxnBegin record is appended to its WAL before Prepare goes out, and
// the Commit or Abort record before the decision goes out; this package
// has no routine that reads those records back after a crash. A
// participant left hanging after Prepared stays stuck until the
// coordinator comes back — 2PC's well-known blocking property.
type Coordinator struct {
	nodeID uint64
	sender MessageSender
	log    *zap.Logger
	wal    *wal.Manager

	mu        sync.Mutex
	txns      map[uint64]*coordinatorTxn
	nextTxnID uint64

	newBackOff func() backoff.BackOff
}

// NewCoordinator constructs a Coordinator. wal may be nil for a
// loopback-only test harness that doesn't care about durability.
func NewCoordinator(nodeID uint64, sender MessageSender, walMgr *wal.Manager, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		nodeID: nodeID,
		sender: sender,
		log:    log,
		wal:    walMgr,
		txns:   make(map[uint64]*coordinatorTxn),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		},
	}
}

// SetBackOffFactory overrides the retry policy sendWithRetry uses, letting
// the embedding layer drive it from two_pc.max_retries /
// two_pc.initial_backoff_ms / two_pc.backoff_multiplier.
func (c *Coordinator) SetBackOffFactory(f func() backoff.BackOff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newBackOff = f
}

// BeginDistributed registers a new distributed transaction across
// participants and returns its id.
func (c *Coordinator) BeginDistributed(participants []uint64) uint64 {
	txnID := atomic.AddUint64(&c.nextTxnID, 1)

	c.mu.Lock()
	c.txns[txnID] = &coordinatorTxn{
		participants: participants,
		votes:        make(map[uint64]bool),
		state:        StatePreparing,
		done:         make(chan struct{}),
	}
	c.mu.Unlock()
	return txnID
}

func (c *Coordinator) sendWithRetry(nodeID uint64, msg Message) error {
	c.mu.Lock()
	newBackOff := c.newBackOff
	c.mu.Unlock()
	op := func() error { return c.sender.Send(nodeID, msg) }
	return backoff.Retry(op, newBackOff())
}

// Prepare sends Prepare to every participant and blocks until every
// participant has voted, one has voted abort, or ctx is done.
// HandleMessage (called from wherever the transport delivers replies)
// resolves the wait.
func (c *Coordinator) Prepare(ctx context.Context, txnID uint64) (bool, error) {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok {
		c.mu.Unlock()
		return false, &errors.NotFoundError{Key: int64(txnID)}
	}
	participants := append([]uint64(nil), txn.participants...)
	c.mu.Unlock()

	c.appendRecord(txnID, wal.RecordTxnBegin)

	for _, p := range participants {
		if err := c.sendWithRetry(p, Message{Kind: MsgPrepare, TxnID: txnID, ParticipantID: c.nodeID}); err != nil {
			c.log.Warn("prepare send failed", zap.Uint64("txn_id", txnID), zap.Uint64("participant", p), zap.Error(err))
			c.resolve(txnID, false, "failed to reach participant "+errAsString(err))
			break
		}
	}

	select {
	case <-txn.done:
	case <-ctx.Done():
		c.resolve(txnID, false, "prepare phase timed out")
	}

	c.mu.Lock()
	result, reason := txn.result, txn.reason
	if result {
		txn.state = StatePrepared
	} else {
		txn.state = StateAborting
	}
	c.mu.Unlock()

	if !result {
		return false, &errors.PrepareAbortedError{NodeID: c.nodeID, Reason: reason}
	}
	return true, nil
}

func errAsString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// HandleMessage processes a reply from a participant: Prepared or
// PrepareAbort during the prepare phase, Ack afterward.
func (c *Coordinator) HandleMessage(msg Message) error {
	switch msg.Kind {
	case MsgPrepared:
		c.recordVote(msg.TxnID, msg.ParticipantID, true, "")
	case MsgPrepareAbort:
		c.recordVote(msg.TxnID, msg.ParticipantID, false, msg.Reason)
	case MsgAck:
		// No-op: commit/abort acks are only used for observability here.
	}
	return nil
}

func (c *Coordinator) recordVote(txnID, participantID uint64, prepared bool, reason string) {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok || txn.resolved {
		c.mu.Unlock()
		return
	}
	txn.votes[participantID] = prepared
	allVoted := len(txn.votes) == len(txn.participants)
	anyAbort := !prepared

	if anyAbort {
		txn.resolved = true
		txn.result = false
		txn.reason = reason
		c.mu.Unlock()
		close(txn.done)
		return
	}
	if allVoted {
		txn.resolved = true
		txn.result = true
		c.mu.Unlock()
		close(txn.done)
		return
	}
	c.mu.Unlock()
}

func (c *Coordinator) resolve(txnID uint64, result bool, reason string) {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok || txn.resolved {
		c.mu.Unlock()
		return
	}
	txn.resolved = true
	txn.result = result
	txn.reason = reason
	c.mu.Unlock()
	close(txn.done)
}

// CommitDistributed sends Commit to every participant. Call only after
// Prepare returned true.
func (c *Coordinator) CommitDistributed(txnID uint64) error {
	return c.finish(txnID, StateCommitting, StateCommitted, MsgCommit, wal.RecordTxnCommit)
}

// AbortDistributed sends Abort to every participant, used both when
// Prepare returns false and when the caller decides to abort anyway.
func (c *Coordinator) AbortDistributed(txnID uint64) error {
	return c.finish(txnID, StateAborting, StateAborted, MsgAbort, wal.RecordTxnAbort)
}

func (c *Coordinator) finish(txnID uint64, inProgress, final State, kind MessageKind, recordType wal.RecordType) error {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok {
		c.mu.Unlock()
		return &errors.NotFoundError{Key: int64(txnID)}
	}
	txn.state = inProgress
	participants := append([]uint64(nil), txn.participants...)
	c.mu.Unlock()

	c.appendRecord(txnID, recordType)

	var firstErr error
	for _, p := range participants {
		if err := c.sendWithRetry(p, Message{Kind: kind, TxnID: txnID, ParticipantID: c.nodeID}); err != nil {
			c.log.Error("failed to deliver final decision", zap.Uint64("txn_id", txnID), zap.Uint64("participant", p), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	c.mu.Lock()
	txn.state = final
	c.mu.Unlock()
	return firstErr
}

func (c *Coordinator) appendRecord(txnID uint64, recordType wal.RecordType) {
	if c.wal == nil {
		return
	}
	rec := &wal.Record{
		LSN:         c.wal.NextLSN(),
		TxnID:       txnID,
		TimestampUs: uint64(time.Now().UnixMicro()),
		Type:        recordType,
		Payload:     wal.EncodeTxnID(txnID),
	}
	if err := c.wal.Append(rec); err != nil {
		c.log.Error("failed to persist 2pc state transition", zap.Uint64("txn_id", txnID), zap.Error(err))
	}
}
