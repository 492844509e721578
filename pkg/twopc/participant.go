package twopc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/wal"
)

// VoteFunc decides whether a participant can commit txnID, returning a
// reason when it can't. The default always votes to prepare.
type VoteFunc func(txnID uint64) (ok bool, reason string)

type participantTxn struct {
	state         State
	coordinatorID uint64
}

// Participant is one node taking part in a distributed transaction. It
// stages nothing on its own (staging a write durably before voting
// Prepared is the job of the mvcc.Txn the caller already holds — see
// mvcc.Txn.Put); Participant only tracks the vote and the final decision
// and persists each transition to its own WAL before replying.
type Participant struct {
	nodeID uint64
	sender MessageSender
	log    *zap.Logger
	wal    *wal.Manager
	vote   VoteFunc

	mu   sync.Mutex
	txns map[uint64]*participantTxn
}

// NewParticipant constructs a Participant. vote may be nil, in which case
// the participant always votes to prepare.
func NewParticipant(nodeID uint64, sender MessageSender, walMgr *wal.Manager, log *zap.Logger, vote VoteFunc) *Participant {
	if log == nil {
		log = zap.NewNop()
	}
	if vote == nil {
		vote = func(uint64) (bool, string) { return true, "" }
	}
	return &Participant{
		nodeID: nodeID,
		sender: sender,
		log:    log,
		wal:    walMgr,
		vote:   vote,
		txns:   make(map[uint64]*participantTxn),
	}
}

// HandleMessage processes one inbound message from the coordinator.
func (p *Participant) HandleMessage(msg Message) error {
	switch msg.Kind {
	case MsgPrepare:
		return p.handlePrepare(msg)
	case MsgCommit:
		return p.handleFinal(msg, StateCommitted, wal.RecordTxnCommit)
	case MsgAbort:
		return p.handleFinal(msg, StateAborted, wal.RecordTxnAbort)
	default:
		return &errors.InvariantViolationError{Component: "twopc", Detail: "participant received unexpected message kind"}
	}
}

func (p *Participant) handlePrepare(msg Message) error {
	p.mu.Lock()
	p.txns[msg.TxnID] = &participantTxn{state: StatePreparing, coordinatorID: msg.ParticipantID}
	p.mu.Unlock()

	ok, reason := p.vote(msg.TxnID)

	if ok {
		p.appendRecord(msg.TxnID, wal.RecordTxnBegin)
		p.setState(msg.TxnID, StatePrepared)
		return p.sender.Send(msg.ParticipantID, Message{Kind: MsgPrepared, TxnID: msg.TxnID, ParticipantID: p.nodeID})
	}

	p.setState(msg.TxnID, StateAborted)
	return p.sender.Send(msg.ParticipantID, Message{Kind: MsgPrepareAbort, TxnID: msg.TxnID, ParticipantID: p.nodeID, Reason: reason})
}

func (p *Participant) handleFinal(msg Message, final State, recordType wal.RecordType) error {
	p.mu.Lock()
	txn, ok := p.txns[msg.TxnID]
	p.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Key: int64(msg.TxnID)}
	}

	p.appendRecord(msg.TxnID, recordType)
	p.setState(msg.TxnID, final)
	return p.sender.Send(txn.coordinatorID, Message{Kind: MsgAck, TxnID: msg.TxnID, ParticipantID: p.nodeID})
}

func (p *Participant) setState(txnID uint64, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if txn, ok := p.txns[txnID]; ok {
		txn.state = state
	}
}

// State returns the tracked state for txnID, used by tests to assert the
// participant reached the expected terminal state.
func (p *Participant) State(txnID uint64) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[txnID]
	if !ok {
		return 0, false
	}
	return txn.state, true
}

func (p *Participant) appendRecord(txnID uint64, recordType wal.RecordType) {
	if p.wal == nil {
		return
	}
	rec := &wal.Record{
		LSN:         p.wal.NextLSN(),
		TxnID:       txnID,
		TimestampUs: uint64(time.Now().UnixMicro()),
		Type:        recordType,
		Payload:     wal.EncodeTxnID(txnID),
	}
	if err := p.wal.Append(rec); err != nil {
		p.log.Error("failed to persist participant transition", zap.Uint64("txn_id", txnID), zap.Error(err))
	}
}
