package twopc

import "sync"

// LoopbackTransport is an in-process message bus for tests: it records
// every message and queues it for delivery to the target node, so a test
// can drive the full protocol without a network.
type LoopbackTransport struct {
	mu      sync.Mutex
	pending map[uint64][]Message
	history []HistoryEntry
	failed  map[uint64]bool
}

// HistoryEntry records one successful send, for test assertions.
type HistoryEntry struct {
	From uint64
	To   uint64
	Msg  Message
}

// NewLoopbackTransport returns an empty transport.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{
		pending: make(map[uint64][]Message),
		failed:  make(map[uint64]bool),
	}
}

// FailNode makes every send targeting nodeID return an error, simulating
// a network partition or a crashed participant.
func (t *LoopbackTransport) FailNode(nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[nodeID] = true
}

// RestoreNode undoes FailNode.
func (t *LoopbackTransport) RestoreNode(nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, nodeID)
}

// History returns every successful send so far; a send to a node marked
// by FailNode returns an error and is not recorded.
func (t *LoopbackTransport) History() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistoryEntry, len(t.history))
	copy(out, t.history)
	return out
}

// senderFor returns a MessageSender that tags every send as originating
// from fromNode.
func (t *LoopbackTransport) senderFor(fromNode uint64) MessageSender {
	return &loopbackSender{from: fromNode, transport: t}
}

type loopbackSender struct {
	from      uint64
	transport *LoopbackTransport
}

func (s *loopbackSender) Send(nodeID uint64, msg Message) error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed[nodeID] {
		return &networkError{nodeID: nodeID}
	}
	t.history = append(t.history, HistoryEntry{From: s.from, To: nodeID, Msg: msg})
	t.pending[nodeID] = append(t.pending[nodeID], msg)
	return nil
}

// Deliver drains and returns every message queued for nodeID.
func (t *LoopbackTransport) Deliver(nodeID uint64) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.pending[nodeID]
	delete(t.pending, nodeID)
	return msgs
}

type networkError struct {
	nodeID uint64
}

func (e *networkError) Error() string {
	return "twopc: network failure reaching node"
}
