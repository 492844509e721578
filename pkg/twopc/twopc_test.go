package twopc

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func deliverAll(t *testing.T, transport *LoopbackTransport, nodeID uint64, handle func(Message) error) {
	t.Helper()
	for _, msg := range transport.Deliver(nodeID) {
		if err := handle(msg); err != nil {
			t.Fatalf("handling message %v: %v", msg, err)
		}
	}
}

func TestTwoPC_SuccessfulCommit(t *testing.T) {
	transport := NewLoopbackTransport()
	coord := NewCoordinator(1, transport.senderFor(1), nil, nil)
	p1 := NewParticipant(2, transport.senderFor(2), nil, nil, nil)
	p2 := NewParticipant(3, transport.senderFor(3), nil, nil, nil)

	txnID := coord.BeginDistributed([]uint64{2, 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var prepared bool
	var prepErr error
	go func() {
		prepared, prepErr = coord.Prepare(ctx, txnID)
		close(done)
	}()

	// Drive message delivery until the prepare phase resolves.
	for i := 0; i < 10; i++ {
		deliverAll(t, transport, 2, p1.HandleMessage)
		deliverAll(t, transport, 3, p2.HandleMessage)
		deliverAll(t, transport, 1, coord.HandleMessage)
		select {
		case <-done:
			goto resolved
		case <-time.After(5 * time.Millisecond):
		}
	}
resolved:
	<-done

	if prepErr != nil {
		t.Fatalf("Prepare: %v", prepErr)
	}
	if !prepared {
		t.Fatalf("expected all participants to vote prepared")
	}

	if err := coord.CommitDistributed(txnID); err != nil {
		t.Fatalf("CommitDistributed: %v", err)
	}
	deliverAll(t, transport, 2, p1.HandleMessage)
	deliverAll(t, transport, 3, p2.HandleMessage)

	if state, ok := p1.State(txnID); !ok || state != StateCommitted {
		t.Fatalf("expected participant 1 committed, got %v %v", state, ok)
	}
	if state, ok := p2.State(txnID); !ok || state != StateCommitted {
		t.Fatalf("expected participant 2 committed, got %v %v", state, ok)
	}

	history := transport.History()
	var prepareCount, preparedCount, commitCount int
	for _, h := range history {
		switch h.Msg.Kind {
		case MsgPrepare:
			prepareCount++
		case MsgPrepared:
			preparedCount++
		case MsgCommit:
			commitCount++
		}
	}
	if prepareCount != 2 || preparedCount != 2 || commitCount != 2 {
		t.Fatalf("expected 2 prepare/prepared/commit messages, got %d/%d/%d", prepareCount, preparedCount, commitCount)
	}
}

func TestTwoPC_ParticipantVotesAbort(t *testing.T) {
	transport := NewLoopbackTransport()
	coord := NewCoordinator(1, transport.senderFor(1), nil, nil)
	p1 := NewParticipant(2, transport.senderFor(2), nil, nil, func(uint64) (bool, string) {
		return false, "resource conflict detected"
	})

	txnID := coord.BeginDistributed([]uint64{2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var prepared bool
	go func() {
		prepared, _ = coord.Prepare(ctx, txnID)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		deliverAll(t, transport, 2, p1.HandleMessage)
		deliverAll(t, transport, 1, coord.HandleMessage)
		select {
		case <-done:
			goto resolved
		case <-time.After(5 * time.Millisecond):
		}
	}
resolved:
	<-done

	if prepared {
		t.Fatalf("expected prepare to fail when participant votes abort")
	}

	if err := coord.AbortDistributed(txnID); err != nil {
		t.Fatalf("AbortDistributed: %v", err)
	}
	deliverAll(t, transport, 2, p1.HandleMessage)
	if state, ok := p1.State(txnID); !ok || state != StateAborted {
		t.Fatalf("expected participant aborted, got %v %v", state, ok)
	}
}

func TestTwoPC_NetworkFailureTimesOutPrepare(t *testing.T) {
	transport := NewLoopbackTransport()
	transport.FailNode(2)
	coord := NewCoordinator(1, transport.senderFor(1), nil, nil)
	coord.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}

	txnID := coord.BeginDistributed([]uint64{2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	prepared, err := coord.Prepare(ctx, txnID)
	if prepared {
		t.Fatalf("expected prepare to fail against an unreachable participant")
	}
	if err == nil {
		t.Fatalf("expected an error from Prepare")
	}
}
