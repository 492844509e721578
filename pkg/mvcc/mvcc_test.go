package mvcc

import (
	"testing"

	"github.com/omendb/omen-sub002/pkg/keys"
)

func TestTxn_CommitVisibleAfterward(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	txn := reg.Begin(RepeatableRead)
	txn.Put(keys.Key(1), keys.RowRef("a"))
	if err := txn.Commit(reg); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader := reg.Begin(RepeatableRead)
	ref, ok := reader.Get(keys.Key(1))
	if !ok || string(ref) != "a" {
		t.Fatalf("expected committed value visible, got %v %v", ref, ok)
	}
}

func TestTxn_RepeatableReadSnapshotIsolation(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	setup := reg.Begin(RepeatableRead)
	setup.Put(keys.Key(1), keys.RowRef("v1"))
	_ = setup.Commit(reg)

	reader := reg.Begin(RepeatableRead)
	if ref, ok := reader.Get(keys.Key(1)); !ok || string(ref) != "v1" {
		t.Fatalf("expected v1, got %v %v", ref, ok)
	}

	writer := reg.Begin(RepeatableRead)
	writer.Put(keys.Key(1), keys.RowRef("v2"))
	_ = writer.Commit(reg)

	// Snapshot taken before the second write must still see v1.
	if ref, ok := reader.Get(keys.Key(1)); !ok || string(ref) != "v1" {
		t.Fatalf("expected stale snapshot to still read v1, got %v %v", ref, ok)
	}
}

func TestTxn_ReadOwnWrites(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)
	txn := reg.Begin(RepeatableRead)
	txn.Put(keys.Key(5), keys.RowRef("mine"))
	ref, ok := txn.Get(keys.Key(5))
	if !ok || string(ref) != "mine" {
		t.Fatalf("expected to read own uncommitted write, got %v %v", ref, ok)
	}
}

func TestTxn_RollbackDiscardsWrite(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)
	txn := reg.Begin(RepeatableRead)
	txn.Put(keys.Key(2), keys.RowRef("x"))
	txn.Rollback(reg)

	reader := reg.Begin(RepeatableRead)
	if _, ok := reader.Get(keys.Key(2)); ok {
		t.Fatalf("expected rolled-back write to be invisible")
	}
}

func TestTxn_SerializableConflict(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	setup := reg.Begin(RepeatableRead)
	setup.Put(keys.Key(1), keys.RowRef("v1"))
	_ = setup.Commit(reg)

	txnA := reg.Begin(Serializable)
	if _, ok := txnA.Get(keys.Key(1)); !ok {
		t.Fatalf("expected txnA to read v1")
	}

	txnB := reg.Begin(Serializable)
	txnB.Put(keys.Key(1), keys.RowRef("v2"))
	if err := txnB.Commit(reg); err != nil {
		t.Fatalf("txnB commit: %v", err)
	}

	txnA.Put(keys.Key(2), keys.RowRef("unrelated"))
	if err := txnA.Commit(reg); err == nil {
		t.Fatalf("expected serialization conflict on txnA commit")
	}
}

func TestTxn_DeleteIsTombstone(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	txn := reg.Begin(RepeatableRead)
	txn.Put(keys.Key(1), keys.RowRef("v"))
	_ = txn.Commit(reg)

	del := reg.Begin(RepeatableRead)
	del.Delete(keys.Key(1))
	_ = del.Commit(reg)

	reader := reg.Begin(RepeatableRead)
	if _, ok := reader.Get(keys.Key(1)); ok {
		t.Fatalf("expected deleted key to be invisible")
	}
}

func TestStore_GarbageCollectKeepsAtLeastOneVersion(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	for i := 0; i < 5; i++ {
		txn := reg.Begin(RepeatableRead)
		txn.Put(keys.Key(1), keys.RowRef{byte(i)})
		_ = txn.Commit(reg)
	}

	far := store.Clock.Now()
	far.Physical += 1_000_000_000
	store.GarbageCollect(far)

	if _, ok := store.GetAtTimestamp(keys.Key(1), store.Clock.Now()); !ok {
		t.Fatalf("expected at least one surviving version after gc")
	}
}

func TestTxn_PutStampsFreshTimestampNotStartTS(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	// setup commits a version for key 1 after longLived begins, so
	// longLived's StartTS predates it.
	longLived := reg.Begin(ReadCommitted)

	setup := reg.Begin(RepeatableRead)
	setup.Put(keys.Key(1), keys.RowRef("from setup"))
	if err := setup.Commit(reg); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	// longLived now writes key 1 itself. If Put stamped the write with
	// longLived.StartTS (older than setup's commit), the chain's
	// newest-first-by-Timestamp sort would place longLived's version
	// behind setup's, and a getAt read would return the stale "from
	// setup" value instead of longLived's own write.
	longLived.Put(keys.Key(1), keys.RowRef("from longLived"))
	if err := longLived.Commit(reg); err != nil {
		t.Fatalf("longLived commit: %v", err)
	}

	reader := reg.Begin(RepeatableRead)
	ref, ok := reader.Get(keys.Key(1))
	if !ok || string(ref) != "from longLived" {
		t.Fatalf("expected longLived's write to be newest, got %v %v", ref, ok)
	}
}

func TestStore_GarbageCollectNeverDropsNewestCommittedEvenPastHorizon(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)

	txn := reg.Begin(RepeatableRead)
	txn.Put(keys.Key(1), keys.RowRef("only"))
	if err := txn.Commit(reg); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A horizon far in the future would shadow-collect any committed
	// version older than it, except the newest committed version must
	// always survive regardless of age: it is never "shadowed" by a
	// newer committed version, since there isn't one.
	far := store.Clock.Now()
	far.Physical += 1_000_000_000
	store.GarbageCollect(far)

	if _, ok := store.GetAtTimestamp(keys.Key(1), store.Clock.Now()); !ok {
		t.Fatalf("expected the sole committed version to survive gc past the horizon")
	}
}

func TestRegistry_MinActiveTimestamp(t *testing.T) {
	store := NewStore()
	reg := NewRegistry(store)
	if _, ok := reg.MinActiveTimestamp(); ok {
		t.Fatalf("expected no active transactions")
	}
	txn := reg.Begin(RepeatableRead)
	min, ok := reg.MinActiveTimestamp()
	if !ok || min != txn.StartTS {
		t.Fatalf("expected min active ts to equal txn start")
	}
	_ = txn.Commit(reg)
	if _, ok := reg.MinActiveTimestamp(); ok {
		t.Fatalf("expected no active transactions after commit")
	}
}
