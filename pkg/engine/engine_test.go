package engine

import (
	"path/filepath"
	"testing"

	"github.com/omendb/omen-sub002/pkg/alex"
	"github.com/omendb/omen-sub002/pkg/keys"
	"github.com/omendb/omen-sub002/pkg/mvcc"
	"github.com/omendb/omen-sub002/pkg/rmi"
	"github.com/omendb/omen-sub002/pkg/router"
	"github.com/omendb/omen-sub002/pkg/wal"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(Options{
		DataDir:         dir,
		WALOptions:      wal.Options{DirPath: filepath.Join(dir, "wal"), BufferSize: 4096, SyncPolicy: wal.SyncEveryWrite, SegmentSizeBytes: 1 << 20},
		RouterConfig:    router.DefaultConfig(),
		DuplicatePolicy: alex.RejectDuplicate,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_PutCommitGet(t *testing.T) {
	e := openTestEngine(t)

	txn := e.Begin(mvcc.RepeatableRead)
	if err := txn.Put(keys.Key(1), []byte("row-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	row, found, err := reader.Get(keys.Key(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(row) != "row-1" {
		t.Fatalf("expected row-1, got %q found=%v", row, found)
	}
}

func TestEngine_RollbackDiscardsWrite(t *testing.T) {
	e := openTestEngine(t)

	txn := e.Begin(mvcc.RepeatableRead)
	if err := txn.Put(keys.Key(2), []byte("gone")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	if _, found, _ := reader.Get(keys.Key(2)); found {
		t.Fatalf("expected rolled-back write to be absent")
	}
}

func TestEngine_DeleteRemovesFromIndex(t *testing.T) {
	e := openTestEngine(t)

	txn := e.Begin(mvcc.RepeatableRead)
	_ = txn.Put(keys.Key(3), []byte("temp"))
	_ = txn.Commit()

	del := e.Begin(mvcc.RepeatableRead)
	if err := del.Delete(keys.Key(3)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	if _, found, _ := reader.Get(keys.Key(3)); found {
		t.Fatalf("expected deleted key to be absent")
	}
}

func TestEngine_RouteAndCheckpoint(t *testing.T) {
	e := openTestEngine(t)
	decision := e.Route(router.Predicate{Kind: router.PredicateEquality, Equals: 42}, router.TableStats{RowCount: 100})
	if decision.Path != router.PathLearnedIndex {
		t.Fatalf("expected equality predicate routed to learned index, got %v", decision.Path)
	}
	if _, err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	e.GarbageCollect()
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e := openTestEngine(t)

	t1 := e.Begin(mvcc.RepeatableRead)
	if err := t1.Put(keys.Key(1), []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	t2 := e.Begin(mvcc.RepeatableRead)

	if err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, found, _ := t2.Get(keys.Key(1)); found {
		t.Fatalf("expected T2's pre-commit snapshot not to see T1's write")
	}

	t3 := e.Begin(mvcc.RepeatableRead)
	row, found, err := t3.Get(keys.Key(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(row) != "a" {
		t.Fatalf("expected T3 (started after commit) to see \"a\", got %q found=%v", row, found)
	}
}

func TestEngine_RangeScanAscendingUnderReverseInsert(t *testing.T) {
	e := openTestEngine(t)

	txn := e.Begin(mvcc.RepeatableRead)
	for k := 99; k >= 0; k-- {
		if err := txn.Put(keys.Key(k), []byte{byte(k)}); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	rows, err := reader.RangeScan(keys.Key(0), keys.Key(99))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(rows) != 100 {
		t.Fatalf("expected 100 rows, got %d", len(rows))
	}
	for i, kv := range rows {
		if int(kv.Key) != i {
			t.Fatalf("expected ascending keys, rows[%d].Key = %d", i, kv.Key)
		}
		if kv.Row[0] != byte(i) {
			t.Fatalf("row %d carries wrong payload %v", i, kv.Row)
		}
	}
}

func TestEngine_RangeScanEmptyOnLowGreaterThanHigh(t *testing.T) {
	e := openTestEngine(t)

	txn := e.Begin(mvcc.RepeatableRead)
	_ = txn.Put(keys.Key(5), []byte("x"))
	_ = txn.Commit()

	reader := e.Begin(mvcc.RepeatableRead)
	rows, err := reader.RangeScan(keys.Key(10), keys.Key(0))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty result for low > high, got %d rows", len(rows))
	}
}

func TestEngine_RMIBackendPutGetRange(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{
		DataDir:         dir,
		WALOptions:      wal.Options{DirPath: filepath.Join(dir, "wal"), BufferSize: 4096, SyncPolicy: wal.SyncEveryWrite, SegmentSizeBytes: 1 << 20},
		RouterConfig:    router.DefaultConfig(),
		DuplicatePolicy: alex.RejectDuplicate,
		IndexBackend:    IndexBackendRMI,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	txn := e.Begin(mvcc.RepeatableRead)
	for k := 0; k < 20; k++ {
		if err := txn.Put(keys.Key(k), []byte{byte(k)}); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	row, found, err := reader.Get(keys.Key(7))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || row[0] != 7 {
		t.Fatalf("expected key 7, got %v found=%v", row, found)
	}

	rows, err := reader.RangeScan(keys.Key(0), keys.Key(19))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(rows) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(rows))
	}

	del := e.Begin(mvcc.RepeatableRead)
	if err := del.Delete(keys.Key(7)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	postDelete := e.Begin(mvcc.RepeatableRead)
	if _, found, _ := postDelete.Get(keys.Key(7)); found {
		t.Fatalf("expected deleted key to be absent under rmi backend")
	}
}

func TestEngine_DuplicateKeyRejected(t *testing.T) {
	e := openTestEngine(t)

	first := e.Begin(mvcc.RepeatableRead)
	if err := first.Put(keys.Key(42), []byte("x")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := first.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	second := e.Begin(mvcc.RepeatableRead)
	if err := second.Put(keys.Key(42), []byte("y")); err == nil {
		t.Fatalf("expected duplicate key error on second Put")
	}
	_ = second.Rollback()

	reader := e.Begin(mvcc.RepeatableRead)
	row, found, err := reader.Get(keys.Key(42))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(row) != "x" {
		t.Fatalf("expected original value to survive rejected insert, got %q found=%v", row, found)
	}
}

func TestEngine_DuplicateKeyAllowedAfterDelete(t *testing.T) {
	e := openTestEngine(t)

	txn := e.Begin(mvcc.RepeatableRead)
	_ = txn.Put(keys.Key(7), []byte("old"))
	_ = txn.Commit()

	del := e.Begin(mvcc.RepeatableRead)
	if err := del.Delete(keys.Key(7)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	again := e.Begin(mvcc.RepeatableRead)
	if err := again.Put(keys.Key(7), []byte("new")); err != nil {
		t.Fatalf("expected re-insert after delete to succeed: %v", err)
	}
	if err := again.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	row, found, _ := reader.Get(keys.Key(7))
	if !found || string(row) != "new" {
		t.Fatalf("expected re-inserted value, got %q found=%v", row, found)
	}
}

func TestEngine_OverwritePolicyReplacesValue(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{
		DataDir:         dir,
		WALOptions:      wal.Options{DirPath: filepath.Join(dir, "wal"), BufferSize: 4096, SyncPolicy: wal.SyncEveryWrite, SegmentSizeBytes: 1 << 20},
		RouterConfig:    router.DefaultConfig(),
		DuplicatePolicy: alex.OverwriteDuplicate,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	first := e.Begin(mvcc.RepeatableRead)
	_ = first.Put(keys.Key(1), []byte("v1"))
	_ = first.Commit()

	second := e.Begin(mvcc.RepeatableRead)
	if err := second.Put(keys.Key(1), []byte("v2")); err != nil {
		t.Fatalf("expected overwrite policy to accept the put: %v", err)
	}
	if err := second.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	row, found, _ := reader.Get(keys.Key(1))
	if !found || string(row) != "v2" {
		t.Fatalf("expected overwritten value, got %q found=%v", row, found)
	}
}

func TestEngine_BulkLoadSeedsIndexAndSurvivesScan(t *testing.T) {
	e := openTestEngine(t)

	var ks []keys.Key
	var rows [][]byte
	for i := 0; i < 500; i++ {
		ks = append(ks, keys.Key(i*2))
		rows = append(rows, []byte{byte(i), byte(i >> 8)})
	}
	if err := e.BulkLoad(ks, rows); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	reader := e.Begin(mvcc.RepeatableRead)
	row, found, err := reader.Get(keys.Key(400))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || row[0] != byte(200) {
		t.Fatalf("expected loaded row for key 400, got %v found=%v", row, found)
	}

	scanned, err := reader.RangeScan(keys.Key(0), keys.Key(998))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(scanned) != 500 {
		t.Fatalf("expected 500 loaded rows, got %d", len(scanned))
	}
}

func TestEngine_RMIBackendRebuildsOnceDeltaCrossesThreshold(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{
		DataDir:         dir,
		WALOptions:      wal.Options{DirPath: filepath.Join(dir, "wal"), BufferSize: 4096, SyncPolicy: wal.SyncEveryWrite, SegmentSizeBytes: 1 << 20},
		RouterConfig:    router.DefaultConfig(),
		DuplicatePolicy: alex.RejectDuplicate,
		IndexBackend:    IndexBackendRMI,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	// An empty base array puts the rebuild threshold at its floor of one
	// delta entry; one commit of 100 keys must cross it and fold the
	// buffer back into a retrained base.
	txn := e.Begin(mvcc.RepeatableRead)
	for k := 0; k < 100; k++ {
		if err := txn.Put(keys.Key(k), []byte{byte(k)}); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	idx, ok := e.index.(*rmi.Index)
	if !ok {
		t.Fatalf("expected rmi backend, got %T", e.index)
	}
	if idx.NeedsRebuild() {
		t.Fatalf("expected commit fold-in to have rebuilt the rmi base array")
	}

	reader := e.Begin(mvcc.RepeatableRead)
	for k := 0; k < 100; k++ {
		row, found, err := reader.Get(keys.Key(k))
		if err != nil {
			t.Fatalf("Get(%d): %v", k, err)
		}
		if !found || row[0] != byte(k) {
			t.Fatalf("key %d lost across rebuild: %v found=%v", k, row, found)
		}
	}
}

func TestEngine_RecoversFromWAL(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		DataDir:         dir,
		WALOptions:      wal.Options{DirPath: filepath.Join(dir, "wal"), BufferSize: 4096, SyncPolicy: wal.SyncEveryWrite, SegmentSizeBytes: 1 << 20},
		RouterConfig:    router.DefaultConfig(),
		DuplicatePolicy: alex.RejectDuplicate,
	}

	e1, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn := e1.Begin(mvcc.RepeatableRead)
	if err := txn.Put(keys.Key(9), []byte("durable")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	reader := e2.Begin(mvcc.RepeatableRead)
	row, found, err := reader.Get(keys.Key(9))
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if !found || string(row) != "durable" {
		t.Fatalf("expected recovered row, got %q found=%v", row, found)
	}
}
