// Package engine is the facade that wires the learned index, MVCC store,
// write-ahead log, row store, and query router into one embeddable
// database over a single opaque-row-reference keyspace.
package engine

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omendb/omen-sub002/pkg/alex"
	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/hlc"
	"github.com/omendb/omen-sub002/pkg/keys"
	"github.com/omendb/omen-sub002/pkg/mvcc"
	"github.com/omendb/omen-sub002/pkg/rmi"
	"github.com/omendb/omen-sub002/pkg/rowstore"
	"github.com/omendb/omen-sub002/pkg/router"
	"github.com/omendb/omen-sub002/pkg/wal"
)

// indexBackend is the shape both learned-index implementations share: the
// ALEX gapped-array tree (general purpose, handles skewed insert order
// well) and the static RMI (cheaper per-lookup, better suited to
// append-dominant or otherwise stable keyspaces). Engine programs against
// this interface so Options.IndexBackend can select either without any
// other code caring which one is live.
type indexBackend interface {
	Get(key keys.Key) (keys.RowRef, bool)
	Insert(key keys.Key, ref keys.RowRef) error
	Delete(key keys.Key) bool
	Range(lo, hi keys.Key) []struct {
		Key keys.Key
		Ref keys.RowRef
	}
}

// Engine owns the full storage stack for one keyspace: the learned index
// resolves a key to a row reference, mvcc.Store/Registry resolve that
// reference under snapshot isolation, rowstore holds the row bytes, the
// WAL makes writes durable, and Router decides how a predicate should be
// served.
type Engine struct {
	mu sync.RWMutex

	index indexBackend
	store *mvcc.Store
	reg   *mvcc.Registry
	rows  *rowstore.Store
	log   *wal.Manager
	rt    *router.Router
	zl    *zap.Logger

	backend   IndexBackend
	dupPolicy alex.DuplicatePolicy
	gcRetain  time.Duration
}

// IndexBackend selects which learned-index implementation an Engine uses.
type IndexBackend int

const (
	// IndexBackendAlex is the default: a multi-level tree of gapped leaf
	// arrays, tolerant of out-of-order inserts via local shifting/splits.
	IndexBackendAlex IndexBackend = iota
	// IndexBackendRMI selects the static two-stage Recursive Model Index,
	// cheaper at lookup time for append-dominant or otherwise stable
	// workloads where ALEX's per-insert shifting is wasted work.
	IndexBackendRMI
)

// Options configures a new Engine.
type Options struct {
	DataDir         string
	WALOptions      wal.Options
	RouterConfig    router.Config
	DuplicatePolicy alex.DuplicatePolicy
	Logger          *zap.Logger

	// IndexBackend picks the learned-index implementation. Zero value is
	// IndexBackendAlex.
	IndexBackend IndexBackend

	// MaxVersionsPerKey bounds each MVCC chain (mvcc.max_versions_per_key).
	// 0 selects mvcc.DefaultMaxVersionsPerKey.
	MaxVersionsPerKey int
	// GCRetain is the minimum age engine.GarbageCollect preserves a
	// shadowed version for regardless of active-transaction fencing
	// (mvcc.gc_retain), supporting time-travel reads.
	GCRetain time.Duration
}

// Open constructs an Engine backed by files under opts.DataDir, starting
// with an empty learned index (use BulkLoad to seed one from a sorted
// dataset).
func Open(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	walOpts := opts.WALOptions
	if walOpts.DirPath == "" {
		walOpts.DirPath = filepath.Join(opts.DataDir, "wal")
	}
	walMgr, err := wal.NewManager(walOpts, opts.Logger)
	if err != nil {
		return nil, err
	}

	rows, err := rowstore.Open(filepath.Join(opts.DataDir, "rows"))
	if err != nil {
		return nil, err
	}

	rt, err := router.New(opts.RouterConfig)
	if err != nil {
		return nil, err
	}

	versionCap := opts.MaxVersionsPerKey
	if versionCap == 0 {
		versionCap = mvcc.DefaultMaxVersionsPerKey
	}
	store := mvcc.NewStoreWithVersionCap(versionCap)
	reg := mvcc.NewRegistry(store)

	var idx indexBackend
	switch opts.IndexBackend {
	case IndexBackendRMI:
		rmiIdx, err := rmi.Build(nil, nil)
		if err != nil {
			return nil, err
		}
		idx = rmiIdx
	default:
		idx = alex.NewTree(opts.DuplicatePolicy)
	}

	e := &Engine{
		index: idx,
		store: store,
		reg:   reg,
		rows:  rows,
		log:   walMgr,
		rt:    rt,
		zl:    opts.Logger,

		backend:   opts.IndexBackend,
		dupPolicy: opts.DuplicatePolicy,
		gcRetain:  opts.GCRetain,
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

// recover replays the WAL against the (empty, freshly-opened) index and
// MVCC store, staging and committing writes exactly as they originally
// happened so the in-memory structures match what was durable.
func (e *Engine) recover() error {
	return wal.Replay(e.log.DirPath(), e.log.TruncateOnCorruption(), func(rec wal.Record) error {
		if rec.Type != wal.RecordPageWrite {
			return nil
		}
		payload, err := wal.DecodePageWrite(rec.Payload)
		if err != nil {
			return err
		}
		e.applyCommittedWrite(keys.Key(payload.PageID), payload.Bytes)
		return nil
	})
}

func (e *Engine) applyCommittedWrite(key keys.Key, ref keys.RowRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(ref) == 0 {
		e.index.Delete(key)
		return
	}
	if _, found := e.index.Get(key); found {
		return
	}
	_ = e.index.Insert(key, ref)
}

// Begin starts a transaction at the given isolation level and durably
// marks its start, so a crash before any write leaves a TxnBegin record
// with no matching outcome — exactly the in-doubt shape replay's first
// pass is built to classify as not-committed.
func (e *Engine) Begin(isolation mvcc.IsolationLevel) *Txn {
	txn := e.reg.Begin(isolation)
	rec := &wal.Record{
		LSN:         e.log.NextLSN(),
		TxnID:       txn.ID,
		TimestampUs: txn.StartTS.Physical,
		Type:        wal.RecordTxnBegin,
		Payload:     wal.EncodeTxnID(txn.ID),
	}
	if err := e.log.Append(rec); err != nil {
		e.zl.Warn("failed to persist txn begin", zap.Uint64("txn_id", txn.ID), zap.Error(err))
	}
	return &Txn{engine: e, txn: txn}
}

// BulkLoad seeds a freshly-opened keyspace from presorted rows in one
// pass: every row is written to the row store and the WAL and committed
// as a single transaction, then the learned index is rebuilt from the
// sorted run — for ALEX that means leaves packed at target density with
// inner levels stacked bottom-up, much tighter than the same keys
// arriving through one-at-a-time inserts.
func (e *Engine) BulkLoad(sortedKeys []keys.Key, rows [][]byte) error {
	if len(sortedKeys) != len(rows) {
		return &errors.InvariantViolationError{Component: "engine", Detail: "BulkLoad requires one row per key"}
	}
	for i := 1; i < len(sortedKeys); i++ {
		if sortedKeys[i] <= sortedKeys[i-1] {
			return &errors.InvariantViolationError{Component: "engine", Detail: "BulkLoad requires strictly ascending keys"}
		}
	}

	txn := e.Begin(mvcc.RepeatableRead)
	refs := make([]keys.RowRef, len(rows))
	for i, row := range rows {
		ref, err := e.rows.Put(row)
		if err != nil {
			_ = txn.Rollback()
			return err
		}
		refs[i] = ref
		rec := &wal.Record{
			LSN:         e.log.NextLSN(),
			TxnID:       txn.txn.ID,
			TimestampUs: txn.txn.StartTS.Physical,
			Type:        wal.RecordPageWrite,
			Payload:     wal.EncodePageWrite(int64(sortedKeys[i]), ref),
		}
		if err := e.log.Append(rec); err != nil {
			_ = txn.Rollback()
			return err
		}
		txn.txn.Put(sortedKeys[i], ref)
	}

	commitTS, err := txn.txn.PrepareCommit()
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	rec := &wal.Record{
		LSN:         e.log.NextLSN(),
		TxnID:       txn.txn.ID,
		TimestampUs: commitTS.Physical,
		Type:        wal.RecordTxnCommit,
		Payload:     wal.EncodeTxnID(txn.txn.ID),
	}
	if err := e.log.Append(rec); err != nil {
		txn.txn.Rollback(e.reg)
		return err
	}
	txn.txn.FinalizeCommit(e.reg)

	var idx indexBackend
	switch e.backend {
	case IndexBackendRMI:
		built, err := rmi.Build(sortedKeys, refs)
		if err != nil {
			return err
		}
		idx = built
	default:
		built, err := alex.BulkBuild(sortedKeys, refs, e.dupPolicy)
		if err != nil {
			return err
		}
		idx = built
	}

	e.mu.Lock()
	e.index = idx
	e.mu.Unlock()
	return nil
}

// Route lets a caller ask the query router how it would serve a
// predicate without actually running it, useful for EXPLAIN tooling.
func (e *Engine) Route(p router.Predicate, stats router.TableStats) router.ExecutionDecision {
	return e.rt.Decide(p, stats, e.store.Clock.Now())
}

// Checkpoint forces the WAL to durable storage, records the current LSN
// as a reclaim point, and reclaims any sealed segment wholly below it.
func (e *Engine) Checkpoint() (uint64, error) {
	now := e.store.Clock.Now()
	lsn := e.log.NextLSN()
	if err := e.log.Checkpoint(lsn, now.Physical); err != nil {
		return 0, err
	}
	if n, err := e.log.ReclaimSegments(lsn); err != nil {
		e.zl.Warn("wal segment reclaim failed", zap.Error(err))
	} else if n > 0 {
		e.zl.Debug("wal segments reclaimed", zap.Int("count", n))
	}
	return lsn, nil
}

// GarbageCollect reclaims MVCC versions older than the oldest active
// transaction's snapshot, further bounded by the configured retain
// window so a time-travel horizon survives even with no active reader.
func (e *Engine) GarbageCollect() {
	horizon, ok := e.reg.MinActiveTimestamp()
	if !ok {
		horizon = e.store.Clock.Now()
	}
	if e.gcRetain > 0 {
		now := e.store.Clock.Now().Physical
		retainUs := uint64(e.gcRetain.Microseconds())
		var retainPhysical uint64
		if retainUs < now {
			retainPhysical = now - retainUs
		}
		retainHorizon := hlc.Timestamp{Physical: retainPhysical}
		if retainHorizon.Before(horizon) {
			horizon = retainHorizon
		}
	}
	e.store.GarbageCollect(horizon)

	e.mu.RLock()
	e.maybeRebuildIndex()
	e.mu.RUnlock()
}

// maybeRebuildIndex folds the RMI backend's delta buffer back into its
// trained base array once the buffer crosses the rebuild threshold (a
// tenth of the base size). Invoked after every commit fold-in and from
// the GC sweep as a maintenance hook; the ALEX tree restructures itself
// incrementally and never needs this. The caller must hold e.mu, at
// least shared — the rebuild itself serializes on the index's own lock.
func (e *Engine) maybeRebuildIndex() {
	idx, ok := e.index.(*rmi.Index)
	if !ok || !idx.NeedsRebuild() {
		return
	}
	idx.Rebuild()
	e.zl.Debug("rmi delta buffer folded into base array")
}

// Close flushes and releases every owned resource.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.rows.Close(); err != nil {
		firstErr = err
	}
	if err := e.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Txn is a handle bundling an mvcc.Txn with the engine resources it
// needs to stage durable writes (the WAL and row store) and to consult
// the learned index for reads that aren't already in its own write set.
type Txn struct {
	engine *Engine
	txn    *mvcc.Txn
}

// Get resolves key: if the transaction wrote it, that value wins;
// otherwise it consults the MVCC store under the transaction's
// isolation. The learned index is only a fallback for keys with no
// version chain at all — i.e. keys rebuilt from the WAL at recovery,
// which committed before any live transaction began. A key that has a
// chain but no visible version stays invisible: it was committed after
// this snapshot, or deleted.
func (t *Txn) Get(key keys.Key) ([]byte, bool, error) {
	ref, ok := t.txn.Get(key)
	if !ok {
		if t.engine.store.HasChain(key) {
			return nil, false, nil
		}
		t.engine.mu.RLock()
		idxRef, found := t.engine.index.Get(key)
		t.engine.mu.RUnlock()
		if !found {
			return nil, false, nil
		}
		ref = idxRef
	}
	t.engine.rt.Touch(key, t.engine.store.Clock.Now())

	row, err := t.engine.rows.Get(ref)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// RangeScan returns every (key, row) pair visible to this transaction's
// snapshot with lo <= key <= hi, in ascending key order. Candidate keys
// come from the learned index's range (every key ever folded in by a
// committed write) plus this transaction's own not-yet-committed writes
// in range, so a read-your-own-write key that hasn't been folded into the
// index yet still appears; each candidate is then re-resolved through Get
// so the same snapshot-visibility rule a point read uses applies here too.
func (t *Txn) RangeScan(lo, hi keys.Key) ([]KV, error) {
	t.engine.mu.RLock()
	idxHits := t.engine.index.Range(lo, hi)
	t.engine.mu.RUnlock()

	seen := make(map[keys.Key]struct{}, len(idxHits))
	candidates := make([]keys.Key, 0, len(idxHits))
	for _, hit := range idxHits {
		seen[hit.Key] = struct{}{}
		candidates = append(candidates, hit.Key)
	}
	for key := range t.txn.Writes() {
		if key < lo || key > hi {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, key)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	out := make([]KV, 0, len(candidates))
	for _, key := range candidates {
		row, ok, err := t.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, KV{Key: key, Row: row})
	}
	return out, nil
}

// KV is one RangeScan result pair.
type KV struct {
	Key keys.Key
	Row []byte
}

// Put stages row durably: it is first written to the row store, then
// appended to the WAL as a PageWrite keyed by the transaction, then
// staged as a tentative MVCC version. Visibility to other transactions
// only happens at Commit. Under the reject duplicate policy, writing a
// key that is already live (in this transaction, in the snapshot, or in
// the recovered index) fails without staging anything.
func (t *Txn) Put(key keys.Key, row []byte) error {
	if t.engine.dupPolicy == alex.RejectDuplicate && t.keyIsLive(key) {
		return &errors.DuplicateKeyError{Key: int64(key)}
	}

	ref, err := t.engine.rows.Put(row)
	if err != nil {
		return err
	}

	rec := &wal.Record{
		LSN:         t.engine.log.NextLSN(),
		TxnID:       t.txn.ID,
		TimestampUs: t.txn.StartTS.Physical,
		Type:        wal.RecordPageWrite,
		Payload:     wal.EncodePageWrite(int64(key), ref),
	}
	if err := t.engine.log.Append(rec); err != nil {
		return err
	}

	t.txn.Put(key, ref)
	return nil
}

// keyIsLive reports whether key currently resolves to a row: a staged
// write wins (a staged delete makes the key re-insertable within the
// same transaction), then the newest committed version, then the
// learned index — which alone holds keys recovered from the WAL, since
// recovery rebuilds the index without materializing version chains.
func (t *Txn) keyIsLive(key keys.Key) bool {
	if staged, ok := t.txn.Staged(key); ok {
		return staged != nil
	}
	if _, ok := t.engine.store.GetAtTimestamp(key, t.engine.store.Clock.Now()); ok {
		return true
	}
	t.engine.mu.RLock()
	_, inIndex := t.engine.index.Get(key)
	t.engine.mu.RUnlock()
	if !inIndex {
		return false
	}
	// An index hit with a version chain but no visible version means the
	// key's newest committed version is a tombstone awaiting fold-in:
	// dead, so re-insertable. No chain at all means recovered state.
	return !t.engine.store.HasChain(key)
}

// Delete stages a tombstone for key.
func (t *Txn) Delete(key keys.Key) error {
	rec := &wal.Record{
		LSN:         t.engine.log.NextLSN(),
		TxnID:       t.txn.ID,
		TimestampUs: t.txn.StartTS.Physical,
		Type:        wal.RecordPageWrite,
		Payload:     wal.EncodePageWrite(int64(key), nil),
	}
	if err := t.engine.log.Append(rec); err != nil {
		return err
	}
	t.txn.Delete(key)
	return nil
}

// Commit validates (for Serializable), persists the commit to the WAL,
// and only then makes every staged write visible, before folding
// newly-written keys into the learned index. The WAL record must be
// durable before any version becomes visible; an append failure on the
// commit path forces an abort rather than leaving a
// committed-but-unpersisted write live.
func (t *Txn) Commit() error {
	writes := t.txn.Writes()
	commitTS, err := t.txn.PrepareCommit()
	if err != nil {
		return err
	}

	rec := &wal.Record{
		LSN:         t.engine.log.NextLSN(),
		TxnID:       t.txn.ID,
		TimestampUs: commitTS.Physical,
		Type:        wal.RecordTxnCommit,
		Payload:     wal.EncodeTxnID(t.txn.ID),
	}
	if err := t.engine.log.Append(rec); err != nil {
		// The commit never became durable: none of this transaction's
		// versions may become visible. Roll back instead of leaving it
		// dangling as still-active with uncommitted versions.
		t.txn.Rollback(t.engine.reg)
		return err
	}

	t.txn.FinalizeCommit(t.engine.reg)

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	for key, ref := range writes {
		if ref == nil {
			t.engine.index.Delete(key)
			continue
		}
		if _, found := t.engine.index.Get(key); found && t.engine.dupPolicy == alex.RejectDuplicate {
			// Another transaction won the key between our Put-time check
			// and this fold-in; its reference stays, the version chain
			// already orders the outcomes.
			continue
		}
		if err := t.engine.index.Insert(key, ref); err != nil {
			return &errors.InvariantViolationError{Component: "engine", Detail: "failed to fold committed write into learned index: " + err.Error()}
		}
	}
	t.engine.maybeRebuildIndex()
	return nil
}

// Rollback discards every staged write.
func (t *Txn) Rollback() error {
	t.txn.Rollback(t.engine.reg)
	rec := &wal.Record{
		LSN:         t.engine.log.NextLSN(),
		TxnID:       t.txn.ID,
		TimestampUs: t.engine.store.Clock.Now().Physical,
		Type:        wal.RecordTxnAbort,
		Payload:     wal.EncodeTxnID(t.txn.ID),
	}
	return t.engine.log.Append(rec)
}
