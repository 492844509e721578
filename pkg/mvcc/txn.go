package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/hlc"
	"github.com/omendb/omen-sub002/pkg/keys"
)

// IsolationLevel selects how a transaction's reads are isolated from
// concurrent writers.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	// RepeatableRead is the default: every read in the transaction sees a
	// single consistent snapshot taken at Begin.
	RepeatableRead
	// Serializable adds read-set validation at commit time on top of
	// RepeatableRead's snapshot.
	Serializable
)

type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
	txnAborted
)

// Txn is an in-flight transaction: a snapshot timestamp, a buffered write
// set applied atomically at commit, and (for Serializable) a read set
// checked for conflicts at commit.
type Txn struct {
	ID        uint64
	Isolation IsolationLevel
	StartTS   hlc.Timestamp

	store *Store

	mu       sync.Mutex
	status   txnStatus
	writes   map[keys.Key]keys.RowRef // nil value means delete
	reads    map[keys.Key]struct{}
	commitTS hlc.Timestamp // reserved by PrepareCommit, applied by FinalizeCommit
}

// Registry provides the bookkeeping a full engine needs on top of the
// bare chain storage in store.go: an active-transaction set and a
// monotonic txn id counter.
type Registry struct {
	store  *Store
	nextID uint64

	mu     sync.Mutex
	active map[uint64]hlc.Timestamp
}

// NewRegistry wraps store with transaction lifecycle management.
func NewRegistry(store *Store) *Registry {
	return &Registry{store: store, active: make(map[uint64]hlc.Timestamp)}
}

// Begin starts a new transaction at the current HLC time, registering it
// as active so GC never reclaims a version it might still read.
func (r *Registry) Begin(isolation IsolationLevel) *Txn {
	id := atomic.AddUint64(&r.nextID, 1)
	ts := r.store.Clock.Now()

	r.mu.Lock()
	r.active[id] = ts
	r.mu.Unlock()

	return &Txn{
		ID:        id,
		Isolation: isolation,
		StartTS:   ts,
		store:     r.store,
		writes:    make(map[keys.Key]keys.RowRef),
		reads:     make(map[keys.Key]struct{}),
	}
}

// MinActiveTimestamp returns the oldest start timestamp among active
// transactions, the safe GC horizon: no committed version newer than this
// may be reclaimed, since some live transaction might still need it.
func (r *Registry) MinActiveTimestamp() (hlc.Timestamp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) == 0 {
		return hlc.Timestamp{}, false
	}
	var min hlc.Timestamp
	first := true
	for _, ts := range r.active {
		if first || ts.Before(min) {
			min = ts
			first = false
		}
	}
	return min, true
}

func (r *Registry) forget(id uint64) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Get resolves key under the transaction's isolation level: Repeatable
// Read and Serializable read the snapshot at StartTS; Read Committed
// re-reads "now" on every call; Read Uncommitted returns the newest
// version regardless of commit state.
func (t *Txn) Get(key keys.Key) (keys.RowRef, bool) {
	t.mu.Lock()
	if ref, ok := t.writes[key]; ok {
		t.mu.Unlock()
		return ref, ref != nil
	}
	if t.Isolation == Serializable || t.Isolation == RepeatableRead {
		t.reads[key] = struct{}{}
	}
	t.mu.Unlock()

	switch t.Isolation {
	case ReadUncommitted:
		c := t.store.chainFor(key, false)
		if c == nil {
			return nil, false
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		if len(c.versions) == 0 || c.versions[0].Ref == nil {
			return nil, false
		}
		return c.versions[0].Ref, true
	case ReadCommitted:
		return t.store.GetAtTimestamp(key, t.store.Clock.Now())
	default: // RepeatableRead, Serializable
		return t.store.GetAtTimestamp(key, t.StartTS)
	}
}

// Put writes a tentative (uncommitted) version immediately, visible only
// to this transaction until Commit marks it committed — the same
// write-your-own-writes-early shape a 2PC participant needs for its
// Prepare phase to have already durably staged the write. The version is
// stamped with the current HLC time, not the transaction's start time: a
// long-lived transaction must not sort its write behind a later-started,
// already-committed one in the chain.
func (t *Txn) Put(key keys.Key, ref keys.RowRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[key] = ref
	t.store.writeVersion(key, t.ID, t.store.Clock.Now(), ref)
}

// Delete stages a tombstone the same way Put stages a value.
func (t *Txn) Delete(key keys.Key) {
	t.Put(key, nil)
}

// Staged reports whether this transaction already staged a write for key,
// and the (possibly nil, for a delete) row reference it staged. Unlike
// Get it never consults the shared store, so a caller can distinguish
// "this transaction deleted the key" from "the key was never touched".
func (t *Txn) Staged(key keys.Key) (keys.RowRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.writes[key]
	return ref, ok
}

// Writes returns a snapshot of the keys this transaction staged and
// their final (possibly nil, for a delete) row references, used by a
// caller that needs to fold a commit into a secondary structure like the
// learned index.
func (t *Txn) Writes() map[keys.Key]keys.RowRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[keys.Key]keys.RowRef, len(t.writes))
	for k, v := range t.writes {
		out[k] = v
	}
	return out
}

// PrepareCommit validates (for Serializable) this transaction and reserves
// the commit timestamp it will use, without making any staged version
// visible yet. Splitting this out of Commit lets a caller durably persist
// the commit (e.g. append a WAL record carrying the returned timestamp)
// before FinalizeCommit flips visibility — so a failure to persist can
// still Rollback cleanly instead of leaving a committed-but-unpersisted
// write live.
func (t *Txn) PrepareCommit() (hlc.Timestamp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != txnActive {
		return hlc.Timestamp{}, &errors.InvariantViolationError{Component: "mvcc", Detail: "commit of non-active transaction"}
	}

	if t.Isolation == Serializable {
		for key := range t.reads {
			if t.store.hasConcurrentCommit(key, t.StartTS) {
				return hlc.Timestamp{}, &errors.SerializationConflictError{TxnID: t.ID, Key: int64(key), Reason: "read key committed by another transaction after this transaction's snapshot"}
			}
		}
	}

	t.commitTS = t.store.Clock.Now()
	return t.commitTS, nil
}

// FinalizeCommit marks every tentative version this transaction staged as
// committed at the timestamp PrepareCommit reserved, then unregisters the
// transaction from the active set. Callers must only invoke this once
// PrepareCommit's timestamp has been durably persisted.
func (t *Txn) FinalizeCommit(reg *Registry) {
	t.mu.Lock()
	for key := range t.writes {
		t.store.commitVersion(key, t.ID, t.commitTS)
	}
	t.status = txnCommitted
	t.mu.Unlock()

	reg.forget(t.ID)
}

// Commit validates (for Serializable) and marks every tentative version
// this transaction staged as committed at a fresh HLC timestamp, then
// unregisters the transaction from the active set. It is PrepareCommit
// followed immediately by FinalizeCommit, for callers with no intervening
// durability step of their own (e.g. mvcc-only tests); a caller that owns
// a WAL should call PrepareCommit/FinalizeCommit directly so it can
// persist in between.
func (t *Txn) Commit(reg *Registry) error {
	if _, err := t.PrepareCommit(); err != nil {
		return err
	}
	t.FinalizeCommit(reg)
	return nil
}

// Rollback discards every tentative version this transaction staged and
// unregisters it from the active set.
func (t *Txn) Rollback(reg *Registry) {
	t.mu.Lock()
	for key := range t.writes {
		t.store.rollbackVersion(key, t.ID)
	}
	t.status = txnAborted
	t.writes = nil
	t.mu.Unlock()
	reg.forget(t.ID)
}
