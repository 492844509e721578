package wal

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	engerrors "github.com/omendb/omen-sub002/pkg/errors"
)

// segment is one rotated log file: an active writer plus its path and the
// LSN of its first and last record, used to decide which segments are
// wholly reclaimable below a checkpoint LSN. Replay orders segments by
// file name, not by these LSNs.
type segment struct {
	path     string
	file     *os.File
	writer   *bufio.Writer
	written  int64
	firstLSN uint64
	lastLSN  uint64
}

// Manager is the single-appender WAL writer. It rotates to a new segment
// file once the active one crosses Options.SegmentSizeBytes, and exposes
// Replay to recover state from every segment in the directory.
type Manager struct {
	mu      sync.Mutex
	options Options
	log     *zap.Logger

	active *segment
	// sealed holds every rotated-away segment still on disk, oldest first,
	// so ReclaimSegments can find and delete the ones wholly below the
	// last checkpoint LSN without re-scanning the directory.
	sealed []*segment

	batchBytes int64
	nextLSN    uint64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewManager opens (creating if needed) the WAL directory and starts a
// fresh active segment.
func NewManager(opts Options, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DirPath, 0o755); err != nil {
		return nil, &engerrors.IoError{Op: "mkdir", Err: err}
	}

	m := &Manager{
		options: opts,
		log:     log,
		done:    make(chan struct{}),
	}

	if err := m.rotateLocked(); err != nil {
		return nil, err
	}

	if opts.SyncPolicy == SyncInterval {
		m.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go m.backgroundSync()
	}

	return m, nil
}

// segmentPaths returns every segment file in the directory, oldest first
// (uuid v7 ids are time-ordered, so lexicographic sort is chronological).
func segmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wal" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Manager) rotateLocked() error {
	if m.active != nil {
		if err := m.syncLocked(); err != nil {
			return err
		}
		m.active.file.Close()
		m.sealed = append(m.sealed, m.active)
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	path := filepath.Join(m.options.DirPath, id.String()+".wal")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return &engerrors.IoError{Op: "open segment", Err: err}
	}

	m.active = &segment{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, m.options.BufferSize),
	}
	m.log.Debug("wal segment rotated", zap.String("path", path))
	return nil
}

// DirPath returns the directory segment files are written into, used by
// a caller replaying the log at startup.
func (m *Manager) DirPath() string {
	return m.options.DirPath
}

// TruncateOnCorruption reports whether Replay should accept a log
// truncated at the first corrupt record rather than fail recovery.
func (m *Manager) TruncateOnCorruption() bool {
	return m.options.TruncateOnCorruption
}

// NextLSN allocates the next log sequence number.
func (m *Manager) NextLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLSN++
	return m.nextLSN
}

// Append writes a record to the active segment, rotating first if the
// segment has grown past its configured size, and applies the sync policy.
func (m *Manager) Append(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.written >= m.options.SegmentSizeBytes {
		if err := m.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := r.WriteTo(m.active.writer)
	if err != nil {
		m.log.Error("wal append failed", zap.Error(err))
		return &engerrors.IoError{Op: "wal append", Err: err}
	}
	m.active.written += n
	m.batchBytes += n
	if m.active.firstLSN == 0 {
		m.active.firstLSN = r.LSN
	}
	m.active.lastLSN = r.LSN

	switch m.options.SyncPolicy {
	case SyncEveryWrite:
		return m.syncLocked()
	case SyncBatch:
		if m.batchBytes >= m.options.SyncBatchBytes {
			return m.syncLocked()
		}
	}

	// A commit record must be durable at commit time regardless of the
	// ambient sync policy; SyncPolicy only governs the throughput vs
	// durability tradeoff for ordinary PageWrite records.
	if m.options.FsyncOnCommit && r.Type == RecordTxnCommit {
		return m.syncLocked()
	}
	return nil
}

// Sync forces the active segment to disk.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked()
}

func (m *Manager) syncLocked() error {
	if err := m.active.writer.Flush(); err != nil {
		return &engerrors.IoError{Op: "wal flush", Err: err}
	}
	if err := m.active.file.Sync(); err != nil {
		return &engerrors.IoError{Op: "wal fsync", Err: err}
	}
	m.batchBytes = 0
	return nil
}

// Checkpoint appends a Checkpoint record recording the LSN below which the
// log may be reclaimed, then forces it to disk.
func (m *Manager) Checkpoint(lsn uint64, nowUs uint64) error {
	rec := &Record{
		LSN:         m.NextLSN(),
		TxnID:       0,
		TimestampUs: nowUs,
		Type:        RecordCheckpoint,
		Payload:     EncodeCheckpointLSN(lsn),
	}
	if err := m.Append(rec); err != nil {
		return err
	}
	return m.Sync()
}

// ReclaimSegments deletes every sealed segment file whose last record's
// LSN is strictly below checkpointLSN; everything in such a segment is
// already reflected in the checkpointed state. The active segment is
// never reclaimed. Returns the number of files removed.
func (m *Manager) ReclaimSegments(checkpointLSN uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.sealed[:0]
	removed := 0
	for _, seg := range m.sealed {
		if seg.lastLSN != 0 && seg.lastLSN < checkpointLSN {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return removed, &engerrors.IoError{Op: "wal reclaim segment", Err: err}
			}
			m.log.Debug("wal segment reclaimed", zap.String("path", seg.path), zap.Uint64("last_lsn", seg.lastLSN))
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	m.sealed = kept
	return removed, nil
}

// Close flushes and closes the active segment, stopping any background
// sync goroutine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.done)
	}

	if err := m.syncLocked(); err != nil {
		m.active.file.Close()
		return err
	}
	return m.active.file.Close()
}

func (m *Manager) backgroundSync() {
	for {
		select {
		case <-m.ticker.C:
			if err := m.Sync(); err != nil {
				m.log.Warn("background wal sync failed", zap.Error(err))
			}
		case <-m.done:
			return
		}
	}
}
