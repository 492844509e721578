package wal

import "time"

// SyncPolicy selects the durability strategy.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every record. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval fsyncs on a background timer. A balance of the two.
	SyncInterval

	// SyncBatch fsyncs once accumulated bytes cross a threshold. Fastest,
	// and the one with the widest commit-visibility window on crash.
	SyncBatch
)

// Options configures a Manager.
type Options struct {
	// DirPath is the directory segment files are written into.
	DirPath string

	// BufferSize is the bufio buffer size in front of each segment file.
	BufferSize int

	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the fsync period under SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the accumulated-bytes threshold under SyncBatch.
	SyncBatchBytes int64

	// SegmentSizeBytes is the size at which the active segment rotates to
	// a new file.
	SegmentSizeBytes int64

	// TruncateOnCorruption allows Replay to accept a log truncated at the
	// first corrupt record instead of failing recovery outright.
	TruncateOnCorruption bool

	// FsyncOnCommit forces a durable flush for every RecordTxnCommit
	// record regardless of SyncPolicy. Default true: SyncPolicy governs
	// the durability/throughput tradeoff for ordinary writes, but a
	// commit must still be on disk before it is acknowledged.
	FsyncOnCommit bool
}

// DefaultOptions returns a safe starting configuration.
func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal_data",
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
		SegmentSizeBytes:     64 * 1024 * 1024,
		TruncateOnCorruption: false,
		FsyncOnCommit:        true,
	}
}
