// Package config loads the engine's on-disk YAML configuration and
// converts it into the concrete option structs each subsystem takes. The
// engine core never reads environment variables; anything not in the
// file falls back to Default().
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/omendb/omen-sub002/pkg/alex"
	"github.com/omendb/omen-sub002/pkg/engine"
	"github.com/omendb/omen-sub002/pkg/router"
	"github.com/omendb/omen-sub002/pkg/wal"
)

// Config is the engine's full configuration surface.
type Config struct {
	DataDir string `yaml:"data_dir"`

	WAL    WALConfig    `yaml:"wal"`
	MVCC   MVCCConfig   `yaml:"mvcc"`
	Index  IndexConfig  `yaml:"index"`
	Router RouterConfig `yaml:"router"`
	TwoPC  TwoPCConfig  `yaml:"two_pc"`
}

// MVCCConfig tunes the per-key version chain and garbage collection.
type MVCCConfig struct {
	// MaxVersionsPerKey bounds a version chain's length. Default 100;
	// 0 makes the engine fall back to mvcc.DefaultMaxVersionsPerKey.
	MaxVersionsPerKey int `yaml:"max_versions_per_key"`

	// GCRetainSeconds is the minimum age a committed version survives GC
	// for even once shadowed, supporting time-travel reads.
	GCRetainSeconds int64 `yaml:"gc_retain_seconds"`
}

// IndexConfig tunes the learned index's leaf geometry and duplicate-key
// policy.
type IndexConfig struct {
	LeafCapacity  int     `yaml:"leaf_capacity"`
	DensityHigh   float64 `yaml:"density_high"`
	DensityLow    float64 `yaml:"density_low"`
	FanoutDefault int     `yaml:"fanout_default"`
	// OnDuplicate is "reject" or "overwrite": whether an insert of an
	// already-present key fails or replaces the stored row.
	OnDuplicate string `yaml:"on_duplicate"`
	// Backend is "alex" (default) or "rmi", selecting which learned-index
	// implementation backs the keyspace.
	Backend string `yaml:"backend"`
}

// WALConfig mirrors wal.Options in YAML-friendly form; sync_policy is a
// string so a config file can say "every_write" / "interval" / "batch".
type WALConfig struct {
	SyncPolicy           string `yaml:"sync_policy"`
	SyncIntervalMs       int64  `yaml:"sync_interval_ms"`
	SyncBatchBytes       int64  `yaml:"sync_batch_bytes"`
	SegmentSizeMB        int64  `yaml:"segment_size_mb"`
	TruncateOnCorruption bool   `yaml:"truncate_on_corruption"`
	// FsyncOnCommit forces a durable flush for every commit record
	// regardless of SyncPolicy. Default true.
	FsyncOnCommit bool `yaml:"fsync_on_commit"`
}

// RouterConfig mirrors router.Config.
type RouterConfig struct {
	LearnedBreakEven    int64 `yaml:"learned_break_even"`
	SmallInThreshold    int   `yaml:"small_in_threshold"`
	BucketWidth         int64 `yaml:"bucket_width"`
	TemperatureDecaySec int64 `yaml:"temperature_decay_seconds"`
	MaxTrackedBuckets   int   `yaml:"max_tracked_buckets"`
}

// TwoPCConfig tunes coordinator/participant timeouts and retry behavior.
type TwoPCConfig struct {
	PrepareTimeoutSec int     `yaml:"prepare_timeout_seconds"`
	CommitTimeoutSec  int     `yaml:"commit_timeout_seconds"`
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	Multiplier        float64 `yaml:"backoff_multiplier"`
}

// Default returns the engine's out-of-the-box configuration.
func Default() Config {
	return Config{
		DataDir: "./data",
		WAL: WALConfig{
			SyncPolicy:     "batch",
			SyncBatchBytes: 64 * 1024,
			SegmentSizeMB:  64,
			FsyncOnCommit:  true,
		},
		MVCC: MVCCConfig{
			MaxVersionsPerKey: 100,
			GCRetainSeconds:   0,
		},
		Index: IndexConfig{
			LeafCapacity:  128,
			DensityHigh:   0.8,
			DensityLow:    0.3,
			FanoutDefault: 64,
			OnDuplicate:   "reject",
			Backend:       "alex",
		},
		Router: RouterConfig{
			LearnedBreakEven:    10_000,
			SmallInThreshold:    8,
			BucketWidth:         1_000,
			TemperatureDecaySec: 60,
			MaxTrackedBuckets:   4_096,
		},
		TwoPC: TwoPCConfig{
			PrepareTimeoutSec: 30,
			CommitTimeoutSec:  60,
			MaxRetries:        5,
			InitialBackoffMs:  100,
			Multiplier:        2.0,
		},
	}
}

// Load reads and parses a YAML config file, falling back to defaults for
// any zero-valued field the file doesn't set.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// WALOptions converts the YAML config into wal.Options.
func (c Config) WALOptions(dir string) wal.Options {
	opts := wal.DefaultOptions()
	opts.DirPath = dir
	if c.WAL.SegmentSizeMB > 0 {
		opts.SegmentSizeBytes = c.WAL.SegmentSizeMB * 1024 * 1024
	}
	if c.WAL.SyncBatchBytes > 0 {
		opts.SyncBatchBytes = c.WAL.SyncBatchBytes
	}
	if c.WAL.SyncIntervalMs > 0 {
		opts.SyncIntervalDuration = time.Duration(c.WAL.SyncIntervalMs) * time.Millisecond
	}
	opts.TruncateOnCorruption = c.WAL.TruncateOnCorruption
	opts.FsyncOnCommit = c.WAL.FsyncOnCommit

	switch c.WAL.SyncPolicy {
	case "every_write":
		opts.SyncPolicy = wal.SyncEveryWrite
	case "interval":
		opts.SyncPolicy = wal.SyncInterval
	default:
		opts.SyncPolicy = wal.SyncBatch
	}
	return opts
}

// GCRetain converts the configured retain window into a time.Duration,
// the minimum age engine.GarbageCollect preserves a shadowed version for
// even when no active transaction's snapshot still needs it.
func (c Config) GCRetain() time.Duration {
	return time.Duration(c.MVCC.GCRetainSeconds) * time.Second
}

// DuplicatePolicy converts index.on_duplicate into alex.DuplicatePolicy,
// defaulting to reject for any unrecognized or empty value.
func (c Config) DuplicatePolicy() alex.DuplicatePolicy {
	if c.Index.OnDuplicate == "overwrite" {
		return alex.OverwriteDuplicate
	}
	return alex.RejectDuplicate
}

// IndexBackend converts index.backend into engine.IndexBackend, defaulting
// to the ALEX tree for any unrecognized or empty value.
func (c Config) IndexBackend() engine.IndexBackend {
	if c.Index.Backend == "rmi" {
		return engine.IndexBackendRMI
	}
	return engine.IndexBackendAlex
}

// RouterConfig converts the YAML config into router.Config.
func (c Config) RouterConfig() router.Config {
	rc := router.DefaultConfig()
	if c.Router.LearnedBreakEven > 0 {
		rc.LearnedBreakEven = c.Router.LearnedBreakEven
	}
	if c.Router.SmallInThreshold > 0 {
		rc.SmallInThreshold = c.Router.SmallInThreshold
	}
	if c.Router.BucketWidth > 0 {
		rc.BucketWidth = c.Router.BucketWidth
	}
	if c.Router.TemperatureDecaySec > 0 {
		rc.TemperatureDecayHalfLifeUs = uint64(c.Router.TemperatureDecaySec) * 1_000_000
	}
	if c.Router.MaxTrackedBuckets > 0 {
		rc.MaxTrackedBuckets = c.Router.MaxTrackedBuckets
	}
	return rc
}

// PrepareTimeout converts two_pc.prepare_timeout_seconds into a
// time.Duration, the deadline an embedding layer should put on the
// context it passes to Coordinator.Prepare.
func (c Config) PrepareTimeout() time.Duration {
	return time.Duration(c.TwoPC.PrepareTimeoutSec) * time.Second
}

// CommitTimeout converts two_pc.commit_timeout_seconds into a
// time.Duration, the deadline an embedding layer should put on the
// context it passes around CommitDistributed/AbortDistributed.
func (c Config) CommitTimeout() time.Duration {
	return time.Duration(c.TwoPC.CommitTimeoutSec) * time.Second
}

// TwoPCBackOffFactory builds the backoff.BackOff factory
// Coordinator.SetBackOffFactory expects, driven by two_pc.max_retries /
// two_pc.initial_backoff_ms / two_pc.backoff_multiplier.
func (c Config) TwoPCBackOffFactory() func() backoff.BackOff {
	initial := time.Duration(c.TwoPC.InitialBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	multiplier := c.TwoPC.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxRetries := c.TwoPC.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.Multiplier = multiplier
		return backoff.WithMaxRetries(b, uint64(maxRetries))
	}
}

// EngineOptions assembles the engine.Options this config describes, the
// one place the embedding layer needs to touch to turn a loaded YAML file
// into a running Engine.
func (c Config) EngineOptions(log *zap.Logger) engine.Options {
	return engine.Options{
		DataDir:           c.DataDir,
		WALOptions:        c.WALOptions(c.DataDir + "/wal"),
		RouterConfig:      c.RouterConfig(),
		DuplicatePolicy:   c.DuplicatePolicy(),
		IndexBackend:      c.IndexBackend(),
		Logger:            log,
		MaxVersionsPerKey: c.MVCC.MaxVersionsPerKey,
		GCRetain:          c.GCRetain(),
	}
}
