package lsm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

// Default tuning values.
const (
	DefaultMemtableSizeThreshold int64  = 4 << 20 // 4 MiB
	DefaultBufferPoolFrames      int    = 1024
	DefaultPageSize              uint32 = 4096
)

// Options configures a database at Open.
type Options struct {
	// DataDir is the filesystem path to the database directory. Created
	// if absent. Required.
	DataDir string

	// MemtableSizeThreshold triggers a flush once the active memtable's
	// tracked size reaches this many bytes. Zero is treated as unset and
	// selects DefaultMemtableSizeThreshold, so it does not force a flush
	// on every write; negative is invalid.
	MemtableSizeThreshold int64

	// BufferPoolFrames is the number of in-memory page frames shared
	// across every open SSTable. Default DefaultBufferPoolFrames.
	BufferPoolFrames int

	// PageSize is applied only at database creation; reopening an
	// existing database uses the page size recorded in its manifest, and
	// a mismatched explicit PageSize is a corruption error.
	// Must be a power of two >= 512. Default DefaultPageSize.
	PageSize uint32

	// FsyncOnWrite disables fsync-per-WAL-append when false. Intended
	// only for tests; disables the durability guarantee on crash.
	FsyncOnWrite bool

	// CompactionTrigger, when > 0, merges the oldest N SSTables into one
	// whenever the live count reaches this threshold. Off by default —
	// the engine remains correct with it disabled.
	CompactionTrigger int

	// Registerer, if non-nil, receives the engine's Prometheus
	// collectors (flush/compaction counts, buffer pool hit/miss, WAL
	// fsync latency). Metrics are a purely ambient concern: a nil
	// Registerer disables them without affecting correctness.
	Registerer prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.MemtableSizeThreshold == 0 {
		o.MemtableSizeThreshold = DefaultMemtableSizeThreshold
	}
	if o.BufferPoolFrames == 0 {
		o.BufferPoolFrames = DefaultBufferPoolFrames
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
}

func (o *Options) validate() error {
	if o.DataDir == "" {
		return lsmerrors.New(lsmerrors.InvalidArgument, "data_dir is required")
	}
	if o.MemtableSizeThreshold < 0 {
		return lsmerrors.New(lsmerrors.InvalidArgument, "memtable_size_threshold must be >= 0")
	}
	if o.PageSize < 512 || o.PageSize&(o.PageSize-1) != 0 {
		return lsmerrors.Newf(lsmerrors.InvalidArgument, "page_size %d must be a power of two >= 512", o.PageSize)
	}
	return nil
}
