// Package memtable implements the ordered in-memory multi-map, backed by
// a versioned skiplist and a per-memtable WAL for durability.
package memtable

import (
	"sync/atomic"
	"time"

	"github.com/solidkv/lsmdb/internal/entry"
	"github.com/solidkv/lsmdb/internal/lsmerrors"
	"github.com/solidkv/lsmdb/internal/wal"
)

// Memtable is the in-memory sorted table: a skiplist of (key, !seq_num)
// versioned entries, paired with the WAL that makes them durable.
type Memtable struct {
	sl     *skipList
	wal    *wal.Writer
	size   int64 // atomic: sum of key+value+overhead across all entries
	frozen int32 // atomic flag: 0 = mutable, 1 = frozen

	// OnAppend, when set, is invoked with the duration of every WAL
	// append (including its fsync, when enabled) — the coordinator wires
	// this to its WAL fsync latency histogram; nil does nothing.
	OnAppend func(time.Duration)
}

// overhead approximates per-entry bookkeeping cost for size accounting,
// tracked in bytes as the sum of key+value+overhead.
const overhead = 24

// New creates an empty memtable whose durability is backed by walPath,
// replaying any existing records at that path first.
func New(walPath string, fsyncOnWrite bool) (*Memtable, error) {
	w, err := wal.Open(walPath, fsyncOnWrite)
	if err != nil {
		return nil, err
	}

	mt := &Memtable{sl: newSkipList(), wal: w}
	if _, err := w.Load(func(e entry.Entry) {
		mt.sl.insert(e)
		atomic.AddInt64(&mt.size, entrySize(e))
	}); err != nil {
		w.Close()
		return nil, err
	}
	return mt, nil
}

func entrySize(e entry.Entry) int64 {
	return int64(len(e.Key) + len(e.Value) + overhead)
}

// ErrFrozen is returned by Insert once the memtable has been frozen ahead
// of a flush.
var ErrFrozen = lsmerrors.New(lsmerrors.InvalidArgument, "memtable is frozen")

// Insert appends a new version to the WAL, then to the skiplist. The WAL
// append (and its fsync, when enabled) happens first — spec invariant 1:
// every memtable entry is backed by a durably-written WAL record before
// insert returns.
func (mt *Memtable) Insert(e entry.Entry) error {
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}
	start := time.Now()
	err := mt.wal.Append(e)
	if mt.OnAppend != nil {
		mt.OnAppend(time.Since(start))
	}
	if err != nil {
		return err
	}
	mt.sl.insert(e)
	atomic.AddInt64(&mt.size, entrySize(e))
	return nil
}

// GetLatest returns the highest-seq_num entry for key, if any.
func (mt *Memtable) GetLatest(key []byte) (entry.Entry, bool) {
	return mt.sl.getLatest(key)
}

// GetAll returns every version of key, newest first, tombstones
// included.
func (mt *Memtable) GetAll(key []byte) []entry.Entry {
	return mt.sl.getAll(key)
}

// SizeBytes reports the memtable's current estimated footprint.
func (mt *Memtable) SizeBytes() int64 {
	return atomic.LoadInt64(&mt.size)
}

// Freeze marks the memtable immutable. Reads continue to work; Insert
// starts failing with ErrFrozen. Callers must Freeze before flushing.
func (mt *Memtable) Freeze() error {
	if !atomic.CompareAndSwapInt32(&mt.frozen, 0, 1) {
		return nil
	}
	return mt.wal.Sync()
}

// IsFrozen reports whether Freeze has been called.
func (mt *Memtable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

// NewIterator returns a full ordered traversal (key asc, seq_num desc)
// used by flush and by the merge iterator.
func (mt *Memtable) NewIterator() Iterator {
	return mt.sl.newIterator()
}

// WALPath returns the backing WAL file's path (used for rotation/cleanup
// bookkeeping by the coordinator).
func (mt *Memtable) WALPath() string {
	return mt.wal.Path()
}

// Close closes the backing WAL file.
func (mt *Memtable) Close() error {
	return mt.wal.Close()
}

// Iterator is the ordered (key asc, seq_num desc) traversal interface
// implemented by the skiplist iterator and consumed by the merge
// iterator across sources.
type Iterator interface {
	Valid() bool
	Entry() entry.Entry
	Next()
}
