// Package lsm implements the public-facing coordinator: open/close,
// put/delete/get/get_all, scan_live/scan_all versions, flush, and crash
// recovery. It is the façade that ties the memtable, WAL, SSTable,
// buffer pool, and manifest packages together under a single mutation
// gate.
package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solidkv/lsmdb/internal/bufferpool"
	"github.com/solidkv/lsmdb/internal/entry"
	"github.com/solidkv/lsmdb/internal/lsmerrors"
	"github.com/solidkv/lsmdb/internal/manifest"
	"github.com/solidkv/lsmdb/internal/memtable"
	"github.com/solidkv/lsmdb/internal/metrics"
	"github.com/solidkv/lsmdb/internal/sstable"
)

// DB is the open handle onto one LSM database directory. The zero value
// is not usable; construct with Open.
type DB struct {
	mu sync.RWMutex

	dataDir  string
	opts     Options
	pageSize uint32
	pool     *bufferpool.Pool
	metrics  *metrics.Metrics

	active    *memtable.Memtable
	immutable *memtable.Memtable
	// tables holds live SSTables newest-first — the order Get and the
	// merge iterator consult them in.
	tables []*sstable.Table

	nextSeq       uint64 // atomic: next sequence number to assign
	nextSSTableID uint64 // atomic: next sst-<id>.dat id to assign
	walSeq        uint64 // atomic: next wal-<n>.log suffix to assign

	errored int32 // atomic: 1 once a write-path I/O error has occurred

	flushWg    sync.WaitGroup
	compactWg  sync.WaitGroup
	closed     bool
}

// Open ensures dataDir exists, loads (or initializes) the manifest, opens
// every listed SSTable, replays the WAL into a fresh memtable, and sets
// the next sequence number one past the maximum observed across WAL and
// SSTables.
func Open(opts Options) (*DB, error) {
	requestedPageSize := opts.PageSize
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "create data dir")
	}

	man, ok, err := manifest.Load(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		man = &manifest.Manifest{PageSize: opts.PageSize, NextSeq: 1}
		if err := man.Save(opts.DataDir); err != nil {
			return nil, err
		}
	}
	if requestedPageSize != 0 && man.PageSize != requestedPageSize {
		return nil, lsmerrors.Newf(lsmerrors.Corruption,
			"database page size %d does not match requested %d", man.PageSize, opts.PageSize)
	}

	pool := bufferpool.New(opts.BufferPoolFrames)
	m := metrics.New(opts.Registerer)
	pool.OnHit = m.BufferPoolHits.Inc
	pool.OnMiss = m.BufferPoolMisses.Inc

	db := &DB{
		dataDir:  opts.DataDir,
		opts:     opts,
		pageSize: man.PageSize,
		pool:     pool,
		metrics:  m,
		nextSeq:  man.NextSeq,
	}

	if err := db.openLiveSSTables(man); err != nil {
		return nil, err
	}
	if err := db.removeOrphanSSTables(man); err != nil {
		return nil, err
	}
	if err := db.recoverWAL(); err != nil {
		db.closeTables()
		return nil, err
	}

	m.LiveSSTables.Set(float64(len(db.tables)))
	return db, nil
}

func (db *DB) sstablePath(id uint64) string {
	return filepath.Join(db.dataDir, fmt.Sprintf("sst-%d.dat", id))
}

func (db *DB) walPath(n uint64) string {
	return filepath.Join(db.dataDir, fmt.Sprintf("wal-%d.log", n))
}

// openLiveSSTables opens every SSTable the manifest lists, newest first,
// and tracks the next free sst id.
func (db *DB) openLiveSSTables(man *manifest.Manifest) error {
	for i := len(man.SSTableIDs) - 1; i >= 0; i-- {
		id := man.SSTableIDs[i]
		t, err := sstable.Open(db.sstablePath(id), db.pageSize, db.pool)
		if err != nil {
			return err
		}
		db.tables = append(db.tables, t)
		if id >= db.nextSSTableID {
			db.nextSSTableID = id + 1
		}
		if t.MaxSeqNum() >= db.nextSeq {
			db.nextSeq = t.MaxSeqNum() + 1
		}
	}
	return nil
}

// removeOrphanSSTables deletes sst-<id>.dat files the manifest does not
// reference: the crash-recovery case where a new SSTable file exists but
// was never committed, so it is garbage.
func (db *DB) removeOrphanSSTables(man *manifest.Manifest) error {
	live := make(map[uint64]bool, len(man.SSTableIDs))
	for _, id := range man.SSTableIDs {
		live[id] = true
	}
	matches, err := filepath.Glob(filepath.Join(db.dataDir, "sst-*.dat"))
	if err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "glob sstables")
	}
	for _, path := range matches {
		id, ok := parseSSTableID(path)
		if ok && live[id] {
			continue
		}
		os.Remove(path)
	}
	return nil
}

func parseSSTableID(path string) (uint64, bool) {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, "sst-")
	base = strings.TrimSuffix(base, ".dat")
	id, err := strconv.ParseUint(base, 10, 64)
	return id, err == nil
}

type walSegment struct {
	path string
	seq  uint64
}

func (db *DB) listWALSegments() ([]walSegment, error) {
	matches, err := filepath.Glob(filepath.Join(db.dataDir, "wal-*.log"))
	if err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "glob wal segments")
	}
	segs := make([]walSegment, 0, len(matches))
	for _, p := range matches {
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "wal-"), ".log")
		n, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, walSegment{path: p, seq: n})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}

// recoverWAL replays any WAL segments left on disk into memtables. The
// newest segment becomes the active memtable; any older segments (left
// behind by a crash between WAL rotation steps) are flushed synchronously
// before Open returns.
func (db *DB) recoverWAL() error {
	segs, err := db.listWALSegments()
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		segs = []walSegment{{path: db.walPath(0), seq: 0}}
		db.walSeq = 1
	} else {
		db.walSeq = segs[len(segs)-1].seq + 1
	}

	for _, seg := range segs[:len(segs)-1] {
		mt, err := db.newMemtable(seg.path)
		if err != nil {
			return err
		}
		db.bumpNextSeqFromMemtable(mt)
		if err := mt.Freeze(); err != nil {
			mt.Close()
			return err
		}
		if err := db.flushMemtableSync(mt, seg.path); err != nil {
			return err
		}
	}

	last := segs[len(segs)-1]
	active, err := db.newMemtable(last.path)
	if err != nil {
		return err
	}
	db.bumpNextSeqFromMemtable(active)
	db.active = active
	return nil
}

// newMemtable opens a memtable at path and wires its WAL-append latency
// into the coordinator's metrics.
func (db *DB) newMemtable(path string) (*memtable.Memtable, error) {
	mt, err := memtable.New(path, db.opts.FsyncOnWrite)
	if err != nil {
		return nil, err
	}
	mt.OnAppend = func(d time.Duration) {
		db.metrics.WALFsyncSeconds.Observe(d.Seconds())
	}
	return mt, nil
}

func (db *DB) bumpNextSeqFromMemtable(mt *memtable.Memtable) {
	it := mt.NewIterator()
	for it.Valid() {
		if s := it.Entry().SeqNum + 1; s > db.nextSeq {
			db.nextSeq = s
		}
		it.Next()
	}
}

func (db *DB) closeTables() {
	for _, t := range db.tables {
		t.Close()
	}
}

// Close flushes the active memtable if non-empty, waits for background
// flush/compaction work, and closes every open file.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	active := db.active
	db.active = nil
	db.mu.Unlock()

	if active != nil && active.SizeBytes() > 0 {
		if err := db.flushMemtableSync(active, active.WALPath()); err != nil {
			return err
		}
	} else if active != nil {
		active.Close()
	}

	db.flushWg.Wait()
	db.compactWg.Wait()

	db.mu.Lock()
	immutable := db.immutable
	tables := db.tables
	db.immutable = nil
	db.tables = nil
	db.mu.Unlock()

	var firstErr error
	if immutable != nil {
		if err := immutable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ErrClosed is returned by every operation once Close has been called.
var ErrClosed = lsmerrors.New(lsmerrors.NotOpen, "lsm: db is closed")

func (db *DB) checkWritable() error {
	if db.closed {
		return ErrClosed
	}
	if atomic.LoadInt32(&db.errored) == 1 {
		return lsmerrors.New(lsmerrors.Errored, "lsm: engine is in errored state after a write-path failure")
	}
	return nil
}

// Put assigns a new sequence number, appends a WAL record, and inserts
// into the active memtable, triggering a flush if the memtable's size
// threshold is reached.
func (db *DB) Put(key, value []byte) error {
	return db.mutate(entry.Entry{Key: key, Kind: entry.Put, Value: value})
}

// Delete always appends a tombstone, even for a key with no prior entry;
// it never checks for existence first.
func (db *DB) Delete(key []byte) error {
	return db.mutate(entry.Entry{Key: key, Kind: entry.Delete})
}

func (db *DB) mutate(e entry.Entry) error {
	db.mu.Lock()
	if err := db.checkWritable(); err != nil {
		db.mu.Unlock()
		return err
	}
	e.SeqNum = atomic.AddUint64(&db.nextSeq, 1) - 1

	mt := db.active
	if err := mt.Insert(e); err != nil {
		atomic.StoreInt32(&db.errored, 1)
		db.mu.Unlock()
		return err
	}
	needsFlush := mt.SizeBytes() >= db.opts.MemtableSizeThreshold && db.immutable == nil
	db.mu.Unlock()

	if needsFlush {
		return db.rotateAndFlush()
	}
	return nil
}

// Get consults the active memtable, then the immutable memtable (if any
// flush is in flight), then SSTables newest to oldest, stopping at the
// first definitive answer.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	e, found, err := db.getLatestEntry(key)
	if err != nil || !found || e.IsTombstone() {
		return nil, false, err
	}
	return append([]byte(nil), e.Value...), true, nil
}

func (db *DB) getLatestEntry(key []byte) (entry.Entry, bool, error) {
	db.mu.RLock()
	active := db.active
	immutable := db.immutable
	tables := make([]*sstable.Table, len(db.tables))
	copy(tables, db.tables)
	closed := db.closed
	db.mu.RUnlock()

	if closed {
		return entry.Entry{}, false, ErrClosed
	}

	if active != nil {
		if e, ok := active.GetLatest(key); ok {
			return e, true, nil
		}
	}
	if immutable != nil {
		if e, ok := immutable.GetLatest(key); ok {
			return e, true, nil
		}
	}
	for _, t := range tables {
		if !t.MayContain(key) {
			continue
		}
		e, found, err := t.GetLatest(key)
		if err != nil {
			return entry.Entry{}, false, err
		}
		if found {
			return e, true, nil
		}
	}
	return entry.Entry{}, false, nil
}

// GetAll concatenates every version of key across the active memtable,
// the immutable memtable, and each SSTable in read order, tombstones
// included.
func (db *DB) GetAll(key []byte) ([]entry.Entry, error) {
	db.mu.RLock()
	active := db.active
	immutable := db.immutable
	tables := make([]*sstable.Table, len(db.tables))
	copy(tables, db.tables)
	closed := db.closed
	db.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	var all []entry.Entry
	if active != nil {
		all = append(all, active.GetAll(key)...)
	}
	if immutable != nil {
		all = append(all, immutable.GetAll(key)...)
	}
	for _, t := range tables {
		if !t.MayContain(key) {
			continue
		}
		it, err := t.NewIterator()
		if err != nil {
			return nil, err
		}
		for ; it.Valid(); it.Next() {
			c := entry.Compare(it.Entry().Key, 0, key, 0)
			if c > 0 {
				break
			}
			if c == 0 {
				all = append(all, it.Entry())
			}
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// scanSources builds the newest-to-oldest source list the merge iterator
// walks: active memtable, immutable memtable, then SSTables.
func (db *DB) scanSources() ([]sstable.Source, func(), error) {
	db.mu.RLock()
	active := db.active
	immutable := db.immutable
	tables := make([]*sstable.Table, len(db.tables))
	copy(tables, db.tables)
	closed := db.closed
	db.mu.RUnlock()

	if closed {
		return nil, nil, ErrClosed
	}

	var sources []sstable.Source
	if active != nil {
		sources = append(sources, active.NewIterator())
	}
	if immutable != nil {
		sources = append(sources, immutable.NewIterator())
	}
	for _, t := range tables {
		it, err := t.NewIterator()
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, it)
	}
	return sources, func() {}, nil
}

// ScanLive returns a merge iterator yielding each live key's newest
// value once, with tombstoned keys skipped.
func (db *DB) ScanLive() (*sstable.MergeIterator, error) {
	sources, _, err := db.scanSources()
	if err != nil {
		return nil, err
	}
	return sstable.NewMergeIterator(sources, sstable.ScanLive), nil
}

// ScanAllVersions returns a merge iterator yielding every version of
// every key.
func (db *DB) ScanAllVersions() (*sstable.MergeIterator, error) {
	sources, _, err := db.scanSources()
	if err != nil {
		return nil, err
	}
	return sstable.NewMergeIterator(sources, sstable.ScanAllVersions), nil
}

// Flush freezes the current memtable (if non-empty) and flushes it
// synchronously, regardless of the size threshold.
func (db *DB) Flush() error {
	db.mu.Lock()
	if err := db.checkWritable(); err != nil {
		db.mu.Unlock()
		return err
	}
	if db.active.SizeBytes() == 0 {
		db.mu.Unlock()
		return nil
	}
	db.mu.Unlock()
	return db.rotateAndFlush()
}

// rotateAndFlush freezes the active memtable, installs a fresh one, and
// flushes the frozen one synchronously. Flushing synchronously rather
// than in the background keeps the single mutation gate's snapshot
// consistency trivial to reason about: by the time Put/Flush returns,
// the new SSTable is already visible to readers.
func (db *DB) rotateAndFlush() error {
	db.mu.Lock()
	if db.immutable != nil {
		// A flush is already in flight; the caller's threshold check
		// raced with it. Nothing to do.
		db.mu.Unlock()
		return nil
	}
	if err := db.active.Freeze(); err != nil {
		db.mu.Unlock()
		return err
	}
	frozen := db.active
	walPath := frozen.WALPath()
	db.immutable = frozen

	walN := atomic.AddUint64(&db.walSeq, 1) - 1
	newActive, err := db.newMemtable(db.walPath(walN))
	if err != nil {
		db.immutable = nil
		db.mu.Unlock()
		return err
	}
	db.active = newActive
	db.mu.Unlock()

	return db.flushMemtableSync(frozen, walPath)
}

// flushMemtableSync implements the flush protocol's steps 2-5 (spec
// §4.7), numbered by the crash point each step establishes.
func (db *DB) flushMemtableSync(mt *memtable.Memtable, walPath string) error {
	start := time.Now()
	defer func() { db.metrics.FlushSeconds.Observe(time.Since(start).Seconds()) }()

	id := atomic.AddUint64(&db.nextSSTableID, 1) - 1
	finalPath := db.sstablePath(id)
	tmpPath := finalPath + ".tmp"

	w, err := sstable.Create(tmpPath, db.pageSize, uint32(estimateEntryCount(mt)))
	if err != nil {
		return err
	}
	if err := w.WriteFromIterator(mt.NewIterator()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := w.Finish(); err != nil { // (C1): blocks, index, footer fsynced
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil { // (C2)
		os.Remove(tmpPath)
		return lsmerrors.Wrap(lsmerrors.Io, err, "rename sstable into place")
	}
	if err := fsyncDir(db.dataDir); err != nil {
		return err
	}

	table, err := sstable.Open(finalPath, db.pageSize, db.pool)
	if err != nil {
		return err
	}

	db.mu.Lock()
	newIDs := make([]uint64, 0, len(db.tables)+1)
	for i := len(db.tables) - 1; i >= 0; i-- {
		id, _ := parseSSTableID(db.tables[i].Path())
		newIDs = append(newIDs, id)
	}
	tableID, _ := parseSSTableID(table.Path())
	newIDs = append(newIDs, tableID)
	db.tables = append([]*sstable.Table{table}, db.tables...)
	if db.immutable == mt {
		db.immutable = nil
	}
	nextSeq := atomic.LoadUint64(&db.nextSeq)
	shouldCompact := db.opts.CompactionTrigger > 0 && len(db.tables) >= db.opts.CompactionTrigger
	db.mu.Unlock()

	man := &manifest.Manifest{PageSize: db.pageSize, NextSeq: nextSeq, SSTableIDs: newIDs}
	if err := man.Save(db.dataDir); err != nil { // (C3)
		return err
	}

	if err := mt.Close(); err != nil {
		return err
	}
	if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) { // (C4)
		return lsmerrors.Wrap(lsmerrors.Io, err, "remove rotated wal")
	}
	if err := fsyncDir(db.dataDir); err != nil {
		return err
	}

	db.metrics.FlushTotal.Inc()
	db.metrics.LiveSSTables.Set(float64(len(newIDs)))

	if shouldCompact {
		db.compactWg.Add(1)
		go func() {
			defer db.compactWg.Done()
			db.compact()
		}()
	}
	return nil
}

func estimateEntryCount(mt *memtable.Memtable) int {
	it := mt.NewIterator()
	n := 0
	for it.Valid() {
		n++
		it.Next()
	}
	if n == 0 {
		n = 1
	}
	return n
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "open data dir for fsync")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "fsync data dir")
	}
	return nil
}
