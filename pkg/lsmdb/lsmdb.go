// Package lsmdb is the embeddable, ordered key-value store's public
// library surface, backed by the internal LSM engine. Every method here
// operates on raw bytes rather than strings.
package lsmdb

import (
	"github.com/solidkv/lsmdb/internal/entry"
	"github.com/solidkv/lsmdb/internal/lsm"
	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

// ErrNotFound is returned by Get when the key has no live value.
var ErrNotFound = lsmerrors.New(lsmerrors.InvalidArgument, "lsmdb: key not found")

// ErrClosed is returned by every method once Close has returned.
var ErrClosed = lsm.ErrClosed

// Options configures a database at Open. It is a direct re-export of the
// internal engine's Options so callers never need to import an internal
// package.
type Options = lsm.Options

// Version is one historical value of a key, as returned by GetAll.
type Version struct {
	SeqNum    uint64
	Tombstone bool
	Value     []byte
}

// DB is an open handle onto one database directory. The zero value is
// not usable; construct with Open.
type DB struct {
	engine *lsm.DB
}

// Open opens (or creates) a database at opts.DataDir.
func Open(opts Options) (*DB, error) {
	engine, err := lsm.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{engine: engine}, nil
}

// Close flushes any buffered writes and releases every open file handle.
func (db *DB) Close() error {
	return db.engine.Close()
}

// Put stores value under key, superseding any earlier version.
func (db *DB) Put(key, value []byte) error {
	return db.engine.Put(key, value)
}

// Delete appends a tombstone for key. It always succeeds, even if key
// has no live value, since a tombstone records the deletion event itself.
func (db *DB) Delete(key []byte) error {
	return db.engine.Delete(key)
}

// Get returns key's current live value. ErrNotFound is returned if the
// key has never been written or its newest version is a tombstone.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, found, err := db.engine.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return val, nil
}

// GetAll returns every version of key across the engine, newest first,
// tombstones included, giving callers the full history for a
// point-in-time audit.
func (db *DB) GetAll(key []byte) ([]Version, error) {
	entries, err := db.engine.GetAll(key)
	if err != nil {
		return nil, err
	}
	versions := make([]Version, len(entries))
	for i, e := range entries {
		versions[i] = Version{SeqNum: e.SeqNum, Tombstone: e.IsTombstone(), Value: e.Value}
	}
	return versions, nil
}

// Cursor walks a scan in key order. Advance with Next; read the current
// entry with Key/Value/Tombstone/SeqNum while Valid is true.
type Cursor struct {
	it interface {
		Valid() bool
		Entry() entry.Entry
		Next()
	}
}

func (c *Cursor) Valid() bool     { return c.it.Valid() }
func (c *Cursor) Next()           { c.it.Next() }
func (c *Cursor) Key() []byte     { return c.it.Entry().Key }
func (c *Cursor) Value() []byte   { return c.it.Entry().Value }
func (c *Cursor) SeqNum() uint64  { return c.it.Entry().SeqNum }
func (c *Cursor) Tombstone() bool { return c.it.Entry().IsTombstone() }

// ScanLive returns a cursor over every live key's newest value, in key
// order, tombstoned keys omitted.
func (db *DB) ScanLive() (*Cursor, error) {
	it, err := db.engine.ScanLive()
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it}, nil
}

// ScanAllVersions returns a cursor over every version of every key, in
// (key ascending, seq_num descending) order.
func (db *DB) ScanAllVersions() (*Cursor, error) {
	it, err := db.engine.ScanAllVersions()
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it}, nil
}

// Flush forces the active memtable to disk as a new SSTable immediately,
// regardless of its size.
func (db *DB) Flush() error {
	return db.engine.Flush()
}
