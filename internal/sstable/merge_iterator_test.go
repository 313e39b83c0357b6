package sstable

import (
	"path/filepath"
	"testing"

	"github.com/solidkv/lsmdb/internal/entry"
	"github.com/solidkv/lsmdb/internal/memtable"
)

func buildVersionedMemtable(t *testing.T, dir, name string, entries []entry.Entry) *memtable.Memtable {
	t.Helper()
	mt, err := memtable.New(filepath.Join(dir, name), true)
	if err != nil {
		t.Fatalf("new memtable: %v", err)
	}
	for _, e := range entries {
		if err := mt.Insert(e); err != nil {
			t.Fatalf("insert %+v: %v", e, err)
		}
	}
	return mt
}

func TestScanAllVersionsReturnsEveryVersion(t *testing.T) {
	dir := t.TempDir()
	mt := buildVersionedMemtable(t, dir, "a.wal", []entry.Entry{
		{Key: []byte("k"), SeqNum: 1, Kind: entry.Put, Value: []byte("v1")},
		{Key: []byte("k"), SeqNum: 2, Kind: entry.Put, Value: []byte("v2")},
	})
	defer mt.Close()

	mi := NewMergeIterator([]Source{mt.NewIterator()}, ScanAllVersions)

	var got []entry.Entry
	for mi.Valid() {
		got = append(got, mi.Entry())
		mi.Next()
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 versions, got %d: %+v", len(got), got)
	}
	if got[0].SeqNum != 2 || string(got[0].Value) != "v2" {
		t.Errorf("expected newest version first, got %+v", got[0])
	}
	if got[1].SeqNum != 1 || string(got[1].Value) != "v1" {
		t.Errorf("expected older version second, got %+v", got[1])
	}
}

func TestScanAllVersionsAcrossSources(t *testing.T) {
	dir := t.TempDir()
	newer := buildVersionedMemtable(t, dir, "newer.wal", []entry.Entry{
		{Key: []byte("k"), SeqNum: 3, Kind: entry.Delete},
	})
	older := buildVersionedMemtable(t, dir, "older.wal", []entry.Entry{
		{Key: []byte("k"), SeqNum: 1, Kind: entry.Put, Value: []byte("v1")},
	})
	defer newer.Close()
	defer older.Close()

	mi := NewMergeIterator([]Source{newer.NewIterator(), older.NewIterator()}, ScanAllVersions)

	var got []entry.Entry
	for mi.Valid() {
		got = append(got, mi.Entry())
		mi.Next()
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 versions across sources, got %d: %+v", len(got), got)
	}
	if got[0].SeqNum != 3 || !got[0].IsTombstone() {
		t.Errorf("expected newest (tombstone) version first, got %+v", got[0])
	}
	if got[1].SeqNum != 1 || string(got[1].Value) != "v1" {
		t.Errorf("expected older version second, got %+v", got[1])
	}
}

func TestScanLiveDedupsAndSkipsTombstones(t *testing.T) {
	dir := t.TempDir()
	newer := buildVersionedMemtable(t, dir, "newer.wal", []entry.Entry{
		{Key: []byte("deleted"), SeqNum: 4, Kind: entry.Delete},
		{Key: []byte("live"), SeqNum: 3, Kind: entry.Put, Value: []byte("v2")},
	})
	older := buildVersionedMemtable(t, dir, "older.wal", []entry.Entry{
		{Key: []byte("deleted"), SeqNum: 2, Kind: entry.Put, Value: []byte("gone")},
		{Key: []byte("live"), SeqNum: 1, Kind: entry.Put, Value: []byte("v1")},
	})
	defer newer.Close()
	defer older.Close()

	mi := NewMergeIterator([]Source{newer.NewIterator(), older.NewIterator()}, ScanLive)

	var got []entry.Entry
	for mi.Valid() {
		got = append(got, mi.Entry())
		mi.Next()
	}

	if len(got) != 1 {
		t.Fatalf("expected only the live key to survive, got %d: %+v", len(got), got)
	}
	if string(got[0].Key) != "live" || string(got[0].Value) != "v2" {
		t.Errorf("expected newest live version of 'live', got %+v", got[0])
	}
}
