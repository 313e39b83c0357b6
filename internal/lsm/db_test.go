package lsm

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/solidkv/lsmdb/internal/sstable"
)

// TestFlushRemovesRotatedWAL verifies that once a memtable is flushed its
// backing WAL segment is removed and a fresh active WAL remains. Flushing
// is synchronous here, so there is nothing to poll for.
func TestFlushRemovesRotatedWAL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := Open(Options{DataDir: dir, MemtableSizeThreshold: 1 << 20})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		if err := db.Put(key, make([]byte, 1024)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	walFiles, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(walFiles) != 1 {
		t.Errorf("expected exactly 1 wal file (the new active one) after flush, found %d: %v", len(walFiles), walFiles)
	}

	sstFiles, err := filepath.Glob(filepath.Join(dir, "sst-*.dat"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sstFiles) != 1 {
		t.Errorf("expected exactly 1 sstable after flush, found %d", len(sstFiles))
	}
}

// TestMultipleFlushesKeepAtMostOneWAL exercises three flush rounds and
// verifies the WAL count never exceeds one and every round's data stays
// readable.
func TestMultipleFlushesKeepAtMostOneWAL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			key := []byte(fmt.Sprintf("round-%d-key-%03d", round, i))
			if err := db.Put(key, []byte("value")); err != nil {
				t.Fatalf("put round %d: %v", round, err)
			}
		}
		if err := db.Flush(); err != nil {
			t.Fatalf("flush round %d: %v", round, err)
		}
	}

	walFiles, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(walFiles) > 1 {
		t.Errorf("expected at most 1 wal file, found %d: %v", len(walFiles), walFiles)
	}

	sstFiles, err := filepath.Glob(filepath.Join(dir, "sst-*.dat"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sstFiles) != 3 {
		t.Errorf("expected 3 sstables (one per round), found %d", len(sstFiles))
	}

	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			key := []byte(fmt.Sprintf("round-%d-key-%03d", round, i))
			val, found, err := db.Get(key)
			if err != nil || !found || string(val) != "value" {
				t.Errorf("round %d key %d: expected (value,true,nil), got (%q,%v,%v)", round, i, val, found, err)
			}
		}
	}
}

// TestReopenRecoversUnflushedWrites verifies durability across a close
// and reopen: writes still in the active memtable at close time are
// flushed to an SSTable by Close and served from it after reopen.
func TestReopenRecoversUnflushedWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		val, found, err := db2.Get([]byte(k))
		if err != nil || !found || string(val) != want {
			t.Errorf("key %q: expected (%q,true,nil), got (%q,%v,%v)", k, want, val, found, err)
		}
	}
}

// TestDeleteIsVisibleAcrossReopen verifies a tombstone survives a
// flush-and-reopen cycle and keeps shadowing the value in the SSTable.
func TestDeleteIsVisibleAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("gone"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete([]byte("gone")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	_, found, err := db2.Get([]byte("gone"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Errorf("expected tombstoned key to be absent after reopen")
	}
}

// TestOrphanSSTableCleanedUpOnOpen simulates a crash between writing a new
// SSTable file and committing the manifest: the file is on disk but
// unreferenced, and Open must remove it rather than treat it as live.
func TestOrphanSSTableCleanedUpOnOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	orphanPath := filepath.Join(dir, "sst-999.dat")
	w, err := sstable.Create(orphanPath, DefaultPageSize, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen with orphan present: %v", err)
	}
	defer db2.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "sst-999.dat"))
	if len(matches) != 0 {
		t.Errorf("expected orphan sstable to be removed on open, still present: %v", matches)
	}
}

// TestSeqNumMonotonicAcrossRestart verifies sequence numbers keep
// increasing after a reopen rather than resetting or colliding.
func TestSeqNumMonotonicAcrossRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	firstSeq := db.nextSeq
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if err := db2.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if db2.nextSeq <= firstSeq {
		t.Errorf("expected next seq to keep advancing across restart, had %d before close, %d after", firstSeq, db2.nextSeq)
	}

	all, err := db2.GetAll([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || string(all[0].Value) != "v2" {
		t.Fatalf("expected newest version v2 first, got %+v", all)
	}
}
