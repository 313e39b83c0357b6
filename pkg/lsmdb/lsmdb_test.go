package lsmdb

import (
	"errors"
	"path/filepath"
	"testing"
)

func open(t *testing.T) *DB {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "test-db")
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func TestOpenClose(t *testing.T) {
	db := open(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPutGet(t *testing.T) {
	db := open(t)
	defer db.Close()

	if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, err := db.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("expected value1, got %s", val)
	}
}

func TestGetNotFound(t *testing.T) {
	db := open(t)
	defer db.Close()

	_, err := db.Get([]byte("nonexistent"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	db := open(t)
	defer db.Close()

	if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Delete([]byte("key1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := db.Get([]byte("key1"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteNonExistentIsNotAnError(t *testing.T) {
	db := open(t)
	defer db.Close()

	if err := db.Delete([]byte("nonexistent")); err != nil {
		t.Errorf("delete of nonexistent key should not error, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	db := open(t)
	defer db.Close()

	if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("key1"), []byte("value2")); err != nil {
		t.Fatal(err)
	}
	val, err := db.Get([]byte("key1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "value2" {
		t.Errorf("expected value2, got %s", val)
	}
}

func TestGetAllSurfacesTombstones(t *testing.T) {
	db := open(t)
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}

	versions, err := db.GetAll([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	if !versions[0].Tombstone {
		t.Errorf("expected newest version to be a tombstone, got %+v", versions[0])
	}
}

func TestScanLiveSkipsTombstonesAndOrdersByKey(t *testing.T) {
	db := open(t)
	defer db.Close()

	for _, k := range []string{"b", "a", "c"} {
		if err := db.Put([]byte(k), []byte(k+"-value")); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Delete([]byte("b")); err != nil {
		t.Fatal(err)
	}

	cur, err := db.ScanLive()
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for cur.Valid() {
		keys = append(keys, string(cur.Key()))
		cur.Next()
	}
	want := []string{"a", "c"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}

func TestFlushThenReopenIsDurable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test-db")
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("durable"), []byte("yes")); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get([]byte("durable"))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(val) != "yes" {
		t.Errorf("expected yes, got %s", val)
	}
}

func TestClosedDB(t *testing.T) {
	db := open(t)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if err := db.Put([]byte("key"), []byte("value")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := db.Delete([]byte("key")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := db.Get([]byte("key")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
