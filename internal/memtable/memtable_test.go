package memtable

import (
	"path/filepath"
	"testing"

	"github.com/solidkv/lsmdb/internal/entry"
)

func TestMemtablePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	mt, err := New(filepath.Join(dir, "active.wal"), true)
	if err != nil {
		t.Fatalf("new memtable: %v", err)
	}
	defer mt.Close()

	if err := mt.Insert(entry.Entry{Key: []byte("a"), SeqNum: 1, Kind: entry.Put, Value: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(entry.Entry{Key: []byte("a"), SeqNum: 2, Kind: entry.Delete}); err != nil {
		t.Fatal(err)
	}

	latest, ok := mt.GetLatest([]byte("a"))
	if !ok || !latest.IsTombstone() {
		t.Fatalf("expected tombstone, got %+v ok=%v", latest, ok)
	}

	all := mt.GetAll([]byte("a"))
	if len(all) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(all))
	}
	if all[0].Kind != entry.Delete || all[1].Kind != entry.Put {
		t.Errorf("expected [Delete, Put], got [%v, %v]", all[0].Kind, all[1].Kind)
	}
}

func TestMemtableRecoverFromWAL(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "active.wal")

	mt, err := New(walPath, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(entry.Entry{Key: []byte("x"), SeqNum: 1, Kind: entry.Put, Value: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(entry.Entry{Key: []byte("y"), SeqNum: 2, Kind: entry.Put, Value: []byte("2")}); err != nil {
		t.Fatal(err)
	}
	if err := mt.Close(); err != nil {
		t.Fatal(err)
	}

	mt2, err := New(walPath, true)
	if err != nil {
		t.Fatalf("reopen memtable: %v", err)
	}
	defer mt2.Close()

	x, ok := mt2.GetLatest([]byte("x"))
	if !ok || string(x.Value) != "1" {
		t.Fatalf("expected recovered x=1, got %+v ok=%v", x, ok)
	}
	y, ok := mt2.GetLatest([]byte("y"))
	if !ok || string(y.Value) != "2" {
		t.Fatalf("expected recovered y=2, got %+v ok=%v", y, ok)
	}
}

func TestMemtableFreezeRejectsInsert(t *testing.T) {
	dir := t.TempDir()
	mt, err := New(filepath.Join(dir, "active.wal"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	if err := mt.Freeze(); err != nil {
		t.Fatal(err)
	}
	err = mt.Insert(entry.Entry{Key: []byte("a"), SeqNum: 1, Kind: entry.Put, Value: []byte("1")})
	if err != ErrFrozen {
		t.Errorf("expected ErrFrozen, got %v", err)
	}
}

func TestMemtableSizeAccounting(t *testing.T) {
	dir := t.TempDir()
	mt, err := New(filepath.Join(dir, "active.wal"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	if mt.SizeBytes() != 0 {
		t.Fatalf("expected 0 initial size, got %d", mt.SizeBytes())
	}
	if err := mt.Insert(entry.Entry{Key: []byte("k"), SeqNum: 1, Kind: entry.Put, Value: []byte("value")}); err != nil {
		t.Fatal(err)
	}
	if mt.SizeBytes() <= 0 {
		t.Errorf("expected positive size after insert, got %d", mt.SizeBytes())
	}
}
