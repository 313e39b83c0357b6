package memtable

import (
	"testing"

	"github.com/solidkv/lsmdb/internal/entry"
)

func TestSkipListMultiVersion(t *testing.T) {
	sl := newSkipList()

	sl.insert(entry.Entry{Key: []byte("k"), SeqNum: 1, Kind: entry.Put, Value: []byte("v1")})
	sl.insert(entry.Entry{Key: []byte("k"), SeqNum: 2, Kind: entry.Put, Value: []byte("v2")})
	sl.insert(entry.Entry{Key: []byte("k"), SeqNum: 3, Kind: entry.Put, Value: []byte("v3")})

	latest, ok := sl.getLatest([]byte("k"))
	if !ok || string(latest.Value) != "v3" {
		t.Fatalf("expected latest v3, got %+v ok=%v", latest, ok)
	}

	all := sl.getAll([]byte("k"))
	if len(all) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(all))
	}
	wantSeq := []uint64{3, 2, 1}
	for i, e := range all {
		if e.SeqNum != wantSeq[i] {
			t.Errorf("version %d: expected seq %d, got %d", i, wantSeq[i], e.SeqNum)
		}
	}
}

func TestSkipListGetMissing(t *testing.T) {
	sl := newSkipList()
	sl.insert(entry.Entry{Key: []byte("a"), SeqNum: 1, Kind: entry.Put, Value: []byte("1")})

	if _, ok := sl.getLatest([]byte("missing")); ok {
		t.Error("expected missing key to not be found")
	}
}

func TestSkipListIterationOrder(t *testing.T) {
	sl := newSkipList()
	sl.insert(entry.Entry{Key: []byte("b"), SeqNum: 1, Kind: entry.Put, Value: []byte("1")})
	sl.insert(entry.Entry{Key: []byte("a"), SeqNum: 2, Kind: entry.Put, Value: []byte("2")})
	sl.insert(entry.Entry{Key: []byte("a"), SeqNum: 1, Kind: entry.Put, Value: []byte("1")})

	it := sl.newIterator()
	var keys []string
	var seqs []uint64
	for it.Valid() {
		keys = append(keys, string(it.Entry().Key))
		seqs = append(seqs, it.Entry().SeqNum)
		it.Next()
	}

	wantKeys := []string{"a", "a", "b"}
	wantSeqs := []uint64{2, 1, 1}
	if len(keys) != len(wantKeys) {
		t.Fatalf("expected %d entries, got %d", len(wantKeys), len(keys))
	}
	for i := range keys {
		if keys[i] != wantKeys[i] || seqs[i] != wantSeqs[i] {
			t.Errorf("entry %d: got (%s,%d) want (%s,%d)", i, keys[i], seqs[i], wantKeys[i], wantSeqs[i])
		}
	}
}

func TestSkipListTombstone(t *testing.T) {
	sl := newSkipList()
	sl.insert(entry.Entry{Key: []byte("k"), SeqNum: 1, Kind: entry.Put, Value: []byte("v")})
	sl.insert(entry.Entry{Key: []byte("k"), SeqNum: 2, Kind: entry.Delete})

	latest, ok := sl.getLatest([]byte("k"))
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if !latest.IsTombstone() {
		t.Errorf("expected latest version to be a tombstone, got %+v", latest)
	}
}
