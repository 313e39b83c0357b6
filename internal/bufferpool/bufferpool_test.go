package bufferpool

import (
	"testing"

	"github.com/solidkv/lsmdb/internal/page"
)

type fakePager struct {
	reads   int
	writes  int
	content map[page.ID]string
}

func newFakePager() *fakePager {
	return &fakePager{content: make(map[page.ID]string)}
}

func (f *fakePager) ReadPage(id page.ID) (*page.Page, error) {
	f.reads++
	return &page.Page{ID: id, Kind: page.KindData, Payload: []byte(f.content[id])}, nil
}

func (f *fakePager) WritePage(id page.ID, p *page.Page) error {
	f.writes++
	f.content[id] = string(p.Payload)
	return nil
}

func TestPinCachesAcrossCalls(t *testing.T) {
	pool := New(4)
	pager := newFakePager()
	pager.content[1] = "a"

	h1, err := pool.Pin("t", pager, 1)
	if err != nil {
		t.Fatal(err)
	}
	h1.Unpin(false)

	h2, err := pool.Pin("t", pager, 1)
	if err != nil {
		t.Fatal(err)
	}
	h2.Unpin(false)

	if pager.reads != 1 {
		t.Errorf("expected a single underlying read, got %d", pager.reads)
	}
}

func TestOnHitOnMissCallbacks(t *testing.T) {
	pool := New(4)
	pager := newFakePager()
	var hits, misses int
	pool.OnHit = func() { hits++ }
	pool.OnMiss = func() { misses++ }

	h1, _ := pool.Pin("t", pager, 1)
	h1.Unpin(false)
	h2, _ := pool.Pin("t", pager, 1)
	h2.Unpin(false)

	if misses != 1 || hits != 1 {
		t.Errorf("expected 1 miss and 1 hit, got misses=%d hits=%d", misses, hits)
	}
}

func TestDirtyFrameWrittenBackBeforeEviction(t *testing.T) {
	pool := New(1)
	pager := newFakePager()

	h1, err := pool.Pin("t", pager, 1)
	if err != nil {
		t.Fatal(err)
	}
	h1.Page().Payload = []byte("dirty-value")
	h1.Unpin(true)

	// Pinning a second page forces eviction of the only frame.
	if _, err := pool.Pin("t", pager, 2); err != nil {
		t.Fatal(err)
	}

	if pager.writes != 1 {
		t.Errorf("expected dirty frame to be written back once before eviction, got %d writes", pager.writes)
	}
	if pager.content[1] != "dirty-value" {
		t.Errorf("expected written-back content to match, got %q", pager.content[1])
	}
}

func TestPinnedFrameIsNotEvicted(t *testing.T) {
	pool := New(1)
	pager := newFakePager()

	h1, err := pool.Pin("t", pager, 1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pool.Pin("t", pager, 2); err == nil {
		t.Error("expected pinning a second page with no free frames to fail")
	}

	h1.Unpin(false)
}

func TestEvictDropsOwnerFrames(t *testing.T) {
	pool := New(4)
	pager := newFakePager()

	h, err := pool.Pin("owner-a", pager, 1)
	if err != nil {
		t.Fatal(err)
	}
	h.Unpin(false)

	pool.Evict("owner-a")

	if _, ok := pool.index[Key{Owner: "owner-a", ID: 1}]; ok {
		t.Error("expected evicted owner's frame to be removed from the index")
	}
}

func TestFlushAllWritesBackDirtyFrames(t *testing.T) {
	pool := New(4)
	pager := newFakePager()

	h, err := pool.Pin("t", pager, 1)
	if err != nil {
		t.Fatal(err)
	}
	h.Page().Payload = []byte("v")
	h.Unpin(true)

	if err := pool.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if pager.writes != 1 {
		t.Errorf("expected FlushAll to write back the dirty frame, got %d writes", pager.writes)
	}
	if pool.frames[0].dirty {
		t.Error("expected frame to be clean after FlushAll")
	}
}
