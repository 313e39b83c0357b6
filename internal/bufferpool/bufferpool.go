// Package bufferpool implements the fixed-capacity page cache shared by
// every SSTable in the database: pin/unpin with refcounting, clock-sweep
// replacement, and write-back of dirty frames before eviction.
package bufferpool

import (
	"sync"

	"github.com/solidkv/lsmdb/internal/lsmerrors"
	"github.com/solidkv/lsmdb/internal/page"
)

// Pager is anything the pool can fault pages in from and write them back
// to. An *page.File satisfies this; the pool is namespaced by owner so a
// single pool can back many page files (every live SSTable) at once —
// the bounded cache is database-wide, not per-file.
type Pager interface {
	ReadPage(id page.ID) (*page.Page, error)
	WritePage(id page.ID, p *page.Page) error
}

// Key identifies a page uniquely across every owner sharing the pool.
type Key struct {
	Owner string
	ID    page.ID
}

type frame struct {
	key     Key
	pager   Pager
	p       *page.Page
	pinned  int
	refBit  bool
	dirty   bool
	valid   bool
}

// Pool is a bounded, clock-sweep page cache. The zero value is not usable;
// construct with New.
type Pool struct {
	mu     sync.Mutex
	frames []frame
	index  map[Key]int // key -> frame slot
	hand   int

	// OnHit and OnMiss, when set, are invoked on every Pin that finds (or
	// doesn't find) the page already cached — the coordinator wires
	// these to its Prometheus counters; nil is safe and does nothing.
	OnHit  func()
	OnMiss func()
}

// New creates a pool with the given number of frames (buffer_pool_frames,
// default 1024).
func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		frames: make([]frame, capacity),
		index:  make(map[Key]int, capacity),
	}
}

// Handle is a pinned reference to a page. The caller must call Unpin
// exactly once per Pin.
type Handle struct {
	pool *Pool
	slot int
	key  Key
}

// Page returns the pinned page's contents. The contract guarantees this
// is byte-identical to the latest durable write of that page id — the
// frame cannot be evicted or overwritten while pinned.
func (h *Handle) Page() *page.Page {
	return h.pool.frames[h.slot].p
}

// Pin faults the page in if absent and returns a pinned handle. A
// double-pin of the same (owner, id) increments the refcount and returns
// a handle to the same frame.
func (p *Pool) Pin(owner string, pager Pager, id page.ID) (*Handle, error) {
	key := Key{Owner: owner, ID: id}

	p.mu.Lock()
	if slot, ok := p.index[key]; ok {
		p.frames[slot].pinned++
		p.frames[slot].refBit = true
		p.mu.Unlock()
		p.hit()
		return &Handle{pool: p, slot: slot, key: key}, nil
	}

	slot, err := p.evictLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	p.miss()

	pg, err := pager.ReadPage(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// Another goroutine may have raced us into the same slot's key
	// before we re-acquired the lock; re-check the index.
	if existing, ok := p.index[key]; ok {
		p.frames[existing].pinned++
		p.frames[existing].refBit = true
		p.mu.Unlock()
		return &Handle{pool: p, slot: existing, key: key}, nil
	}

	delete(p.index, p.frames[slot].key)
	p.frames[slot] = frame{key: key, pager: pager, p: pg, pinned: 1, refBit: true, valid: true}
	p.index[key] = slot
	p.mu.Unlock()

	return &Handle{pool: p, slot: slot, key: key}, nil
}

func (p *Pool) hit() {
	if p.OnHit != nil {
		p.OnHit()
	}
}

func (p *Pool) miss() {
	if p.OnMiss != nil {
		p.OnMiss()
	}
}

// evictLocked finds a frame for a new page using the clock algorithm: the
// hand advances, clearing reference bits, until it finds an unset and
// unpinned frame. Must be called with p.mu held.
func (p *Pool) evictLocked() (int, error) {
	n := len(p.frames)
	for scanned := 0; scanned < 2*n+1; scanned++ {
		slot := p.hand
		p.hand = (p.hand + 1) % n
		f := &p.frames[slot]

		if !f.valid {
			return slot, nil
		}
		if f.pinned > 0 {
			continue
		}
		if f.refBit {
			f.refBit = false
			continue
		}
		if f.dirty {
			if err := f.pager.WritePage(f.key.ID, f.p); err != nil {
				return 0, err
			}
		}
		delete(p.index, f.key)
		return slot, nil
	}
	return 0, lsmerrors.New(lsmerrors.Io, "buffer pool exhausted: all frames pinned")
}

// Unpin releases a handle. If dirty is true the frame is marked for
// write-back before it can next be evicted.
func (h *Handle) Unpin(dirty bool) {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	f := &h.pool.frames[h.slot]
	if f.key != h.key {
		// frame was reused (shouldn't happen while properly pinned); no-op
		return
	}
	if f.pinned > 0 {
		f.pinned--
	}
	if dirty {
		f.dirty = true
	}
}

// FlushAll writes back every dirty, valid frame without evicting it.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.frames {
		f := &p.frames[i]
		if f.valid && f.dirty {
			if err := f.pager.WritePage(f.key.ID, f.p); err != nil {
				return err
			}
			f.dirty = false
		}
	}
	return nil
}

// Evict drops every frame owned by owner from the pool without writing
// them back. Used when an SSTable file is deleted (compaction, orphan
// cleanup) so stale frames can't be faulted back out under a reused id.
func (p *Pool) Evict(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.frames {
		f := &p.frames[i]
		if f.valid && f.key.Owner == owner {
			delete(p.index, f.key)
			*f = frame{}
		}
	}
}
