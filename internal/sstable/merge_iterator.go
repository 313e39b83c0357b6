package sstable

import (
	"bytes"
	"container/heap"

	"github.com/solidkv/lsmdb/internal/entry"
)

// Source is anything MergeIterator can fold in: memtable.Iterator and
// *TableIterator both satisfy it, so one merge walks the active memtable,
// any immutable memtables, and every on-disk SSTable uniformly.
type Source interface {
	Valid() bool
	Entry() entry.Entry
	Next()
}

// ScanMode selects whether the merge surfaces every version it sees
// (scan_all_versions) or only the newest live version per key, with
// tombstoned keys dropped entirely (scan_live).
type ScanMode int

const (
	ScanLive ScanMode = iota
	ScanAllVersions
)

type heapItem struct {
	src      Source
	priority int // lower priority wins ties at equal (key, seq_num)
	e        entry.Entry
}

type sourceHeap []*heapItem

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	c := entry.Compare(a.e.Key, a.e.SeqNum, b.e.Key, b.e.SeqNum)
	if c != 0 {
		return c < 0
	}
	return a.priority < b.priority
}
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator performs a k-way merge across every Source, ordered
// (key asc, seq_num desc). Sources must be supplied newest-to-oldest:
// the active memtable first, then immutable memtables, then SSTables
// from most to least recently flushed — priority breaks ties when two
// sources hold the exact same (key, seq_num) pair, which cannot happen
// under normal operation since seq_num is globally unique, but keeps the
// merge deterministic under a corrupted or replayed input.
type MergeIterator struct {
	h     sourceHeap
	mode  ScanMode
	cur   entry.Entry
	valid bool
}

// NewMergeIterator builds a merge over sources, newest-first.
func NewMergeIterator(sources []Source, mode ScanMode) *MergeIterator {
	mi := &MergeIterator{mode: mode}
	mi.h = make(sourceHeap, 0, len(sources))
	for i, s := range sources {
		if s.Valid() {
			mi.h = append(mi.h, &heapItem{src: s, priority: i, e: s.Entry()})
		}
	}
	heap.Init(&mi.h)
	mi.advance()
	return mi
}

// advance pops the next entry the scan mode cares about.
func (mi *MergeIterator) advance() {
	if mi.mode == ScanAllVersions {
		mi.advanceOne()
		return
	}
	mi.advanceLiveKey()
}

// advanceOne pops exactly the single newest-ordered heap entry and
// advances only its source, so every distinct (key, seq_num) version
// across every source is surfaced in turn — scan_all_versions must emit
// every version, not just the newest per key.
func (mi *MergeIterator) advanceOne() {
	if mi.h.Len() == 0 {
		mi.valid = false
		return
	}
	item := heap.Pop(&mi.h).(*heapItem)
	mi.cur = item.e
	mi.valid = true

	item.src.Next()
	if item.src.Valid() {
		heap.Push(&mi.h, &heapItem{src: item.src, priority: item.priority, e: item.src.Entry()})
	}
}

// advanceLiveKey pops the next distinct key, draining every source's
// version of it (the heap orders (key asc, seq_num desc), so the first
// item popped for a key is already its newest version; every further
// pop for the same key is strictly older and only needs to be drained,
// not compared), then skips the key entirely if its newest version is a
// tombstone.
func (mi *MergeIterator) advanceLiveKey() {
	for {
		if mi.h.Len() == 0 {
			mi.valid = false
			return
		}
		top := mi.h[0]
		key := append([]byte(nil), top.e.Key...)
		newest := top.e

		for mi.h.Len() > 0 && bytes.Equal(mi.h[0].e.Key, key) {
			item := heap.Pop(&mi.h).(*heapItem)
			item.src.Next()
			if item.src.Valid() {
				heap.Push(&mi.h, &heapItem{src: item.src, priority: item.priority, e: item.src.Entry()})
			}
		}

		mi.cur = newest
		mi.valid = true

		if mi.cur.IsTombstone() {
			continue // scan_live: skip deleted keys entirely
		}
		return
	}
}

func (mi *MergeIterator) Valid() bool      { return mi.valid }
func (mi *MergeIterator) Entry() entry.Entry { return mi.cur }
func (mi *MergeIterator) Next()            { mi.advance() }
