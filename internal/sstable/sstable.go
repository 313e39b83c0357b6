// Package sstable implements the immutable, sorted, page-backed table
// files an LSM tree flushes memtables into. A table is a sequence of
// data block pages, a block index, an optional bloom filter, and a
// trailing footer page — all read and written through the shared
// page.File/bufferpool machinery rather than raw byte offsets.
package sstable

import (
	"bytes"

	"golang.org/x/sync/errgroup"

	"github.com/solidkv/lsmdb/internal/bufferpool"
	"github.com/solidkv/lsmdb/internal/entry"
	"github.com/solidkv/lsmdb/internal/page"
	"github.com/solidkv/lsmdb/internal/wal"
)

// BloomFalsePositiveRate is the target false-positive rate for per-table
// bloom filters.
const BloomFalsePositiveRate = 0.01

// SourceIterator is anything sstable.WriteFromIterator can drain in
// (key asc, seq_num desc) order — satisfied by memtable.Iterator and by
// MergeIterator itself, so compaction can rewrite one table from others.
type SourceIterator interface {
	Valid() bool
	Entry() entry.Entry
	Next()
}

// Writer builds a single immutable SSTable file. Entries must be fed in
// (key asc, seq_num desc) order; the writer packs them into fixed-size
// data block pages, building a sparse block index as it goes.
type Writer struct {
	pf       *page.File
	index    BlockIndex
	bloom    *BloomFilter
	entries  uint64
	minSeq   uint64
	maxSeq   uint64
	haveSeq  bool
	smallest []byte
	largest  []byte

	curPageID   page.ID
	curBuf      bytes.Buffer
	curFirstKey []byte
	haveCur     bool
}

// Create makes a new, empty SSTable file at path.
func Create(path string, pageSize uint32, expectedEntries uint32) (*Writer, error) {
	pf, err := page.Create(path, pageSize)
	if err != nil {
		return nil, err
	}
	return &Writer{
		pf:    pf,
		bloom: NewBloomFilter(expectedEntries, BloomFalsePositiveRate),
	}, nil
}

func (w *Writer) dataCapacity() int {
	return int(w.pf.PageSize()) - page.HeaderSize
}

// Add appends one entry, flushing the current data block first if it
// would overflow the page payload.
func (w *Writer) Add(e entry.Entry) error {
	body := wal.EncodeEntry(e)
	// length-prefix each entry within the block so the reader can walk it
	// the same way wal.Load walks the log: [len(4)][body].
	var lenPrefix [4]byte
	putUint32(lenPrefix[:], uint32(len(body)))

	need := len(lenPrefix) + len(body)
	if w.haveCur && w.curBuf.Len()+need > w.dataCapacity() {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if !w.haveCur {
		id, err := w.pf.AllocatePage()
		if err != nil {
			return err
		}
		w.curPageID = id
		w.curFirstKey = append([]byte(nil), e.Key...)
		w.haveCur = true
	}
	w.curBuf.Write(lenPrefix[:])
	w.curBuf.Write(body)

	w.bloom.Add(e.Key)
	w.entries++
	if !w.haveSeq || e.SeqNum < w.minSeq {
		w.minSeq = e.SeqNum
	}
	if !w.haveSeq || e.SeqNum > w.maxSeq {
		w.maxSeq = e.SeqNum
	}
	w.haveSeq = true
	if w.smallest == nil || bytes.Compare(e.Key, w.smallest) < 0 {
		w.smallest = append([]byte(nil), e.Key...)
	}
	if w.largest == nil || bytes.Compare(e.Key, w.largest) > 0 {
		w.largest = append([]byte(nil), e.Key...)
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if !w.haveCur {
		return nil
	}
	p := &page.Page{ID: w.curPageID, Kind: page.KindData, Payload: w.curBuf.Bytes()}
	if err := w.pf.WritePage(w.curPageID, p); err != nil {
		return err
	}
	w.index.Add(w.curFirstKey, w.curPageID)
	w.curBuf.Reset()
	w.haveCur = false
	w.curFirstKey = nil
	return nil
}

// WriteFromIterator drains it entirely via Add.
func (w *Writer) WriteFromIterator(it SourceIterator) error {
	for it.Valid() {
		if err := w.Add(it.Entry()); err != nil {
			return err
		}
		it.Next()
	}
	return nil
}

// Finish flushes the last data block, writes the index, bloom filter, and
// footer pages, fsyncs, and closes the file.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	indexBytes := w.index.Serialize()
	firstIndexID, indexPageCount, err := w.writeChunked(indexBytes, page.KindIndex)
	if err != nil {
		return err
	}

	bloomBytes := w.bloom.Bytes()
	bloomID, bloomPageCount, err := w.writeChunked(bloomBytes, page.KindData)
	if err != nil {
		return err
	}

	footer := &Footer{
		PageSize:         w.pf.PageSize(),
		IndexPageCount:   indexPageCount,
		FirstIndexPageID: firstIndexID,
		BloomPageID:      bloomID,
		BloomPageCount:   bloomPageCount,
		MinSeqNum:        w.minSeq,
		MaxSeqNum:        w.maxSeq,
		EntryCount:       w.entries,
		SmallestKey:      w.smallest,
		LargestKey:       w.largest,
	}
	footerID, err := w.pf.AllocatePage()
	if err != nil {
		return err
	}
	if err := w.pf.WritePage(footerID, &page.Page{ID: footerID, Kind: page.KindFooter, Payload: footer.Serialize()}); err != nil {
		return err
	}

	if err := w.pf.Sync(); err != nil {
		return err
	}
	return w.pf.Close()
}

// writeChunked spreads data across as many pages as needed, returning the
// first page's id and the page count. Pages are written back to back so
// FirstIndexPageID+i for i in [0,count) recovers the rest.
func (w *Writer) writeChunked(data []byte, kind page.Kind) (page.ID, uint32, error) {
	chunks := splitPayload(data, w.dataCapacity())
	var firstID page.ID
	for i, chunk := range chunks {
		id, err := w.pf.AllocatePage()
		if err != nil {
			return 0, 0, err
		}
		if i == 0 {
			firstID = id
		}
		if err := w.pf.WritePage(id, &page.Page{ID: id, Kind: kind, Payload: chunk}); err != nil {
			return 0, 0, err
		}
	}
	return firstID, uint32(len(chunks)), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Table is an open, read-only handle onto a flushed SSTable file. All
// page access goes through the shared buffer pool, keyed by the table's
// file path so multiple tables can share one bounded cache.
type Table struct {
	pf     *page.File
	pool   *bufferpool.Pool
	owner  string
	footer *Footer
	index  *BlockIndex
	bloom  *BloomFilter
}

// Open opens an existing SSTable file for reading, loading its footer,
// index, and bloom filter eagerly (they're small relative to the data).
func Open(path string, pageSize uint32, pool *bufferpool.Pool) (*Table, error) {
	pf, err := page.Open(path, pageSize)
	if err != nil {
		return nil, err
	}
	t := &Table{pf: pf, pool: pool, owner: path}

	// The writer always allocates the footer last and nothing is ever
	// deleted from a finished table, so the footer's id is the page file's
	// last allocated page id (nextPageID-1, persisted in its header).
	footerID, err := t.lastPageID()
	if err != nil {
		pf.Close()
		return nil, err
	}
	fp, err := pf.ReadPage(footerID)
	if err != nil {
		pf.Close()
		return nil, err
	}
	footer, err := DeserializeFooter(fp.Payload)
	if err != nil {
		pf.Close()
		return nil, err
	}
	t.footer = footer

	// The index and bloom sidecar are independent page ranges; fetch them
	// concurrently rather than serially.
	var indexBytes, bloomBytes []byte
	g := new(errgroup.Group)
	g.Go(func() error {
		b, err := t.readChunked(footer.FirstIndexPageID, footer.IndexPageCount)
		indexBytes = b
		return err
	})
	g.Go(func() error {
		b, err := t.readChunked(footer.BloomPageID, footer.BloomPageCount)
		bloomBytes = b
		return err
	})
	if err := g.Wait(); err != nil {
		pf.Close()
		return nil, err
	}

	index, err := DeserializeBlockIndex(indexBytes)
	if err != nil {
		pf.Close()
		return nil, err
	}
	t.index = index

	bloom, err := LoadBloomFilter(bloomBytes)
	if err != nil {
		pf.Close()
		return nil, err
	}
	t.bloom = bloom

	return t, nil
}

func (t *Table) lastPageID() (page.ID, error) {
	// page.File tracks its allocator counter in the file header, so the
	// last allocated page id comes from that bookkeeping rather than from
	// probing pages.
	return t.pf.LastAllocatedPage()
}

func (t *Table) readChunked(first page.ID, count uint32) ([]byte, error) {
	var buf bytes.Buffer
	for i := uint32(0); i < count; i++ {
		id := page.ID(uint64(first) + uint64(i))
		h, err := t.pool.Pin(t.owner, t.pf, id)
		if err != nil {
			return nil, err
		}
		buf.Write(h.Page().Payload)
		h.Unpin(false)
	}
	return buf.Bytes(), nil
}

// Path returns the backing file path (used as the buffer pool owner key).
func (t *Table) Path() string { return t.owner }

// SmallestKey and LargestKey report the table's key range as recorded in
// its footer.
func (t *Table) SmallestKey() []byte { return t.footer.SmallestKey }
func (t *Table) LargestKey() []byte  { return t.footer.LargestKey }

// MaxSeqNum reports the table's highest sequence number, used at Open to
// set the next sequence number past every persisted entry.
func (t *Table) MaxSeqNum() uint64 { return t.footer.MaxSeqNum }

// MayContain checks the table's bloom filter, letting a caller skip
// reading any data block when it returns false.
func (t *Table) MayContain(key []byte) bool {
	return t.bloom.MayContain(key)
}

// GetLatest returns the highest-seq_num version of key in this table, if
// any key in range and not filtered out by the bloom filter.
func (t *Table) GetLatest(key []byte) (entry.Entry, bool, error) {
	if !t.bloom.MayContain(key) {
		return entry.Entry{}, false, nil
	}
	id, ok := t.index.FindBlock(key)
	if !ok {
		return entry.Entry{}, false, nil
	}
	h, err := t.pool.Pin(t.owner, t.pf, id)
	if err != nil {
		return entry.Entry{}, false, err
	}
	defer h.Unpin(false)

	buf := h.Page().Payload
	var best entry.Entry
	found := false
	for len(buf) > 0 {
		if len(buf) < 4 {
			break
		}
		n := getUint32(buf[:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(n) {
			break
		}
		e, _, ok := wal.DecodeEntry(buf[:n])
		buf = buf[n:]
		if !ok {
			continue
		}
		if !bytes.Equal(e.Key, key) {
			continue
		}
		if !found || e.SeqNum > best.SeqNum {
			best = e
			found = true
		}
	}
	return best, found, nil
}

// Close closes the underlying page file and drops its frames from the
// shared pool.
func (t *Table) Close() error {
	t.pool.Evict(t.owner)
	return t.pf.Close()
}

// NewIterator returns a full, ordered (key asc, seq_num desc) traversal
// of every entry in the table, used by flush/compaction rewrites and by
// the merge iterator during a scan.
func (t *Table) NewIterator() (*TableIterator, error) {
	it := &TableIterator{t: t, blockIdx: -1}
	it.advanceBlock()
	return it, nil
}

// TableIterator walks a table's data blocks in the order the index lists
// them, decoding each block's packed entries in order.
type TableIterator struct {
	t        *Table
	blockIdx int
	buf      []byte
	cur      entry.Entry
	valid    bool
	err      error
}

func (it *TableIterator) advanceBlock() {
	it.blockIdx++
	if it.blockIdx >= len(it.t.index.Entries) {
		it.valid = false
		return
	}
	id := it.t.index.Entries[it.blockIdx].PageID
	h, err := it.t.pool.Pin(it.t.owner, it.t.pf, id)
	if err != nil {
		it.err = err
		it.valid = false
		return
	}
	it.buf = append([]byte(nil), h.Page().Payload...)
	h.Unpin(false)
	it.decodeNext()
}

func (it *TableIterator) decodeNext() {
	for {
		if len(it.buf) == 0 {
			it.advanceBlock()
			return
		}
		if len(it.buf) < 4 {
			it.valid = false
			return
		}
		n := getUint32(it.buf[:4])
		rest := it.buf[4:]
		if uint64(len(rest)) < uint64(n) {
			it.valid = false
			return
		}
		e, _, ok := wal.DecodeEntry(rest[:n])
		it.buf = rest[n:]
		if !ok {
			continue
		}
		it.cur = e
		it.valid = true
		return
	}
}

// Err reports any error encountered while paging through the table.
func (it *TableIterator) Err() error { return it.err }

func (it *TableIterator) Valid() bool      { return it.valid }
func (it *TableIterator) Entry() entry.Entry { return it.cur }
func (it *TableIterator) Next() {
	if !it.valid {
		return
	}
	it.decodeNext()
}
