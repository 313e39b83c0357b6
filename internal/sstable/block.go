package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/solidkv/lsmdb/internal/lsmerrors"
	"github.com/solidkv/lsmdb/internal/page"
)

const (
	// MagicNumber identifies a valid SSTable footer: the last 8 bytes of
	// the footer payload are a magic constant and format version.
	MagicNumber  uint32 = 0x53494c54 // "SILT"
	FormatVersion uint32 = 1
)

// BlockIndexEntry maps a data block's first key to the page it starts at.
type BlockIndexEntry struct {
	FirstKey []byte
	PageID   page.ID
}

// BlockIndex is the sparse index built while writing an SSTable and
// consulted by binary search on read.
type BlockIndex struct {
	Entries []BlockIndexEntry
}

// Add appends an index entry. Entries must be added in ascending key
// order (the order blocks are written in).
func (bi *BlockIndex) Add(firstKey []byte, id page.ID) {
	bi.Entries = append(bi.Entries, BlockIndexEntry{
		FirstKey: append([]byte(nil), firstKey...),
		PageID:   id,
	})
}

// FindBlock returns the page id of the last block whose first key is <=
// key — the only block that can contain key, since blocks are built from
// a sorted memtable iteration.
func (bi *BlockIndex) FindBlock(key []byte) (page.ID, bool) {
	lo, hi := 0, len(bi.Entries)-1
	found := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(bi.Entries[mid].FirstKey, key) <= 0 {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if found < 0 {
		return 0, false
	}
	return bi.Entries[found].PageID, true
}

// Serialize encodes the index as [count(4)][ (keyLen(4) key pageID(8)) ... ].
func (bi *BlockIndex) Serialize() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(bi.Entries)))
	buf.Write(tmp[:4])

	for _, e := range bi.Entries {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(e.FirstKey)))
		buf.Write(tmp[:4])
		buf.Write(e.FirstKey)
		binary.LittleEndian.PutUint64(tmp[:8], uint64(e.PageID))
		buf.Write(tmp[:8])
	}
	return buf.Bytes()
}

// DeserializeBlockIndex parses bytes produced by Serialize (possibly the
// concatenation of several index pages' payloads).
func DeserializeBlockIndex(data []byte) (*BlockIndex, error) {
	if len(data) < 4 {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated block index")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]

	idx := &BlockIndex{Entries: make([]BlockIndexEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, lsmerrors.New(lsmerrors.Corruption, "truncated block index entry")
		}
		keyLen := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint64(len(data)) < uint64(keyLen)+8 {
			return nil, lsmerrors.New(lsmerrors.Corruption, "truncated block index entry")
		}
		key := append([]byte(nil), data[:keyLen]...)
		data = data[keyLen:]
		id := page.ID(binary.LittleEndian.Uint64(data[0:8]))
		data = data[8:]
		idx.Entries = append(idx.Entries, BlockIndexEntry{FirstKey: key, PageID: id})
	}
	return idx, nil
}

// Footer is the trailing metadata page of an SSTable file.
type Footer struct {
	PageSize         uint32
	IndexPageCount   uint32
	FirstIndexPageID page.ID
	BloomPageID      page.ID
	BloomPageCount   uint32
	MinSeqNum        uint64
	MaxSeqNum        uint64
	EntryCount       uint64
	SmallestKey      []byte
	LargestKey       []byte
}

// Serialize encodes the footer. The final 8 bytes of the returned slice
// are always [MagicNumber(4)][FormatVersion(4)], so a reader can
// validate the file's format without knowing the rest of the layout.
func (f *Footer) Serialize() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], f.PageSize)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint32(tmp[:4], f.IndexPageCount)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(f.FirstIndexPageID))
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(f.BloomPageID))
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint32(tmp[:4], f.BloomPageCount)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:8], f.MinSeqNum)
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], f.MaxSeqNum)
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], f.EntryCount)
	buf.Write(tmp[:8])

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(f.SmallestKey)))
	buf.Write(tmp[:4])
	buf.Write(f.SmallestKey)
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(f.LargestKey)))
	buf.Write(tmp[:4])
	buf.Write(f.LargestKey)

	binary.LittleEndian.PutUint32(tmp[:4], MagicNumber)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint32(tmp[:4], FormatVersion)
	buf.Write(tmp[:4])

	return buf.Bytes()
}

// DeserializeFooter parses a footer payload, validating the trailing
// magic/version pair first.
func DeserializeFooter(data []byte) (*Footer, error) {
	if len(data) < 8 {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated sstable footer")
	}
	trailer := data[len(data)-8:]
	magic := binary.LittleEndian.Uint32(trailer[0:4])
	version := binary.LittleEndian.Uint32(trailer[4:8])
	if magic != MagicNumber {
		return nil, lsmerrors.New(lsmerrors.Corruption, "sstable footer bad magic")
	}
	if version != FormatVersion {
		return nil, lsmerrors.Newf(lsmerrors.Corruption, "sstable footer format version %d unsupported", version)
	}

	body := data[:len(data)-8]
	if len(body) < 4+4+8+8+4+8+8+8+4+4 {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated sstable footer body")
	}

	f := &Footer{}
	f.PageSize = binary.LittleEndian.Uint32(body[0:4])
	f.IndexPageCount = binary.LittleEndian.Uint32(body[4:8])
	f.FirstIndexPageID = page.ID(binary.LittleEndian.Uint64(body[8:16]))
	f.BloomPageID = page.ID(binary.LittleEndian.Uint64(body[16:24]))
	f.BloomPageCount = binary.LittleEndian.Uint32(body[24:28])
	f.MinSeqNum = binary.LittleEndian.Uint64(body[28:36])
	f.MaxSeqNum = binary.LittleEndian.Uint64(body[36:44])
	f.EntryCount = binary.LittleEndian.Uint64(body[44:52])
	rest := body[52:]

	if len(rest) < 4 {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated sstable footer keys")
	}
	smallestLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(len(rest)) < uint64(smallestLen) {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated sstable footer smallest key")
	}
	f.SmallestKey = append([]byte(nil), rest[:smallestLen]...)
	rest = rest[smallestLen:]

	if len(rest) < 4 {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated sstable footer keys")
	}
	largestLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(len(rest)) < uint64(largestLen) {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated sstable footer largest key")
	}
	f.LargestKey = append([]byte(nil), rest[:largestLen]...)

	return f, nil
}

// splitPayload breaks data into chunks no larger than capacity, for
// spreading a serialized index (or bloom filter) across multiple pages.
func splitPayload(data []byte, capacity int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := capacity
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
