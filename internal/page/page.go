// Package page implements the fixed-size frame format: a page id, a
// kind tag, a payload, and a checksum, plus the file-backed array of
// pages built from them.
package page

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

// Kind tags what a page holds.
type Kind uint8

const (
	// KindData holds packed entry records (an SSTable data block); SSTable
	// bloom filter pages are tagged KindData as well.
	KindData Kind = 1
	// KindIndex holds a serialized block index fragment.
	KindIndex Kind = 2
	// KindFooter holds the trailing SSTable footer.
	KindFooter Kind = 3
)

// HeaderSize is the fixed size of a page header: id(8) + kind(1) + payload
// length(4) + checksum(8).
const HeaderSize = 8 + 1 + 4 + 8

// ID identifies a page within a single page file.
type ID uint64

// Page is one fixed-size frame once decoded into memory. Payload is sized
// to PageSize-HeaderSize on the wire; in memory it holds only the used
// portion (the payload length recorded in the header).
type Page struct {
	ID      ID
	Kind    Kind
	Payload []byte
}

// Encode serializes p into a buffer exactly pageSize bytes long. The
// payload is zero-padded to fill the frame; partial writes are then
// detectable on read via the checksum.
func (p *Page) Encode(pageSize uint32) ([]byte, error) {
	maxPayload := int(pageSize) - HeaderSize
	if len(p.Payload) > maxPayload {
		return nil, lsmerrors.Newf(lsmerrors.InvalidArgument,
			"page payload %d exceeds capacity %d for page size %d", len(p.Payload), maxPayload, pageSize)
	}

	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.ID))
	buf[8] = byte(p.Kind)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)

	sum := xxhash.Sum64(buf[0:9]) // id + kind, pre-checksum prefix
	sum = mix(sum, buf[9:13])     // payload length
	sum = mix(sum, buf[HeaderSize:HeaderSize+len(p.Payload)])
	binary.LittleEndian.PutUint64(buf[13:21], sum)

	return buf, nil
}

// mix folds additional bytes into a running xxhash-derived checksum.
func mix(prev uint64, b []byte) uint64 {
	h := xxhash.New()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], prev)
	h.Write(seed[:])
	h.Write(b)
	return h.Sum64()
}

// Decode parses a pageSize-byte frame, verifying the checksum. A mismatch
// — from a torn write, bit rot, or a short read — surfaces as a
// Corruption error rather than panicking or returning garbage.
func Decode(buf []byte, pageSize uint32) (*Page, error) {
	if len(buf) != int(pageSize) {
		return nil, lsmerrors.Newf(lsmerrors.Corruption, "short page read: got %d bytes, want %d", len(buf), pageSize)
	}

	id := ID(binary.LittleEndian.Uint64(buf[0:8]))
	kind := Kind(buf[8])
	payloadLen := binary.LittleEndian.Uint32(buf[9:13])
	wantSum := binary.LittleEndian.Uint64(buf[13:21])

	maxPayload := uint32(int(pageSize) - HeaderSize)
	if payloadLen > maxPayload {
		return nil, lsmerrors.Newf(lsmerrors.Corruption, "page %d declares payload length %d beyond capacity %d", id, payloadLen, maxPayload)
	}

	gotSum := xxhash.Sum64(buf[0:9])
	gotSum = mix(gotSum, buf[9:13])
	gotSum = mix(gotSum, buf[HeaderSize:HeaderSize+int(payloadLen)])
	if gotSum != wantSum {
		return nil, lsmerrors.Newf(lsmerrors.Corruption, "page %d checksum mismatch", id)
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+int(payloadLen)])

	return &Page{ID: id, Kind: kind, Payload: payload}, nil
}
