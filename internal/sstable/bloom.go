package sstable

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

// BloomFilter lets a reader skip an SSTable that definitely does not
// contain a key without touching its data blocks. False positives are
// possible; false negatives are not.
//
// Instead of running k independent fnv hashes, this derives k probe
// values from a single 64-bit xxhash via the Kirsch-Mitzenmacher
// double-hashing technique (g_i(x) = h1(x) + i*h2(x)), which is what the
// rest of the domain stack's checksum library (cespare/xxhash/v2,
// already wired in page.Page) is good at computing cheaply.
type BloomFilter struct {
	bits     []byte
	bitCount uint32
	numHash  uint32
}

// NewBloomFilter sizes a filter for capacity elements at the given
// falsePositiveRate (e.g. 0.01 for 1%).
func NewBloomFilter(capacity uint32, falsePositiveRate float64) *BloomFilter {
	if capacity == 0 {
		capacity = 1
	}
	bitCount := uint32(float64(capacity) * (-1.0 * math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2))
	if bitCount < 8 {
		bitCount = 8
	}
	byteCount := (bitCount + 7) / 8
	bitCount = byteCount * 8

	numHash := uint32(float64(bitCount) / float64(capacity) * math.Ln2)
	if numHash < 1 {
		numHash = 1
	}
	if numHash > 16 {
		numHash = 16
	}

	return &BloomFilter{
		bits:     make([]byte, byteCount),
		bitCount: bitCount,
		numHash:  numHash,
	}
}

func (bf *BloomFilter) probes(key []byte) (h1, h2 uint64) {
	sum := xxhash.Sum64(key)
	h1 = sum
	h2 = (sum >> 32) | (sum << 32)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Add records key's membership.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.probes(key)
	for i := uint32(0); i < bf.numHash; i++ {
		bit := (h1 + uint64(i)*h2) % uint64(bf.bitCount)
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain returns false only when key is guaranteed absent.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.probes(key)
	for i := uint32(0); i < bf.numHash; i++ {
		bit := (h1 + uint64(i)*h2) % uint64(bf.bitCount)
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes serializes the filter as [bitCount(4)][numHash(4)][bits...].
func (bf *BloomFilter) Bytes() []byte {
	out := make([]byte, 8+len(bf.bits))
	binary.LittleEndian.PutUint32(out[0:4], bf.bitCount)
	binary.LittleEndian.PutUint32(out[4:8], bf.numHash)
	copy(out[8:], bf.bits)
	return out
}

// LoadBloomFilter parses bytes produced by Bytes.
func LoadBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated bloom filter")
	}
	bitCount := binary.LittleEndian.Uint32(data[0:4])
	numHash := binary.LittleEndian.Uint32(data[4:8])

	byteCount := (bitCount + 7) / 8
	if uint64(len(data)) < 8+uint64(byteCount) {
		return nil, lsmerrors.New(lsmerrors.Corruption, "truncated bloom filter bits")
	}
	bits := append([]byte(nil), data[8:8+byteCount]...)

	return &BloomFilter{bits: bits, bitCount: bitCount, numHash: numHash}, nil
}
