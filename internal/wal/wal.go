// Package wal implements the write-ahead log: an append-only, checksummed,
// replayable record stream.
//
// Record wire format:
//
//	length (u32) | kind (u8) | seq_num (u64) | key_len (u32) | key |
//	value_len (u32, 0xFFFFFFFF for tombstone) | value | checksum (u32)
//
// length covers everything from kind through value (not itself, not the
// trailing checksum). checksum is CRC32C (Castagnoli) over that same span.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/solidkv/lsmdb/internal/entry"
	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

const (
	tombstoneValueLen = 0xFFFFFFFF
	lengthFieldSize   = 4
	checksumFieldSize = 4
	// bodyFixedSize is kind(1) + seq_num(8) + key_len(4) + value_len(4).
	bodyFixedSize = 1 + 8 + 4 + 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Writer appends records to a single WAL file and replays them on open.
// Writes are buffered only until the caller's operation needs durability:
// every Append that the engine reports as accepted has been fsynced
// first when fsyncOnWrite is enabled (the default — spec invariant 1).
type Writer struct {
	mu           sync.Mutex
	f            *os.File
	path         string
	fsyncOnWrite bool
	closed       bool
}

// Open opens (creating if absent) the WAL file at path. fsyncOnWrite
// controls whether Append fsyncs before returning; disabling it is
// intended only for tests.
func Open(path string, fsyncOnWrite bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "open wal")
	}
	return &Writer{f: f, path: path, fsyncOnWrite: fsyncOnWrite}, nil
}

// Path returns the WAL file's path.
func (w *Writer) Path() string { return w.path }

// Append encodes e and writes it, then fsyncs before returning when
// fsyncOnWrite is set.
func (w *Writer) Append(e entry.Entry) error {
	buf := encodeRecord(e)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return lsmerrors.New(lsmerrors.NotOpen, "wal is closed")
	}
	if _, err := w.f.Write(buf); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "wal append")
	}
	if w.fsyncOnWrite {
		if err := w.f.Sync(); err != nil {
			return lsmerrors.Wrap(lsmerrors.Io, err, "wal fsync")
		}
	}
	return nil
}

// Sync flushes and fsyncs the file explicitly (used before a memtable is
// frozen even when fsyncOnWrite is disabled).
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return lsmerrors.New(lsmerrors.NotOpen, "wal is closed")
	}
	if err := w.f.Sync(); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "wal fsync")
	}
	return nil
}

// Close fsyncs and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.f == nil {
		return nil
	}
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	w.f = nil
	if syncErr != nil {
		return lsmerrors.Wrap(lsmerrors.Io, syncErr, "wal close fsync")
	}
	if closeErr != nil {
		return lsmerrors.Wrap(lsmerrors.Io, closeErr, "wal close")
	}
	return nil
}

func encodeRecord(e entry.Entry) []byte {
	body := EncodeEntry(e)
	total := lengthFieldSize + len(body) + checksumFieldSize
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:4+len(body)], body)

	sum := crc32.Checksum(body, castagnoli)
	binary.LittleEndian.PutUint32(buf[4+len(body):], sum)

	return buf
}

// EncodeEntry serializes e into the WAL "body" format — kind, seq_num,
// key, value — with no outer length prefix or checksum. SSTable data
// blocks pack entries in this exact format, so the block reader and the
// WAL reader share one wire format.
func EncodeEntry(e entry.Entry) []byte {
	vlen := uint32(tombstoneValueLen)
	if e.Kind == entry.Put {
		vlen = uint32(len(e.Value))
	}
	bodyLen := bodyFixedSize + len(e.Key)
	if e.Kind == entry.Put {
		bodyLen += len(e.Value)
	}

	body := make([]byte, bodyLen)
	body[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(body[1:9], e.SeqNum)
	binary.LittleEndian.PutUint32(body[9:13], uint32(len(e.Key)))
	copy(body[13:13+len(e.Key)], e.Key)
	off := 13 + len(e.Key)
	binary.LittleEndian.PutUint32(body[off:off+4], vlen)
	off += 4
	if e.Kind == entry.Put {
		copy(body[off:], e.Value)
	}
	return body
}

// DecodeEntry parses one entry from the front of buf, returning the
// number of bytes consumed. ok is false if buf doesn't hold a complete,
// well-formed entry.
func DecodeEntry(buf []byte) (e entry.Entry, consumed int, ok bool) {
	if len(buf) < bodyFixedSize {
		return entry.Entry{}, 0, false
	}
	kind := entry.Kind(buf[0])
	seq := binary.LittleEndian.Uint64(buf[1:9])
	klen := binary.LittleEndian.Uint32(buf[9:13])
	if uint64(13)+uint64(klen)+4 > uint64(len(buf)) {
		return entry.Entry{}, 0, false
	}
	key := append([]byte(nil), buf[13:13+klen]...)
	off := 13 + int(klen)
	vlen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4

	if vlen == tombstoneValueLen {
		return entry.Entry{Key: key, SeqNum: seq, Kind: entry.Delete}, off, true
	}
	if kind != entry.Put && kind != entry.Delete {
		return entry.Entry{}, 0, false
	}
	if uint64(off)+uint64(vlen) > uint64(len(buf)) {
		return entry.Entry{}, 0, false
	}
	val := append([]byte(nil), buf[off:off+int(vlen)]...)
	return entry.Entry{Key: key, SeqNum: seq, Kind: kind, Value: val}, off + int(vlen), true
}

// RecoverResult summarizes a Load pass.
type RecoverResult struct {
	Recovered int
	// TruncatedAt is the byte offset the file was truncated to, i.e. the
	// end of the last good record. Equal to the file size if nothing
	// needed truncation.
	TruncatedAt int64
}

// Load scans records from the beginning of the WAL, applying each valid
// one via apply. The first record whose checksum fails, whose declared
// length overruns the file, or whose tail is truncated ends recovery: all
// records from that point are discarded by truncating the file to the
// last good record boundary. This is not an error — a torn tail write is
// expected after a crash mid-append.
func (w *Writer) Load(apply func(entry.Entry)) (*RecoverResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "wal seek")
	}

	result := &RecoverResult{}
	var offset int64

	lenBuf := make([]byte, lengthFieldSize)
	for {
		n, err := io.ReadFull(w.f, lenBuf)
		if err == io.EOF && n == 0 {
			break // clean end of file
		}
		if err != nil {
			break // torn length prefix; stop here
		}

		bodyLen := binary.LittleEndian.Uint32(lenBuf)
		if bodyLen < bodyFixedSize {
			break // impossible length; treat as corruption of the tail
		}

		rest := make([]byte, int(bodyLen)+checksumFieldSize)
		n, err = io.ReadFull(w.f, rest)
		if err != nil {
			// declared length overruns the file, or the tail is truncated
			_ = n
			break
		}

		body := rest[:bodyLen]
		wantSum := binary.LittleEndian.Uint32(rest[bodyLen:])
		gotSum := crc32.Checksum(body, castagnoli)
		if gotSum != wantSum {
			break // checksum failure ends replay; not an error
		}

		e, _, ok := DecodeEntry(body)
		if !ok {
			break
		}

		apply(e)
		result.Recovered++
		offset += int64(lengthFieldSize) + int64(bodyLen) + int64(checksumFieldSize)
	}

	result.TruncatedAt = offset

	if err := w.f.Truncate(offset); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "wal truncate")
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "wal seek end")
	}

	return result, nil
}

