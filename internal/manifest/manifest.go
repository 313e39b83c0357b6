// Package manifest implements the database's single source of truth for
// which SSTables are live: a small, atomically-rewritten file listing
// SSTable ids in chronological order, the page size the database was
// created with, and the next sequence number to assign.
//
// Do not derive the SSTable set by scanning the data directory at read
// time — only the manifest's atomic swap makes a flush commit
// crash-consistent; directory scans are for garbage-collecting orphan
// files the manifest doesn't reference.
package manifest

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

const fileName = "MANIFEST"

var magic = [8]byte{'L', 'S', 'M', 'M', 'A', 'N', 'F', '1'}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Manifest is the durable record of live SSTable ids, the database's
// page size, and the next sequence number to hand out. The active WAL
// file name and the highest assigned sequence number must be
// recoverable from on-disk state alone.
type Manifest struct {
	PageSize  uint32
	NextSeq   uint64
	SSTableIDs []uint64 // chronological order, oldest first
}

// Path returns the manifest file's path within dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, fileName)
}

// Load reads the manifest at dataDir. If absent, returns a nil Manifest
// with ok=false so the caller can initialize a fresh database.
func Load(dataDir string) (*Manifest, bool, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, lsmerrors.Wrap(lsmerrors.Io, err, "read manifest")
	}

	if len(data) < 8+4+4+8+4+4 {
		return nil, false, lsmerrors.Corrupt(path, 0, "manifest too short")
	}
	var gotMagic [8]byte
	copy(gotMagic[:], data[0:8])
	if gotMagic != magic {
		return nil, false, lsmerrors.Corrupt(path, 0, "manifest bad magic")
	}

	body := data[:len(data)-4]
	wantSum := binary.LittleEndian.Uint32(data[len(data)-4:])
	gotSum := crc32.Checksum(body, castagnoli)
	if gotSum != wantSum {
		return nil, false, lsmerrors.Corrupt(path, int64(len(body)), "manifest checksum mismatch")
	}

	off := 8
	_ = binary.LittleEndian.Uint32(body[off : off+4]) // format version, unused for now
	off += 4
	pageSize := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	nextSeq := binary.LittleEndian.Uint64(body[off : off+8])
	off += 8
	count := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4

	if uint64(len(body)-off) < uint64(count)*8 {
		return nil, false, lsmerrors.Corrupt(path, int64(off), "manifest truncated id list")
	}
	ids := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		ids[i] = binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
	}

	return &Manifest{PageSize: pageSize, NextSeq: nextSeq, SSTableIDs: ids}, true, nil
}

// formatVersion is bumped only if the on-disk layout changes.
const formatVersion uint32 = 1

// Save atomically rewrites the manifest: write to a uniquely-named temp
// file, fsync, rename over the old manifest, then fsync the containing
// directory.
func (m *Manifest) Save(dataDir string) error {
	path := Path(dataDir)
	tmpPath := filepath.Join(dataDir, fileName+".tmp-"+uuid.NewString())

	body := make([]byte, 0, 8+4+4+8+4+len(m.SSTableIDs)*8)
	body = append(body, magic[:]...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], formatVersion)
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], m.PageSize)
	body = append(body, u32[:]...)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], m.NextSeq)
	body = append(body, u64[:]...)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.SSTableIDs)))
	body = append(body, u32[:]...)
	for _, id := range m.SSTableIDs {
		binary.LittleEndian.PutUint64(u64[:], id)
		body = append(body, u64[:]...)
	}

	sum := crc32.Checksum(body, castagnoli)
	binary.LittleEndian.PutUint32(u32[:], sum)
	body = append(body, u32[:]...)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "create temp manifest")
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return lsmerrors.Wrap(lsmerrors.Io, err, "write temp manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return lsmerrors.Wrap(lsmerrors.Io, err, "fsync temp manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return lsmerrors.Wrap(lsmerrors.Io, err, "close temp manifest")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return lsmerrors.Wrap(lsmerrors.Io, err, "rename manifest into place")
	}

	return fsyncDir(dataDir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "open data dir for fsync")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "fsync data dir")
	}
	return nil
}
