package page

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/solidkv/lsmdb/internal/lsmerrors"
)

// fileHeaderSize is the fixed region at offset 0 holding the page-id
// allocator counter and the page size the file was created with.
const fileHeaderSize = 32

var fileMagic = [8]byte{'L', 'S', 'M', 'P', 'G', 'F', '0', '1'}

// File is an append/random-read, file-backed array of fixed-size pages.
// It has no knowledge of block/index/footer semantics — that's the
// sstable package's job.
type File struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	pageSize   uint32
	nextPageID uint64
}

// Create makes a new, empty page file with the given page size.
func Create(path string, pageSize uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "create page file")
	}
	pf := &File{f: f, path: path, pageSize: pageSize, nextPageID: 0}
	if err := pf.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

// Open opens an existing page file and validates its recorded page size
// against the caller's expectation; a mismatch is reported as corruption.
func Open(path string, expectPageSize uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "open page file")
	}

	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, lsmerrors.Corrupt(path, 0, "truncated page file header")
	}

	var magic [8]byte
	copy(magic[:], hdr[0:8])
	if magic != fileMagic {
		f.Close()
		return nil, lsmerrors.Corrupt(path, 0, "bad page file magic")
	}
	pageSize := binary.LittleEndian.Uint32(hdr[8:12])
	nextID := binary.LittleEndian.Uint64(hdr[12:20])

	if expectPageSize != 0 && pageSize != expectPageSize {
		f.Close()
		return nil, lsmerrors.Newf(lsmerrors.Corruption, "page file %s has page size %d, database uses %d", path, pageSize, expectPageSize)
	}

	return &File{f: f, path: path, pageSize: pageSize, nextPageID: nextID}, nil
}

func (pf *File) writeHeader() error {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:8], fileMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], pf.pageSize)
	binary.LittleEndian.PutUint64(buf[12:20], pf.nextPageID)
	if _, err := pf.f.WriteAt(buf, 0); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "write page file header")
	}
	return nil
}

// PageSize reports the fixed frame size this file was created with.
func (pf *File) PageSize() uint32 { return pf.pageSize }

// Path reports the backing file path.
func (pf *File) Path() string { return pf.path }

// AllocatePage reserves the next page id. Page ids are dense and never
// reused.
func (pf *File) AllocatePage() (ID, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	id := ID(pf.nextPageID)
	pf.nextPageID++
	if err := pf.writeHeader(); err != nil {
		return 0, err
	}
	return id, nil
}

// LastAllocatedPage returns the id of the most recently allocated page.
// SSTable footers are always the last page a writer allocates, so readers
// use this to locate the footer without separately persisting its id.
func (pf *File) LastAllocatedPage() (ID, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.nextPageID == 0 {
		return 0, lsmerrors.New(lsmerrors.Corruption, "page file has no allocated pages")
	}
	return ID(pf.nextPageID - 1), nil
}

func (pf *File) offset(id ID) int64 {
	return int64(fileHeaderSize) + int64(id)*int64(pf.pageSize)
}

// ReadPage performs a blocking read of the page at id, validating it
// against corruption.
func (pf *File) ReadPage(id ID) (*Page, error) {
	buf := make([]byte, pf.pageSize)
	n, err := pf.f.ReadAt(buf, pf.offset(id))
	if err != nil && err != io.EOF {
		return nil, lsmerrors.Wrap(lsmerrors.Io, err, "read page")
	}
	if n != int(pf.pageSize) {
		return nil, lsmerrors.Corrupt(pf.path, pf.offset(id), "short page read")
	}
	p, err := Decode(buf, pf.pageSize)
	if err != nil {
		if e, ok := err.(interface{ Kind() lsmerrors.Kind }); ok && e.Kind() == lsmerrors.Corruption {
			return nil, lsmerrors.Corrupt(pf.path, pf.offset(id), "page checksum mismatch")
		}
		return nil, err
	}
	return p, nil
}

// WritePage writes a page in full at its slot. Pages are never partially
// updated.
func (pf *File) WritePage(id ID, p *Page) error {
	p.ID = id
	buf, err := p.Encode(pf.pageSize)
	if err != nil {
		return err
	}
	if _, err := pf.f.WriteAt(buf, pf.offset(id)); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "write page")
	}
	return nil
}

// Sync fsyncs the underlying file.
func (pf *File) Sync() error {
	if err := pf.f.Sync(); err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "fsync page file")
	}
	return nil
}

// Close closes the underlying file descriptor.
func (pf *File) Close() error {
	if pf.f == nil {
		return nil
	}
	err := pf.f.Close()
	pf.f = nil
	if err != nil {
		return lsmerrors.Wrap(lsmerrors.Io, err, "close page file")
	}
	return nil
}
