package core

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/epokhe/bitdb/core/errs"
)

// segmentReader provides random-access reads of a sealed segment via a lazy
// memory map. The mapping is remapped (not grown in place) whenever a read
// reaches past its current length, which happens when the reader is opened
// against a segment that is still active and keeps growing.
//
// remap takes the mutex's exclusive side; slice access takes the shared
// side, so concurrent callers sharing one reader observe either the old or
// the new mapping atomically, never a half-updated one.
type segmentReader struct {
	id   uint64
	file *os.File

	mu   sync.RWMutex
	data []byte
}

// openSegmentReader opens path read-only. The file is not mapped yet; the
// first Get call maps it lazily.
func openSegmentReader(dir string, id uint64) (*segmentReader, error) {
	path := segmentPath(dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %d for reading: %w", id, err)
	}

	hdr := make([]byte, len(dataMagic))
	if _, err := f.ReadAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read header of segment %d: %w", id, err)
	}
	if string(hdr) != dataMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: segment %d has unexpected magic", errs.ErrCorruptHeader, id)
	}

	return &segmentReader{id: id, file: f}, nil
}

// ensureMapped makes sure at least minLen bytes of the file are mapped,
// remapping from scratch if the current mapping is too short.
func (r *segmentReader) ensureMapped(minLen int64) error {
	r.mu.RLock()
	if int64(len(r.data)) >= minLen {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// someone else may have already remapped while we waited for the lock
	if int64(len(r.data)) >= minLen {
		return nil
	}

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %d: %w", r.id, err)
	}
	size := info.Size()
	if size < minLen {
		return fmt.Errorf("segment %d: read past end of file (size %d, want %d)", r.id, size, minLen)
	}

	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("munmap segment %d: %w", r.id, err)
		}
		r.data = nil
	}

	data, err := unix.Mmap(int(r.file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap segment %d: %w", r.id, err)
	}
	r.data = data
	return nil
}

// Get reads the record at [offset, offset+size), verifies its checksum, and
// returns its timestamp and value. It returns errs.ErrItemDeleted if the
// record at that Locator turned out to be a tombstone (a stale Locator),
// and errs.ErrChecksumFailed on corruption.
func (r *segmentReader) Get(offset, size int64) (uint64, []byte, error) {
	if err := r.ensureMapped(offset + size); err != nil {
		return 0, nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if offset < 0 || offset+size > int64(len(r.data)) {
		return 0, nil, fmt.Errorf("segment %d: locator out of range", r.id)
	}

	ent, err := decodeRecord(r.data[offset:offset+size], true)
	if err != nil {
		return 0, nil, err
	}
	if ent.Tag == tagTombstone {
		return 0, nil, errs.ErrItemDeleted
	}

	// copy out: the backing mapping may be remapped or unmapped after we return
	val := make([]byte, len(ent.Value))
	copy(val, ent.Value)
	return ent.Timestamp, val, nil
}

// Close unmaps (if mapped) and closes the underlying file handle.
func (r *segmentReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("munmap segment %d on close: %w", r.id, err)
		}
		r.data = nil
	}
	return r.file.Close()
}
