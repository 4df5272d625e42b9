package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// dataMagic is the fixed header every segment file begins with. It is not
// covered by any CRC and must match byte-exactly on open.
const dataMagic = "KV-STORE - DATA FILE\x00"

// writerBufSize is the minimum write buffer size for segment writers.
const writerBufSize = 8 * 1024

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.kv", id))
}

// segmentWriter owns the single open, append-only handle for the active
// segment and tracks its logical end-of-file offset.
type segmentWriter struct {
	id   uint64
	file *os.File
	buf  *bufio.Writer
	pos  int64
}

// createSegmentWriter creates a brand-new segment file, writes and flushes
// its magic header, and returns a writer positioned at the end of the
// header.
func createSegmentWriter(dir string, id uint64) (*segmentWriter, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", id, err)
	}

	if _, err := f.WriteString(dataMagic); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header for segment %d: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync header for segment %d: %w", id, err)
	}

	if dfd, derr := os.Open(dir); derr == nil {
		_ = dfd.Sync()
		_ = dfd.Close()
	}

	return &segmentWriter{
		id:   id,
		file: f,
		buf:  bufio.NewWriterSize(f, writerBufSize),
		pos:  int64(len(dataMagic)),
	}, nil
}

// openSegmentWriter reopens an existing segment file (the current active
// segment on store Open) for append, positioned at size.
func openSegmentWriter(dir string, id uint64, size int64) (*segmentWriter, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", id, err)
	}
	if _, err := f.Seek(size, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek segment %d: %w", id, err)
	}
	return &segmentWriter{
		id:   id,
		file: f,
		buf:  bufio.NewWriterSize(f, writerBufSize),
		pos:  size,
	}, nil
}

// Position returns the current logical end-of-file offset.
func (w *segmentWriter) Position() int64 { return w.pos }

// AppendPut appends a Put record and returns its (offset, size).
func (w *segmentWriter) AppendPut(ts uint64, key, val []byte) (offset, size int64, err error) {
	rec := encodePut(ts, key, val)
	off := w.pos
	n, err := w.buf.Write(rec)
	if err != nil {
		return 0, 0, fmt.Errorf("append put on segment %d: %w", w.id, err)
	}
	w.pos += int64(n)
	return off, int64(n), nil
}

// AppendRaw appends b verbatim and returns the offset it was written at. Used
// by merge to copy a record's already-checksummed bytes across segments
// without re-encoding them.
func (w *segmentWriter) AppendRaw(b []byte) (offset int64, err error) {
	off := w.pos
	n, err := w.buf.Write(b)
	if err != nil {
		return 0, fmt.Errorf("append raw on segment %d: %w", w.id, err)
	}
	w.pos += int64(n)
	return off, nil
}

// AppendTombstone appends a tombstone record.
func (w *segmentWriter) AppendTombstone(ts uint64, key []byte) error {
	rec := encodeTombstone(ts, key)
	n, err := w.buf.Write(rec)
	if err != nil {
		return fmt.Errorf("append tombstone on segment %d: %w", w.id, err)
	}
	w.pos += int64(n)
	return nil
}

// Flush flushes buffered bytes to the underlying file and, when fsync is
// true, also fsyncs it. The store's append paths pass its Fsync option.
func (w *segmentWriter) Flush(fsync bool) error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush segment %d: %w", w.id, err)
	}
	if fsync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync segment %d: %w", w.id, err)
		}
	}
	return nil
}

// Close flushes and closes the underlying file handle.
func (w *segmentWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("flush segment %d on close: %w", w.id, err)
	}
	return w.file.Close()
}
