package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/epokhe/bitdb/core/errs"
)

// maxScanFieldLen bounds a single key or value length field the scanner
// will trust enough to allocate for. Real records are far smaller; this
// only exists to turn a corrupt length field into a clean scan error
// instead of an out-of-memory crash.
const maxScanFieldLen = 1 << 32

// scannedEntry is one record yielded by segmentScanner, tagged with the
// offset where it began.
type scannedEntry struct {
	entry
	Offset int64
}

// segmentScanner walks a segment file front-to-back, emitting every record
// (puts and tombstones alike) in file order. It is used both for directory
// reconstruction and for diagnostic replay; interpreting the records is the
// caller's job.
//
// End-of-file exactly on a record boundary ends the scan cleanly, and so
// does a short read mid-record (a partially written tail): neither sets Err.
// A checksum mismatch, an unrecognized tag, an implausible length field or a
// non-EOF read error also ends the scan (no further records are emitted from
// this segment) and is reported through Err. The scanner never modifies the
// file.
type segmentScanner struct {
	reader *bufio.Reader
	cur    *scannedEntry
	end    int64
	err    error
}

// newSegmentScanner verifies f's magic header and returns a scanner
// positioned right after it.
func newSegmentScanner(f *os.File) (*segmentScanner, error) {
	hdr := make([]byte, len(dataMagic))
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("read segment header: %w", err)
	}
	if string(hdr) != dataMagic {
		return nil, fmt.Errorf("%w: unexpected segment magic", errs.ErrCorruptHeader)
	}

	// SectionReader so repeated scans don't disturb the file's seek offset.
	sr := io.NewSectionReader(f, int64(len(dataMagic)), math.MaxInt64)
	return &segmentScanner{reader: bufio.NewReader(sr), end: int64(len(dataMagic))}, nil
}

// Cur returns the most recently scanned record, valid only after Scan
// returns true.
func (s *segmentScanner) Cur() *scannedEntry { return s.cur }

// Err returns the error that stopped the scan, if corruption (rather than a
// clean end-of-file) was the cause.
func (s *segmentScanner) Err() error { return s.err }

// EndOffset returns the offset immediately past the last successfully
// scanned record, the offset a caller should truncate a corrupt segment to.
func (s *segmentScanner) EndOffset() int64 { return s.end }

func isScanEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Scan advances to the next record, returning false when the scan is over
// (clean EOF or corruption, check Err to distinguish).
func (s *segmentScanner) Scan() bool {
	if s.err != nil {
		return false
	}
	s.cur = nil

	var prefix [crcLen + tsLen + tagLen]byte
	if _, err := io.ReadFull(s.reader, prefix[:]); err != nil {
		if !isScanEOF(err) {
			s.err = fmt.Errorf("read record prefix: %w", err)
		}
		return false
	}
	tg := tag(prefix[crcLen+tsLen])

	var lenFields []byte
	switch tg {
	case tagPut:
		lenFields = make([]byte, 2*lenFieldLen)
	case tagTombstone:
		lenFields = make([]byte, lenFieldLen)
	default:
		s.err = fmt.Errorf("%w: unrecognized tag %#x", errs.ErrCorruptHeader, byte(tg))
		return false
	}

	if _, err := io.ReadFull(s.reader, lenFields); err != nil {
		if !isScanEOF(err) {
			s.err = fmt.Errorf("read record length fields: %w", err)
		}
		return false
	}

	var keyLen, valLen uint64
	if tg == tagPut {
		keyLen = binary.BigEndian.Uint64(lenFields[:lenFieldLen])
		valLen = binary.BigEndian.Uint64(lenFields[lenFieldLen:])
	} else {
		keyLen = binary.BigEndian.Uint64(lenFields)
	}

	// a corrupt length field can claim an enormous payload; refuse to
	// allocate for it rather than risk an OOM panic, and end the scan as a
	// corruption instead.
	if keyLen > maxScanFieldLen || valLen > maxScanFieldLen {
		s.err = fmt.Errorf("%w: implausible record length (key=%d, val=%d)", errs.ErrCorruptHeader, keyLen, valLen)
		return false
	}

	payload := make([]byte, keyLen+valLen)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		if !isScanEOF(err) {
			s.err = fmt.Errorf("read record payload: %w", err)
		}
		return false
	}

	full := make([]byte, 0, len(prefix)+len(lenFields)+len(payload))
	full = append(full, prefix[:]...)
	full = append(full, lenFields...)
	full = append(full, payload...)

	ent, err := decodeRecord(full, true)
	if err != nil {
		s.err = err
		return false
	}

	off := s.end
	s.end += int64(len(full))
	s.cur = &scannedEntry{entry: ent, Offset: off}
	return true
}
