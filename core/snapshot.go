package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/epokhe/bitdb/core/errs"
)

// indexMagic is the fixed header of the index snapshot file.
const indexMagic = "KV-STORE - INDEX FILE\x00"

const snapshotName = "db.idx"

func snapshotPath(dir string) string {
	return filepath.Join(dir, snapshotName)
}

// writeSnapshot serializes kd in key-ascending order to the snapshot file
// under dir, preceded by the magic header and maxSegment (the highest
// segment id folded into this snapshot; reopen rescans segments at or above
// this id to pick up anything the snapshot missed, such as a delete). The
// write is atomic: a reader never observes a partially written snapshot.
func writeSnapshot(dir string, kd *keydir, maxSegment uint64) error {
	var buf bytes.Buffer
	buf.WriteString(indexMagic)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], maxSegment)
	buf.Write(u64[:])

	kd.Range(nil, nil, func(key []byte, loc locator) bool {
		binary.BigEndian.PutUint64(u64[:], uint64(len(key)))
		buf.Write(u64[:])
		buf.Write(key)

		binary.BigEndian.PutUint64(u64[:], loc.Timestamp)
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], loc.SegmentID)
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], uint64(loc.Offset))
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], uint64(loc.Size))
		buf.Write(u64[:])
		return true
	})

	return atomicWriteFile(snapshotPath(dir), buf.Bytes())
}

// loadSnapshot reads the snapshot file under dir into a fresh keydir and
// returns the maxSegment recorded in its header. The snapshot carries no
// framing checksum; any truncation or corruption is reported so the caller
// can fall back to a full log scan rather than trust a partial load.
func loadSnapshot(dir string) (kd *keydir, maxSegment uint64, err error) {
	path := snapshotPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	if len(data) < len(indexMagic)+8 {
		return nil, 0, fmt.Errorf("%w: index snapshot truncated", errs.ErrCorruptHeader)
	}
	if string(data[:len(indexMagic)]) != indexMagic {
		return nil, 0, fmt.Errorf("%w: unexpected index snapshot magic", errs.ErrCorruptHeader)
	}
	r := bytes.NewReader(data[len(indexMagic):])

	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, 0, fmt.Errorf("read snapshot max segment: %w", err)
	}
	maxSegment = binary.BigEndian.Uint64(u64[:])

	kd = newKeydir()
	for {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, fmt.Errorf("read snapshot key length: %w", err)
		}
		keyLen := binary.BigEndian.Uint64(u64[:])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, 0, fmt.Errorf("read snapshot key: %w", err)
		}

		var loc locator
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, 0, fmt.Errorf("read snapshot timestamp: %w", err)
		}
		loc.Timestamp = binary.BigEndian.Uint64(u64[:])

		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, 0, fmt.Errorf("read snapshot segment id: %w", err)
		}
		loc.SegmentID = binary.BigEndian.Uint64(u64[:])

		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, 0, fmt.Errorf("read snapshot offset: %w", err)
		}
		loc.Offset = int64(binary.BigEndian.Uint64(u64[:]))

		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, 0, fmt.Errorf("read snapshot size: %w", err)
		}
		loc.Size = int64(binary.BigEndian.Uint64(u64[:]))

		kd.Insert(key, loc)
	}

	return kd, maxSegment, nil
}
