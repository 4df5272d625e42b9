package core

import (
	"encoding/binary"
	"fmt"

	"github.com/epokhe/bitdb/core/errs"
)

// tag identifies whether a record is a live value or a deletion marker.
type tag uint8

const (
	tagPut       tag = 0x00
	tagTombstone tag = 0xFF
)

// Put record:       u32 crc | u64 ts | u8 tag | u64 keyLen | u64 valLen | key | value
// Tombstone record: u32 crc | u64 ts | u8 tag | u64 keyLen | key
//
// All multi-byte integers are big-endian. The checksum never covers itself.
const (
	crcLen       = 4
	tsLen        = 8
	tagLen       = 1
	lenFieldLen  = 8
	putHdrLen    = crcLen + tsLen + tagLen + lenFieldLen + lenFieldLen
	tombHdrLen   = crcLen + tsLen + tagLen + lenFieldLen
	putBodyLen   = putHdrLen - crcLen
	tombBodyLen  = tombHdrLen - crcLen
)

// entry is a decoded on-disk record. Value is nil for a tombstone.
type entry struct {
	Timestamp uint64
	Tag       tag
	Key       []byte
	Value     []byte
}

// putRecordSize returns the full encoded length of a Put record for the given
// key/value lengths. This is the size captured in a Locator.
func putRecordSize(keyLen, valLen int) int64 {
	return int64(putHdrLen + keyLen + valLen)
}

func tombstoneRecordSize(keyLen int) int64 {
	return int64(tombHdrLen + keyLen)
}

// encodePut builds the full on-disk bytes of a Put record.
func encodePut(ts uint64, key, val []byte) []byte {
	total := putRecordSize(len(key), len(val))
	buf := make([]byte, total)

	body := buf[crcLen:]
	binary.BigEndian.PutUint64(body, ts)
	body = body[tsLen:]
	body[0] = byte(tagPut)
	body = body[tagLen:]
	binary.BigEndian.PutUint64(body, uint64(len(key)))
	body = body[lenFieldLen:]
	binary.BigEndian.PutUint64(body, uint64(len(val)))
	body = body[lenFieldLen:]
	copy(body, key)
	body = body[len(key):]
	copy(body, val)

	binary.BigEndian.PutUint32(buf[:crcLen], cksum(buf[crcLen:]))
	return buf
}

// encodeTombstone builds the full on-disk bytes of a tombstone record.
func encodeTombstone(ts uint64, key []byte) []byte {
	total := tombstoneRecordSize(len(key))
	buf := make([]byte, total)

	body := buf[crcLen:]
	binary.BigEndian.PutUint64(body, ts)
	body = body[tsLen:]
	body[0] = byte(tagTombstone)
	body = body[tagLen:]
	binary.BigEndian.PutUint64(body, uint64(len(key)))
	body = body[lenFieldLen:]
	copy(body, key)

	binary.BigEndian.PutUint32(buf[:crcLen], cksum(buf[crcLen:]))
	return buf
}

// peekHeader reads the fixed-size prefix common to both record kinds
// (crc, timestamp, tag) out of hdr, which must be at least tombHdrLen bytes.
func peekHeader(hdr []byte) (crc uint32, ts uint64, tg tag) {
	crc = binary.BigEndian.Uint32(hdr[:crcLen])
	ts = binary.BigEndian.Uint64(hdr[crcLen : crcLen+tsLen])
	tg = tag(hdr[crcLen+tsLen])
	return
}

// decodeRecord decodes a full record's bytes (as returned by the record's own
// declared size) and verifies its checksum. verifyChecksum=false skips only
// the checksum comparison; the store's own callers (the segment reader and
// scanner) always pass true, and merge copies records without decoding them.
func decodeRecord(buf []byte, verifyChecksum bool) (entry, error) {
	if len(buf) < tombHdrLen {
		return entry{}, fmt.Errorf("%w: record shorter than header", errs.ErrCorruptHeader)
	}

	crc, ts, tg := peekHeader(buf)

	switch tg {
	case tagPut:
		if len(buf) < putHdrLen {
			return entry{}, fmt.Errorf("%w: put record shorter than header", errs.ErrCorruptHeader)
		}
		rest := buf[crcLen+tsLen+tagLen:]
		keyLen := binary.BigEndian.Uint64(rest[:lenFieldLen])
		valLen := binary.BigEndian.Uint64(rest[lenFieldLen : 2*lenFieldLen])
		payload := rest[2*lenFieldLen:]
		if uint64(len(payload)) != keyLen+valLen {
			return entry{}, fmt.Errorf("%w: put record length mismatch", errs.ErrCorruptHeader)
		}

		if verifyChecksum {
			if computed := cksum(buf[crcLen:]); computed != crc {
				return entry{}, fmt.Errorf("%w: expected %08x, got %08x", errs.ErrChecksumFailed, crc, computed)
			}
		}

		return entry{
			Timestamp: ts,
			Tag:       tagPut,
			Key:       payload[:keyLen:keyLen],
			Value:     payload[keyLen : keyLen+valLen : keyLen+valLen],
		}, nil

	case tagTombstone:
		rest := buf[crcLen+tsLen+tagLen:]
		keyLen := binary.BigEndian.Uint64(rest[:lenFieldLen])
		payload := rest[lenFieldLen:]
		if uint64(len(payload)) != keyLen {
			return entry{}, fmt.Errorf("%w: tombstone record length mismatch", errs.ErrCorruptHeader)
		}

		if verifyChecksum {
			if computed := cksum(buf[crcLen:]); computed != crc {
				return entry{}, fmt.Errorf("%w: expected %08x, got %08x", errs.ErrChecksumFailed, crc, computed)
			}
		}

		return entry{
			Timestamp: ts,
			Tag:       tagTombstone,
			Key:       payload[:keyLen:keyLen],
		}, nil

	default:
		return entry{}, fmt.Errorf("%w: unrecognized tag %#x", errs.ErrCorruptHeader, byte(tg))
	}
}
