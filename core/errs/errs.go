// Package errs defines the sentinel error taxonomy shared across the store.
package errs

import "errors"

var (
	// ErrKeyNotFound is returned when Get or Delete finds no live entry for a key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoInsert is returned by a conditional insert that found the key already present.
	ErrNoInsert = errors.New("key already present, not inserted")

	// ErrPayloadTooLarge is returned when a key or value exceeds its configured cap.
	ErrPayloadTooLarge = errors.New("payload exceeds configured size cap")

	// ErrChecksumFailed is returned when a record's stored CRC does not match its
	// recomputed CRC.
	ErrChecksumFailed = errors.New("record checksum mismatch")

	// ErrItemDeleted is returned when the segment reader decoded a tombstone where a
	// Put was expected, i.e. the caller held a stale Locator.
	ErrItemDeleted = errors.New("item marked deleted on disk")

	// ErrCorruptHeader is returned when a segment or snapshot file's magic header does
	// not match, or a record tag is not one of the two recognized values.
	ErrCorruptHeader = errors.New("corrupt header")
)
