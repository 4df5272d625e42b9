// Package core implements the embedded Bitcask-style key/value store.
package core

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"

	"github.com/epokhe/bitdb/core/errs"
)

// segment bundles one data segment's writer (nil for sealed segments) and a
// lazily opened reader.
type segment struct {
	id     uint64
	writer *segmentWriter // non-nil only for the active segment
	reader *segmentReader // opened lazily on first read
}

// DB is the store controller. It owns the key directory, the segment
// sequence, and the active segment's writer, and guards every operation with
// a single RWMutex (mutations take it exclusively, reads share it). It is not
// designed for concurrent callers, only for cooperative single-threaded use.
type DB struct {
	opts *Options

	mu       sync.RWMutex
	kd       *keydir
	segments []*segment // ascending by id; last is active

	maxSegment uint64 // highest segment id folded into the last-loaded/written snapshot

	// garbageBytes/garbageEntries accumulate bytes and entries made dead by
	// an overwrite or a delete since the store was opened or last merged.
	// They are not persisted: garbage written before a reopen is not counted.
	// Merge consults these to skip work when there is nothing to reclaim, and
	// resets them to zero once it completes.
	garbageBytes   int64
	garbageEntries int
}

// Open opens (or creates) a store rooted at dir.
func Open(dir string, opts ...Option) (db *DB, err error) {
	o := defaultOptions(dir, opts...)
	if err := o.validate(); err != nil {
		return nil, err
	}

	db = &DB{opts: o}

	defer func() {
		if err != nil {
			db.abortOnOpen()
		}
	}()

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	segIds, err := discoverSegmentIds(dir)
	if err != nil {
		return nil, fmt.Errorf("discover segments: %w", err)
	}

	if len(segIds) == 0 {
		db.kd = newKeydir()
		o.Logger.Infow("no segments found, creating a fresh store", "dir", dir)
		if err = db.addSegment(); err != nil {
			return nil, fmt.Errorf("create initial segment: %w", err)
		}
		return db, nil
	}

	if kd, maxSeg, lerr := loadSnapshot(dir); lerr == nil {
		db.kd = kd
		db.maxSegment = maxSeg
		o.Logger.Infow("loaded index snapshot", "max_segment", maxSeg)

		for _, id := range segIds {
			if id < maxSeg {
				continue
			}
			if err = db.scanSegmentInto(id); err != nil {
				return nil, fmt.Errorf("scan segment %d for tail entries: %w", id, err)
			}
		}
	} else {
		o.Logger.Warnw("no usable index snapshot, rebuilding from segments", "error", lerr)
		db.kd = newKeydir()
		for _, id := range segIds {
			if err = db.scanSegmentInto(id); err != nil {
				return nil, fmt.Errorf("scan segment %d: %w", id, err)
			}
		}
		active := segIds[len(segIds)-1]
		db.maxSegment = active
		if err = writeSnapshot(dir, db.kd, active); err != nil {
			return nil, fmt.Errorf("write recovery snapshot: %w", err)
		}
	}

	for _, id := range segIds {
		db.segments = append(db.segments, &segment{id: id})
	}

	if err = db.checkOrphanedSegments(segIds); err != nil {
		return nil, fmt.Errorf("check orphaned segments: %w", err)
	}

	active := db.segments[len(db.segments)-1]
	info, serr := os.Stat(segmentPath(dir, active.id))
	if serr != nil {
		return nil, fmt.Errorf("stat active segment %d: %w", active.id, serr)
	}
	active.writer, err = openSegmentWriter(dir, active.id, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open active segment %d: %w", active.id, err)
	}

	return db, nil
}

// discoverSegmentIds scans dir for files matching "<id>.kv" and returns
// their ids sorted ascending. There is no manifest; the directory listing
// is the authoritative segment sequence.
func discoverSegmentIds(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".kv") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".kv")
		id, perr := strconv.ParseUint(idStr, 10, 64)
		if perr != nil {
			continue // not one of ours, ignore
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// scanSegmentInto walks segment id front-to-back and folds every record
// into db.kd, applying puts and tombstones in file order so the last write
// wins.
func (db *DB) scanSegmentInto(id uint64) error {
	f, err := os.Open(segmentPath(db.opts.BaseDir, id))
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	sc, err := newSegmentScanner(f)
	if err != nil {
		return err
	}

	for sc.Scan() {
		rec := sc.Cur()
		switch rec.Tag {
		case tagPut:
			db.kd.Insert(rec.Key, locator{
				SegmentID: id,
				Offset:    rec.Offset,
				Size:      putRecordSize(len(rec.Key), len(rec.Value)),
				Timestamp: rec.Timestamp,
			})
		case tagTombstone:
			db.kd.Remove(rec.Key)
		}
	}
	if sc.Err() != nil {
		db.opts.Logger.Warnw("segment scan stopped on corruption", "segment", id, "error", sc.Err())
	}
	return nil
}

// checkOrphanedSegments warns about segment files on disk that no key
// directory entry references and that are not the active segment (the last
// id in segIds). Such a file holds no live record: everything in it was
// superseded or deleted, or it was left behind by an interrupted merge.
func (db *DB) checkOrphanedSegments(segIds []uint64) error {
	entries, err := os.ReadDir(db.opts.BaseDir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	expected := mapset.NewSet[string]()
	db.kd.Range(nil, nil, func(_ []byte, loc locator) bool {
		expected.Add(fmt.Sprintf("%d.kv", loc.SegmentID))
		return true
	})
	expected.Add(fmt.Sprintf("%d.kv", segIds[len(segIds)-1]))

	actual := mapset.NewSet[string]()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".kv") {
			continue
		}
		actual.Add(name)
	}

	if orphans := actual.Difference(expected); orphans.Cardinality() != 0 {
		db.opts.Logger.Warnw("orphaned segment files found", "files", orphans.ToSlice())
	}
	return nil
}

// claimNextSegmentId returns the id the next new segment should use: one
// past the highest id currently held, active or not.
func (db *DB) claimNextSegmentId() uint64 {
	var max uint64
	have := false
	for _, s := range db.segments {
		if !have || s.id > max {
			max = s.id
			have = true
		}
	}
	if !have {
		return 0
	}
	return max + 1
}

// addSegment creates a fresh active segment, appending it to db.segments.
// Any previously active segment's writer is left as-is; the caller is
// responsible for sealing it first if it should no longer accept writes.
func (db *DB) addSegment() error {
	id := db.claimNextSegmentId()
	w, err := createSegmentWriter(db.opts.BaseDir, id)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", id, err)
	}
	db.segments = append(db.segments, &segment{id: id, writer: w})
	return nil
}

func (db *DB) activeSegment() *segment {
	return db.segments[len(db.segments)-1]
}

// Close flushes and closes every open segment handle.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var err error
	for _, s := range db.segments {
		if s.writer != nil {
			err = multierr.Append(err, s.writer.Close())
		}
		if s.reader != nil {
			err = multierr.Append(err, s.reader.Close())
		}
	}
	return err
}

// abortOnOpen releases whatever Open managed to acquire before failing. Kept
// separate from Close, which assumes a fully-opened store.
func (db *DB) abortOnOpen() {
	for _, s := range db.segments {
		if s.writer != nil {
			_ = s.writer.Close()
		}
		if s.reader != nil {
			_ = s.reader.Close()
		}
	}
}

// readerFor returns the reader for segment s, opening it lazily.
func (db *DB) readerFor(s *segment) (*segmentReader, error) {
	if s.reader != nil {
		return s.reader, nil
	}
	r, err := openSegmentReader(db.opts.BaseDir, s.id)
	if err != nil {
		return nil, err
	}
	s.reader = r
	return r, nil
}

func (db *DB) segmentByID(id uint64) *segment {
	// segments is small in practice and kept sorted; a linear scan avoids
	// maintaining a parallel map kept in sync with db.segments.
	for _, s := range db.segments {
		if s.id == id {
			return s
		}
	}
	return nil
}

// Get returns the current value for key.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.get(key)
}

func (db *DB) get(key []byte) ([]byte, error) {
	loc, ok := db.kd.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrKeyNotFound, key)
	}
	// a failed read (checksum, tombstone, short segment) is reported as not
	// found; the underlying cause stays in the error chain
	val, err := db.readAt(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", errs.ErrKeyNotFound, key, err)
	}
	return val, nil
}

func (db *DB) readAt(loc locator) ([]byte, error) {
	seg := db.segmentByID(loc.SegmentID)
	if seg == nil {
		return nil, fmt.Errorf("locator references unknown segment %d", loc.SegmentID)
	}

	if seg.writer != nil {
		// the active segment's tail may not be visible to the mmap reader
		// yet; flush (not fsync) makes it visible via the page cache.
		if err := seg.writer.Flush(false); err != nil {
			return nil, err
		}
	}

	r, err := db.readerFor(seg)
	if err != nil {
		return nil, err
	}
	_, val, err := r.Get(loc.Offset, loc.Size)
	if err != nil {
		return nil, fmt.Errorf("read segment %d offset %d: %w", loc.SegmentID, loc.Offset, err)
	}
	return val, nil
}

// Exists reports whether key currently has a live value, without reading it.
func (db *DB) Exists(key []byte) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.kd.Get(key)
	return ok
}

// Insert sets key to val unconditionally.
func (db *DB) Insert(key, val []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.put(key, val)
	return err
}

// InsertIfAbsent sets key to val only if key has no current live value; it
// returns errs.ErrNoInsert otherwise.
func (db *DB) InsertIfAbsent(key, val []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.kd.Get(key); ok {
		return errs.ErrNoInsert
	}
	_, err := db.put(key, val)
	return err
}

func (db *DB) checkSizes(key, val []byte) error {
	if db.opts.MaxKeySize > 0 && len(key) > db.opts.MaxKeySize {
		return fmt.Errorf("%w: key length %d exceeds %d", errs.ErrPayloadTooLarge, len(key), db.opts.MaxKeySize)
	}
	if db.opts.MaxValueSize > 0 && len(val) > db.opts.MaxValueSize {
		return fmt.Errorf("%w: value length %d exceeds %d", errs.ErrPayloadTooLarge, len(val), db.opts.MaxValueSize)
	}
	return nil
}

func (db *DB) put(key, val []byte) (locator, error) {
	if err := db.checkSizes(key, val); err != nil {
		return locator{}, err
	}

	if err := db.rolloverIfNeeded(putRecordSize(len(key), len(val))); err != nil {
		return locator{}, err
	}

	active := db.activeSegment()
	ts := uint64(time.Now().Unix())
	off, size, err := active.writer.AppendPut(ts, key, val)
	if err != nil {
		return locator{}, err
	}
	if err := active.writer.Flush(db.opts.Fsync); err != nil {
		return locator{}, err
	}

	loc := locator{SegmentID: active.id, Offset: off, Size: size, Timestamp: ts}
	if prev, replaced := db.kd.Insert(key, loc); replaced {
		db.garbageBytes += prev.Size
		db.garbageEntries++
	}

	if err := db.flushSnapshot(); err != nil {
		return locator{}, err
	}
	return loc, nil
}

// Delete removes key's live value, if any. It returns errs.ErrKeyNotFound if
// the key has no live value. The index snapshot is not rewritten
// synchronously on delete; max_segment-aware reconstruction on reopen covers
// the gap (see loadSnapshot/scanSegmentInto in Open).
func (db *DB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.kd.Get(key); !ok {
		return fmt.Errorf("%w: %q", errs.ErrKeyNotFound, key)
	}

	if err := db.rolloverIfNeeded(tombstoneRecordSize(len(key))); err != nil {
		return err
	}

	active := db.activeSegment()
	ts := uint64(time.Now().Unix())
	if err := active.writer.AppendTombstone(ts, key); err != nil {
		return err
	}
	if err := active.writer.Flush(db.opts.Fsync); err != nil {
		return err
	}

	removed, _ := db.kd.Remove(key)
	db.garbageBytes += removed.Size
	db.garbageEntries++
	return nil
}

// rolloverIfNeeded seals the active segment and opens a fresh one when the
// next append of the given size would cross FileSizeLimit.
func (db *DB) rolloverIfNeeded(nextRecordSize int64) error {
	active := db.activeSegment()
	if active.writer.Position()+nextRecordSize <= db.opts.FileSizeLimit {
		return nil
	}

	sealedSize := active.writer.Position()
	if err := active.writer.Close(); err != nil {
		return fmt.Errorf("seal segment %d: %w", active.id, err)
	}
	active.writer = nil
	db.opts.Logger.Infow("sealed segment", "segment", active.id, "size", sealedSize)

	if err := db.addSegment(); err != nil {
		return err
	}
	return db.flushSnapshot()
}

// flushSnapshot rewrites the index snapshot with the active segment
// recorded as max_segment.
func (db *DB) flushSnapshot() error {
	db.maxSegment = db.activeSegment().id
	if err := writeSnapshot(db.opts.BaseDir, db.kd, db.maxSegment); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Flush forces a snapshot rewrite and fsyncs the active segment,
// independent of the Fsync option.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.activeSegment().writer.Flush(true); err != nil {
		return err
	}
	return db.flushSnapshot()
}

// Keys returns every live key in ascending order.
func (db *DB) Keys() [][]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.kd.Keys()
}

// KeysRange returns every live key in [start, end] (both bounds inclusive;
// a nil bound is unbounded on that side).
func (db *DB) KeysRange(start, end []byte) [][]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var keys [][]byte
	db.kd.Range(start, end, func(key []byte, _ locator) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	return keys
}

// Pair is one (key, value) yielded by Iter.
type Pair struct {
	Key   []byte
	Value []byte
}

// Iter calls fn for every live key in [start, end] in ascending order,
// stopping early if fn returns false. Values are read lazily as the
// iteration walks, not materialized up front. An entry whose read fails
// (checksum, deletion tag, or a vanished segment) is skipped silently, the
// same policy Get follows for a single stale Locator.
func (db *DB) Iter(start, end []byte, fn func(Pair) bool) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	db.kd.Range(start, end, func(key []byte, loc locator) bool {
		val, err := db.readAt(loc)
		if err != nil {
			return true
		}
		return fn(Pair{Key: append([]byte(nil), key...), Value: val})
	})
	return nil
}

// Stats reports basic store-level metrics.
type Stats struct {
	LiveKeys     int
	SegmentCount int
	DiskBytes    int64
}

// Stats computes current store metrics.
func (db *DB) Stats() (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var total int64
	for _, s := range db.segments {
		info, err := os.Stat(segmentPath(db.opts.BaseDir, s.id))
		if err != nil {
			return Stats{}, fmt.Errorf("stat segment %d: %w", s.id, err)
		}
		total += info.Size()
	}

	return Stats{
		LiveKeys:     db.kd.Len(),
		SegmentCount: len(db.segments),
		DiskBytes:    total,
	}, nil
}

// DiskSize returns the sum of all on-disk segment file sizes.
func (db *DB) DiskSize() (int64, error) {
	st, err := db.Stats()
	if err != nil {
		return 0, err
	}
	return st.DiskBytes, nil
}
