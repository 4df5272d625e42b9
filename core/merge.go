package core

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// mergeScratchDirName is the scratch subdirectory merge builds the next
// generation of segments in before swapping it into place.
const mergeScratchDirName = "temp"

// Merge is an offline, operator-triggered compaction. It rewrites every
// currently-live record into a brand-new segment sequence built from scratch,
// drops everything dead (superseded or tombstoned), and replaces the old
// segments with the new ones. It does not run automatically and there is no
// background scheduler; this store leaves merge timing to the caller rather
// than guessing a good moment.
//
// The new generation is assembled in a scratch "temp" subdirectory. Every new
// segment and the new snapshot are fsynced there first; then the snapshot is
// renamed into the root, then each new segment, and only after that are
// stale segments with ids above the new range removed. These steps are not
// atomic as a group: a crash between them can leave the root with a snapshot
// and segment files from different generations.
func (db *DB) Merge() (rerr error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.garbageBytes == 0 {
		return nil
	}

	// the active segment's writer may hold buffered bytes the raw ReadAt
	// copies below would otherwise miss; push them out first.
	if err := db.activeSegment().writer.Flush(false); err != nil {
		return fmt.Errorf("flush active segment before merge: %w", err)
	}

	scratch := filepath.Join(db.opts.BaseDir, mergeScratchDirName)
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("clear merge scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create merge scratch dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	sources := map[uint64]*os.File{}
	defer func() {
		for _, f := range sources {
			_ = f.Close()
		}
	}()

	mergedKd := newKeydir()
	counter := uint64(0)

	writers := []*segmentWriter{}
	defer func() {
		if rerr != nil {
			for _, w := range writers {
				_ = w.Close()
			}
		}
	}()

	w, err := createSegmentWriter(scratch, counter)
	if err != nil {
		return fmt.Errorf("open merge segment %d: %w", counter, err)
	}
	writers = append(writers, w)

	var workErr error
	db.kd.Range(nil, nil, func(key []byte, loc locator) bool {
		if w.Position()+loc.Size > db.opts.FileSizeLimit {
			counter++
			nw, cerr := createSegmentWriter(scratch, counter)
			if cerr != nil {
				workErr = fmt.Errorf("open merge segment %d: %w", counter, cerr)
				return false
			}
			writers = append(writers, nw)
			w = nw
		}

		src, ok := sources[loc.SegmentID]
		if !ok {
			f, oerr := os.Open(segmentPath(db.opts.BaseDir, loc.SegmentID))
			if oerr != nil {
				workErr = fmt.Errorf("open source segment %d for merge: %w", loc.SegmentID, oerr)
				return false
			}
			sources[loc.SegmentID] = f
			src = f
		}

		// a raw byte copy: the record already carries its own CRC, so
		// copying it verbatim preserves that checksum across the move.
		buf := make([]byte, loc.Size)
		if _, rderr := src.ReadAt(buf, loc.Offset); rderr != nil {
			workErr = fmt.Errorf("read record at segment %d offset %d: %w", loc.SegmentID, loc.Offset, rderr)
			return false
		}

		off, aerr := w.AppendRaw(buf)
		if aerr != nil {
			workErr = fmt.Errorf("copy record during merge: %w", aerr)
			return false
		}

		mergedKd.Insert(key, locator{SegmentID: counter, Offset: off, Size: loc.Size, Timestamp: loc.Timestamp})
		return true
	})
	if workErr != nil {
		return workErr
	}

	for _, nw := range writers {
		if err := nw.Flush(true); err != nil {
			return fmt.Errorf("flush merge segment %d: %w", nw.id, err)
		}
	}

	// One complete directory is written once the whole scan is done, rather
	// than checkpointed and cleared at each rollover boundary: clearing it
	// mid-merge would drop every key copied into an earlier segment from the
	// final snapshot, and merge must preserve the full live-set.
	if err := writeSnapshot(scratch, mergedKd, counter); err != nil {
		return fmt.Errorf("write merge snapshot: %w", err)
	}

	for _, nw := range writers {
		if err := nw.Close(); err != nil {
			return fmt.Errorf("close merge segment %d: %w", nw.id, err)
		}
	}
	for _, f := range sources {
		_ = f.Close()
	}
	sources = nil

	oldSegments := append([]*segment(nil), db.segments...)

	if err := os.Rename(snapshotPath(scratch), snapshotPath(db.opts.BaseDir)); err != nil {
		return fmt.Errorf("install merge snapshot: %w", err)
	}
	for i := uint64(0); i <= counter; i++ {
		if err := os.Rename(segmentPath(scratch, i), segmentPath(db.opts.BaseDir, i)); err != nil {
			return fmt.Errorf("install merge segment %d: %w", i, err)
		}
	}

	var closeErr error
	for _, s := range oldSegments {
		if s.writer != nil {
			closeErr = multierr.Append(closeErr, s.writer.Close())
		}
		if s.reader != nil {
			closeErr = multierr.Append(closeErr, s.reader.Close())
		}
	}
	if closeErr != nil {
		db.opts.Logger.Warnw("error closing pre-merge segment handles", "error", closeErr)
	}

	var removeErr error
	for _, s := range oldSegments {
		if s.id <= counter {
			continue // this id now names one of the freshly-installed segments
		}
		if err := os.Remove(segmentPath(db.opts.BaseDir, s.id)); err != nil {
			removeErr = multierr.Append(removeErr, fmt.Errorf("remove stale segment %d: %w", s.id, err))
		}
	}
	if removeErr != nil {
		db.opts.Logger.Warnw("merge left stale segment files behind", "error", removeErr)
	}

	db.segments = db.segments[:0]
	for i := uint64(0); i <= counter; i++ {
		db.segments = append(db.segments, &segment{id: i})
	}

	active := db.segments[len(db.segments)-1]
	info, serr := os.Stat(segmentPath(db.opts.BaseDir, active.id))
	if serr != nil {
		return fmt.Errorf("stat merged active segment %d: %w", active.id, serr)
	}
	active.writer, err = openSegmentWriter(db.opts.BaseDir, active.id, info.Size())
	if err != nil {
		return fmt.Errorf("reopen merged active segment: %w", err)
	}

	db.kd = mergedKd
	db.maxSegment = active.id
	db.garbageBytes = 0
	db.garbageEntries = 0

	db.opts.Logger.Infow("merge complete", "segments_out", len(db.segments), "live_keys", db.kd.Len())
	return nil
}
