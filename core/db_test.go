package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/epokhe/bitdb/core/errs"
)

func TestSetAndGet(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	if err := db.Insert([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if val, err := db.Get([]byte("foo")); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if string(val) != "bar" {
		t.Errorf("expected 'bar', got '%s'", val)
	}
}

func TestOverwrite(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	_ = db.Insert([]byte("key"), []byte("first"))
	_ = db.Insert([]byte("key"), []byte("second"))

	if val, err := db.Get([]byte("key")); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if string(val) != "second" {
		t.Errorf("expected 'second', got '%s'", val)
	}
}

func TestKeyNotFound(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	if _, err := db.Get([]byte("missing")); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestInsertIfAbsent(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	if err := db.InsertIfAbsent([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first InsertIfAbsent: %v", err)
	}
	if err := db.InsertIfAbsent([]byte("k"), []byte("v2")); !errors.Is(err, errs.ErrNoInsert) {
		t.Fatalf("expected ErrNoInsert, got %v", err)
	}
	if val, _ := db.Get([]byte("k")); string(val) != "v1" {
		t.Errorf("expected v1 preserved, got %q", val)
	}
}

func TestDelete(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	_ = db.Insert([]byte("k"), []byte("v"))
	if !db.Exists([]byte("k")) {
		t.Fatalf("expected k to exist before delete")
	}

	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if db.Exists([]byte("k")) {
		t.Fatalf("expected k gone after delete")
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}
	if err := db.Delete([]byte("k")); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound on double delete, got %v", err)
	}
}

func TestPersistence(t *testing.T) {
	db, path, _ := SetupTempDB(t)

	_ = db.Insert([]byte("a"), []byte("1"))
	_ = db.Insert([]byte("b"), []byte("2"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() //nolint:errcheck

	if val, err := db2.Get([]byte("a")); err != nil || string(val) != "1" {
		t.Errorf("expected a=1 after reopen, got %q, %v", val, err)
	}
	if val, err := db2.Get([]byte("b")); err != nil || string(val) != "2" {
		t.Errorf("expected b=2 after reopen, got %q, %v", val, err)
	}
}

func TestPersistenceAfterDeleteWithoutFlush(t *testing.T) {
	// Exercises the max_segment reconstruction path: a delete never forces a
	// synchronous snapshot rewrite, so reopening must still observe it by
	// scanning segments with id >= max_segment.
	db, path, _ := SetupTempDB(t)

	_ = db.Insert([]byte("a"), []byte("1"))
	_ = db.Delete([]byte("a"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close() //nolint:errcheck

	if _, err := db2.Get([]byte("a")); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("expected delete to survive reopen, got %v", err)
	}
}

func TestEmptyDB(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	if _, err := db.Get([]byte("nope")); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound on empty store, got %v", err)
	}
}

func TestManyKeys(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	for i := 0; i < 1000; i++ {
		k, v := fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i)
		_ = db.Insert([]byte(k), []byte(v))
	}

	for i := 0; i < 1000; i++ {
		k, want := fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i)
		if got, err := db.Get([]byte(k)); err != nil || string(got) != want {
			t.Errorf("Get %q = %q, %v; want %q", k, got, err, want)
		}
	}
}

func TestKeysAndRange(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	for _, k := range []string{"c", "a", "e", "b", "d"} {
		_ = db.Insert([]byte(k), []byte(k))
	}

	keys := db.Keys()
	want := []string{"a", "b", "c", "d", "e"}
	if len(keys) != len(want) {
		t.Fatalf("Keys: expected %d keys, got %d", len(want), len(keys))
	}
	for i, k := range keys {
		if string(k) != want[i] {
			t.Errorf("Keys[%d] = %q, want %q", i, k, want[i])
		}
	}

	rng := db.KeysRange([]byte("b"), []byte("d"))
	wantRange := []string{"b", "c", "d"}
	if len(rng) != len(wantRange) {
		t.Fatalf("KeysRange: expected %d keys, got %d", len(wantRange), len(rng))
	}
	for i, k := range rng {
		if string(k) != wantRange[i] {
			t.Errorf("KeysRange[%d] = %q, want %q", i, k, wantRange[i])
		}
	}
}

func TestIter(t *testing.T) {
	db, _, _ := SetupTempDB(t)

	_ = db.Insert([]byte("a"), []byte("1"))
	_ = db.Insert([]byte("b"), []byte("2"))
	_ = db.Insert([]byte("c"), []byte("3"))

	var got []Pair
	err := db.Iter(nil, nil, func(p Pair) bool {
		got = append(got, p)
		return true
	})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(got))
	}
	if string(got[1].Key) != "b" || string(got[1].Value) != "2" {
		t.Errorf("unexpected pair at index 1: %+v", got[1])
	}
}

func TestSegmentRollover(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithFileSizeLimit(64))

	for i := 0; i < 50; i++ {
		_ = db.Insert([]byte(fmt.Sprintf("k%03d", i)), []byte("xxxxxxxxxx"))
	}

	st, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.SegmentCount < 2 {
		t.Fatalf("expected rollover to produce multiple segments, got %d", st.SegmentCount)
	}
	if st.LiveKeys != 50 {
		t.Fatalf("expected 50 live keys, got %d", st.LiveKeys)
	}
}

func TestGetLatestWinsAcrossSegments(t *testing.T) {
	db, _, _ := SetupTempDB(t, WithFileSizeLimit(1)) // force a new segment per write

	_ = db.Insert([]byte("k"), []byte("v1"))
	_ = db.Insert([]byte("k"), []byte("v2"))

	out, err := db.Get([]byte("k"))
	if err != nil || string(out) != "v2" {
		t.Fatalf("want v2, got %q, %v", out, err)
	}
}

func TestRecoveryAcrossSegmentBoundary(t *testing.T) {
	db, dir, _ := SetupTempDB(t, WithFileSizeLimit(16))

	_ = db.Insert([]byte("foo"), []byte("A"))
	_ = db.Insert([]byte("foo"), []byte("B"))
	_ = db.Insert([]byte("foo"), []byte("C"))

	loc, _ := db.kd.Get([]byte("foo"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// truncate C's segment right before its record started
	f, err := os.OpenFile(segmentPath(dir, loc.SegmentID), os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open segment for truncation: %v", err)
	}
	if err := f.Truncate(loc.Offset); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	_ = f.Close()

	db2, err := Open(dir, WithFileSizeLimit(16))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() //nolint:errcheck

	got, err := db2.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if string(got) != "B" {
		t.Errorf("expected foo→B after recovery, got %q", got)
	}
}

func TestTruncatedRecordIgnored(t *testing.T) {
	// Writes a good record followed by a half-written header in raw bytes,
	// bypassing the writer entirely, and checks that Open stops the scan at
	// the last good record rather than erroring out.
	db, dir, _ := SetupTempDB(t)

	_ = db.Insert([]byte("x"), []byte("y"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var id uint64
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".kv" {
			fmt.Sscanf(e.Name(), "%d.kv", &id)
		}
	}

	f, err := os.OpenFile(segmentPath(dir, id), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open segment for corruption: %v", err)
	}
	// half of a record prefix (crc+ts+tag is 13 bytes)
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("open with truncated tail: %v", err)
	}
	defer db2.Close() //nolint:errcheck

	if val, err := db2.Get([]byte("x")); err != nil || string(val) != "y" {
		t.Errorf("expected x→y preserved, got %q, %v", val, err)
	}
}

func TestNextSegmentIdSkipsGaps(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []uint64{5, 9} {
		f, err := createSegmentWriter(dir, id)
		if err != nil {
			t.Fatalf("pre-seed segment %d: %v", id, err)
		}
		_ = f.Close()
	}

	db, err := Open(dir, WithFileSizeLimit(1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close() //nolint:errcheck

	_ = db.Insert([]byte("k"), []byte("v"))
	_ = db.Insert([]byte("k"), []byte("v")) // rolls to a new segment

	active := db.activeSegment()
	if active.id <= 9 {
		t.Fatalf("expected new id >9, got %d", active.id)
	}
}
