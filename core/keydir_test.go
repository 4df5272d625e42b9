package core

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestKeydirInsertGetRemove(t *testing.T) {
	kd := newKeydir()

	if _, ok := kd.Get([]byte("a")); ok {
		t.Fatalf("expected empty keydir to miss")
	}

	_, replaced := kd.Insert([]byte("a"), locator{SegmentID: 1, Offset: 10})
	if replaced {
		t.Fatalf("first insert should not report replaced")
	}
	if kd.Len() != 1 {
		t.Fatalf("expected length 1, got %d", kd.Len())
	}

	prev, replaced := kd.Insert([]byte("a"), locator{SegmentID: 2, Offset: 20})
	if !replaced || prev.SegmentID != 1 {
		t.Fatalf("expected replace of prior locator, got replaced=%v prev=%+v", replaced, prev)
	}

	loc, ok := kd.Get([]byte("a"))
	if !ok || loc.SegmentID != 2 {
		t.Fatalf("expected updated locator, got %+v, %v", loc, ok)
	}

	removed, ok := kd.Remove([]byte("a"))
	if !ok || removed.SegmentID != 2 {
		t.Fatalf("expected remove to return last locator, got %+v, %v", removed, ok)
	}
	if kd.Len() != 0 {
		t.Fatalf("expected length 0 after remove, got %d", kd.Len())
	}
	if _, ok := kd.Get([]byte("a")); ok {
		t.Fatalf("expected key gone after remove")
	}
}

func TestKeydirKeysAreOrdered(t *testing.T) {
	kd := newKeydir()
	input := []string{"banana", "apple", "cherry", "date", "apricot"}
	for i, k := range input {
		kd.Insert([]byte(k), locator{Offset: int64(i)})
	}

	keys := kd.Keys()
	want := []string{"apple", "apricot", "banana", "cherry", "date"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i, k := range keys {
		if string(k) != want[i] {
			t.Errorf("Keys[%d] = %q, want %q", i, k, want[i])
		}
	}
}

func TestKeydirRangeBounds(t *testing.T) {
	kd := newKeydir()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		kd.Insert([]byte(k), locator{})
	}

	var got []string
	kd.Range([]byte("b"), []byte("d"), func(key []byte, _ locator) bool {
		got = append(got, string(key))
		return true
	})
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Range[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	got = nil
	kd.Range(nil, []byte("b"), func(key []byte, _ locator) bool {
		got = append(got, string(key))
		return true
	})
	if !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("unbounded-start range = %v", got)
	}

	got = nil
	kd.Range([]byte("d"), nil, func(key []byte, _ locator) bool {
		got = append(got, string(key))
		return true
	})
	if !equalStrings(got, []string{"d", "e"}) {
		t.Errorf("unbounded-end range = %v", got)
	}
}

func TestKeydirRangeStopsEarly(t *testing.T) {
	kd := newKeydir()
	for _, k := range []string{"a", "b", "c", "d"} {
		kd.Insert([]byte(k), locator{})
	}

	var got []string
	kd.Range(nil, nil, func(key []byte, _ locator) bool {
		got = append(got, string(key))
		return len(got) < 2
	})
	if len(got) != 2 {
		t.Fatalf("expected early stop after 2 entries, got %d", len(got))
	}
}

func TestKeydirRandomizedAgainstReferenceMap(t *testing.T) {
	kd := newKeydir()
	ref := map[string]locator{}
	rnd := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key-%04d", rnd.Intn(500))
		loc := locator{SegmentID: uint64(i), Offset: int64(i)}

		switch rnd.Intn(3) {
		case 0, 1:
			kd.Insert([]byte(key), loc)
			ref[key] = loc
		case 2:
			kd.Remove([]byte(key))
			delete(ref, key)
		}
	}

	if kd.Len() != len(ref) {
		t.Fatalf("length mismatch: keydir=%d reference=%d", kd.Len(), len(ref))
	}
	for key, want := range ref {
		got, ok := kd.Get([]byte(key))
		if !ok {
			t.Fatalf("missing key %q present in reference", key)
		}
		if got != want {
			t.Fatalf("locator mismatch for %q: got %+v want %+v", key, got, want)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
