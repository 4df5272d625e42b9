package core

import (
	"bytes"
	"math/rand"
)

// maxHeight bounds the skip list's tower height. With p=0.5 a height of 16
// keeps the expected search cost logarithmic up to about 2^16 (65,536) keys;
// larger directories still work, with longer walks along the top level.
const (
	maxHeight = 16
	p         = 0.5
)

// locator identifies exactly one on-disk record.
type locator struct {
	SegmentID uint64
	Offset    int64
	Size      int64
	Timestamp uint64
}

// keydirNode is one skip list node. tower[i] points to the next node at
// level i; height == len(tower).
type keydirNode struct {
	key   []byte
	loc   locator
	tower []*keydirNode
}

// keydir is the in-memory, ordered key -> locator directory. It is a skip
// list storing Locator values, extended with a bounded Range walk.
//
// keydir is not safe for concurrent use; the store serializes access to it
// under its own lock.
type keydir struct {
	head   *keydirNode
	height int
	count  int
	rnd    *rand.Rand
}

func newKeydir() *keydir {
	return &keydir{
		head:   &keydirNode{tower: make([]*keydirNode, maxHeight)},
		height: 1,
		rnd:    rand.New(rand.NewSource(1)),
	}
}

func (kd *keydir) randomHeight() int {
	h := 1
	for h < maxHeight && kd.rnd.Float64() < p {
		h++
	}
	return h
}

// search returns the node matching key (nil if absent) and the per-level
// predecessor chain ("journey") used by Insert/Remove to relink towers.
func (kd *keydir) search(key []byte) (*keydirNode, [maxHeight]*keydirNode) {
	var journey [maxHeight]*keydirNode
	var next *keydirNode

	prev := kd.head
	for level := kd.height - 1; level >= 0; level-- {
		for next = prev.tower[level]; next != nil; next = prev.tower[level] {
			if bytes.Compare(key, next.key) <= 0 {
				break
			}
			prev = next
		}
		journey[level] = prev
	}

	if next != nil && bytes.Equal(key, next.key) {
		return next, journey
	}
	return nil, journey
}

// searchGE returns the first node whose key is >= target, or nil.
func (kd *keydir) searchGE(target []byte) *keydirNode {
	var next *keydirNode
	prev := kd.head

	for level := kd.height - 1; level >= 0; level-- {
		for next = prev.tower[level]; next != nil; next = prev.tower[level] {
			if bytes.Compare(next.key, target) >= 0 {
				break
			}
			prev = next
		}
	}
	return next
}

// Get returns the Locator for key, if present.
func (kd *keydir) Get(key []byte) (locator, bool) {
	node, _ := kd.search(key)
	if node == nil {
		return locator{}, false
	}
	return node.loc, true
}

// Insert replaces any previous Locator for key and returns it, if any.
func (kd *keydir) Insert(key []byte, loc locator) (prev locator, replaced bool) {
	found, journey := kd.search(key)
	if found != nil {
		prev = found.loc
		found.loc = loc
		return prev, true
	}

	height := kd.randomHeight()
	node := &keydirNode{
		key:   append([]byte(nil), key...),
		loc:   loc,
		tower: make([]*keydirNode, height),
	}

	for level := 0; level < height; level++ {
		p := journey[level]
		if p == nil {
			p = kd.head
		}
		node.tower[level] = p.tower[level]
		p.tower[level] = node
	}

	if height > kd.height {
		kd.height = height
	}
	kd.count++
	return locator{}, false
}

// Remove deletes key and returns its previous Locator, if present.
func (kd *keydir) Remove(key []byte) (locator, bool) {
	found, journey := kd.search(key)
	if found == nil {
		return locator{}, false
	}

	for level := 0; level < kd.height; level++ {
		if journey[level].tower[level] != found {
			break
		}
		journey[level].tower[level] = found.tower[level]
	}
	kd.shrink()
	kd.count--
	return found.loc, true
}

func (kd *keydir) shrink() {
	for kd.height > 1 && kd.head.tower[kd.height-1] == nil {
		kd.height--
	}
}

// Len returns the number of live keys.
func (kd *keydir) Len() int { return kd.count }

// Clear empties the directory.
func (kd *keydir) Clear() {
	kd.head = &keydirNode{tower: make([]*keydirNode, maxHeight)}
	kd.height = 1
	kd.count = 0
}

// Range iterates (key, locator) pairs in ascending key order with bounds
// inclusive on both ends. A nil start means "from the first key"; a nil end
// means "to the last key". Exclusive bounds are not supported here, and
// DB.KeysRange and DB.Iter pass their bounds through unchanged, so they do
// not offer exclusive bounds either.
func (kd *keydir) Range(start, end []byte, fn func(key []byte, loc locator) bool) {
	var node *keydirNode
	if start == nil {
		node = kd.head.tower[0]
	} else {
		node = kd.searchGE(start)
	}

	for node != nil {
		if end != nil && bytes.Compare(node.key, end) > 0 {
			return
		}
		if !fn(node.key, node.loc) {
			return
		}
		node = node.tower[0]
	}
}

// Keys returns every live key in ascending order.
func (kd *keydir) Keys() [][]byte {
	keys := make([][]byte, 0, kd.count)
	kd.Range(nil, nil, func(key []byte, _ locator) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
