// Package sortedset is a transactional sorted set: a skiplist whose node
// fields are interposed scalars, so every operation runs as a serializable
// transaction over the stm runtime.
package sortedset

import (
	"math/rand"
	"unsafe"

	"github.com/pingcap-incubator/tinystm/stm"
)

const maxLevel = 23

// node lives in allocator-owned memory; links are stored as integer-encoded
// pointers in stm.Pointer cells. Every node carries the full tower, like
// the lock-free skiplist variants do, so the level of a node is implicit in
// which tower slots are linked.
type node struct {
	key  stm.Word
	val  stm.Word
	forw [maxLevel + 1]stm.Pointer
}

var nodeSize = int(unsafe.Sizeof(node{}))

// Set is a sorted set of uint64 keys with uint64 values. All methods are
// safe for concurrent use; each runs in its own transaction on the caller's
// registered thread.
type Set struct {
	s      *stm.STM
	header unsafe.Pointer // head node, immutable after New
	level  stm.Int64
	length stm.Int64
}

// New allocates the head tower. The set keeps no lock state of its own;
// the stm lock plane covers every word.
func New(s *stm.STM) *Set {
	return &Set{s: s, header: s.NewObject(nil, nodeSize, nil)}
}

func randomLevel() int {
	lvl := 0
	for lvl < maxLevel && rand.Uint64()&1 == 1 {
		lvl++
	}
	return lvl
}

// findPreds walks the tower down to level 0, filling update with the
// rightmost node whose key is < key on every level. Returns the candidate
// node at level 0, which is the first node with key >= key, or nil.
func (ss *Set) findPreds(tx *stm.Txn, key uint64, update *[maxLevel + 1]*node) *node {
	x := (*node)(ss.header)
	lvl := int(ss.level.Load(tx))
	for i := lvl; i >= 0; i-- {
		for {
			next := (*node)(x.forw[i].Load(tx))
			if next == nil || next.key.Load(tx) >= key {
				break
			}
			x = next
		}
		update[i] = x
	}
	return (*node)(x.forw[0].Load(tx))
}

// Add inserts key with value. Returns false if the key was already present
// (the value is left untouched).
func (ss *Set) Add(th *stm.Thread, key, value uint64) bool {
	var added bool
	th.UpdateTx(func(tx *stm.Txn) {
		added = false
		var update [maxLevel + 1]*node
		x := ss.findPreds(tx, key, &update)
		if x != nil && x.key.Load(tx) == key {
			return
		}
		lvl := int(ss.level.Load(tx))
		nl := randomLevel()
		if nl > lvl {
			hdr := (*node)(ss.header)
			for i := lvl + 1; i <= nl; i++ {
				update[i] = hdr
			}
			ss.level.Store(tx, int64(nl))
		}
		n := (*node)(ss.s.NewObject(tx, nodeSize, nil))
		n.key.Store(tx, key)
		n.val.Store(tx, value)
		for i := 0; i <= nl; i++ {
			n.forw[i].Store(tx, update[i].forw[i].Load(tx))
			update[i].forw[i].Store(tx, unsafe.Pointer(n))
		}
		ss.length.Add(tx, 1)
		added = true
	})
	return added
}

// Remove unlinks key and retires its node; the memory is freed when the
// transaction commits. Returns false if the key was not present.
func (ss *Set) Remove(th *stm.Thread, key uint64) bool {
	var removed bool
	th.UpdateTx(func(tx *stm.Txn) {
		removed = false
		var update [maxLevel + 1]*node
		x := ss.findPreds(tx, key, &update)
		if x == nil || x.key.Load(tx) != key {
			return
		}
		lvl := int(ss.level.Load(tx))
		for i := 0; i <= lvl; i++ {
			if (*node)(update[i].forw[i].Load(tx)) != x {
				break
			}
			update[i].forw[i].Store(tx, x.forw[i].Load(tx))
		}
		hdr := (*node)(ss.header)
		for lvl > 0 && hdr.forw[lvl].Load(tx) == nil {
			lvl--
		}
		ss.level.Store(tx, int64(lvl))
		ss.s.DeleteObject(tx, unsafe.Pointer(x), nil)
		ss.length.Add(tx, -1)
		removed = true
	})
	return removed
}

// Contains reports whether key is in the set.
func (ss *Set) Contains(th *stm.Thread, key uint64) bool {
	var found bool
	th.ReadTx(func(tx *stm.Txn) {
		var update [maxLevel + 1]*node
		x := ss.findPreds(tx, key, &update)
		found = x != nil && x.key.Load(tx) == key
	})
	return found
}

// Get returns key's value.
func (ss *Set) Get(th *stm.Thread, key uint64) (uint64, bool) {
	var (
		val   uint64
		found bool
	)
	th.ReadTx(func(tx *stm.Txn) {
		val, found = 0, false
		var update [maxLevel + 1]*node
		x := ss.findPreds(tx, key, &update)
		if x != nil && x.key.Load(tx) == key {
			val = x.val.Load(tx)
			found = true
		}
	})
	return val, found
}

// RangeQuery returns the keys in [lo, hi) in ascending order, atomically.
func (ss *Set) RangeQuery(th *stm.Thread, lo, hi uint64) []uint64 {
	var keys []uint64
	th.ReadTx(func(tx *stm.Txn) {
		keys = keys[:0]
		var update [maxLevel + 1]*node
		x := ss.findPreds(tx, lo, &update)
		for x != nil {
			k := x.key.Load(tx)
			if k >= hi {
				break
			}
			keys = append(keys, k)
			x = (*node)(x.forw[0].Load(tx))
		}
	})
	return keys
}

// Len returns the number of keys.
func (ss *Set) Len(th *stm.Thread) int {
	var n int64
	th.ReadTx(func(tx *stm.Txn) {
		n = ss.length.Load(tx)
	})
	return int(n)
}
