package stm

import (
	"sync/atomic"
	"unsafe"
)

// readSet records the widx values whose reader bit this transaction set, so
// commit and abort can release exactly those read locks. It is never
// validated: two-phase locking excludes conflicting writers for the whole
// transaction.
type readSet struct {
	entries []uint64
}

func newReadSet(capacity int) readSet {
	return readSet{entries: make([]uint64, 0, capacity)}
}

func (r *readSet) reset() {
	r.entries = r.entries[:0]
}

func (r *readSet) add(widx uint64) {
	if len(r.entries) == cap(r.entries) {
		panic(&logOverflow{log: "read set", cap: cap(r.entries)})
	}
	r.entries = append(r.entries, widx)
}

// writeSet is the undo log: the prior value of a word is snapshotted when
// its write lock is taken. A word re-locked by the same transaction gets a
// fresh entry each time; replaying in reverse makes the first-taken
// snapshot, the pre-transaction value, win.
type writeSet struct {
	entries []writeSetEntry
}

type writeSetEntry struct {
	addr  *uint64
	prior uint64
}

func newWriteSet(capacity int) writeSet {
	return writeSet{entries: make([]writeSetEntry, 0, capacity)}
}

func (w *writeSet) reset() {
	w.entries = w.entries[:0]
}

func (w *writeSet) add(addr *uint64) {
	if len(w.entries) == cap(w.entries) {
		panic(&logOverflow{log: "write set", cap: cap(w.entries)})
	}
	w.entries = append(w.entries, writeSetEntry{addr: addr, prior: atomic.LoadUint64(addr)})
}

// rollback restores snapshotted values in reverse order.
func (w *writeSet) rollback() {
	for i := len(w.entries) - 1; i >= 0; i-- {
		atomic.StoreUint64(w.entries[i].addr, w.entries[i].prior)
	}
}

// deletable is an allocation-log entry: the object plus a type-erased
// reclaim callback run if the transaction aborts.
type deletable struct {
	obj     unsafe.Pointer
	reclaim func(unsafe.Pointer)
}
