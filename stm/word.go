package stm

import (
	"sync/atomic"
	"unsafe"
)

func wordAddr(p *uint64) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// Word is the interposed scalar: a 64-bit cell whose load and store are the
// only instrumented memory operations. Larger structures become
// transactional by composition, one Word per field. With a nil transaction
// the access is a plain atomic memory operation.
type Word struct {
	v uint64
}

// Load reads the cell. Inside a transaction it acquires the read lock for
// the cell's address, aborting the transaction if the arbiter decides die.
func (w *Word) Load(tx *Txn) uint64 {
	if tx == nil {
		return atomic.LoadUint64(&w.v)
	}
	if !tx.s.tryReadLock(tx, &w.v) {
		tx.abortAndRetry()
	}
	return atomic.LoadUint64(&w.v)
}

// Store writes the cell. Inside a transaction it acquires the write lock
// and snapshots the prior value for rollback.
func (w *Word) Store(tx *Txn, v uint64) {
	if tx == nil {
		atomic.StoreUint64(&w.v, v)
		return
	}
	if !tx.s.tryWriteLock(tx, &w.v) {
		tx.abortAndRetry()
	}
	atomic.StoreUint64(&w.v, v)
}

// Add decomposes into an instrumented load and store, like any compound
// assignment on an interposed scalar.
func (w *Word) Add(tx *Txn, delta uint64) uint64 {
	v := w.Load(tx) + delta
	w.Store(tx, v)
	return v
}

// Int64 is a signed view over a Word.
type Int64 struct {
	w Word
}

func (i *Int64) Load(tx *Txn) int64 { return int64(i.w.Load(tx)) }

func (i *Int64) Store(tx *Txn, v int64) { i.w.Store(tx, uint64(v)) }

func (i *Int64) Add(tx *Txn, delta int64) int64 {
	v := i.Load(tx) + delta
	i.Store(tx, v)
	return v
}

// Bool is a boolean view over a Word.
type Bool struct {
	w Word
}

func (b *Bool) Load(tx *Txn) bool { return b.w.Load(tx) != 0 }

func (b *Bool) Store(tx *Txn, v bool) {
	var raw uint64
	if v {
		raw = 1
	}
	b.w.Store(tx, raw)
}

// Pointer is a pointer view over a Word. It is meant for pointers into
// allocator-owned memory (see Allocator): the cell stores the address as an
// integer, so the garbage collector does not see it as a reference.
type Pointer struct {
	w Word
}

func (p *Pointer) Load(tx *Txn) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p.w.Load(tx)))
}

func (p *Pointer) Store(tx *Txn, v unsafe.Pointer) {
	p.w.Store(tx, uint64(uintptr(v)))
}
