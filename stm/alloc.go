package stm

import (
	"unsafe"
)

// Malloc allocates size bytes of zeroed memory. Inside a transaction the
// allocation is logged and reclaimed if the transaction aborts; outside it
// is a plain allocator call.
func (s *STM) Malloc(tx *Txn, size int) unsafe.Pointer {
	p := s.alloc.Alloc(size)
	if tx != nil {
		tx.logAlloc(deletable{obj: p, reclaim: s.alloc.Free})
	}
	return p
}

// NewObject allocates zeroed storage for an object the caller constructs in
// place. fini, if non-nil, is the object's finalizer; on abort the reclaim
// runs fini and then frees the storage, undoing the construction.
func (s *STM) NewObject(tx *Txn, size int, fini func(unsafe.Pointer)) unsafe.Pointer {
	p := s.alloc.Alloc(size)
	if tx != nil {
		reclaim := s.alloc.Free
		if fini != nil {
			reclaim = func(obj unsafe.Pointer) {
				fini(obj)
				s.alloc.Free(obj)
			}
		}
		tx.logAlloc(deletable{obj: p, reclaim: reclaim})
	}
	return p
}

// Free retires p: the memory is freed when the transaction commits and left
// untouched if it aborts (other transactions may still observe it until the
// locks are released). Outside a transaction it frees immediately.
func (s *STM) Free(tx *Txn, p unsafe.Pointer) {
	if p == nil {
		return
	}
	if tx == nil {
		s.alloc.Free(p)
		return
	}
	tx.logRetire(p)
}

// DeleteObject runs fini immediately, so observers inside the transaction
// see a finalized object, and retires the memory like Free. If the
// transaction aborts the memory is not freed and fini is not run again; the
// transaction must not touch p again after deleting it.
func (s *STM) DeleteObject(tx *Txn, p unsafe.Pointer, fini func(unsafe.Pointer)) {
	if p == nil {
		return
	}
	if fini != nil {
		fini(p)
	}
	if tx == nil {
		s.alloc.Free(p)
		return
	}
	tx.logRetire(p)
}

func (tx *Txn) logAlloc(d deletable) {
	if len(tx.allocs) == cap(tx.allocs) {
		panic(&logOverflow{log: "allocation log", cap: cap(tx.allocs)})
	}
	tx.allocs = append(tx.allocs, d)
}

func (tx *Txn) logRetire(p unsafe.Pointer) {
	if len(tx.retires) == cap(tx.retires) {
		panic(&logOverflow{log: "retire log", cap: cap(tx.retires)})
	}
	tx.retires = append(tx.retires, p)
}

// Package-level wrappers over the default runtime.

func Malloc(tx *Txn, size int) unsafe.Pointer { return Default().Malloc(tx, size) }

func NewObject(tx *Txn, size int, fini func(unsafe.Pointer)) unsafe.Pointer {
	return Default().NewObject(tx, size, fini)
}

func Free(tx *Txn, p unsafe.Pointer) { Default().Free(tx, p) }

func DeleteObject(tx *Txn, p unsafe.Pointer, fini func(unsafe.Pointer)) {
	Default().DeleteObject(tx, p, fini)
}
