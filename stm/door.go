package stm

import "unsafe"

// The low-level door. It exists to integrate external concurrency controls
// that drive the lock plane directly; it is not meant for end users, who
// should go through UpdateTx/ReadTx.

// BeginTxn starts a transaction on the calling goroutine's descriptor and
// returns it. There is no retry driver behind the door: after AbortTxn the
// caller decides whether to call BeginTxn again. Nesting is not supported.
func (s *STM) BeginTxn() *Txn {
	tx := s.currentTxn()
	tx.active = true
	tx.kind = txUpdate
	s.beginTxn(tx)
	return tx
}

// EndTxn commits the transaction: releases all lock state, frees retired
// memory and retires the announced timestamp.
func (s *STM) EndTxn(tx *Txn) {
	s.endTxn(tx)
}

// AbortTxn aborts the transaction, optionally rolling the undo log back.
// The descriptor stays in-transaction: the caller either restarts with
// BeginTxn (which waits for the recorded opponent, if any) or finishes with
// EndTxn.
func (s *STM) AbortTxn(tx *Txn, rollback bool) {
	s.abortTxn(tx, rollback)
}

// TryReadLockRange read-locks every 32-byte stride of [addr, addr+length).
// On false the arbiter decided die; locks acquired so far stay recorded in
// the read set and are released by AbortTxn.
func (s *STM) TryReadLockRange(tx *Txn, addr uintptr, length int) bool {
	for a := addr &^ 31; a < addr+uintptr(length); a += 32 {
		if !s.tryReadLock(tx, (*uint64)(unsafe.Pointer(a))) {
			return false
		}
	}
	return true
}

// TryWriteLockRange write-locks [addr, addr+length) word by word, which
// covers every 32-byte lock stride of the range, and snapshots each 8-byte
// word into the undo log so a rollback restores the whole extent.
func (s *STM) TryWriteLockRange(tx *Txn, addr uintptr, length int) bool {
	end := addr + uintptr(length)
	for a := addr &^ 7; a < end; a += 8 {
		if !s.tryWriteLock(tx, (*uint64)(unsafe.Pointer(a))) {
			return false
		}
	}
	return true
}
