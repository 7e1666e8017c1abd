// Package stm is a software transactional memory runtime built on two-phase
// locking with per-word undo logging and a wait-die conflict arbiter.
//
// Shared state lives in 64-bit Word cells (and the typed views built on
// them). Application code mutates those cells inside a transaction body:
//
//	counter := new(stm.Word)
//	stm.UpdateTx(func(tx *stm.Txn) {
//		counter.Store(tx, counter.Load(tx)+1)
//	})
//
// A body may run several times: when the arbiter decides the transaction
// must die, the runtime rolls the undo log back, waits for the conflicting
// opponent to retire its timestamp, and re-executes the body. Values that a
// body computes must therefore be (re)assigned inside the closure, and the
// body must not perform non-transactional side effects. Results are returned
// by capture:
//
//	var v uint64
//	stm.ReadTx(func(tx *stm.Txn) { v = counter.Load(tx) })
//
// Passing a nil *Txn to a Word access makes it a plain memory access, which
// is how cells are used outside transactions.
//
// Conflicts are resolved by wait-die: on a lock conflict a transaction draws
// a timestamp from the global conflict clock and publishes it; the younger
// side of the conflict aborts while the older one waits, so the oldest
// transaction in the system can never be aborted and every transaction
// commits within at most MaxThreads attempts.
//
// The runtime aborts a body by panicking with a private sentinel that the
// driver recovers. Bodies must not recover it, and must not panic across the
// transaction boundary themselves: a user panic leaves the runtime in an
// indeterminate state.
package stm
