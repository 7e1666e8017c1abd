package stm

import (
	"runtime"
	"sync/atomic"
)

// Unlocked marks a write-lock word with no owner. Any other value is the
// owning TID, so the sentinel can never collide with a valid tid.
const Unlocked = uint64(1<<16) - 1

// lockTable is the distributed reader-writer lock plane: a write-lock word
// for every 32 bytes of address space, and a read-indicator bit matrix.
// Reader bits are striped so thread t's bits for all widx values live in a
// word region only t writes; the writer-side membership check just reads,
// so the read-arrival fast path never contends on a cache line.
type lockTable struct {
	mask     uint64 // numLocks - 1
	riPerTID uint64 // read-indicator words owned by each thread
	wlocks   []uint64
	readInd  []uint64
}

func newLockTable(numLocks uint64) *lockTable {
	t := &lockTable{
		mask:     numLocks - 1,
		riPerTID: numLocks >> 6,
		wlocks:   make([]uint64, numLocks),
		readInd:  make([]uint64, numLocks/64*MaxThreads),
	}
	for i := range t.wlocks {
		t.wlocks[i] = Unlocked
	}
	return t
}

// widx hashes an address to a write-lock index: one lock per 32 bytes.
// Distinct addresses may alias to the same lock; that over-serializes but
// never breaks serializability.
func (t *lockTable) widx(addr uintptr) uint64 {
	return (uint64(addr) >> 5) & t.mask
}

// ridx locates the read-indicator word for (widx, tid).
func (t *lockTable) ridx(widx uint64, tid uint16) uint64 {
	return uint64(tid)*t.riPerTID + widx>>6
}

func riBit(widx uint64) uint64 {
	return 1 << (widx & 63)
}

func (t *lockTable) writerOf(widx uint64) uint64 {
	return atomic.LoadUint64(&t.wlocks[widx])
}

// unlockWrite releases the write lock if held by tid.
func (t *lockTable) unlockWrite(addr *uint64, tid uint16) {
	widx := t.widx(wordAddr(addr))
	if atomic.LoadUint64(&t.wlocks[widx]) == uint64(tid) {
		atomic.StoreUint64(&t.wlocks[widx], Unlocked)
	}
}

// unlockRead clears tid's reader bit for widx. Clearing an unset bit is a
// no-op. Only tid itself ever writes this word.
func (t *lockTable) unlockRead(widx uint64, tid uint16) {
	ridx := t.ridx(widx, tid)
	ri := atomic.LoadUint64(&t.readInd[ridx])
	mask := riBit(widx)
	if ri&mask == 0 {
		return
	}
	atomic.StoreUint64(&t.readInd[ridx], ri&^mask)
}

// isEmpty reports whether no thread other than tid has its reader bit set
// for widx. Scans only tids that have ever been registered.
func (t *lockTable) isEmpty(widx uint64, tid uint16, maxTid int) bool {
	mask := riBit(widx)
	for itid := 0; itid < maxTid; itid++ {
		if uint16(itid) == tid {
			continue
		}
		ri := atomic.LoadUint64(&t.readInd[t.ridx(widx, uint16(itid))])
		if ri&mask != 0 {
			return false
		}
	}
	return true
}

// spinPause yields the processor between spin iterations. Goroutines have
// no pause instruction surface, and a pure spin can live-lock the scheduler
// when runnable goroutines outnumber Ps, so the spinner reschedules.
func spinPause(iter uint64) {
	if iter&63 == 63 {
		runtime.Gosched()
	}
}

// tryReadLock arrives on the read indicator for addr's lock and checks for
// a writer. A bit already set means the lock is already held in read mode
// by this transaction. Returns false only when the arbiter decided die.
func (s *STM) tryReadLock(tx *Txn, addr *uint64) bool {
	widx := s.locks.widx(wordAddr(addr))
	ridx := s.locks.ridx(widx, tx.tid)
	ri := atomic.LoadUint64(&s.locks.readInd[ridx])
	newri := ri | riBit(widx)
	if newri == ri {
		return true
	}
	tx.rs.add(widx)
	// Only this thread writes its own indicator words, so a plain atomic
	// store is the arrival.
	atomic.StoreUint64(&s.locks.readInd[ridx], newri)
	wstate := s.locks.writerOf(widx)
	if wstate == Unlocked || wstate == uint64(tx.tid) {
		return true
	}
	return s.readLockSlowPath(tx, widx, ridx, newri)
}

// tryWriteLock takes addr's write lock and records the undo snapshot. A
// lock already held by this transaction records a fresh snapshot and
// succeeds. Returns false only when the arbiter decided die.
func (s *STM) tryWriteLock(tx *Txn, addr *uint64) bool {
	widx := s.locks.widx(wordAddr(addr))
	wstate := s.locks.writerOf(widx)
	if wstate == uint64(tx.tid) {
		tx.ws.add(addr)
		return true
	}
	if wstate == Unlocked &&
		atomic.CompareAndSwapUint64(&s.locks.wlocks[widx], Unlocked, uint64(tx.tid)) &&
		s.locks.isEmpty(widx, tx.tid, s.reg.maxTIDPlusOne()) {
		tx.ws.add(addr)
		return true
	}
	if s.writeLockSlowPath(tx, widx) {
		tx.ws.add(addr)
		return true
	}
	return false
}

// readLockSlowPath decides wait-or-die against the writer holding widx.
// The transaction draws and publishes its timestamp on first conflict, then
// either waits for the writer to release or, if the writer announced an
// older timestamp, departs from the read indicator and dies.
func (s *STM) readLockSlowPath(tx *Txn, widx, ridx, ri uint64) bool {
	s.announceConflict(tx)
	var iter uint64
	for {
		if s.locks.writerOf(widx) == Unlocked {
			s.board.clear(tx.tid)
			return true
		}
		tx.oppTS = s.writerTimestamp(widx, tx.tid, &tx.oppTID)
		if tx.oppTS < tx.myTS {
			// The writer is older: die. Depart from the read indicator.
			atomic.StoreUint64(&s.locks.readInd[ridx], ri&^riBit(widx))
			conflictCounter.WithLabelValues("die").Inc()
			return false
		}
		spinPause(iter)
		iter++
		s.warnLongSpin(tx, iter)
	}
}

// writeLockSlowPath decides wait-or-die for a write acquisition. The thread
// announces itself on the read indicator so that competing writers see it
// when they scan the cohort, then loops trying to take the lock. Once the
// CAS wins and the reader column is empty the acquisition is final.
func (s *STM) writeLockSlowPath(tx *Txn, widx uint64) bool {
	s.announceConflict(tx)
	ridx := s.locks.ridx(widx, tx.tid)
	ri := atomic.LoadUint64(&s.locks.readInd[ridx])
	atomic.StoreUint64(&s.locks.readInd[ridx], ri|riBit(widx))
	var iter uint64
	for {
		wstate := s.locks.writerOf(widx)
		if wstate == Unlocked {
			atomic.CompareAndSwapUint64(&s.locks.wlocks[widx], Unlocked, uint64(tx.tid))
		}
		if s.locks.writerOf(widx) == uint64(tx.tid) && s.locks.isEmpty(widx, tx.tid, s.reg.maxTIDPlusOne()) {
			// The write lock subsumes any read lock we held on this widx.
			atomic.StoreUint64(&s.locks.readInd[ridx], ri&^riBit(widx))
			s.board.clear(tx.tid)
			return true
		}
		tx.oppTS = s.lowestCohortTimestamp(widx, tx.tid, &tx.oppTID)
		if tx.oppTS < tx.myTS {
			// An older reader or writer is announced: die. Depart and drop
			// the lock if the CAS above won it.
			atomic.StoreUint64(&s.locks.readInd[ridx], ri&^riBit(widx))
			if s.locks.writerOf(widx) == uint64(tx.tid) {
				atomic.StoreUint64(&s.locks.wlocks[widx], Unlocked)
			}
			conflictCounter.WithLabelValues("die").Inc()
			return false
		}
		spinPause(iter)
		iter++
		s.warnLongSpin(tx, iter)
	}
}

// announceConflict draws the transaction timestamp on first conflict and
// re-publishes it on the board if not currently announced. The timestamp is
// drawn once per transaction and survives aborts; that is what bounds the
// number of retries.
func (s *STM) announceConflict(tx *Txn) {
	if tx.myTS == NoTimestamp {
		tx.myTS = s.clock.next()
	}
	if s.board.get(tx.tid) == NoTimestamp {
		s.board.announce(tx.tid, tx.myTS)
	}
	conflictCounter.WithLabelValues("wait").Inc()
}

// writerTimestamp returns the announced timestamp of widx's current writer,
// or NoTimestamp when there is no writer, the writer is tid itself, or the
// writer has not announced. oppTID receives the writer's tid when a
// timestamp is returned, and noTID otherwise.
func (s *STM) writerTimestamp(widx uint64, tid uint16, oppTID *uint16) uint64 {
	*oppTID = noTID
	lowest := NoTimestamp
	wstate := s.locks.writerOf(widx)
	if wstate != Unlocked && wstate != uint64(tid) {
		ts := s.board.get(uint16(wstate))
		if ts < lowest {
			lowest = ts
			*oppTID = uint16(wstate)
		}
	}
	return lowest
}

// lowestCohortTimestamp scans the writer and every announced reader of widx
// other than tid, returning the minimum announced timestamp and the tid
// that produced it.
func (s *STM) lowestCohortTimestamp(widx uint64, tid uint16, oppTID *uint16) uint64 {
	lowest := s.writerTimestamp(widx, tid, oppTID)
	mask := riBit(widx)
	maxTid := s.reg.maxTIDPlusOne()
	for itid := 0; itid < maxTid; itid++ {
		if uint16(itid) == tid {
			continue
		}
		ri := atomic.LoadUint64(&s.locks.readInd[s.locks.ridx(widx, uint16(itid))])
		if ri&mask == 0 {
			continue
		}
		ts := s.board.get(uint16(itid))
		if ts < lowest {
			lowest = ts
			*oppTID = uint16(itid)
		}
	}
	return lowest
}
