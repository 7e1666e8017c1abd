package stm

import (
	"sync"
	"unsafe"

	"github.com/ngaut/log"
	uatomic "go.uber.org/atomic"

	"github.com/pingcap-incubator/tinystm/config"
)

// Transaction kinds. Read and update transactions currently share one
// driver path; the kind is plumbed through so a read-only fast path can be
// added without changing the surface.
const (
	txRead = iota
	txUpdate
)

// Txn is the per-thread operation descriptor. One is preallocated per
// registered tid and reused across every transaction that thread runs. It
// must only ever be touched by its owning thread.
type Txn struct {
	s      *STM
	tid    uint16
	active bool
	kind   int

	attempt uint64
	myTS    uint64
	oppTS   uint64
	oppTID  uint16

	rs      readSet
	ws      writeSet
	allocs  []deletable
	retires []unsafe.Pointer

	commits uatomic.Uint64
	aborts  uatomic.Uint64
}

// Attempt returns the current attempt number; it is 0 iff no transaction is
// in flight on this descriptor.
func (tx *Txn) Attempt() uint64 { return tx.attempt }

// Commits returns the number of transactions this descriptor committed.
func (tx *Txn) Commits() uint64 { return tx.commits.Load() }

// Aborts returns the number of aborts this descriptor went through.
func (tx *Txn) Aborts() uint64 { return tx.aborts.Load() }

// abortAndRetry rolls the transaction back and unwinds to the driver, which
// re-runs the body after waiting for the opponent.
func (tx *Txn) abortAndRetry() {
	tx.s.abortTxn(tx, true)
	panic(errTxnAborted)
}

// STM is the transactional-memory runtime: the lock plane, the conflict
// clock and timestamp board, the thread registry, the per-thread
// descriptors, and the allocator behind transactional allocation.
type STM struct {
	conf  config.Config
	locks *lockTable
	clock conflictClock
	board *timestampBoard
	reg   registry
	alloc Allocator

	descMu sync.Mutex
	descs  [MaxThreads]*Txn
}

// New builds a runtime from conf. Descriptors are allocated lazily as
// threads register, so an idle runtime costs only the lock arrays.
func New(conf *config.Config) (*STM, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	s := &STM{
		conf:  *conf,
		locks: newLockTable(conf.NumLocks),
		board: newTimestampBoard(),
		alloc: NewArena(conf.ArenaBlockSize),
	}
	return s, nil
}

var (
	defaultOnce sync.Once
	defaultSTM  *STM
)

// Default returns the process-wide runtime, built from config.DefaultConf
// on first use.
func Default() *STM {
	defaultOnce.Do(func() {
		s, err := New(&config.DefaultConf)
		if err != nil {
			log.Fatalf("stm: default config invalid: %v", err)
		}
		defaultSTM = s
	})
	return defaultSTM
}

// SetAllocator replaces the allocator. Must be called before any
// transactional allocation; existing allocations are not migrated.
func (s *STM) SetAllocator(a Allocator) { s.alloc = a }

// Allocator returns the runtime's allocator.
func (s *STM) Allocator() Allocator { return s.alloc }

// descOf returns tid's descriptor, creating it on first claim.
func (s *STM) descOf(tid uint16) *Txn {
	s.descMu.Lock()
	tx := s.descs[tid]
	if tx == nil {
		tx = &Txn{
			s:       s,
			tid:     tid,
			myTS:    NoTimestamp,
			oppTS:   NoTimestamp,
			oppTID:  noTID,
			rs:      newReadSet(s.conf.MaxReadSet),
			ws:      newWriteSet(s.conf.MaxWriteSet),
			allocs:  make([]deletable, 0, s.conf.MaxAllocs),
			retires: make([]unsafe.Pointer, 0, s.conf.MaxRetires),
		}
		s.descs[tid] = tx
	}
	s.descMu.Unlock()
	return tx
}

// Thread is an explicit registration: it pins a TID and its descriptor so
// hot paths skip the per-goroutine lookup. A Thread must only be used from
// one goroutine at a time, and Close must be called when done with it.
type Thread struct {
	s  *STM
	tx *Txn
}

// Register claims the lowest free TID. It fails with ErrRegistryFull when
// MaxThreads registrations are live.
func (s *STM) Register() (*Thread, error) {
	tid, ok := s.reg.claim()
	if !ok {
		s.reg.reclaimDead()
		if tid, ok = s.reg.claim(); !ok {
			return nil, ErrRegistryFull
		}
	}
	return &Thread{s: s, tx: s.descOf(tid)}, nil
}

// Close releases the TID slot for reuse by a later thread.
func (t *Thread) Close() {
	t.s.reg.release(t.tx.tid)
}

// UpdateTx runs fn as an update transaction, retrying until it commits.
func (t *Thread) UpdateTx(fn func(tx *Txn)) { t.s.transaction(t.tx, txUpdate, fn) }

// ReadTx runs fn as a read transaction, retrying until it commits.
func (t *Thread) ReadTx(fn func(tx *Txn)) { t.s.transaction(t.tx, txRead, fn) }

// currentTxn resolves the calling goroutine's descriptor, registering the
// goroutine on first use. Slots of exited goroutines are reclaimed when the
// registry would otherwise be exhausted.
func (s *STM) currentTxn() *Txn {
	gid := goroutineID()
	if v, ok := s.reg.gids.Load(gid); ok {
		return s.descOf(v.(uint16))
	}
	tid, ok := s.reg.claim()
	if !ok {
		s.reg.reclaimDead()
		if tid, ok = s.reg.claim(); !ok {
			panic(ErrRegistryFull)
		}
	}
	s.reg.gids.Store(gid, tid)
	s.reg.tidGid.Store(tid, gid)
	return s.descOf(tid)
}

// Release drops the calling goroutine's implicit registration, freeing its
// TID slot. Goroutines that used the package-level drivers and are about to
// exit should call it; otherwise the slot is reclaimed lazily on registry
// pressure.
func (s *STM) Release() {
	s.reg.releaseGoroutine(goroutineID())
}

// UpdateTx runs fn as an update transaction on the calling goroutine's
// descriptor, retrying until it commits.
func (s *STM) UpdateTx(fn func(tx *Txn)) { s.transaction(s.currentTxn(), txUpdate, fn) }

// ReadTx runs fn as a read transaction. Semantically identical to UpdateTx
// in this concurrency control; the distinction exists for specialization.
func (s *STM) ReadTx(fn func(tx *Txn)) { s.transaction(s.currentTxn(), txRead, fn) }

// Package-level drivers over the default runtime.

func UpdateTx(fn func(tx *Txn)) { Default().UpdateTx(fn) }

func ReadTx(fn func(tx *Txn)) { Default().ReadTx(fn) }

// Release drops the calling goroutine's implicit registration with the
// default runtime.
func Release() { Default().Release() }

// transaction is the driver: it loops attempts until one commits. A
// transaction invoked while another is in flight on the same descriptor
// runs the body inline with no begin or commit of its own.
func (s *STM) transaction(tx *Txn, kind int, fn func(tx *Txn)) {
	if tx.active {
		fn(tx)
		return
	}
	tx.active = true
	tx.kind = kind
	for !s.attemptTxn(tx, fn) {
	}
}

// attemptTxn runs one BEGIN/BODY/COMMIT cycle. An arbiter-driven abort has
// already rolled back and released by the time the sentinel reaches the
// recover; anything else propagates to the caller untouched.
func (s *STM) attemptTxn(tx *Txn, fn func(tx *Txn)) (committed bool) {
	s.beginTxn(tx)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(txnAborted); ok {
				committed = false
				return
			}
			panic(r)
		}
	}()
	fn(tx)
	s.endTxn(tx)
	return true
}

// beginTxn clears the transaction logs and, on a retry, waits for the
// opponent that killed the previous attempt to retire its timestamp.
func (s *STM) beginTxn(tx *Txn) {
	tx.allocs = tx.allocs[:0]
	tx.retires = tx.retires[:0]
	tx.ws.reset()
	tx.rs.reset()
	if tx.attempt > 0 {
		s.waitForOpponent(tx)
	}
	tx.attempt++
}

// endTxn commits: past this point aborts are impossible. Write locks are
// released with store-release, read locks depart, retired memory is freed,
// and the announced timestamp leaves the board.
func (s *STM) endTxn(tx *Txn) {
	for i := range tx.ws.entries {
		s.locks.unlockWrite(tx.ws.entries[i].addr, tx.tid)
	}
	for _, widx := range tx.rs.entries {
		s.locks.unlockRead(widx, tx.tid)
	}
	for _, p := range tx.retires {
		s.alloc.Free(p)
	}
	tx.ws.reset()
	tx.rs.reset()
	tx.allocs = tx.allocs[:0]
	tx.retires = tx.retires[:0]
	tx.commits.Inc()
	commitCounter.Inc()
	tx.attempt = 0
	s.board.clear(tx.tid)
	tx.myTS = NoTimestamp
	tx.oppTS = NoTimestamp
	tx.oppTID = noTID
	tx.active = false
}

// abortTxn rolls the undo log back in reverse, releases all lock state and
// reclaims this attempt's allocations. The transaction timestamp and the
// board announcement are kept: the age of a transaction spans its retries,
// which is what makes the oldest transaction unkillable.
func (s *STM) abortTxn(tx *Txn, rollback bool) {
	if rollback {
		tx.ws.rollback()
	}
	for i := range tx.ws.entries {
		s.locks.unlockWrite(tx.ws.entries[i].addr, tx.tid)
	}
	for _, widx := range tx.rs.entries {
		s.locks.unlockRead(widx, tx.tid)
	}
	for i := range tx.allocs {
		tx.allocs[i].reclaim(tx.allocs[i].obj)
	}
	tx.ws.reset()
	tx.rs.reset()
	tx.allocs = tx.allocs[:0]
	tx.retires = tx.retires[:0]
	tx.aborts.Inc()
	abortCounter.Inc()
}

// waitForOpponent spins until the opponent that killed the previous attempt
// retires the timestamp it was announced under. Because we only ever die to
// a strictly older transaction, this wait cannot cycle.
func (s *STM) waitForOpponent(tx *Txn) {
	if tx.oppTID == noTID {
		// Voluntary abort through the door: nobody to wait for.
		return
	}
	if tx.oppTS == NoTimestamp || !(tx.oppTS < tx.myTS) {
		log.Warnf("stm: bad wait: tid=%d myTS=%d oppTID=%d oppTS=%d", tx.tid, tx.myTS, tx.oppTID, tx.oppTS)
		return
	}
	var iter uint64
	for s.board.get(tx.oppTID) == tx.oppTS {
		spinPause(iter)
		iter++
		s.warnLongSpin(tx, iter)
	}
}

func (s *STM) warnLongSpin(tx *Txn, iter uint64) {
	if s.conf.SpinWarnIters != 0 && iter == s.conf.SpinWarnIters {
		log.Warnf("stm: still spinning after %d iterations: tid=%d myTS=%d waiting on oppTID=%d oppTS=%d",
			iter, tx.tid, tx.myTS, tx.oppTID, tx.oppTS)
	}
}

// Stats aggregates commit and abort totals over every descriptor.
func (s *STM) Stats() (commits, aborts uint64) {
	s.descMu.Lock()
	for _, tx := range s.descs {
		if tx != nil {
			commits += tx.commits.Load()
			aborts += tx.aborts.Load()
		}
	}
	s.descMu.Unlock()
	return commits, aborts
}

// Report logs total commits, aborts and the restart ratio. Intended for
// process shutdown.
func (s *STM) Report() {
	commits, aborts := s.Stats()
	log.Infof("stm: totalCommits=%d totalAborts=%d restartRatio=%.1f%%",
		commits, aborts, 100*float64(aborts)/float64(1+commits))
}
