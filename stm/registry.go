package stm

import (
	"sync"
	"sync/atomic"
)

// MaxThreads is the maximum number of concurrently registered threads. TIDs
// are dense integers in [0, MaxThreads).
const MaxThreads = 256

// noTID is the opponent-tid sentinel used while no opponent is recorded.
const noTID = uint16(MaxThreads)

// registry hands out dense thread ids. A claim scans the used-slot array for
// the lowest free slot and takes it with a CAS, so it is wait-free bounded
// by MaxThreads; release is a single store. maxTid is a monotonic high-water
// mark (highest claimed tid + 1) letting scans elsewhere stop early.
type registry struct {
	used   [MaxThreads]uint32
	maxTid int32

	// Goroutine-keyed registrations made by the package-level drivers.
	// Explicit Register() claims do not appear here.
	gids   sync.Map // goroutine id (int64) -> tid (uint16)
	tidGid sync.Map // tid (uint16) -> goroutine id (int64)
}

// claim takes the lowest free slot, raising maxTid to cover it.
func (r *registry) claim() (uint16, bool) {
	for tid := 0; tid < MaxThreads; tid++ {
		if atomic.LoadUint32(&r.used[tid]) != 0 {
			continue
		}
		if !atomic.CompareAndSwapUint32(&r.used[tid], 0, 1) {
			continue
		}
		for {
			cur := atomic.LoadInt32(&r.maxTid)
			if cur > int32(tid) || atomic.CompareAndSwapInt32(&r.maxTid, cur, int32(tid)+1) {
				break
			}
		}
		return uint16(tid), true
	}
	return 0, false
}

func (r *registry) release(tid uint16) {
	atomic.StoreUint32(&r.used[tid], 0)
}

// maxTIDPlusOne bounds the tids that may ever have held a registration.
// It never decreases, so reader-bit scans over [0, maxTIDPlusOne) are safe.
func (r *registry) maxTIDPlusOne() int {
	return int(atomic.LoadInt32(&r.maxTid))
}

// releaseGoroutine drops a goroutine-keyed registration.
func (r *registry) releaseGoroutine(gid int64) {
	if v, ok := r.gids.Load(gid); ok {
		tid := v.(uint16)
		r.gids.Delete(gid)
		r.tidGid.Delete(tid)
		r.release(tid)
	}
}

// reclaimDead frees the slots of goroutine-keyed registrations whose
// goroutine has exited. Called when a claim finds no free slot; the scan of
// the live goroutine set is expensive but only runs on exhaustion.
func (r *registry) reclaimDead() {
	live := liveGoroutineIDs()
	r.gids.Range(func(k, v interface{}) bool {
		gid := k.(int64)
		if _, ok := live[gid]; !ok {
			r.releaseGoroutine(gid)
		}
		return true
	})
}
