package stm

import (
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

// NoTimestamp marks a timestamp-board slot with nothing announced.
const NoTimestamp = ^uint64(0)

// boardStride pads each announce slot onto its own cache line.
const boardStride = 16

// conflictClock issues transaction timestamps. It is the only totally
// ordered object in the runtime: every conflict draws from it, and wait-die
// compares the drawn values, so it must be a single fetch-add counter.
type conflictClock struct {
	c uatomic.Uint64
}

// next returns a fresh, globally unique timestamp. The first value drawn
// is 1; NoTimestamp is unreachable within any realistic process lifetime.
func (c *conflictClock) next() uint64 {
	return c.c.Inc()
}

// timestampBoard is the per-thread announced-timestamp array the arbiter
// reads to compare transaction ages. Slot t holds the timestamp announced
// by thread t, or NoTimestamp.
type timestampBoard struct {
	slots []uint64
}

func newTimestampBoard() *timestampBoard {
	b := &timestampBoard{slots: make([]uint64, MaxThreads*boardStride)}
	for tid := 0; tid < MaxThreads; tid++ {
		b.slots[tid*boardStride] = NoTimestamp
	}
	return b
}

func (b *timestampBoard) get(tid uint16) uint64 {
	return atomic.LoadUint64(&b.slots[int(tid)*boardStride])
}

func (b *timestampBoard) announce(tid uint16, ts uint64) {
	atomic.StoreUint64(&b.slots[int(tid)*boardStride], ts)
}

func (b *timestampBoard) clear(tid uint16) {
	atomic.StoreUint64(&b.slots[int(tid)*boardStride], NoTimestamp)
}
