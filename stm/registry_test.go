package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryClaimsLowestFree(t *testing.T) {
	var r registry
	for i := 0; i < 8; i++ {
		tid, ok := r.claim()
		require.True(t, ok)
		assert.EqualValues(t, i, tid)
	}
	assert.Equal(t, 8, r.maxTIDPlusOne())

	r.release(3)
	tid, ok := r.claim()
	require.True(t, ok)
	assert.EqualValues(t, 3, tid)
	// The high-water mark never decreases.
	assert.Equal(t, 8, r.maxTIDPlusOne())
}

func TestRegistryExhaustion(t *testing.T) {
	var r registry
	for i := 0; i < MaxThreads; i++ {
		_, ok := r.claim()
		require.True(t, ok)
	}
	_, ok := r.claim()
	assert.False(t, ok)

	r.release(MaxThreads - 1)
	tid, ok := r.claim()
	require.True(t, ok)
	assert.EqualValues(t, MaxThreads-1, tid)
}

func TestRegisterReusesSlots(t *testing.T) {
	s := newTestSTM(t)
	th1, err := s.Register()
	require.NoError(t, err)
	th2, err := s.Register()
	require.NoError(t, err)
	assert.NotEqual(t, th1.tx.tid, th2.tx.tid)

	tid := th1.tx.tid
	th1.Close()
	th3, err := s.Register()
	require.NoError(t, err)
	assert.Equal(t, tid, th3.tx.tid)
	// The descriptor survives the slot turnover, counters included.
	assert.Same(t, th1.tx, th3.tx)
	th2.Close()
	th3.Close()
}

func TestGoroutineIDs(t *testing.T) {
	gid := goroutineID()
	assert.True(t, gid > 0)

	otherCh := make(chan int64)
	go func() { otherCh <- goroutineID() }()
	other := <-otherCh
	assert.NotEqual(t, gid, other)

	live := liveGoroutineIDs()
	_, ok := live[gid]
	assert.True(t, ok)
}
