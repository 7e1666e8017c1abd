package stm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arenaOf(t *testing.T, s *STM) *ArenaAllocator {
	a, ok := s.Allocator().(*ArenaAllocator)
	require.True(t, ok)
	return a
}

// S5: every allocation made by an aborted attempt is reclaimed.
func TestAllocRollbackOnAbort(t *testing.T) {
	s := newTestSTM(t)
	arena := arenaOf(t, s)
	var contended Word
	_, release := holdWriteLock(t, s, &contended)
	defer release()

	th, err := s.Register()
	require.NoError(t, err)
	defer th.Close()

	allocs0, frees0 := arena.Stats()
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.UpdateTx(func(tx *Txn) {
			if tx.Attempt() == 1 {
				for i := 0; i < 100; i++ {
					s.NewObject(tx, 64, nil)
				}
				contended.Load(tx) // forces the abort
			}
		})
	}()

	waitUntil(t, func() bool { return th.tx.Aborts() == 1 })
	allocs1, frees1 := arena.Stats()
	assert.EqualValues(t, 100, allocs1-allocs0)
	assert.EqualValues(t, 100, frees1-frees0)

	release()
	<-done
	allocs2, frees2 := arena.Stats()
	// The committed retry allocated nothing.
	assert.Equal(t, allocs1, allocs2)
	assert.Equal(t, frees1, frees2)
}

// S6: retired memory is freed exactly once, at commit.
func TestRetireFreesOnCommit(t *testing.T) {
	s := newTestSTM(t)
	arena := arenaOf(t, s)
	th, err := s.Register()
	require.NoError(t, err)
	defer th.Close()

	p := s.Malloc(nil, 64)
	_, frees0 := arena.Stats()
	th.UpdateTx(func(tx *Txn) {
		s.Free(tx, p)
		_, frees := arena.Stats()
		assert.Equal(t, frees0, frees, "retired memory must not be freed before commit")
	})
	_, frees1 := arena.Stats()
	assert.EqualValues(t, 1, frees1-frees0)
}

// S6, abort side: an aborted attempt's retirements are not freed.
func TestRetireNotFreedOnAbort(t *testing.T) {
	s := newTestSTM(t)
	arena := arenaOf(t, s)
	var contended Word
	_, release := holdWriteLock(t, s, &contended)
	defer release()

	th, err := s.Register()
	require.NoError(t, err)
	defer th.Close()

	p := s.Malloc(nil, 64)
	_, frees0 := arena.Stats()
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.UpdateTx(func(tx *Txn) {
			if tx.Attempt() == 1 {
				s.Free(tx, p)
				contended.Load(tx)
			}
		})
	}()

	waitUntil(t, func() bool { return th.tx.Aborts() == 1 })
	_, frees1 := arena.Stats()
	assert.Equal(t, frees0, frees1, "aborted retirement must not free")

	release()
	<-done
	_, frees2 := arena.Stats()
	assert.Equal(t, frees0, frees2)
	// Still live; the caller owns it again.
	s.Free(nil, p)
}

func TestNewObjectFinalizerRunsOnAbort(t *testing.T) {
	s := newTestSTM(t)
	var contended Word
	_, release := holdWriteLock(t, s, &contended)
	defer release()

	th, err := s.Register()
	require.NoError(t, err)
	defer th.Close()

	finalized := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.UpdateTx(func(tx *Txn) {
			if tx.Attempt() == 1 {
				s.NewObject(tx, 32, func(unsafe.Pointer) { finalized++ })
				contended.Load(tx)
			}
		})
	}()

	waitUntil(t, func() bool { return th.tx.Aborts() == 1 })
	release()
	<-done
	assert.Equal(t, 1, finalized)
}

func TestDeleteObjectRunsFinalizerImmediately(t *testing.T) {
	s := newTestSTM(t)
	th, err := s.Register()
	require.NoError(t, err)
	defer th.Close()

	p := s.Malloc(nil, 32)
	finalized := false
	th.UpdateTx(func(tx *Txn) {
		s.DeleteObject(tx, p, func(unsafe.Pointer) { finalized = true })
		assert.True(t, finalized, "finalizer must run inside the transaction")
	})
}

func TestMallocOutsideTxnIsDirect(t *testing.T) {
	s := newTestSTM(t)
	arena := arenaOf(t, s)
	p := s.Malloc(nil, 24)
	require.NotNil(t, p)
	buf := (*[24]byte)(p)
	for _, b := range buf {
		assert.Zero(t, b)
	}
	allocs0, frees0 := arena.Stats()
	s.Free(nil, p)
	allocs1, frees1 := arena.Stats()
	assert.Equal(t, allocs0, allocs1)
	assert.EqualValues(t, 1, frees1-frees0)
}
