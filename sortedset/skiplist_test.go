package sortedset

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/stm"
)

func newTestSet(t *testing.T) (*stm.STM, *Set) {
	conf := config.DefaultConf
	conf.NumLocks = 1 << 16
	conf.ArenaBlockSize = 1 << 20
	s, err := stm.New(&conf)
	require.NoError(t, err)
	return s, New(s)
}

func register(t *testing.T, s *stm.STM) *stm.Thread {
	th, err := s.Register()
	require.NoError(t, err)
	return th
}

// TestAgainstReferenceModel replays a random op sequence against a btree
// and checks every answer matches.
func TestAgainstReferenceModel(t *testing.T) {
	s, set := newTestSet(t)
	th := register(t, s)
	defer th.Close()

	model := btree.New(8)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		key := uint64(rng.Intn(500))
		switch rng.Intn(3) {
		case 0:
			inModel := model.Has(btree.Int(key))
			assert.Equal(t, !inModel, set.Add(th, key, key*10))
			model.ReplaceOrInsert(btree.Int(key))
		case 1:
			inModel := model.Has(btree.Int(key))
			assert.Equal(t, inModel, set.Remove(th, key))
			model.Delete(btree.Int(key))
		default:
			assert.Equal(t, model.Has(btree.Int(key)), set.Contains(th, key))
		}
	}
	assert.Equal(t, model.Len(), set.Len(th))

	// Range results must match the model's ascending order.
	var want []uint64
	model.AscendRange(btree.Int(100), btree.Int(400), func(it btree.Item) bool {
		want = append(want, uint64(it.(btree.Int)))
		return true
	})
	got := set.RangeQuery(th, 100, 400)
	assert.Equal(t, want, got)
}

func TestGetReturnsValue(t *testing.T) {
	s, set := newTestSet(t)
	th := register(t, s)
	defer th.Close()

	require.True(t, set.Add(th, 7, 70))
	v, ok := set.Get(th, 7)
	assert.True(t, ok)
	assert.EqualValues(t, 70, v)
	_, ok = set.Get(th, 8)
	assert.False(t, ok)
}

// S4: 16 threads of mixed add/remove over one key range. Successful ops are
// serializable facts, so the net per-key success count decides membership.
func TestConcurrentMixedWorkload(t *testing.T) {
	const (
		threads  = 16
		keySpace = 10000
	)
	opsPerThread := 4000
	if testing.Short() {
		opsPerThread = 500
	}

	s, set := newTestSet(t)
	perThreadNet := make([][]int, threads)

	var wg sync.WaitGroup
	for g := 0; g < threads; g++ {
		th := register(t, s)
		perThreadNet[g] = make([]int, keySpace)
		wg.Add(1)
		go func(g int, th *stm.Thread) {
			defer wg.Done()
			defer th.Close()
			rng := rand.New(rand.NewSource(int64(g)))
			net := perThreadNet[g]
			for i := 0; i < opsPerThread; i++ {
				key := uint64(rng.Intn(keySpace))
				if rng.Intn(2) == 0 {
					if set.Add(th, key, key) {
						net[key]++
					}
				} else {
					if set.Remove(th, key) {
						net[key]--
					}
				}
			}
		}(g, th)
	}
	wg.Wait()

	th := register(t, s)
	defer th.Close()
	expectLen := 0
	for key := 0; key < keySpace; key++ {
		net := 0
		for g := 0; g < threads; g++ {
			net += perThreadNet[g][key]
		}
		require.True(t, net == 0 || net == 1, "key %d has impossible net count %d", key, net)
		assert.Equal(t, net == 1, set.Contains(th, uint64(key)), "key %d membership", key)
		expectLen += net
	}
	assert.Equal(t, expectLen, set.Len(th))

	// No key appears twice: a full range query is strictly increasing.
	keys := set.RangeQuery(th, 0, keySpace)
	for i := 1; i < len(keys); i++ {
		require.True(t, keys[i-1] < keys[i], "range result not strictly increasing at %d", i)
	}
	assert.Equal(t, expectLen, len(keys))

	s.Report()
}

func TestRangeQueryBounds(t *testing.T) {
	s, set := newTestSet(t)
	th := register(t, s)
	defer th.Close()

	for _, k := range []uint64{2, 4, 6, 8, 10} {
		require.True(t, set.Add(th, k, k))
	}
	assert.Equal(t, []uint64{4, 6, 8}, set.RangeQuery(th, 3, 9))
	assert.Equal(t, []uint64{2, 4, 6, 8, 10}, set.RangeQuery(th, 0, 100))
	assert.Empty(t, set.RangeQuery(th, 11, 100))
}
