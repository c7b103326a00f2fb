package gossip

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStakeBucket(t *testing.T) {
	assert.Equal(t, 0, stakeBucket(0))
	assert.Equal(t, 0, stakeBucket(lamportsPerSol-1))
	assert.Equal(t, 1, stakeBucket(lamportsPerSol))
	assert.Equal(t, 2, stakeBucket(2*lamportsPerSol))
	assert.Equal(t, 2, stakeBucket(3*lamportsPerSol))
	assert.Equal(t, 11, stakeBucket(1024*lamportsPerSol))
	assert.Equal(t, numStakeBuckets-1, stakeBucket(^uint64(0)))
}

func TestStakeWeight(t *testing.T) {
	assert.Equal(t, uint64(1), stakeWeight(0))
	assert.Equal(t, uint64(4), stakeWeight(lamportsPerSol))
	assert.Equal(t, uint64(144), stakeWeight(1024*lamportsPerSol))
}

func TestWeightedShuffle(t *testing.T) {
	t.Run("permutation", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		weights := []uint64{5, 0, 3, 0, 1, 8}

		shuffled := weightedShuffle(rng, weights)
		assert.Len(t, shuffled, len(weights))

		// Zero weights are always last.
		tail := []int{shuffled[4], shuffled[5]}
		sort.Ints(tail)
		assert.Equal(t, []int{1, 3}, tail)

		sort.Ints(shuffled)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, shuffled)
	})

	t.Run("favours larger weights", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))

		first := 0
		for i := 0; i != 1000; i++ {
			if weightedShuffle(rng, []uint64{1, 100})[0] == 1 {
				first++
			}
		}
		assert.Greater(t, first, 900)
	})

	t.Run("empty", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		assert.Empty(t, weightedShuffle(rng, nil))
	})
}

func TestWeightedIndex(t *testing.T) {
	t.Run("zero weights", func(t *testing.T) {
		_, ok := newWeightedIndex([]uint64{0, 0})
		assert.False(t, ok)

		_, ok = newWeightedIndex(nil)
		assert.False(t, ok)
	})

	t.Run("single non-zero weight", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		index, ok := newWeightedIndex([]uint64{0, 1, 0})
		assert.True(t, ok)
		for i := 0; i != 100; i++ {
			assert.Equal(t, 1, index.sample(rng))
		}
	})

	t.Run("distribution", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		index, ok := newWeightedIndex([]uint64{1, 3})
		assert.True(t, ok)

		counts := make([]int, 2)
		for i := 0; i != 10000; i++ {
			counts[index.sample(rng)]++
		}
		assert.InDelta(t, 2500, counts[0], 300)
		assert.InDelta(t, 7500, counts[1], 300)
	})
}
