package gossip

import (
	"math/bits"
	"math/rand"
	"sort"
)

const (
	lamportsPerSol = 1_000_000_000

	// numStakeBuckets is the number of stake buckets nodes are grouped by.
	numStakeBuckets = 25
)

// stakeBucket returns the bucket of the given stake, which is the log2 of
// the stake in whole tokens capped to the number of buckets.
func stakeBucket(stake uint64) int {
	return min(bits.Len64(stake/lamportsPerSol), numStakeBuckets-1)
}

// stakeWeight returns a sampling weight that grows with the square of the
// log2 of the stake, which favours staked nodes without starving unstaked
// nodes.
func stakeWeight(stake uint64) uint64 {
	bucket := uint64(bits.Len64(stake / lamportsPerSol))
	return (bucket + 1) * (bucket + 1)
}

// weightedShuffle returns the indices of weights in a random order, where
// indices with a larger weight are more likely to appear earlier. Indices
// with a zero weight are placed last.
func weightedShuffle(rng *rand.Rand, weights []uint64) []int {
	type item struct {
		index int
		key   float64
	}

	var weighted []item
	var zeros []int
	for i, weight := range weights {
		if weight == 0 {
			zeros = append(zeros, i)
			continue
		}
		// Sorting by exp(1)/w samples without replacement proportional to
		// w.
		weighted = append(weighted, item{
			index: i,
			key:   rng.ExpFloat64() / float64(weight),
		})
	}
	sort.Slice(weighted, func(i, j int) bool {
		return weighted[i].key < weighted[j].key
	})
	rng.Shuffle(len(zeros), func(i, j int) {
		zeros[i], zeros[j] = zeros[j], zeros[i]
	})

	shuffled := make([]int, 0, len(weights))
	for _, item := range weighted {
		shuffled = append(shuffled, item.index)
	}
	return append(shuffled, zeros...)
}

// weightedIndex samples indices with replacement with probability
// proportional to their weight.
type weightedIndex struct {
	cumulative []uint64
	total      uint64
}

// newWeightedIndex returns a weighted index, or false if all weights are
// zero.
func newWeightedIndex(weights []uint64) (*weightedIndex, bool) {
	cumulative := make([]uint64, 0, len(weights))
	var total uint64
	for _, weight := range weights {
		total += weight
		cumulative = append(cumulative, total)
	}
	if total == 0 {
		return nil, false
	}
	return &weightedIndex{
		cumulative: cumulative,
		total:      total,
	}, true
}

func (w *weightedIndex) sample(rng *rand.Rand) int {
	x := uint64(rng.Int63n(int64(w.total)))
	return sort.Search(len(w.cumulative), func(i int) bool {
		return w.cumulative[i] > x
	})
}
