package gossip

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/crds/pkg/identity"
)

func TestReceivedCache_Prune(t *testing.T) {
	t.Run("not enough upserts", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		pubkeys := randomPubkeys(rng, 4)
		self, origin := pubkeys[0], pubkeys[1]

		cache, err := newReceivedCache(10)
		require.NoError(t, err)

		for i := 0; i != receivedCacheMinNumUpserts-1; i++ {
			cache.Record(origin, pubkeys[2], 0)
			cache.Record(origin, pubkeys[3], 5)
		}
		assert.Empty(t, cache.Prune(self, origin, 0.15, 2, nil))
	})

	t.Run("prunes redundant senders", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		pubkeys := randomPubkeys(rng, 6)
		self, origin := pubkeys[0], pubkeys[1]
		a, b, c, d := pubkeys[2], pubkeys[3], pubkeys[4], pubkeys[5]

		cache, err := newReceivedCache(10)
		require.NoError(t, err)

		for i := 0; i != receivedCacheMinNumUpserts; i++ {
			cache.Record(origin, a, 0)
			cache.Record(origin, b, 1)
			cache.Record(origin, c, 2)
			cache.Record(origin, d, 3)
		}
		pruned := cache.Prune(self, origin, 0.15, 2, nil)
		assert.ElementsMatch(t, []identity.Pubkey{c, d}, pruned)

		// The entry is reset after pruning.
		assert.Empty(t, cache.Prune(self, origin, 0.15, 2, nil))
	})

	t.Run("origin not pruned", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		pubkeys := randomPubkeys(rng, 4)
		self, origin, a := pubkeys[0], pubkeys[1], pubkeys[2]

		cache, err := newReceivedCache(10)
		require.NoError(t, err)

		for i := 0; i != receivedCacheMinNumUpserts; i++ {
			cache.Record(origin, a, 0)
			cache.Record(origin, pubkeys[3], 1)
			cache.Record(origin, origin, 4)
		}
		assert.Empty(t, cache.Prune(self, origin, 0.15, 2, nil))
	})

	t.Run("keeps min ingress stake", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		pubkeys := randomPubkeys(rng, 43)
		self, origin, first, senders := pubkeys[0], pubkeys[1], pubkeys[2], pubkeys[3:]

		stakes := make(map[identity.Pubkey]uint64)
		var totalStake uint64
		for _, sender := range senders {
			stake := uint64(rng.Intn(1000)+1) * lamportsPerSol
			stakes[sender] = stake
			totalStake += stake
		}
		stakes[self] = totalStake
		stakes[origin] = totalStake

		cache, err := newReceivedCache(10)
		require.NoError(t, err)

		for i := 0; i != receivedCacheMinNumUpserts; i++ {
			cache.Record(origin, first, 0)
		}
		for _, sender := range senders {
			cache.Record(origin, sender, 2)
		}

		pruned := cache.Prune(self, origin, 0.15, 2, stakes)
		require.NotEmpty(t, pruned)
		assert.NotContains(t, pruned, first)

		var prunedStake uint64
		for _, node := range pruned {
			prunedStake += stakes[node]
		}
		keptStake := totalStake - prunedStake
		assert.GreaterOrEqual(t, float64(keptStake), 0.15*float64(totalStake))

		// The lowest staked senders are pruned first.
		avgPruned := float64(prunedStake) / float64(len(pruned))
		avgStake := float64(totalStake) / float64(len(senders))
		assert.Less(t, avgPruned, avgStake)
	})

	t.Run("remove", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		pubkeys := randomPubkeys(rng, 4)
		self, origin := pubkeys[0], pubkeys[1]

		cache, err := newReceivedCache(10)
		require.NoError(t, err)

		for i := 0; i != receivedCacheMinNumUpserts; i++ {
			cache.Record(origin, pubkeys[2], 0)
			cache.Record(origin, pubkeys[3], 0)
			cache.Record(origin, self, 5)
		}
		cache.Remove(origin)
		assert.Empty(t, cache.Prune(self, origin, 0.15, 2, nil))
	})
}
