package gossip

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/andydunstall/crds/pkg/identity"
)

const (
	// receivedCacheMinNumUpserts is the number of new values that must be
	// received from an origin before its senders are pruned.
	receivedCacheMinNumUpserts = 20

	// receivedCacheEntryCapacity is the maximum number of senders tracked
	// per origin.
	receivedCacheEntryCapacity = 50

	// numDupsThreshold is the number of duplicates after which a sender is
	// no longer credited for delivering a value.
	numDupsThreshold = 2
)

// receivedCache tracks which peers are pushing values from each origin, and
// how often each peer is among the first to deliver a new value.
//
// Peers that are rarely first to deliver are redundant and are pruned.
type receivedCache struct {
	cache *lru.Cache[identity.Pubkey, *receivedCacheEntry]
}

func newReceivedCache(capacity int) (*receivedCache, error) {
	cache, err := lru.New[identity.Pubkey, *receivedCacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	return &receivedCache{
		cache: cache,
	}, nil
}

// Record records that node pushed a value from origin, where numDups is the
// number of times the value had already been received (zero if the value
// was new).
func (c *receivedCache) Record(origin identity.Pubkey, node identity.Pubkey, numDups int) {
	entry, ok := c.cache.Get(origin)
	if !ok {
		entry = &receivedCacheEntry{
			nodes: make(map[identity.Pubkey]int),
		}
		c.cache.Add(origin, entry)
	}
	entry.Record(node, numDups)
}

// Prune returns the senders of origin to prune, and resets the origins
// entry. Returns nil if not enough values have been received from origin
// to make a decision.
func (c *receivedCache) Prune(
	self identity.Pubkey,
	origin identity.Pubkey,
	stakeThreshold float64,
	minIngressNodes int,
	stakes map[identity.Pubkey]uint64,
) []identity.Pubkey {
	entry, ok := c.cache.Peek(origin)
	if !ok || entry.numUpserts < receivedCacheMinNumUpserts {
		return nil
	}
	c.cache.Add(origin, &receivedCacheEntry{
		nodes: make(map[identity.Pubkey]int),
	})
	return entry.Prune(self, origin, stakeThreshold, minIngressNodes, stakes)
}

// Remove discards the entry for origin.
func (c *receivedCache) Remove(origin identity.Pubkey) {
	c.cache.Remove(origin)
}

type receivedCacheEntry struct {
	// nodes maps each sender to its score.
	nodes      map[identity.Pubkey]int
	numUpserts int
}

func (e *receivedCacheEntry) Record(node identity.Pubkey, numDups int) {
	if numDups == 0 {
		e.numUpserts++
	}
	if numDups < numDupsThreshold {
		e.nodes[node]++
	} else if len(e.nodes) < receivedCacheEntryCapacity {
		if _, ok := e.nodes[node]; !ok {
			e.nodes[node] = 0
		}
	}
}

// Prune returns the senders to prune. Senders are ranked by score then
// stake, and the highest ranked are kept until at least minIngressNodes
// are kept and their combined stake reaches stakeThreshold of the min of
// the local and origin stake.
func (e *receivedCacheEntry) Prune(
	self identity.Pubkey,
	origin identity.Pubkey,
	stakeThreshold float64,
	minIngressNodes int,
	stakes map[identity.Pubkey]uint64,
) []identity.Pubkey {
	minIngressStake := uint64(float64(min(stakes[self], stakes[origin])) * stakeThreshold)

	type sender struct {
		pubkey identity.Pubkey
		score  int
		stake  uint64
	}
	senders := make([]sender, 0, len(e.nodes))
	for node, score := range e.nodes {
		senders = append(senders, sender{
			pubkey: node,
			score:  score,
			stake:  stakes[node],
		})
	}
	sort.Slice(senders, func(i, j int) bool {
		if senders[i].score != senders[j].score {
			return senders[i].score > senders[j].score
		}
		if senders[i].stake != senders[j].stake {
			return senders[i].stake > senders[j].stake
		}
		return senders[i].pubkey.Compare(senders[j].pubkey) < 0
	})

	var pruned []identity.Pubkey
	var ingressStake uint64
	for k, sender := range senders {
		if k < minIngressNodes || ingressStake < minIngressStake {
			ingressStake = saturatingAdd(ingressStake, sender.stake)
			continue
		}
		// The origin is never asked to stop pushing its own values.
		if sender.pubkey == origin {
			continue
		}
		pruned = append(pruned, sender.pubkey)
	}
	return pruned
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
