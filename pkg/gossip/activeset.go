package gossip

import (
	"math/rand"

	"github.com/andydunstall/crds/pkg/bloom"
	"github.com/andydunstall/crds/pkg/identity"
)

const (
	// minNumBloomItems is the minimum number of items prune filters are
	// sized for.
	minNumBloomItems = 512

	pruneBloomFalseRate = 0.1
	pruneBloomMaxBits   = 1024 * 8 * 4
)

// activeSet is the set of peers values are pushed to.
//
// Peers are grouped into buckets by stake. Values are pushed using the
// bucket of the min of the local and origin stake, so values from highly
// staked origins are more likely pushed to highly staked peers, while
// buckets for lower stakes still include unstaked peers.
//
// Each peer has a bloom filter of the origins it has pruned.
type activeSet struct {
	entries [numStakeBuckets]*activeSetEntry
}

func newActiveSet() *activeSet {
	s := &activeSet{}
	for i := range s.entries {
		s.entries[i] = &activeSetEntry{}
	}
	return s
}

// Nodes returns the peers to push a value from origin to, in the order
// they were added.
func (s *activeSet) Nodes(
	self identity.Pubkey,
	origin identity.Pubkey,
	shouldForcePush func(node identity.Pubkey) bool,
	stakes map[identity.Pubkey]uint64,
) []identity.Pubkey {
	stake := min(stakes[self], stakes[origin])
	return s.entry(stake).Nodes(self, origin, shouldForcePush)
}

// Prune marks origins as pruned by node.
func (s *activeSet) Prune(
	self identity.Pubkey,
	node identity.Pubkey,
	origins []identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
) {
	selfStake := stakes[self]
	for _, origin := range origins {
		if origin == self {
			continue
		}
		stake := min(selfStake, stakes[origin])
		s.entry(stake).Prune(node, origin)
	}
}

// Rotate adds nodes to each bucket sampled by stake, and drops the oldest
// peers from any bucket larger than size.
func (s *activeSet) Rotate(
	rng *rand.Rand,
	size int,
	clusterSize int,
	nodes []identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
) {
	numBloomItems := max(clusterSize, minNumBloomItems)

	buckets := make([]int, 0, len(nodes))
	for _, node := range nodes {
		buckets = append(buckets, stakeBucket(stakes[node]))
	}
	for k, entry := range s.entries {
		weights := make([]uint64, 0, len(buckets))
		for _, bucket := range buckets {
			b := uint64(min(bucket, k))
			weights = append(weights, (b+1)*(b+1))
		}
		entry.Rotate(rng, size, numBloomItems, nodes, weights)
	}
}

// Peers returns the peers in the bucket for the given stake.
func (s *activeSet) Peers(stake uint64) []identity.Pubkey {
	entry := s.entry(stake)
	peers := make([]identity.Pubkey, 0, len(entry.nodes))
	for _, node := range entry.nodes {
		peers = append(peers, node.pubkey)
	}
	return peers
}

func (s *activeSet) entry(stake uint64) *activeSetEntry {
	return s.entries[stakeBucket(stake)]
}

type activeSetNode struct {
	pubkey identity.Pubkey
	// pruned contains the origins the node pruned.
	pruned *bloom.Filter
}

// activeSetEntry is an insertion ordered set of peers.
type activeSetEntry struct {
	nodes []*activeSetNode
}

func (e *activeSetEntry) Nodes(
	self identity.Pubkey,
	origin identity.Pubkey,
	shouldForcePush func(node identity.Pubkey) bool,
) []identity.Pubkey {
	var nodes []identity.Pubkey
	for _, node := range e.nodes {
		// The bloom filter may have a false positive for our own pubkey,
		// but we must always be able to push our own values.
		if !node.pruned.Contains(origin[:]) ||
			(origin == self && node.pubkey != self) ||
			shouldForcePush(node.pubkey) {
			nodes = append(nodes, node.pubkey)
		}
	}
	return nodes
}

func (e *activeSetEntry) Prune(node identity.Pubkey, origin identity.Pubkey) {
	for _, n := range e.nodes {
		if n.pubkey == node {
			n.pruned.Add(origin[:])
			return
		}
	}
}

func (e *activeSetEntry) Rotate(
	rng *rand.Rand,
	size int,
	numBloomItems int,
	nodes []identity.Pubkey,
	weights []uint64,
) {
	for _, index := range weightedShuffle(rng, weights) {
		if len(e.nodes) > size {
			break
		}
		node := nodes[index]
		if e.contains(node) {
			continue
		}
		pruned := bloom.New(numBloomItems, pruneBloomFalseRate, pruneBloomMaxBits, rng)
		// Never push a nodes own values back to it.
		pruned.Add(node[:])
		e.nodes = append(e.nodes, &activeSetNode{
			pubkey: node,
			pruned: pruned,
		})
	}
	// Drop the oldest nodes while preserving the order of the others.
	if len(e.nodes) > size {
		e.nodes = append([]*activeSetNode(nil), e.nodes[len(e.nodes)-size:]...)
	}
}

func (e *activeSetEntry) contains(pubkey identity.Pubkey) bool {
	for _, node := range e.nodes {
		if node.pubkey == pubkey {
			return true
		}
	}
	return false
}
