// Package simulator runs an in-process network of gossip nodes, where
// messages are delivered directly between nodes, to measure how quickly
// records propagate across different topologies.
package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
)

const (
	// roundDuration is the simulated time between rounds.
	roundDuration = 100 * time.Millisecond

	gossipPortOffset = 9000
)

// Node is a simulated gossip node.
type Node struct {
	Keypair *identity.Keypair
	Gossip  *gossip.Gossip
	Stake   uint64
}

func (n *Node) Pubkey() identity.Pubkey {
	return n.Keypair.Pubkey()
}

func (n *Node) GossipAddr() string {
	return n.Gossip.ContactInfo().Gossip
}

// Network is a set of simulated nodes.
type Network struct {
	nodes   []*Node
	byKey   map[identity.Pubkey]*Node
	stakes  map[identity.Pubkey]uint64
	startMs uint64

	// pongsMockedAt is when pongs were last mocked, or zero if never.
	pongsMockedAt uint64

	prunedMu          sync.Mutex
	connectionsPruned map[[2]identity.Pubkey]struct{}
	stakePruned       uint64

	config gossip.Config

	logger log.Logger
}

func newNetwork(stakes []uint64, config gossip.Config, logger log.Logger) (*Network, error) {
	n := &Network{
		byKey:             make(map[identity.Pubkey]*Node),
		stakes:            make(map[identity.Pubkey]uint64),
		startMs:           uint64(time.Now().UnixMilli()),
		connectionsPruned: make(map[[2]identity.Pubkey]struct{}),
		config:            config,
		logger:            logger.WithSubsystem("simulator"),
	}
	for i, stake := range stakes {
		keypair := identity.NewKeypair()
		g, err := gossip.New(keypair, crds.ContactInfo{
			Gossip: fmt.Sprintf("127.0.0.1:%d", gossipPortOffset+i),
		}, config, log.NewNopLogger())
		if err != nil {
			return nil, fmt.Errorf("gossip: %w", err)
		}
		if _, err := g.RefreshContactInfo(n.startMs); err != nil {
			return nil, fmt.Errorf("contact info: %w", err)
		}

		node := &Node{
			Keypair: keypair,
			Gossip:  g,
			Stake:   stake,
		}
		n.nodes = append(n.nodes, node)
		n.byKey[node.Pubkey()] = node
		n.stakes[node.Pubkey()] = stake
	}
	return n, nil
}

// NewStar returns a network where node 0 knows every node, and every other
// node only knows itself and node 0.
func NewStar(num int, config gossip.Config, logger log.Logger) (*Network, error) {
	n, err := newNetwork(make([]uint64, num), config, logger)
	if err != nil {
		return nil, err
	}
	center := n.nodes[0]
	for _, node := range n.nodes[1:] {
		n.introduce(node, center)
		n.introduce(center, node)
	}
	return n, nil
}

// NewRing returns a network where each node knows itself and the previous
// node in the ring.
func NewRing(num int, config gossip.Config, logger log.Logger) (*Network, error) {
	n, err := newNetwork(make([]uint64, num), config, logger)
	if err != nil {
		return nil, err
	}
	for i, node := range n.nodes {
		n.introduce(node, n.nodes[(i+len(n.nodes)-1)%len(n.nodes)])
	}
	return n, nil
}

// NewConnected returns a fully connected network with the given node
// stakes.
func NewConnected(stakes []uint64, config gossip.Config, logger log.Logger) (*Network, error) {
	n, err := newNetwork(stakes, config, logger)
	if err != nil {
		return nil, err
	}
	for _, node := range n.nodes {
		for _, other := range n.nodes {
			if node != other {
				n.introduce(node, other)
			}
		}
	}
	return n, nil
}

func (n *Network) Nodes() []*Node {
	return n.nodes
}

func (n *Network) Node(pubkey identity.Pubkey) (*Node, bool) {
	node, ok := n.byKey[pubkey]
	return node, ok
}

func (n *Network) Len() int {
	return len(n.nodes)
}

// Stakes returns the stake of each node.
func (n *Network) Stakes() map[identity.Pubkey]uint64 {
	return n.stakes
}

// Now returns the simulated time of the given round in milliseconds.
func (n *Network) Now(round int) uint64 {
	return n.startMs + uint64(round)*uint64(roundDuration.Milliseconds())
}

// Convergence returns the fraction of the networks records each node
// holds, averaged over all nodes.
//
// Nodes never purge their own records, so the total number of records is
// the sum of the records each node holds for itself.
func (n *Network) Convergence() float64 {
	total := 0
	records := 0
	for _, node := range n.nodes {
		store := node.Gossip.Store()
		total += store.Len()
		records += store.NumRecords(node.Pubkey())
	}
	if records == 0 {
		return 0
	}
	return float64(total) / float64(len(n.nodes)*records)
}

// NumConnectionsPruned returns the number of unique sender and origin
// pairs that have been pruned.
func (n *Network) NumConnectionsPruned() int {
	n.prunedMu.Lock()
	defer n.prunedMu.Unlock()

	return len(n.connectionsPruned)
}

// StakePruned returns the total stake of pruned senders, counting each
// pruned connection once.
func (n *Network) StakePruned() uint64 {
	n.prunedMu.Lock()
	defer n.prunedMu.Unlock()

	return n.stakePruned
}

// RefreshActiveSets refreshes the push active set of every node.
func (n *Network) RefreshActiveSets(now uint64) {
	for _, node := range n.nodes {
		// The network has no stakes when selecting peers so every node
		// uses the same bucket.
		node.Gossip.RefreshPushActiveSet(now, nil)
	}
}

// AddEdges adds the contact info of the previous node to each node, so
// there is a directed path between every pair of nodes.
func (n *Network) AddEdges() {
	for i, node := range n.nodes {
		n.introduce(node, n.nodes[(i+len(n.nodes)-1)%len(n.nodes)])
	}
}

// mockPongs marks every node as verified by every other node, unless
// already marked recently.
func (n *Network) mockPongs(now uint64) {
	refresh := uint64(n.config.Ping.TTL.Milliseconds()) / 2
	if n.pongsMockedAt != 0 && now < n.pongsMockedAt+refresh {
		return
	}
	n.pongsMockedAt = now

	t := time.UnixMilli(int64(now))
	for _, node := range n.nodes {
		for _, other := range n.nodes {
			if node != other {
				node.Gossip.PingCache().MockPong(other.Pubkey(), other.GossipAddr(), t)
			}
		}
	}
}

// introduce inserts the contact info of other into node.
func (n *Network) introduce(node *Node, other *Node) {
	entry, ok := other.Gossip.Store().Get(crds.ContactInfoLabel(other.Pubkey()))
	if !ok {
		panic("node missing own contact info")
	}
	_ = node.Gossip.Store().Insert(entry.Value, n.startMs, crds.RouteLocal)
}
