// Package gossip implements the anti-entropy gossip protocol used to
// replicate the record store across the cluster.
//
// Records are disseminated using two complementary strategies. Push gossip
// forwards new records to a stake weighted set of active peers, and prunes
// redundant edges so the flood converges to an approximate spanning tree.
// Pull gossip periodically sends bloom filters of the known records to
// sampled peers, who respond with the records the requester is missing.
// Peers must respond to a ping from their advertised gossip address before
// they are selected as a target.
//
// Gossip contains no transport. The caller sends the returned messages
// and passes received messages back in. All timestamps are in milliseconds.
package gossip

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/pingpong"
)

// PingMessage is a ping to send to the given address.
type PingMessage struct {
	Addr string
	Ping *pingpong.Ping
}

// PeerPullRequest is a set of filters to send to a peer.
type PeerPullRequest struct {
	Peer    *crds.ContactInfo
	Filters []*Filter
}

// PullRound contains the pull requests to send in a pull round.
type PullRound struct {
	// Caller is the local contact info, which is sent with each request.
	Caller *crds.Value

	Requests []PeerPullRequest

	// Pings contains pings to unverified peers.
	Pings []PingMessage
}

// Status is a summary of the local gossip state.
type Status struct {
	Pubkey           identity.Pubkey   `json:"pubkey"`
	NumEntries       int               `json:"num_entries"`
	NumNodes         int               `json:"num_nodes"`
	NumPubkeys       int               `json:"num_pubkeys"`
	NumPurged        int               `json:"num_purged"`
	NumFailedInserts int               `json:"num_failed_inserts"`
	NumPulls         uint64            `json:"num_pulls"`
	NumPingNodes     int               `json:"num_ping_nodes"`
	ActiveSet        []identity.Pubkey `json:"active_set"`
}

// Gossip coordinates the record store with the push and pull engines and
// the ping cache.
//
// Gossip is safe for concurrent use. Locks are never nested: store queries
// return snapshots, and the push, pull and ping state each use their own
// lock.
type Gossip struct {
	signer identity.Signer

	contactInfoMu sync.Mutex
	contactInfo   crds.ContactInfo

	store *crds.Store
	push  *pushEngine
	pull  *pullEngine
	pings *pingpong.Cache

	rngMu sync.Mutex
	rng   *rand.Rand

	config Config

	metrics *Metrics

	logger log.Logger
}

// New returns the gossip state for the local node.
//
// contactInfo is the local nodes contact info, which is signed and
// inserted into the store by RefreshContactInfo.
func New(
	signer identity.Signer,
	contactInfo crds.ContactInfo,
	config Config,
	logger log.Logger,
) (*Gossip, error) {
	metrics := newMetrics()

	push, err := newPushEngine(config.Push, metrics)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	verifier := identity.NewVerifier()
	pings, err := pingpong.NewCache(config.Ping, verifier)
	if err != nil {
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	var seed [8]byte
	// crypto/rand never fails on supported platforms.
	_, _ = crand.Read(seed[:])

	contactInfo.From = signer.Pubkey()
	return &Gossip{
		signer:      signer,
		contactInfo: contactInfo,
		store:       crds.NewStore(verifier),
		push:        push,
		pull:        newPullEngine(config.Pull, metrics),
		pings:       pings,
		rng:         rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))),
		config:      config,
		metrics:     metrics,
		logger:      logger.WithSubsystem("gossip"),
	}, nil
}

func (g *Gossip) Pubkey() identity.Pubkey {
	return g.signer.Pubkey()
}

func (g *Gossip) Store() *crds.Store {
	return g.store
}

func (g *Gossip) PingCache() *pingpong.Cache {
	return g.pings
}

func (g *Gossip) Metrics() *Metrics {
	return g.metrics
}

// ContactInfo returns the local contact info.
func (g *Gossip) ContactInfo() crds.ContactInfo {
	g.contactInfoMu.Lock()
	defer g.contactInfoMu.Unlock()

	return g.contactInfo
}

// RefreshContactInfo signs the local contact info with the given wallclock
// and inserts it into the store.
func (g *Gossip) RefreshContactInfo(now uint64) (*crds.Value, error) {
	g.contactInfoMu.Lock()
	g.contactInfo.WallclockMs = now
	contactInfo := g.contactInfo
	g.contactInfoMu.Unlock()

	return g.Publish(&contactInfo, now)
}

// Publish signs the data and inserts it into the store, so it is pushed to
// peers in the next push round. The data must be authored by the local
// node.
func (g *Gossip) Publish(data crds.Data, now uint64) (*crds.Value, error) {
	if data.Pubkey() != g.signer.Pubkey() {
		return nil, fmt.Errorf("data not authored by local node: %s", data.Pubkey())
	}
	value, err := crds.NewValue(data, g.signer)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := g.store.Insert(value, now, crds.RouteLocal); err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return value, nil
}

// Timeouts returns the record timeouts given the stakes.
func (g *Gossip) Timeouts(stakes map[identity.Pubkey]uint64) *crds.Timeouts {
	return crds.NewTimeouts(
		g.signer.Pubkey(),
		stakes,
		uint64(g.config.Pull.CrdsTimeout.Milliseconds()),
		uint64(g.config.Pull.EpochDuration.Milliseconds()),
		g.config.kindTimeouts(),
	)
}

// ProcessPushMessage inserts the values pushed by from and returns the
// origins of the inserted values.
func (g *Gossip) ProcessPushMessage(
	from identity.Pubkey,
	values []*crds.Value,
	now uint64,
) []identity.Pubkey {
	return g.push.ProcessPushMessage(g.store, from, values, now)
}

// NewPushMessages returns the new values to push to each peer, and the
// total number of values pushed across all peers.
//
// shouldRetain may be nil to push all values.
func (g *Gossip) NewPushMessages(
	now uint64,
	stakes map[identity.Pubkey]uint64,
	shouldRetain func(value *crds.Value) bool,
) (map[identity.Pubkey][]*crds.Value, int) {
	return g.push.NewPushMessages(g.signer.Pubkey(), g.store, now, stakes, shouldRetain)
}

// PruneReceivedCache returns the origins each sender should be asked to
// stop pushing to the local node.
func (g *Gossip) PruneReceivedCache(
	origins []identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
) map[identity.Pubkey][]identity.Pubkey {
	prunes := g.push.PruneReceivedCache(g.signer.Pubkey(), origins, stakes)
	for _, origins := range prunes {
		g.metrics.PruneOrigins.Add(float64(len(origins)))
	}
	return prunes
}

// ProcessPruneMsg handles a prune message from peer, which asks the local
// node to stop pushing values from origins to the peer.
//
// Returns ErrBadPruneDestination if the message is addressed to another
// node, or ErrPruneMessageTimeout if the message was received after the
// prune timeout.
func (g *Gossip) ProcessPruneMsg(
	peer identity.Pubkey,
	destination identity.Pubkey,
	origins []identity.Pubkey,
	wallclock uint64,
	now uint64,
	stakes map[identity.Pubkey]uint64,
) error {
	if destination != g.signer.Pubkey() {
		g.metrics.PrunesReceived.WithLabelValues("bad_destination").Inc()
		return ErrBadPruneDestination
	}
	if now > saturatingAdd(wallclock, uint64(g.config.Push.PruneTimeout.Milliseconds())) {
		g.metrics.PrunesReceived.WithLabelValues("timeout").Inc()
		return ErrPruneMessageTimeout
	}

	g.push.ProcessPruneMsg(g.signer.Pubkey(), peer, origins, stakes)
	g.metrics.PrunesReceived.WithLabelValues("ok").Inc()
	return nil
}

// RefreshPushActiveSet rotates verified peers into the push active set.
// Returns pings to send to unverified peers.
func (g *Gossip) RefreshPushActiveSet(
	now uint64,
	stakes map[identity.Pubkey]uint64,
) []PingMessage {
	nodes := g.gossipNodes(now, stakes)
	nodes, pings := g.verifiedNodes(nodes, now)
	nodes = dedupGossipAddrs(nodes, stakes)
	if len(nodes) == 0 {
		return pings
	}

	pubkeys := make([]identity.Pubkey, 0, len(nodes))
	for _, node := range nodes {
		pubkeys = append(pubkeys, node.From)
	}
	clusterSize := max(g.store.NumPubkeys(), len(stakes))

	g.rngMu.Lock()
	rng := rand.New(rand.NewSource(g.rng.Int63()))
	g.rngMu.Unlock()

	g.push.RefreshActiveSet(rng, clusterSize, pubkeys, stakes)
	g.metrics.ActiveSetRotations.Inc()

	return pings
}

// NewPullRequests returns the filters to send to stake weighted sampled
// peers.
//
// Returns ErrNoPeers if there are no verified peers, though the returned
// round still contains pings to send to unverified peers.
func (g *Gossip) NewPullRequests(
	now uint64,
	stakes map[identity.Pubkey]uint64,
) (*PullRound, error) {
	caller, err := g.callerInfo(now)
	if err != nil {
		return nil, fmt.Errorf("caller info: %w", err)
	}

	nodes := g.gossipNodes(now, stakes)
	nodes, pings := g.verifiedNodes(nodes, now)
	nodes = dedupGossipAddrs(nodes, stakes)

	round := &PullRound{
		Caller: caller,
		Pings:  pings,
	}
	if len(nodes) == 0 {
		return round, ErrNoPeers
	}

	selfStake := stakes[g.signer.Pubkey()]
	weights := make([]uint64, 0, len(nodes))
	for _, node := range nodes {
		weights = append(weights, stakeWeight(min(stakes[node.From], selfStake)))
	}
	// Weights are always at least 1.
	index, _ := newWeightedIndex(weights)

	g.rngMu.Lock()
	rng := rand.New(rand.NewSource(g.rng.Int63()))
	g.rngMu.Unlock()

	filters := g.pull.BuildFilters(rng, g.store, g.config.Pull.MaxBloomFilterBytes)

	requests := make(map[identity.Pubkey]int)
	for _, filter := range filters {
		node := nodes[index.sample(rng)]
		i, ok := requests[node.From]
		if !ok {
			i = len(round.Requests)
			requests[node.From] = i
			round.Requests = append(round.Requests, PeerPullRequest{Peer: node})
		}
		round.Requests[i].Filters = append(round.Requests[i].Filters, filter)
	}
	g.metrics.PullRequestsSent.Add(float64(len(filters)))

	return round, nil
}

// NewEntrypointPullRequests returns pull requests to send to an
// entrypoint, whose identity isn't known until it responds.
func (g *Gossip) NewEntrypointPullRequests(now uint64) ([]PullRequest, error) {
	caller, err := g.callerInfo(now)
	if err != nil {
		return nil, fmt.Errorf("caller info: %w", err)
	}

	g.rngMu.Lock()
	rng := rand.New(rand.NewSource(g.rng.Int63()))
	g.rngMu.Unlock()

	filters := g.pull.BuildFilters(rng, g.store, g.config.Pull.MaxBloomFilterBytes)
	requests := make([]PullRequest, 0, len(filters))
	for _, filter := range filters {
		requests = append(requests, PullRequest{
			Caller: caller,
			Filter: filter,
		})
	}
	g.metrics.PullRequestsSent.Add(float64(len(filters)))

	return requests, nil
}

// ProcessPullRequests inserts the contact infos of pull request callers.
func (g *Gossip) ProcessPullRequests(callers []*crds.Value, now uint64) {
	for _, caller := range callers {
		if _, ok := caller.ContactInfo(); !ok {
			continue
		}
		_ = g.store.Insert(caller, now, crds.RoutePullRequest)
	}
}

// GenerateResponses returns the values missing from each requests filter,
// limited to outputSizeLimit values in total.
//
// shouldRetain may be nil to include all values.
func (g *Gossip) GenerateResponses(
	requests []PullRequest,
	outputSizeLimit int,
	now uint64,
	shouldRetain func(value *crds.Value) bool,
) [][]*crds.Value {
	g.rngMu.Lock()
	rng := rand.New(rand.NewSource(g.rng.Int63()))
	g.rngMu.Unlock()

	return g.pull.GenerateResponses(rng, g.store, requests, outputSizeLimit, now, shouldRetain)
}

// FilterPullResponses partitions the values received in a pull response.
func (g *Gossip) FilterPullResponses(
	responses []*crds.Value,
	now uint64,
	stakes map[identity.Pubkey]uint64,
) *PullResponses {
	return g.pull.FilterResponses(g.store, g.Timeouts(stakes), responses, now)
}

// ProcessPullResponses inserts the filtered pull responses from the given
// peer. Returns pings to send to any newly discovered nodes.
func (g *Gossip) ProcessPullResponses(
	from identity.Pubkey,
	responses *PullResponses,
	now uint64,
) []PingMessage {
	nodes := g.pull.ProcessResponses(g.store, from, responses, now)
	_, pings := g.verifiedNodes(nodes, now)
	return pings
}

// Purge removes timed out records and returns the number removed.
func (g *Gossip) Purge(now uint64, stakes map[identity.Pubkey]uint64) int {
	crdsTimeout := uint64(g.config.Pull.CrdsTimeout.Milliseconds())

	var purged []crds.Label
	if now > crdsTimeout {
		purged = g.store.Purge(now, g.Timeouts(stakes))
	}

	var origins []identity.Pubkey
	for _, label := range purged {
		if label.Kind == crds.KindContactInfo {
			origins = append(origins, label.Pubkey)
		}
	}
	g.push.RemoveOrigins(origins)

	if now > 5*crdsTimeout {
		g.store.TrimPurged(now - 5*crdsTimeout)
	}
	g.pull.PurgeFailedInserts(now)

	if len(purged) > 0 {
		g.logger.Debug("purged records", zap.Int("purged", len(purged)))
	}
	g.metrics.Purged.Add(float64(len(purged)))
	return len(purged)
}

// HandlePing returns the pong to respond to the given ping with, or false
// if the ping signature is invalid.
func (g *Gossip) HandlePing(ping *pingpong.Ping) (*pingpong.Pong, bool) {
	if !ping.Verify(identity.NewVerifier()) {
		return nil, false
	}
	return pingpong.NewPong(ping, g.signer), true
}

// HandlePong records a pong received from the given address.
func (g *Gossip) HandlePong(pong *pingpong.Pong, addr string, now uint64) bool {
	return g.pings.Add(pong, addr, time.UnixMilli(int64(now)))
}

// CheckPing returns whether the node at the given address is verified, and
// a ping to send if not.
func (g *Gossip) CheckPing(
	node identity.Pubkey,
	addr string,
	now uint64,
) (bool, *pingpong.Ping) {
	state, ping := g.pings.Check(time.UnixMilli(int64(now)), g.signer, node, addr)
	return state == pingpong.Verified, ping
}

// Status returns a summary of the gossip state, including the active set
// peers for the local nodes stake.
func (g *Gossip) Status(stakes map[identity.Pubkey]uint64) *Status {
	return &Status{
		Pubkey:           g.signer.Pubkey(),
		NumEntries:       g.store.Len(),
		NumNodes:         g.store.NumNodes(),
		NumPubkeys:       g.store.NumPubkeys(),
		NumPurged:        g.store.NumPurged(),
		NumFailedInserts: g.pull.NumFailedInserts(),
		NumPulls:         g.pull.NumPulls(),
		NumPingNodes:     g.pings.Len(),
		ActiveSet:        g.push.ActivePeers(stakes[g.signer.Pubkey()]),
	}
}

// callerInfo returns the signed local contact info, refreshing it if its
// wallclock is too old for peers to accept.
func (g *Gossip) callerInfo(now uint64) (*crds.Value, error) {
	entry, ok := g.store.Get(crds.ContactInfoLabel(g.signer.Pubkey()))
	if ok {
		maxAge := uint64(g.config.Pull.CrdsTimeout.Milliseconds()) / 2
		if entry.Value.Wallclock()+maxAge >= now {
			return entry.Value, nil
		}
	}
	return g.RefreshContactInfo(now)
}

// gossipNodes returns the nodes that are eligible gossip targets.
func (g *Gossip) gossipNodes(now uint64, stakes map[identity.Pubkey]uint64) []*crds.ContactInfo {
	self := g.signer.Pubkey()
	shredVersion := g.ContactInfo().ShredVersion

	activeTimeout := uint64(g.config.Pull.ActiveTimeout.Milliseconds())
	activeCutoff := uint64(0)
	if now > activeTimeout {
		activeCutoff = now - activeTimeout
	}

	g.rngMu.Lock()
	defer g.rngMu.Unlock()

	var nodes []*crds.ContactInfo
	for _, entry := range g.store.ContactInfos() {
		node, _ := entry.Value.ContactInfo()
		if node.From == self || node.ShredVersion != shredVersion || node.Gossip == "" {
			continue
		}
		if entry.LocalTimestamp < activeCutoff {
			// Periodically retry inactive staked nodes to mitigate eclipse
			// attacks.
			if stakes[node.From] == 0 || g.rng.Intn(16) != 0 {
				continue
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// verifiedNodes returns the nodes that have been verified by the ping
// cache, and pings to send to the unverified nodes.
func (g *Gossip) verifiedNodes(
	nodes []*crds.ContactInfo,
	now uint64,
) ([]*crds.ContactInfo, []PingMessage) {
	var verified []*crds.ContactInfo
	var pings []PingMessage
	for _, node := range nodes {
		if node.Gossip == "" {
			continue
		}
		ok, ping := g.CheckPing(node.From, node.Gossip, now)
		if ping != nil {
			pings = append(pings, PingMessage{
				Addr: node.Gossip,
				Ping: ping,
			})
		}
		if ok {
			verified = append(verified, node)
		}
	}
	return verified, pings
}

// dedupGossipAddrs returns the nodes with unique gossip addresses, keeping
// the node with the highest stake for each address.
func dedupGossipAddrs(
	nodes []*crds.ContactInfo,
	stakes map[identity.Pubkey]uint64,
) []*crds.ContactInfo {
	byAddr := make(map[string]*crds.ContactInfo)
	var addrs []string
	for _, node := range nodes {
		existing, ok := byAddr[node.Gossip]
		if !ok {
			addrs = append(addrs, node.Gossip)
			byAddr[node.Gossip] = node
			continue
		}
		stake, existingStake := stakes[node.From], stakes[existing.From]
		if stake > existingStake || (stake == existingStake && node.From.Compare(existing.From) > 0) {
			byAddr[node.Gossip] = node
		}
	}

	deduped := make([]*crds.ContactInfo, 0, len(addrs))
	for _, addr := range addrs {
		deduped = append(deduped, byAddr[addr])
	}
	return deduped
}
