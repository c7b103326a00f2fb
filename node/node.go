// Package node runs a gossip node, which exchanges records with the rest of
// the cluster over UDP.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/crds/node/config"
	"github.com/andydunstall/crds/pkg/backoff"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/wire"
)

// Version is the node software version advertised in the contact info.
const Version = "0.1.0"

const (
	bootstrapRetries    = 10
	bootstrapMinBackoff = time.Millisecond * 100
	bootstrapMaxBackoff = time.Second * 5
)

// Node is a gossip node.
//
// The node schedules push and pull rounds, rotates the push active set,
// purges timed out records and refreshes its own contact info. Received
// packets are handled by the packet listener.
type Node struct {
	keypair *identity.Keypair

	gossip *gossip.Gossip

	listener *packetListener

	stakes map[identity.Pubkey]uint64

	entrypointsMu sync.Mutex
	entrypoints   map[string]struct{}

	advertiseAddr string

	config config.NodeConfig

	metrics *Metrics

	logger log.Logger

	wg         sync.WaitGroup
	closed     *atomic.Bool
	shutdownCh chan struct{}
}

// New starts a node that gossips on the given connection.
//
// If conf.Node.AdvertiseAddr is empty the connections local address is
// advertised.
func New(
	keypair *identity.Keypair,
	conn net.PacketConn,
	conf *config.Config,
	logger log.Logger,
) (*Node, error) {
	logger = logger.WithSubsystem("node")

	stakes, err := conf.Node.ParseStakes()
	if err != nil {
		return nil, err
	}

	advertiseAddr := conf.Node.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = conn.LocalAddr().String()
	}

	g, err := gossip.New(keypair, crds.ContactInfo{
		Outset:       uint64(time.Now().UnixMicro()),
		ShredVersion: conf.Node.ShredVersion,
		Version:      Version,
		Gossip:       advertiseAddr,
	}, conf.Gossip, logger)
	if err != nil {
		return nil, fmt.Errorf("gossip: %w", err)
	}
	if _, err := g.RefreshContactInfo(nowMs()); err != nil {
		return nil, fmt.Errorf("contact info: %w", err)
	}

	logger.Info(
		"starting node",
		zap.String("pubkey", keypair.Pubkey().String()),
		zap.String("advertise-addr", advertiseAddr),
		zap.Uint16("shred-version", conf.Node.ShredVersion),
	)

	metrics := newMetrics()
	listener := newPacketListener(
		conn,
		g,
		keypair,
		stakes,
		conf.Node.MaxPacketSize,
		conf.Gossip.Pull.ResponseLimit,
		metrics,
		logger,
	)

	n := &Node{
		keypair:       keypair,
		gossip:        g,
		listener:      listener,
		stakes:        stakes,
		entrypoints:   make(map[string]struct{}),
		advertiseAddr: advertiseAddr,
		config:        conf.Node,
		metrics:       metrics,
		logger:        logger,
		closed:        atomic.NewBool(false),
		shutdownCh:    make(chan struct{}),
	}
	n.AddEntrypoints(conf.Node.Entrypoints...)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		listener.Serve()
	}()
	n.schedule()

	return n, nil
}

func (n *Node) Pubkey() identity.Pubkey {
	return n.keypair.Pubkey()
}

func (n *Node) AdvertiseAddr() string {
	return n.advertiseAddr
}

func (n *Node) Gossip() *gossip.Gossip {
	return n.gossip
}

// Stakes returns the configured node stakes. The map must not be modified.
func (n *Node) Stakes() map[identity.Pubkey]uint64 {
	return n.stakes
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Publish signs the data and inserts it into the local store, so it is
// pushed to the cluster in the next push round.
func (n *Node) Publish(data crds.Data) (*crds.Value, error) {
	return n.gossip.Publish(data, nowMs())
}

// AddEntrypoints adds gossip addresses to bootstrap from. Addresses equal
// to the local advertised address are ignored.
func (n *Node) AddEntrypoints(addrs ...string) {
	n.entrypointsMu.Lock()
	defer n.entrypointsMu.Unlock()

	for _, addr := range addrs {
		if addr == n.advertiseAddr {
			continue
		}
		if _, ok := n.entrypoints[addr]; ok {
			continue
		}
		n.entrypoints[addr] = struct{}{}

		n.logger.Info("added entrypoint", zap.String("addr", addr))
	}
}

func (n *Node) Entrypoints() []string {
	n.entrypointsMu.Lock()
	defer n.entrypointsMu.Unlock()

	addrs := make([]string, 0, len(n.entrypoints))
	for addr := range n.entrypoints {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Bootstrap sends pull requests to the entrypoints until another node in
// the cluster is discovered, retrying with backoff.
//
// Returns nil immediately if there are no entrypoints.
func (n *Node) Bootstrap(ctx context.Context) error {
	if len(n.Entrypoints()) == 0 {
		return nil
	}

	b := backoff.New(bootstrapRetries, bootstrapMinBackoff, bootstrapMaxBackoff)
	for {
		n.pullEntrypoints(nowMs())

		if !b.Wait(ctx) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("no entrypoint responded after %d attempts", b.Attempts())
		}

		if numNodes := n.gossip.Store().NumNodes(); numNodes > 1 {
			n.logger.Info(
				"bootstrapped from entrypoints",
				zap.Int("nodes", numNodes),
				zap.Int("attempts", b.Attempts()),
			)
			return nil
		}
	}
}

// Close stops gossiping and closes the connection.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}

	close(n.shutdownCh)

	err := n.listener.Close()
	n.wg.Wait()
	return err
}

func (n *Node) schedule() {
	n.scheduleFunc(n.config.Interval, n.pushRound)
	n.scheduleFunc(n.config.PullInterval, n.pullRound)
	n.scheduleFunc(n.config.ActiveSetRefreshInterval, n.refreshActiveSet)
	n.scheduleFunc(n.config.PurgeInterval, n.purge)
	n.scheduleFunc(n.config.ContactInfoRefreshInterval, n.refreshContactInfo)
}

func (n *Node) scheduleFunc(interval time.Duration, f func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// Add 10% jitter to avoid nodes synchronising.
				jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
				select {
				case <-time.After(jitter):
					f()
				case <-n.shutdownCh:
					return
				}

			case <-n.shutdownCh:
				return
			}
		}
	}()
}

// pushRound pushes new values to each peer in the active set.
func (n *Node) pushRound() {
	messages, _ := n.gossip.NewPushMessages(nowMs(), n.stakes, nil)
	for pubkey, values := range messages {
		contactInfo, ok := n.gossip.Store().GetContactInfo(pubkey)
		if !ok {
			continue
		}
		if err := n.listener.sendValues(
			wire.MessageTypePush, values, contactInfo.Gossip,
		); err != nil {
			n.logger.Debug(
				"failed to send push",
				zap.String("node", pubkey.String()),
				zap.Error(err),
			)
		}
	}
}

// pullRound sends pull requests to sampled peers. If there are no verified
// peers, requests are sent to the entrypoints instead.
func (n *Node) pullRound() {
	now := nowMs()
	round, err := n.gossip.NewPullRequests(now, n.stakes)
	if round != nil {
		n.listener.sendPings(round.Pings)
	}
	if errors.Is(err, gossip.ErrNoPeers) {
		n.pullEntrypoints(now)
		return
	}
	if err != nil {
		n.logger.Warn("failed to create pull requests", zap.Error(err))
		return
	}

	for _, request := range round.Requests {
		requests := make([]gossip.PullRequest, 0, len(request.Filters))
		for _, filter := range request.Filters {
			requests = append(requests, gossip.PullRequest{
				Caller: round.Caller,
				Filter: filter,
			})
		}
		if err := n.listener.sendPullRequests(requests, request.Peer.Gossip); err != nil {
			n.logger.Debug(
				"failed to send pull request",
				zap.String("node", request.Peer.From.String()),
				zap.Error(err),
			)
		}
	}
}

func (n *Node) pullEntrypoints(now uint64) {
	addrs := n.Entrypoints()
	if len(addrs) == 0 {
		return
	}

	requests, err := n.gossip.NewEntrypointPullRequests(now)
	if err != nil {
		n.logger.Warn("failed to create entrypoint pull requests", zap.Error(err))
		return
	}
	for _, addr := range addrs {
		if err := n.listener.sendPullRequests(requests, addr); err != nil {
			n.logger.Debug(
				"failed to send entrypoint pull request",
				zap.String("addr", addr),
				zap.Error(err),
			)
		}
	}
}

func (n *Node) refreshActiveSet() {
	pings := n.gossip.RefreshPushActiveSet(nowMs(), n.stakes)
	n.listener.sendPings(pings)
}

func (n *Node) purge() {
	n.gossip.Purge(nowMs(), n.stakes)
}

func (n *Node) refreshContactInfo() {
	if _, err := n.gossip.RefreshContactInfo(nowMs()); err != nil {
		n.logger.Warn("failed to refresh contact info", zap.Error(err))
	}
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
