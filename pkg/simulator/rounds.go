package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
)

// PushStats contains the totals of a push run.
type PushStats struct {
	// Bytes is the size of the values pushed.
	Bytes int
	// Messages is the number of push messages sent.
	Messages int
	// Prunes is the number of prune messages sent.
	Prunes int
}

// PullStats contains the totals of a pull run.
type PullStats struct {
	Convergence float64
	// Bytes is the size of the values sent in pull responses.
	Bytes int
	// Values is the number of values sent in pull responses.
	Values int
	// Overhead is the number of values sent that were not inserted.
	Overhead int
}

type pushResult struct {
	from     *Node
	messages map[identity.Pubkey][]*crds.Value
}

// RunPush runs push rounds [start, end).
func (n *Network) RunPush(ctx context.Context, start int, end int) (*PushStats, error) {
	stats := &PushStats{}
	msgTimeoutRounds := int(n.config.Push.MsgTimeout / roundDuration)
	for round := start; round != end; round++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		now := n.Now(round)

		results := make([]pushResult, len(n.nodes))
		g := new(errgroup.Group)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, node := range n.nodes {
			g.Go(func() error {
				node.Gossip.Purge(now, n.stakes)
				messages, _ := node.Gossip.NewPushMessages(now, n.stakes, nil)
				results[i] = pushResult{
					from:     node,
					messages: messages,
				}
				return nil
			})
		}
		_ = g.Wait()

		roundStats := make([]PushStats, len(results))
		g = new(errgroup.Group)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, result := range results {
			g.Go(func() error {
				return n.deliverPush(result, now, &roundStats[i])
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		for _, s := range roundStats {
			stats.Bytes += s.Bytes
			stats.Messages += s.Messages
			stats.Prunes += s.Prunes
		}

		if msgTimeoutRounds > 0 && round > 0 && round%msgTimeoutRounds == 0 {
			n.RefreshActiveSets(now)
		}

		n.logger.Debug(
			"push round",
			zap.Int("round", round),
			zap.Int("bytes", stats.Bytes),
			zap.Int("messages", stats.Messages),
			zap.Int("prunes", stats.Prunes),
			zap.Int("connections-pruned", n.NumConnectionsPruned()),
		)
	}
	return stats, nil
}

// deliverPush delivers the push messages from a node, then sends the
// resulting prune messages back to the senders.
func (n *Network) deliverPush(result pushResult, now uint64, stats *PushStats) error {
	from := result.from
	for to, values := range result.messages {
		node, ok := n.byKey[to]
		if !ok {
			continue
		}
		for _, value := range values {
			stats.Bytes += value.Size()
		}
		stats.Messages++

		origins := node.Gossip.ProcessPushMessage(from.Pubkey(), values, now)
		prunes := node.Gossip.PruneReceivedCache(origins, n.stakes)
		for sender, origins := range prunes {
			senderNode, ok := n.byKey[sender]
			if !ok {
				continue
			}
			stats.Prunes++

			if err := senderNode.Gossip.ProcessPruneMsg(
				node.Pubkey(),
				sender,
				origins,
				now,
				now,
				n.stakes,
			); err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			n.recordPruned(sender, origins)
		}
	}
	return nil
}

func (n *Network) recordPruned(sender identity.Pubkey, origins []identity.Pubkey) {
	n.prunedMu.Lock()
	defer n.prunedMu.Unlock()

	for _, origin := range origins {
		k := [2]identity.Pubkey{sender, origin}
		if _, ok := n.connectionsPruned[k]; ok {
			continue
		}
		n.connectionsPruned[k] = struct{}{}
		n.stakePruned += n.stakes[sender]
	}
}

type pullRequests struct {
	from     *Node
	peer     *Node
	requests []gossip.PullRequest
}

// RunPull runs pull rounds [start, end), stopping early once the
// convergence exceeds maxConvergence.
func (n *Network) RunPull(
	ctx context.Context,
	start int,
	end int,
	maxConvergence float64,
) (*PullStats, error) {
	n.mockPongs(n.Now(start))

	stats := &PullStats{}
	for round := start; round != end; round++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		now := n.Now(round)

		var requests []pullRequests
		for _, node := range n.nodes {
			pullRound, err := node.Gossip.NewPullRequests(now, nil)
			if err != nil {
				if errors.Is(err, gossip.ErrNoPeers) {
					continue
				}
				return stats, fmt.Errorf("pull requests: %w", err)
			}
			for _, request := range pullRound.Requests {
				peer, ok := n.byKey[request.Peer.From]
				if !ok {
					continue
				}
				r := pullRequests{
					from: node,
					peer: peer,
				}
				for _, filter := range request.Filters {
					r.requests = append(r.requests, gossip.PullRequest{
						Caller: pullRound.Caller,
						Filter: filter,
					})
				}
				requests = append(requests, r)
			}
		}

		roundStats := make([]PullStats, len(requests))
		g := new(errgroup.Group)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, r := range requests {
			g.Go(func() error {
				n.deliverPull(r, now, &roundStats[i])
				return nil
			})
		}
		_ = g.Wait()
		for _, s := range roundStats {
			stats.Bytes += s.Bytes
			stats.Values += s.Values
			stats.Overhead += s.Overhead
		}

		stats.Convergence = n.Convergence()
		n.logger.Debug(
			"pull round",
			zap.Int("round", round),
			zap.Float64("convergence", stats.Convergence),
			zap.Int("bytes", stats.Bytes),
			zap.Int("values", stats.Values),
			zap.Int("overhead", stats.Overhead),
		)
		if stats.Convergence > maxConvergence {
			break
		}
	}
	return stats, nil
}

func (n *Network) deliverPull(r pullRequests, now uint64, stats *PullStats) {
	if len(r.requests) != 0 {
		r.peer.Gossip.ProcessPullRequests([]*crds.Value{r.requests[0].Caller}, now)
	}

	var values []*crds.Value
	for _, response := range r.peer.Gossip.GenerateResponses(r.requests, math.MaxInt, now, nil) {
		values = append(values, response...)
	}
	for _, value := range values {
		stats.Bytes += value.Size()
	}
	stats.Values += len(values)

	filtered := r.from.Gossip.FilterPullResponses(values, now, n.stakes)
	stats.Overhead += len(filtered.Failed)
	r.from.Gossip.ProcessPullResponses(r.peer.Pubkey(), filtered, now)
}

// SimulatePullOnly runs pull rounds until 90% convergence.
//
// Without push a star network forms a DAG which pull alone can't
// converge, so edges are first added to form a cycle.
func (n *Network) SimulatePullOnly(ctx context.Context) (*PullStats, error) {
	n.AddEdges()
	return n.RunPull(ctx, 0, n.Len()*2, 0.9)
}

// Simulate runs a short pull run to populate the active sets, then
// repeatedly refreshes each nodes contact info and runs push and pull
// rounds until the convergence exceeds maxConvergence.
func (n *Network) Simulate(ctx context.Context, maxConvergence float64) (*PullStats, error) {
	const roundsPerStep = 10

	stats, err := n.RunPull(ctx, 0, roundsPerStep, 1.0)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	n.RefreshActiveSets(n.Now(roundsPerStep))

	for step := 1; step < n.Len(); step++ {
		start := step * roundsPerStep
		end := start + roundsPerStep

		for _, node := range n.nodes {
			if _, err := node.Gossip.RefreshContactInfo(n.Now(start)); err != nil {
				return nil, fmt.Errorf("contact info: %w", err)
			}
		}

		if _, err := n.RunPush(ctx, start, end); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		stats, err = n.RunPull(ctx, start, end, 1.0)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		n.logger.Info(
			"simulation step",
			zap.Int("step", step),
			zap.Float64("convergence", stats.Convergence),
			zap.Int("connections-pruned", n.NumConnectionsPruned()),
		)
		if stats.Convergence > maxConvergence {
			break
		}
	}
	return stats, nil
}
