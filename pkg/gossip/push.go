package gossip

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/atomic"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/identity"
)

// pushEngine pushes new values to the peers in the active set, and prunes
// redundant senders.
type pushEngine struct {
	// cursor is the ordinal of the next store entry to push.
	cursor *atomic.Uint64

	activeSetMu sync.RWMutex
	activeSet   *activeSet

	receivedMu sync.Mutex
	received   *receivedCache

	config PushConfig

	metrics *Metrics
}

func newPushEngine(config PushConfig, metrics *Metrics) (*pushEngine, error) {
	received, err := newReceivedCache(config.ReceivedCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("received cache: %w", err)
	}
	return &pushEngine{
		cursor:    atomic.NewUint64(0),
		activeSet: newActiveSet(),
		received:  received,
		config:    config,
		metrics:   metrics,
	}, nil
}

// ProcessPushMessage inserts the pushed values into the store and returns
// the origins of the values that were inserted.
func (e *pushEngine) ProcessPushMessage(
	store *crds.Store,
	from identity.Pubkey,
	values []*crds.Value,
	now uint64,
) []identity.Pubkey {
	type record struct {
		origin  identity.Pubkey
		numDups int
	}
	records := make([]record, 0, len(values))

	origins := make(map[identity.Pubkey]struct{})
	for _, value := range values {
		if !e.inWallclockWindow(value.Wallclock(), now) {
			e.metrics.PushValuesReceived.WithLabelValues("timeout").Inc()
			continue
		}

		origin := value.Pubkey()
		err := store.Insert(value, now, crds.RoutePushMessage)
		if err == nil {
			records = append(records, record{origin: origin})
			origins[origin] = struct{}{}
			e.metrics.PushValuesReceived.WithLabelValues("inserted").Inc()
			continue
		}

		var dupErr *crds.DuplicatePushError
		if errors.As(err, &dupErr) {
			records = append(records, record{
				origin:  origin,
				numDups: int(dupErr.NumDups),
			})
			e.metrics.PushValuesReceived.WithLabelValues("duplicate").Inc()
			continue
		}

		records = append(records, record{
			origin:  origin,
			numDups: math.MaxInt,
		})
		e.metrics.PushValuesReceived.WithLabelValues("failed").Inc()
	}

	e.receivedMu.Lock()
	for _, r := range records {
		e.received.Record(r.origin, from, r.numDups)
	}
	e.receivedMu.Unlock()

	accepted := make([]identity.Pubkey, 0, len(origins))
	for origin := range origins {
		accepted = append(accepted, origin)
	}
	return accepted
}

// NewPushMessages returns the values to push to each peer.
//
// Values are read from the store in insertion order since the last call,
// upto the configured byte budget. Remaining values are pushed in the
// following call.
func (e *pushEngine) NewPushMessages(
	self identity.Pubkey,
	store *crds.Store,
	now uint64,
	stakes map[identity.Pubkey]uint64,
	shouldRetain func(value *crds.Value) bool,
) (map[identity.Pubkey][]*crds.Value, int) {
	cursor := e.cursor.Load()
	next := cursor

	var values []*crds.Value
	totalBytes := 0
	for entry := range store.EntriesSince(cursor) {
		totalBytes += entry.Value.Size()
		if totalBytes > e.config.MaxBytes && next != cursor {
			break
		}
		next = entry.Ordinal + 1

		if !e.inWallclockWindow(entry.Value.Wallclock(), now) {
			continue
		}
		if shouldRetain != nil && !shouldRetain(entry.Value) {
			continue
		}
		values = append(values, entry.Value)
	}
	// Only advance the cursor, in case of concurrent calls.
	for {
		current := e.cursor.Load()
		if current >= next || e.cursor.CompareAndSwap(current, next) {
			break
		}
	}

	e.activeSetMu.RLock()
	defer e.activeSetMu.RUnlock()

	messages := make(map[identity.Pubkey][]*crds.Value)
	numPushed := 0
	for _, value := range values {
		nodes := e.activeSet.Nodes(self, value.Pubkey(), value.ShouldForcePush, stakes)
		for _, node := range nodes[:min(len(nodes), e.config.Fanout)] {
			messages[node] = append(messages[node], value)
			numPushed++
		}
	}
	e.metrics.PushValuesSent.Add(float64(numPushed))
	return messages, numPushed
}

// PruneReceivedCache returns the origins each sender should be asked to
// stop pushing.
func (e *pushEngine) PruneReceivedCache(
	self identity.Pubkey,
	origins []identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
) map[identity.Pubkey][]identity.Pubkey {
	e.receivedMu.Lock()
	defer e.receivedMu.Unlock()

	prunes := make(map[identity.Pubkey][]identity.Pubkey)
	for _, origin := range origins {
		senders := e.received.Prune(
			self,
			origin,
			e.config.PruneStakeThreshold,
			e.config.PruneMinIngressNodes,
			stakes,
		)
		for _, sender := range senders {
			prunes[sender] = append(prunes[sender], origin)
		}
	}
	return prunes
}

// ProcessPruneMsg marks the origins as pruned by peer.
func (e *pushEngine) ProcessPruneMsg(
	self identity.Pubkey,
	peer identity.Pubkey,
	origins []identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
) {
	e.activeSetMu.Lock()
	defer e.activeSetMu.Unlock()

	e.activeSet.Prune(self, peer, origins, stakes)
}

// RefreshActiveSet rotates the given nodes into the active set.
func (e *pushEngine) RefreshActiveSet(
	rng *rand.Rand,
	clusterSize int,
	nodes []identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
) {
	e.activeSetMu.Lock()
	defer e.activeSetMu.Unlock()

	e.activeSet.Rotate(rng, e.config.ActiveSetSize, clusterSize, nodes, stakes)
}

// ActivePeers returns the active set peers for the given stake.
func (e *pushEngine) ActivePeers(stake uint64) []identity.Pubkey {
	e.activeSetMu.RLock()
	defer e.activeSetMu.RUnlock()

	return e.activeSet.Peers(stake)
}

// RemoveOrigins discards the received cache entries for the given origins.
func (e *pushEngine) RemoveOrigins(origins []identity.Pubkey) {
	e.receivedMu.Lock()
	defer e.receivedMu.Unlock()

	for _, origin := range origins {
		e.received.Remove(origin)
	}
}

func (e *pushEngine) inWallclockWindow(wallclock uint64, now uint64) bool {
	timeout := uint64(e.config.MsgTimeout.Milliseconds())
	lower := uint64(0)
	if now > timeout {
		lower = now - timeout
	}
	return wallclock >= lower && wallclock <= saturatingAdd(now, timeout)
}
