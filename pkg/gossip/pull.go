package gossip

import (
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/identity"
)

type failedInsert struct {
	hash      crds.Hash
	timestamp uint64
}

// PullRequest is a pull request received from a peer.
type PullRequest struct {
	// Caller is the requesting nodes contact info.
	Caller *crds.Value
	Filter *Filter
}

// PullResponses partitions the values received in pull responses.
type PullResponses struct {
	// Active contains values that are within their timeout.
	Active []*crds.Value
	// Expired contains values that are beyond their timeout, but whose
	// owner is known, so are inserted without refreshing the owner.
	Expired []*crds.Value
	// Failed contains the hashes of values that will not be inserted.
	Failed []crds.Hash
}

// pullEngine reconciles the local store with peers using bloom filters of
// the known values.
type pullEngine struct {
	// failedInserts contains the hashes of values from pull responses that
	// were not inserted, ordered by timestamp. These are included in pull
	// filters so peers don't send them again.
	failedInsertsMu sync.Mutex
	failedInserts   []failedInsert

	numPulls *atomic.Uint64

	config PullConfig

	metrics *Metrics
}

func newPullEngine(config PullConfig, metrics *Metrics) *pullEngine {
	return &pullEngine{
		numPulls: atomic.NewUint64(0),
		config:   config,
		metrics:  metrics,
	}
}

// BuildFilters returns filters covering a sample of the hash space,
// containing the hashes of all stored, purged and failed values.
func (e *pullEngine) BuildFilters(rng *rand.Rand, store *crds.Store, maxBytes int) []*Filter {
	hashes := store.Hashes()
	purged := store.PurgedHashes()

	e.failedInsertsMu.Lock()
	failed := make([]crds.Hash, 0, len(e.failedInserts))
	for _, f := range e.failedInserts {
		failed = append(failed, f.hash)
	}
	e.failedInsertsMu.Unlock()

	filters := newFilterSet(
		rng,
		len(hashes)+len(purged)+len(failed),
		maxBytes,
		e.config.MaxFilters,
	)
	for _, hashes := range [][]crds.Hash{hashes, purged, failed} {
		for _, hash := range hashes {
			filters.Add(hash)
		}
	}
	return filters.Filters()
}

// GenerateResponses returns the values missing from each requests filter.
//
// Responses are limited to outputSizeLimit values in total. Within each
// request the most recent values are preferred.
func (e *pullEngine) GenerateResponses(
	rng *rand.Rand,
	store *crds.Store,
	requests []PullRequest,
	outputSizeLimit int,
	now uint64,
	shouldRetain func(value *crds.Value) bool,
) [][]*crds.Value {
	timeout := uint64(e.config.CrdsTimeout.Milliseconds())
	jitter := uint64(0)
	if timeout >= 4 {
		jitter = uint64(rng.Int63n(int64(timeout / 4)))
	}
	callerLower := uint64(0)
	if now > timeout {
		callerLower = now - timeout
	}
	callerUpper := saturatingAdd(now, timeout)

	remaining := atomic.NewInt64(int64(outputSizeLimit))
	responses := make([][]*crds.Value, len(requests))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, request := range requests {
		g.Go(func() error {
			if remaining.Load() <= 0 {
				return nil
			}
			callerWallclock := request.Caller.Wallclock()
			if callerWallclock < callerLower || callerWallclock >= callerUpper {
				e.metrics.PullRequestsReceived.WithLabelValues("caller_timeout").Inc()
				return nil
			}
			e.metrics.PullRequestsReceived.WithLabelValues("ok").Inc()

			caller := request.Caller.Pubkey()
			// Skip values that are newer than the caller, plus jitter so
			// values near the boundary are eventually sent.
			maxWallclock := saturatingAdd(callerWallclock, jitter)

			var values []*crds.Value
			for _, entry := range store.FilterBitmask(request.Filter.Mask, request.Filter.MaskBits) {
				value := entry.Value
				if value.Wallclock() > maxWallclock {
					continue
				}
				if request.Filter.Contains(value.Hash()) {
					continue
				}
				if value.Pubkey() == caller && !value.ShouldForcePush(caller) {
					continue
				}
				if shouldRetain != nil && !shouldRetain(value) {
					continue
				}
				values = append(values, value)
			}

			sort.Slice(values, func(i, j int) bool {
				return values[i].Wallclock() > values[j].Wallclock()
			})
			limit := remaining.Load()
			if limit <= 0 {
				return nil
			}
			if int64(len(values)) > limit {
				values = values[:limit]
			}
			remaining.Sub(int64(len(values)))

			responses[i] = values
			return nil
		})
	}
	// The workers never return an error.
	_ = g.Wait()

	numValues := 0
	for _, values := range responses {
		numValues += len(values)
	}
	e.metrics.PullResponseValuesSent.Add(float64(numValues))

	return responses
}

// FilterResponses partitions the values received in pull responses.
func (e *pullEngine) FilterResponses(
	store *crds.Store,
	timeouts *crds.Timeouts,
	responses []*crds.Value,
	now uint64,
) *PullResponses {
	filtered := &PullResponses{}
	for _, value := range responses {
		owner := value.Pubkey()
		switch {
		case !store.Overrides(value):
			filtered.Failed = append(filtered.Failed, value.Hash())
			e.metrics.PullResponseValuesReceived.WithLabelValues("outdated").Inc()
		case now <= saturatingAdd(value.Wallclock(), timeouts.Get(owner, value.Kind())):
			filtered.Active = append(filtered.Active, value)
		default:
			if _, ok := store.GetContactInfo(owner); ok {
				filtered.Expired = append(filtered.Expired, value)
			} else {
				filtered.Failed = append(filtered.Failed, value.Hash())
				e.metrics.PullResponseValuesReceived.WithLabelValues("timeout").Inc()
			}
		}
	}
	return filtered
}

// ProcessResponses inserts the filtered pull response values from the
// given peer into the store, and returns the contact infos of newly
// inserted nodes.
func (e *pullEngine) ProcessResponses(
	store *crds.Store,
	from identity.Pubkey,
	responses *PullResponses,
	now uint64,
) []*crds.ContactInfo {
	for _, value := range responses.Expired {
		if err := store.Insert(value, now, crds.RoutePullResponse); err == nil {
			e.metrics.PullResponseValuesReceived.WithLabelValues("expired").Inc()
		}
	}

	var nodes []*crds.ContactInfo
	owners := map[identity.Pubkey]struct{}{
		from: {},
	}
	numInserts := 0
	for _, value := range responses.Active {
		if err := store.Insert(value, now, crds.RoutePullResponse); err != nil {
			continue
		}
		numInserts++
		owners[value.Pubkey()] = struct{}{}
		if ci, ok := value.ContactInfo(); ok {
			nodes = append(nodes, ci)
		}
	}
	e.metrics.PullResponseValuesReceived.WithLabelValues("inserted").Add(float64(numInserts))
	e.numPulls.Add(uint64(numInserts))

	for owner := range owners {
		store.UpdateRecordTimestamp(owner, now)
	}

	e.PurgeFailedInserts(now)
	if len(responses.Failed) > 0 {
		e.failedInsertsMu.Lock()
		for _, hash := range responses.Failed {
			e.failedInserts = append(e.failedInserts, failedInsert{
				hash:      hash,
				timestamp: now,
			})
		}
		e.failedInsertsMu.Unlock()
	}

	return nodes
}

// PurgeFailedInserts discards failed inserts older than the retention.
func (e *pullEngine) PurgeFailedInserts(now uint64) {
	retention := uint64(e.config.FailedInsertsRetention.Milliseconds())
	if now <= retention {
		return
	}
	cutoff := now - retention

	e.failedInsertsMu.Lock()
	defer e.failedInsertsMu.Unlock()

	n := 0
	for n != len(e.failedInserts) && e.failedInserts[n].timestamp < cutoff {
		n++
	}
	e.failedInserts = append(e.failedInserts[:0], e.failedInserts[n:]...)
}

// NumFailedInserts returns the number of tracked failed inserts.
func (e *pullEngine) NumFailedInserts() int {
	e.failedInsertsMu.Lock()
	defer e.failedInsertsMu.Unlock()

	return len(e.failedInserts)
}

// NumPulls returns the total number of values inserted from pull
// responses.
func (e *pullEngine) NumPulls() uint64 {
	return e.numPulls.Load()
}
