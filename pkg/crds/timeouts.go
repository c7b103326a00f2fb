package crds

import (
	"math"

	"github.com/andydunstall/crds/pkg/identity"
)

// Timeouts maps record owners and kinds to the age after which their records
// are considered stale. All timeouts are in milliseconds.
type Timeouts struct {
	self identity.Pubkey

	stakes map[identity.Pubkey]uint64

	defaultTimeout  uint64
	extendedTimeout uint64

	kinds map[Kind]uint64

	// unstaked is true if no stakes are known, in which case every owner
	// uses the extended timeout.
	unstaked bool
}

// NewTimeouts returns the timeouts for the given stakes.
//
// Records owned by self never time out. Records owned by staked nodes use
// the larger of the kind timeout and epoch duration. The kinds map
// overrides the default timeout per kind.
func NewTimeouts(
	self identity.Pubkey,
	stakes map[identity.Pubkey]uint64,
	defaultTimeout uint64,
	epochDuration uint64,
	kinds map[Kind]uint64,
) *Timeouts {
	unstaked := true
	for _, stake := range stakes {
		if stake > 0 {
			unstaked = false
			break
		}
	}
	return &Timeouts{
		self:            self,
		stakes:          stakes,
		defaultTimeout:  defaultTimeout,
		extendedTimeout: max(defaultTimeout, epochDuration),
		kinds:           kinds,
		unstaked:        unstaked,
	}
}

// Get returns the timeout for records of the given kind owned by pubkey.
func (t *Timeouts) Get(pubkey identity.Pubkey, kind Kind) uint64 {
	if pubkey == t.self {
		return math.MaxUint64
	}
	timeout := t.defaultTimeout
	if kindTimeout, ok := t.kinds[kind]; ok {
		timeout = kindTimeout
	}
	if t.unstaked || t.stakes[pubkey] > 0 {
		return max(timeout, t.extendedTimeout)
	}
	return timeout
}

// Default returns the timeout for unstaked owners.
func (t *Timeouts) Default() uint64 {
	if t.unstaked {
		return t.extendedTimeout
	}
	return t.defaultTimeout
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
