package gossip

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/crds/pkg/bloom"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/pingpong"
)

type PullConfig struct {
	// CrdsTimeout is the default age after which unstaked nodes records
	// are purged, and the window of accepted pull request callers.
	CrdsTimeout time.Duration `json:"crds_timeout" yaml:"crds_timeout"`

	// EpochDuration is the timeout for staked nodes records.
	EpochDuration time.Duration `json:"epoch_duration" yaml:"epoch_duration"`

	// KindTimeouts overrides the default timeout for the given record kinds.
	KindTimeouts map[string]time.Duration `json:"kind_timeouts" yaml:"kind_timeouts"`

	// MaxBloomFilterBytes is the maximum size of each pull request filter.
	MaxBloomFilterBytes int `json:"max_bloom_filter_bytes" yaml:"max_bloom_filter_bytes"`

	// MaxFilters is the maximum number of filters sent in a pull round.
	MaxFilters int `json:"max_filters" yaml:"max_filters"`

	// FailedInsertsRetention is how long the hashes of values that failed
	// to insert from pull responses are kept.
	FailedInsertsRetention time.Duration `json:"failed_inserts_retention" yaml:"failed_inserts_retention"`

	// ResponseLimit is the maximum number of values returned in response
	// to a batch of pull requests.
	ResponseLimit int `json:"response_limit" yaml:"response_limit"`

	// ActiveTimeout is how long since a nodes contact info was refreshed
	// before it is no longer considered a gossip target.
	ActiveTimeout time.Duration `json:"active_timeout" yaml:"active_timeout"`
}

func (c *PullConfig) Validate() error {
	if c.CrdsTimeout == 0 {
		return fmt.Errorf("missing crds timeout")
	}
	if c.EpochDuration == 0 {
		return fmt.Errorf("missing epoch duration")
	}
	for kind := range c.KindTimeouts {
		if _, err := crds.ParseKind(kind); err != nil {
			return fmt.Errorf("kind timeouts: %w", err)
		}
	}
	if c.MaxBloomFilterBytes <= 0 {
		return fmt.Errorf("missing max bloom filter bytes")
	}
	if c.MaxBloomFilterBytes*8 > bloom.MaxBits {
		return fmt.Errorf("max bloom filter bytes too large: %d", c.MaxBloomFilterBytes)
	}
	if c.MaxFilters <= 0 {
		return fmt.Errorf("missing max filters")
	}
	if c.ResponseLimit <= 0 {
		return fmt.Errorf("missing response limit")
	}
	if c.ActiveTimeout == 0 {
		return fmt.Errorf("missing active timeout")
	}
	return nil
}

func (c *PullConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".pull."

	fs.DurationVar(
		&c.CrdsTimeout,
		prefix+"crds-timeout",
		c.CrdsTimeout,
		`
The age after which records from unstaked nodes are purged, unless the nodes
contact info has been refreshed.

Pull requests from callers whose wallclock differs from the local clock by
more than the timeout are ignored.`,
	)

	fs.DurationVar(
		&c.EpochDuration,
		prefix+"epoch-duration",
		c.EpochDuration,
		`
The age after which records from staked nodes are purged. If no node has
stake, all nodes use this timeout.`,
	)

	fs.IntVar(
		&c.MaxBloomFilterBytes,
		prefix+"max-bloom-filter-bytes",
		c.MaxBloomFilterBytes,
		`
The maximum size of each bloom filter in a pull request.

When the number of known records exceeds what a single filter can hold the
hash space is partitioned across multiple filters.`,
	)

	fs.IntVar(
		&c.MaxFilters,
		prefix+"max-filters",
		c.MaxFilters,
		`
The maximum number of filters sent in each pull round.`,
	)

	fs.DurationVar(
		&c.FailedInsertsRetention,
		prefix+"failed-inserts-retention",
		c.FailedInsertsRetention,
		`
How long to include the hashes of values that failed to insert from pull
responses in pull requests, so peers stop resending them.`,
	)

	fs.IntVar(
		&c.ResponseLimit,
		prefix+"response-limit",
		c.ResponseLimit,
		`
The maximum number of values to respond with for each batch of pull
requests.`,
	)

	fs.DurationVar(
		&c.ActiveTimeout,
		prefix+"active-timeout",
		c.ActiveTimeout,
		`
How long since a nodes contact info was last refreshed before it is no
longer selected as a gossip target. Staked nodes are still periodically
retried.`,
	)
}

type PushConfig struct {
	// Fanout is the number of peers each value is pushed to.
	Fanout int `json:"fanout" yaml:"fanout"`

	// ActiveSetSize is the number of peers in each active set bucket.
	ActiveSetSize int `json:"active_set_size" yaml:"active_set_size"`

	// MsgTimeout is the maximum difference between a values wallclock and
	// the local clock for the value to be pushed or accepted from a push.
	MsgTimeout time.Duration `json:"msg_timeout" yaml:"msg_timeout"`

	// PruneTimeout is the maximum age of an accepted prune message.
	PruneTimeout time.Duration `json:"prune_timeout" yaml:"prune_timeout"`

	// MaxBytes is the maximum number of bytes of values pushed each round.
	MaxBytes int `json:"max_bytes" yaml:"max_bytes"`

	// PruneStakeThreshold is the fraction of the min of the local and
	// origin stake that must be kept as ingress stake when pruning.
	PruneStakeThreshold float64 `json:"prune_stake_threshold" yaml:"prune_stake_threshold"`

	// PruneMinIngressNodes is the minimum number of senders kept per origin
	// when pruning.
	PruneMinIngressNodes int `json:"prune_min_ingress_nodes" yaml:"prune_min_ingress_nodes"`

	// ReceivedCacheCapacity is the number of origins tracked in the
	// received cache.
	ReceivedCacheCapacity int `json:"received_cache_capacity" yaml:"received_cache_capacity"`
}

func (c *PushConfig) Validate() error {
	if c.Fanout <= 0 {
		return fmt.Errorf("missing fanout")
	}
	if c.ActiveSetSize < c.Fanout {
		return fmt.Errorf("active set size smaller than fanout")
	}
	if c.MsgTimeout == 0 {
		return fmt.Errorf("missing msg timeout")
	}
	if c.PruneTimeout == 0 {
		return fmt.Errorf("missing prune timeout")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("missing max bytes")
	}
	if c.PruneStakeThreshold < 0 || c.PruneStakeThreshold > 1 {
		return fmt.Errorf("prune stake threshold out of range: %f", c.PruneStakeThreshold)
	}
	if c.ReceivedCacheCapacity <= 0 {
		return fmt.Errorf("missing received cache capacity")
	}
	return nil
}

func (c *PushConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".push."

	fs.IntVar(
		&c.Fanout,
		prefix+"fanout",
		c.Fanout,
		`
The number of peers each new value is pushed to.`,
	)

	fs.IntVar(
		&c.ActiveSetSize,
		prefix+"active-set-size",
		c.ActiveSetSize,
		`
The number of peers kept in each stake bucket of the push active set. Must be
at least the fanout so pruned peers can be skipped.`,
	)

	fs.DurationVar(
		&c.MsgTimeout,
		prefix+"msg-timeout",
		c.MsgTimeout,
		`
The maximum difference between a values wallclock and the local clock for
the value to be pushed, or accepted from a push message.`,
	)

	fs.DurationVar(
		&c.PruneTimeout,
		prefix+"prune-timeout",
		c.PruneTimeout,
		`
The maximum age of an accepted prune message.`,
	)

	fs.IntVar(
		&c.MaxBytes,
		prefix+"max-bytes",
		c.MaxBytes,
		`
The maximum number of bytes of values pushed each round. Values that don't
fit are pushed in the following round.`,
	)

	fs.Float64Var(
		&c.PruneStakeThreshold,
		prefix+"prune-stake-threshold",
		c.PruneStakeThreshold,
		`
When pruning redundant senders of an origin, senders are kept until their
combined stake reaches this fraction of the min of the local and origin
stake.`,
	)

	fs.IntVar(
		&c.PruneMinIngressNodes,
		prefix+"prune-min-ingress-nodes",
		c.PruneMinIngressNodes,
		`
The minimum number of senders kept for each origin when pruning.`,
	)

	fs.IntVar(
		&c.ReceivedCacheCapacity,
		prefix+"received-cache-capacity",
		c.ReceivedCacheCapacity,
		`
The number of origins whose senders are tracked to select prune targets.`,
	)
}

type Config struct {
	Pull PullConfig `json:"pull" yaml:"pull"`

	Push PushConfig `json:"push" yaml:"push"`

	Ping pingpong.Config `json:"ping" yaml:"ping"`
}

// DefaultConfig returns the default gossip configuration.
func DefaultConfig() Config {
	return Config{
		Pull: PullConfig{
			CrdsTimeout:            time.Second * 15,
			EpochDuration:          time.Hour * 48,
			MaxBloomFilterBytes:    992,
			MaxFilters:             1024,
			FailedInsertsRetention: time.Second * 20,
			ResponseLimit:          2048,
			ActiveTimeout:          time.Minute,
		},
		Push: PushConfig{
			Fanout:                9,
			ActiveSetSize:         12,
			MsgTimeout:            time.Second * 30,
			PruneTimeout:          time.Millisecond * 500,
			MaxBytes:              1232 * 9,
			PruneStakeThreshold:   0.15,
			PruneMinIngressNodes:  2,
			ReceivedCacheCapacity: 16384,
		},
		Ping: pingpong.DefaultConfig(),
	}
}

func (c *Config) Validate() error {
	if err := c.Pull.Validate(); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if err := c.Push.Validate(); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := c.Ping.Validate(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	c.Pull.RegisterFlags(fs, prefix)
	c.Push.RegisterFlags(fs, prefix)
	c.Ping.RegisterFlags(fs, prefix)
}

// kindTimeouts returns the kind timeouts in milliseconds.
func (c *Config) kindTimeouts() map[crds.Kind]uint64 {
	timeouts := make(map[crds.Kind]uint64, len(c.Pull.KindTimeouts))
	for name, timeout := range c.Pull.KindTimeouts {
		// Validated by Config.Validate.
		kind, _ := crds.ParseKind(name)
		timeouts[kind] = uint64(timeout.Milliseconds())
	}
	return timeouts
}
