package pingpong

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// TTL is how long a pong verifies a node for.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// RateLimitDelay is the minimum delay between pings to the same node
	// and address.
	RateLimitDelay time.Duration `json:"rate_limit_delay" yaml:"rate_limit_delay"`

	// Capacity is the maximum number of nodes tracked.
	Capacity int `json:"capacity" yaml:"capacity"`
}

func DefaultConfig() Config {
	ttl := time.Second * 1280
	return Config{
		TTL:            ttl,
		RateLimitDelay: ttl / 64,
		Capacity:       65536,
	}
}

func (c *Config) Validate() error {
	if c.TTL == 0 {
		return fmt.Errorf("missing ttl")
	}
	if c.RateLimitDelay == 0 {
		return fmt.Errorf("missing rate limit delay")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("missing capacity")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".ping."

	fs.DurationVar(
		&c.TTL,
		prefix+"ttl",
		c.TTL,
		`
How long a pong verifies a node for.

Nodes must respond to a ping from the address they advertise before they are
selected as gossip targets. Once the TTL expires the node must be verified
again.`,
	)

	fs.DurationVar(
		&c.RateLimitDelay,
		prefix+"rate-limit-delay",
		c.RateLimitDelay,
		`
The minimum delay between pings sent to the same node and address.`,
	)

	fs.IntVar(
		&c.Capacity,
		prefix+"capacity",
		c.Capacity,
		`
The maximum number of nodes to track the verification state of. When full
the least recently used nodes are discarded.`,
	)
}
