package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/wire"
)

type NodeConfig struct {
	// KeypairPath is the path of the nodes ed25519 keypair. If the file
	// doesn't exist a new keypair is generated and written to the path. If
	// empty an ephemeral keypair is used.
	KeypairPath string `json:"keypair_path" yaml:"keypair_path"`

	// BindAddr is the address to bind to listen for gossip packets.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the gossip address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// ShredVersion identifies the cluster the node belongs to. Nodes only
	// gossip with nodes that have the same shred version.
	ShredVersion uint16 `json:"shred_version" yaml:"shred_version"`

	// Entrypoints contains the gossip addresses of nodes to bootstrap from.
	Entrypoints []string `json:"entrypoints" yaml:"entrypoints"`

	// MaxPacketSize is the maximum size of a packet carrying values.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// Interval is the interval between push rounds.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// PullInterval is the interval between pull rounds.
	PullInterval time.Duration `json:"pull_interval" yaml:"pull_interval"`

	// ActiveSetRefreshInterval is the interval between push active set
	// rotations.
	ActiveSetRefreshInterval time.Duration `json:"active_set_refresh_interval" yaml:"active_set_refresh_interval"`

	// PurgeInterval is the interval between purging timed out records.
	PurgeInterval time.Duration `json:"purge_interval" yaml:"purge_interval"`

	// ContactInfoRefreshInterval is the interval between re-signing the
	// local contact info.
	ContactInfoRefreshInterval time.Duration `json:"contact_info_refresh_interval" yaml:"contact_info_refresh_interval"`

	// Stakes maps base58 encoded node pubkeys to their stake.
	Stakes map[string]uint64 `json:"stakes" yaml:"stakes"`
}

func (c *NodeConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.MaxPacketSize < 256 {
		return fmt.Errorf("max packet size too small: %d", c.MaxPacketSize)
	}
	if c.Interval == 0 {
		return fmt.Errorf("missing interval")
	}
	if c.PullInterval == 0 {
		return fmt.Errorf("missing pull interval")
	}
	if c.ActiveSetRefreshInterval == 0 {
		return fmt.Errorf("missing active set refresh interval")
	}
	if c.PurgeInterval == 0 {
		return fmt.Errorf("missing purge interval")
	}
	if c.ContactInfoRefreshInterval == 0 {
		return fmt.Errorf("missing contact info refresh interval")
	}
	if _, err := c.ParseStakes(); err != nil {
		return err
	}
	return nil
}

// ParseStakes returns the configured stakes keyed by pubkey.
func (c *NodeConfig) ParseStakes() (map[identity.Pubkey]uint64, error) {
	stakes := make(map[identity.Pubkey]uint64, len(c.Stakes))
	for s, stake := range c.Stakes {
		pubkey, err := identity.ParsePubkey(s)
		if err != nil {
			return nil, fmt.Errorf("stakes: %w", err)
		}
		stakes[pubkey] = stake
	}
	return stakes, nil
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

type DiscoveryConfig struct {
	// Enabled announces the node and discovers entrypoints on the local
	// network using mDNS.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Service is the mDNS service name.
	Service string `json:"service" yaml:"service"`

	// Domain is the mDNS domain.
	Domain string `json:"domain" yaml:"domain"`
}

func (c *DiscoveryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Service == "" {
		return fmt.Errorf("missing service")
	}
	if c.Domain == "" {
		return fmt.Errorf("missing domain")
	}
	return nil
}

type Config struct {
	Node      NodeConfig      `json:"node" yaml:"node"`
	Gossip    gossip.Config   `json:"gossip" yaml:"gossip"`
	Admin     AdminConfig     `json:"admin" yaml:"admin"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Log       log.Config      `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the node.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

// Default returns the default node configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			BindAddr:                   ":8000",
			MaxPacketSize:              wire.MaxPacketSize,
			Interval:                   time.Millisecond * 100,
			PullInterval:               time.Millisecond * 500,
			ActiveSetRefreshInterval:   time.Millisecond * 7500,
			PurgeInterval:              time.Second,
			ContactInfoRefreshInterval: time.Millisecond * 7500,
		},
		Gossip: gossip.DefaultConfig(),
		Admin: AdminConfig{
			BindAddr: ":8001",
		},
		Discovery: DiscoveryConfig{
			Service: "_crds._udp",
			Domain:  "local.",
		},
		Log:         log.DefaultConfig(),
		GracePeriod: time.Second * 30,
	}
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}
	return nil
}

// RegisterFlags registers the flags for each field, using the current
// values as defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Node.KeypairPath,
		"node.keypair-path",
		c.Node.KeypairPath,
		`
Path of the nodes ed25519 keypair.

The node is identified in the cluster by its public key. If the file doesn't
exist a new keypair is generated and written to the path. If no path is
configured the node uses an ephemeral keypair, so gets a new identity each
time it starts.`,
	)
	fs.StringVar(
		&c.Node.BindAddr,
		"node.bind-addr",
		c.Node.BindAddr,
		`
The host/port to listen for gossip packets.

If the host is unspecified it defaults to all listeners, such as
'--node.bind-addr :8000' will listen on '0.0.0.0:8000'`,
	)
	fs.StringVar(
		&c.Node.AdvertiseAddr,
		"node.advertise-addr",
		c.Node.AdvertiseAddr,
		`
Gossip address to advertise to other nodes.

Other nodes send gossip packets to this address, and only gossip with the
node once it has responded to a ping from this address.

Such as if the listen address is ':8000', the advertised address may be
'10.26.104.45:8000' or 'node1.cluster:8000'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8000') the nodes
private IP will be used, such as a bind address of ':8000' may have an
advertise address of '10.26.104.14:8000'.`,
	)
	fs.Uint16Var(
		&c.Node.ShredVersion,
		"node.shred-version",
		c.Node.ShredVersion,
		`
Identifies the cluster the node belongs to.

Nodes ignore the contact info of nodes with a different shred version when
selecting gossip targets.`,
	)
	fs.StringSliceVar(
		&c.Node.Entrypoints,
		"node.entrypoints",
		c.Node.Entrypoints,
		`
Gossip addresses of existing nodes to bootstrap from.

The node sends pull requests to each entrypoint until it discovers another
node in the cluster.`,
	)
	fs.IntVar(
		&c.Node.MaxPacketSize,
		"node.max-packet-size",
		c.Node.MaxPacketSize,
		`
The maximum size of a packet carrying values.

The default fits the minimum IPv6 MTU.`,
	)
	fs.DurationVar(
		&c.Node.Interval,
		"node.interval",
		c.Node.Interval,
		`
The interval between push rounds.`,
	)
	fs.DurationVar(
		&c.Node.PullInterval,
		"node.pull-interval",
		c.Node.PullInterval,
		`
The interval between pull rounds.`,
	)
	fs.DurationVar(
		&c.Node.ActiveSetRefreshInterval,
		"node.active-set-refresh-interval",
		c.Node.ActiveSetRefreshInterval,
		`
The interval between rotating peers into the push active set.`,
	)
	fs.DurationVar(
		&c.Node.PurgeInterval,
		"node.purge-interval",
		c.Node.PurgeInterval,
		`
The interval between purging timed out records.`,
	)
	fs.DurationVar(
		&c.Node.ContactInfoRefreshInterval,
		"node.contact-info-refresh-interval",
		c.Node.ContactInfoRefreshInterval,
		`
The interval between re-signing the local contact info, which keeps the
node active in other nodes stores.`,
	)

	c.Gossip.RegisterFlags(fs, "gossip")

	fs.StringVar(
		&c.Admin.BindAddr,
		"admin.bind-addr",
		c.Admin.BindAddr,
		`
The host/port to listen for incoming admin connections.

If the host is unspecified it defaults to all listeners, such as
'--admin.bind-addr :8001' will listen on '0.0.0.0:8001'`,
	)
	fs.StringVar(
		&c.Admin.AdvertiseAddr,
		"admin.advertise-addr",
		c.Admin.AdvertiseAddr,
		`
Admin listen address to advertise.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8001') the nodes
private IP will be used.`,
	)

	fs.BoolVar(
		&c.Discovery.Enabled,
		"discovery.enabled",
		c.Discovery.Enabled,
		`
Whether to announce the node and discover entrypoints on the local network
using mDNS.`,
	)
	fs.StringVar(
		&c.Discovery.Service,
		"discovery.service",
		c.Discovery.Service,
		`
The mDNS service name.`,
	)
	fs.StringVar(
		&c.Discovery.Domain,
		"discovery.domain",
		c.Discovery.Domain,
		`
The mDNS domain.`,
	)

	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shutdown the node.`,
	)
}
