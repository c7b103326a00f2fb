package simulate

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/simulator"
)

const (
	topologyStar   = "star"
	topologyRing   = "ring"
	topologyStaked = "staked"
)

type config struct {
	Topology    string
	Nodes       int
	Convergence float64
	Timeout     time.Duration
	Gossip      gossip.Config
	Log         log.Config
}

func (c *config) Validate() error {
	switch c.Topology {
	case topologyStar, topologyRing, topologyStaked:
	default:
		return fmt.Errorf("unsupported topology: %s", c.Topology)
	}
	if c.Nodes < 2 && c.Topology != topologyStaked {
		return fmt.Errorf("nodes must be at least 2")
	}
	if c.Convergence <= 0 || c.Convergence > 1 {
		return fmt.Errorf("convergence must be in (0, 1]")
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "simulate a gossip network",
		Long: `Simulate a gossip network.

Runs an in-process network of nodes, where messages are delivered directly
between nodes, and reports how many rounds it takes for the nodes to learn
about one another.

Supported topologies:
* star: Each node initially only knows about the first node.
* ring: Each node initially only knows about the next node.
* staked: Fully connected nodes with a skewed stake distribution.

Examples:
  # Simulate a star network of 100 nodes.
  crds simulate --topology star --nodes 100

  # Simulate a ring network until 95% convergence.
  crds simulate --topology ring --nodes 200 --convergence 0.95
`,
	}

	conf := config{
		Gossip: gossip.DefaultConfig(),
		Log:    log.DefaultConfig(),
	}
	conf.Log.Format = "console"

	cmd.Flags().StringVar(
		&conf.Topology,
		"topology",
		topologyStar,
		`
Network topology: 'star', 'ring' or 'staked'.`,
	)
	cmd.Flags().IntVar(
		&conf.Nodes,
		"nodes",
		100,
		`
Number of nodes in the network. Ignored by the staked topology.`,
	)
	cmd.Flags().Float64Var(
		&conf.Convergence,
		"convergence",
		0.9,
		`
Stop the simulation once the network reaches this convergence.

Convergence is the fraction of all records in the network each node has, on
average.`,
	)
	cmd.Flags().DurationVar(
		&conf.Timeout,
		"timeout",
		0,
		`
Maximum duration of the simulation. Zero means no limit.`,
	)
	conf.Gossip.RegisterFlags(cmd.Flags(), "gossip")
	conf.Log.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if err := run(&conf, logger); err != nil {
			logger.Error("failed to run simulation", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

type output struct {
	Topology          string        `json:"topology"`
	Nodes             int           `json:"nodes"`
	Convergence       float64       `json:"convergence"`
	Bytes             int           `json:"bytes"`
	Values            int           `json:"values"`
	Overhead          int           `json:"overhead"`
	ConnectionsPruned int           `json:"connections_pruned"`
	StakePruned       uint64        `json:"stake_pruned"`
	Duration          time.Duration `json:"duration"`
}

func run(conf *config, logger log.Logger) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()
	if conf.Timeout != 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, conf.Timeout)
		defer timeoutCancel()
	}

	network, err := newNetwork(conf, logger)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}

	logger.Info(
		"starting simulation",
		zap.String("topology", conf.Topology),
		zap.Int("nodes", network.Len()),
	)

	start := time.Now()
	stats, err := network.Simulate(ctx, conf.Convergence)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	b, err := yaml.Marshal(output{
		Topology:          conf.Topology,
		Nodes:             network.Len(),
		Convergence:       stats.Convergence,
		Bytes:             stats.Bytes,
		Values:            stats.Values,
		Overhead:          stats.Overhead,
		ConnectionsPruned: network.NumConnectionsPruned(),
		StakePruned:       network.StakePruned(),
		Duration:          time.Since(start),
	})
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(b))

	return nil
}

func newNetwork(conf *config, logger log.Logger) (*simulator.Network, error) {
	switch conf.Topology {
	case topologyStar:
		return simulator.NewStar(conf.Nodes, conf.Gossip, logger)
	case topologyRing:
		return simulator.NewRing(conf.Nodes, conf.Gossip, logger)
	default:
		return simulator.NewConnected(stakedDistribution(), conf.Gossip, logger)
	}
}

// stakedDistribution returns a skewed stake distribution where a few nodes
// hold most of the stake.
func stakedDistribution() []uint64 {
	var stakes []uint64
	for _, s := range []struct {
		stake uint64
		num   int
	}{
		{1000, 2},
		{100, 3},
		{10, 5},
		{1, 15},
	} {
		for i := 0; i != s.num; i++ {
			stakes = append(stakes, s.stake*1_000_000_000)
		}
	}
	return stakes
}
