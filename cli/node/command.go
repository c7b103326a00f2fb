package node

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/crds/node"
	"github.com/andydunstall/crds/node/admin"
	"github.com/andydunstall/crds/node/config"
	"github.com/andydunstall/crds/node/discovery"
	crdsconfig "github.com/andydunstall/crds/pkg/config"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a gossip node",
		Long: `Start a gossip node.

The node replicates a store of signed records with the other nodes in the
cluster. Each round it pushes new records to a stake weighted set of peers,
and pulls records it is missing from a random peer using bloom filters of
the records it already has.

Use '--node.entrypoints' to configure the gossip addresses of existing
nodes to bootstrap from.

Examples:
  # Start a node.
  crds node

  # Start a node, listening for gossip packets on :8000 and admin
  # connections on :8001.
  crds node --node.bind-addr :8000 --admin.bind-addr :8001

  # Start a node and bootstrap from existing nodes.
  crds node --node.entrypoints 10.26.104.14:8000,10.26.104.75:8000

  # Start a node with a persistent identity.
  crds node --node.keypair-path /var/lib/crds/keypair
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := crdsconfig.Load(configPath, &conf, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Node.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Node.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Node.AdvertiseAddr = advertiseAddr
		}
		if conf.Admin.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Admin.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Admin.AdvertiseAddr = advertiseAddr
		}

		err = run(&conf, logger)
		if err != nil {
			logger.Error("failed to run node", zap.Error(err))
		}
		// Flush buffered logs before exiting.
		_ = logger.Sync()
		if err != nil {
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info("starting crds node", zap.Any("conf", conf))

	keypair, err := loadKeypair(conf.Node.KeypairPath)
	if err != nil {
		return fmt.Errorf("keypair: %w", err)
	}

	registry := prometheus.NewRegistry()

	conn, err := net.ListenPacket("udp", conf.Node.BindAddr)
	if err != nil {
		return fmt.Errorf("gossip listen: %s: %w", conf.Node.BindAddr, err)
	}

	n, err := node.New(keypair, conn, conf, logger)
	if err != nil {
		conn.Close()
		return fmt.Errorf("node: %w", err)
	}
	defer n.Close()

	n.Metrics().Register(registry)
	n.Gossip().Metrics().Register(registry)
	n.Gossip().Store().Metrics().Register(registry)
	n.Gossip().PingCache().Metrics().Register(registry)

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(registry, logger)
	adminServer.AddStatus("/gossip", node.NewStatus(n))

	if conf.Discovery.Enabled {
		port, err := advertisePort(conf.Node.AdvertiseAddr)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		mdns, err := discovery.NewMDNS(
			keypair.Pubkey().String(),
			port,
			conf.Discovery,
			func(addr string) {
				n.AddEntrypoints(addr)
			},
			logger,
		)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		defer mdns.Stop()
	}

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Bootstrap.
	bootstrapCtx, bootstrapCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		if err := n.Bootstrap(bootstrapCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// The node keeps pulling from its entrypoints in the background
			// so continue running.
			logger.Warn("failed to bootstrap", zap.Error(err))
		}
		<-bootstrapCtx.Done()
		return nil
	}, func(error) {
		bootstrapCancel()
	})

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracePeriod,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// loadKeypair loads the keypair at the given path, or generates and writes
// a new keypair if the file doesn't exist. If the path is empty an
// ephemeral keypair is returned.
func loadKeypair(path string) (*identity.Keypair, error) {
	if path == "" {
		return identity.NewKeypair(), nil
	}

	keypair, err := identity.LoadKeypair(path)
	if err == nil {
		return keypair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	keypair = identity.NewKeypair()
	if err := identity.WriteKeypair(path, keypair); err != nil {
		return nil, err
	}
	return keypair, nil
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}

func advertisePort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid addr: %s: %w", addr, err)
	}
	return strconv.Atoi(port)
}
