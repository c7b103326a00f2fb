// Package discovery finds entrypoints on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/andydunstall/crds/node/config"
	"github.com/andydunstall/crds/pkg/log"
)

// MDNS announces the local node using mDNS and browses for other nodes
// announcing the same service.
type MDNS struct {
	txt    string
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger log.Logger
}

// NewMDNS registers the node with the given instance name and gossip port.
// onPeer is called with the gossip address of each discovered node.
func NewMDNS(
	instance string,
	port int,
	conf config.DiscoveryConfig,
	onPeer func(addr string),
	logger log.Logger,
) (*MDNS, error) {
	txt := "pubkey=" + instance
	server, err := zeroconf.Register(
		instance, conf.Service, conf.Domain, port, []string{txt}, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{
		txt:    txt,
		server: server,
		cancel: cancel,
		logger: logger.WithSubsystem("discovery"),
	}

	entries := make(chan *zeroconf.ServiceEntry)
	m.wg.Add(1)
	go m.browse(entries, onPeer)

	if err := resolver.Browse(ctx, conf.Service, conf.Domain, entries); err != nil {
		cancel()
		server.Shutdown()
		m.wg.Wait()
		return nil, fmt.Errorf("browse: %w", err)
	}

	return m, nil
}

// Stop stops browsing and unregisters the node.
func (m *MDNS) Stop() {
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}

func (m *MDNS) browse(entries <-chan *zeroconf.ServiceEntry, onPeer func(addr string)) {
	defer m.wg.Done()

	for entry := range entries {
		if slices.Contains(entry.Text, m.txt) {
			continue
		}
		for _, addr := range entryAddrs(entry) {
			m.logger.Debug(
				"discovered node",
				zap.String("instance", entry.Instance),
				zap.String("addr", addr),
			)
			onPeer(addr)
		}
	}
}

func entryAddrs(entry *zeroconf.ServiceEntry) []string {
	var addrs []string
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	return addrs
}
