package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestEntryAddrs(t *testing.T) {
	entry := zeroconf.NewServiceEntry("node", "_crds._udp", "local.")
	entry.Port = 8000
	entry.AddrIPv4 = []net.IP{net.ParseIP("10.26.104.14")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	assert.Equal(t, []string{
		"10.26.104.14:8000",
		"[fe80::1]:8000",
	}, entryAddrs(entry))
}
