package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/crds/node/config"
	"github.com/andydunstall/crds/pkg/bloom"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/pingpong"
	"github.com/andydunstall/crds/pkg/wire"
)

func newTestConfig(entrypoints ...string) *config.Config {
	conf := config.Default()
	conf.Node.BindAddr = "127.0.0.1:0"
	conf.Node.Entrypoints = entrypoints
	conf.Node.Interval = time.Millisecond * 10
	conf.Node.PullInterval = time.Millisecond * 20
	conf.Node.ActiveSetRefreshInterval = time.Millisecond * 50
	conf.Node.PurgeInterval = time.Millisecond * 100
	conf.Node.ContactInfoRefreshInterval = time.Millisecond * 100
	return &conf
}

func newTestNode(t *testing.T, entrypoints ...string) *Node {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	n, err := New(identity.NewKeypair(), conn, newTestConfig(entrypoints...), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Close()
	})
	return n
}

func TestNode_Bootstrap(t *testing.T) {
	entrypoint := newTestNode(t)
	n1 := newTestNode(t, entrypoint.AdvertiseAddr())
	n2 := newTestNode(t, entrypoint.AdvertiseAddr())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	require.NoError(t, n1.Bootstrap(ctx))
	require.NoError(t, n2.Bootstrap(ctx))

	// Nodes discover one another via the entrypoint.
	for _, n := range []*Node{entrypoint, n1, n2} {
		assert.Eventually(t, func() bool {
			return n.Gossip().Store().NumNodes() == 3
		}, time.Second*10, time.Millisecond*10)
	}
}

func TestNode_Publish(t *testing.T) {
	entrypoint := newTestNode(t)
	n1 := newTestNode(t, entrypoint.AdvertiseAddr())
	n2 := newTestNode(t, entrypoint.AdvertiseAddr())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	require.NoError(t, n1.Bootstrap(ctx))
	require.NoError(t, n2.Bootstrap(ctx))

	value, err := n1.Publish(&crds.LowestSlot{
		From:        n1.Pubkey(),
		WallclockMs: uint64(time.Now().UnixMilli()),
		Lowest:      100,
	})
	require.NoError(t, err)

	for _, n := range []*Node{entrypoint, n2} {
		assert.Eventually(t, func() bool {
			entry, ok := n.Gossip().Store().Get(value.Label())
			return ok && entry.Value.Hash() == value.Hash()
		}, time.Second*10, time.Millisecond*10)
	}
}

func TestNode_Bootstrap_NoEntrypoints(t *testing.T) {
	n := newTestNode(t)
	assert.NoError(t, n.Bootstrap(context.Background()))
}

func TestNode_Bootstrap_Cancelled(t *testing.T) {
	// Nothing is listening on the entrypoint.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	n := newTestNode(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*200)
	defer cancel()
	assert.ErrorIs(t, n.Bootstrap(ctx), context.DeadlineExceeded)
}

func TestNode_AddEntrypoints(t *testing.T) {
	n := newTestNode(t)
	n.AddEntrypoints("10.0.0.1:8000", "10.0.0.1:8000", n.AdvertiseAddr())
	assert.Equal(t, []string{"10.0.0.1:8000"}, n.Entrypoints())
}

// TestNode_PullRequestVerification tests the node only responds to pull
// requests from callers that have responded to a ping.
func TestNode_PullRequestVerification(t *testing.T) {
	n := newTestNode(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	keypair := identity.NewKeypair()
	caller, err := crds.NewValue(&crds.ContactInfo{
		From:        keypair.Pubkey(),
		WallclockMs: uint64(time.Now().UnixMilli()),
		Gossip:      conn.LocalAddr().String(),
	}, keypair)
	require.NoError(t, err)

	request, err := wire.EncodePullRequest(caller, &gossip.Filter{
		Bloom:    bloom.WithParams(64, 3, 1),
		Mask:     ^uint64(0),
		MaskBits: 0,
	})
	require.NoError(t, err)

	nodeAddr, err := net.ResolveUDPAddr("udp", n.AdvertiseAddr())
	require.NoError(t, err)

	read := func() []byte {
		buf := make([]byte, readBufSize)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
		size, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		return buf[:size]
	}

	// The caller is unverified so the node responds with a ping.
	_, err = conn.WriteTo(request, nodeAddr)
	require.NoError(t, err)

	b := read()
	messageType, err := wire.ReadType(b)
	require.NoError(t, err)
	require.Equal(t, wire.MessageTypePing, messageType)

	ping, err := wire.DecodePing(b)
	require.NoError(t, err)
	assert.Equal(t, n.Pubkey(), ping.From)

	pong, err := wire.EncodePong(pingpong.NewPong(ping, keypair))
	require.NoError(t, err)
	_, err = conn.WriteTo(pong, nodeAddr)
	require.NoError(t, err)

	// Once verified the node responds with its contact info. Retry since
	// the request may be handled before the pong.
	var resp *wire.PullResponse
	for resp == nil {
		_, err = conn.WriteTo(request, nodeAddr)
		require.NoError(t, err)

		b := read()
		messageType, err := wire.ReadType(b)
		require.NoError(t, err)
		if messageType != wire.MessageTypePullResponse {
			continue
		}
		resp, err = wire.DecodePullResponse(b)
		require.NoError(t, err)
	}
	assert.Equal(t, n.Pubkey(), resp.From)

	var found bool
	for _, value := range resp.Values {
		if value.Label() == crds.ContactInfoLabel(n.Pubkey()) {
			found = true
		}
	}
	assert.True(t, found)

	// The node now knows the caller.
	_, ok := n.Gossip().Store().GetContactInfo(keypair.Pubkey())
	assert.True(t, ok)
}
