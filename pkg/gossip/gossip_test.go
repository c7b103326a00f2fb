package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/pingpong"
)

func newTestGossip(t *testing.T, addr string) *Gossip {
	g, err := New(
		identity.NewKeypair(),
		crds.ContactInfo{Gossip: addr},
		DefaultConfig(),
		log.NewNopLogger(),
	)
	require.NoError(t, err)
	return g
}

// connect inserts the contact info of each node into the other and marks
// both as verified.
func connect(t *testing.T, g1 *Gossip, g2 *Gossip, now uint64) {
	v1, err := g1.RefreshContactInfo(now)
	require.NoError(t, err)
	v2, err := g2.RefreshContactInfo(now)
	require.NoError(t, err)

	g1.ProcessPullRequests([]*crds.Value{v2}, now)
	g2.ProcessPullRequests([]*crds.Value{v1}, now)

	g1.PingCache().MockPong(g2.Pubkey(), g2.ContactInfo().Gossip, time.UnixMilli(int64(now)))
	g2.PingCache().MockPong(g1.Pubkey(), g1.ContactInfo().Gossip, time.UnixMilli(int64(now)))
}

func TestGossip_Publish(t *testing.T) {
	const now = 1_000_000

	g := newTestGossip(t, "10.0.0.1:8001")

	value, err := g.Publish(&crds.LowestSlot{
		From:        g.Pubkey(),
		WallclockMs: now,
		Lowest:      10,
	}, now)
	require.NoError(t, err)

	entry, ok := g.Store().Get(value.Label())
	require.True(t, ok)
	assert.Equal(t, value.Hash(), entry.Value.Hash())

	// Data must be authored by the local node.
	_, err = g.Publish(&crds.LowestSlot{
		From:        identity.NewKeypair().Pubkey(),
		WallclockMs: now,
	}, now)
	assert.Error(t, err)
}

func TestGossip_Push(t *testing.T) {
	const now = 1_000_000

	g1 := newTestGossip(t, "10.0.0.1:8001")
	g2 := newTestGossip(t, "10.0.0.2:8001")
	connect(t, g1, g2, now)

	pings := g1.RefreshPushActiveSet(now, nil)
	assert.Empty(t, pings)
	assert.Equal(t, []identity.Pubkey{g2.Pubkey()}, g1.Status(nil).ActiveSet)

	value, err := g1.Publish(&crds.LowestSlot{
		From:        g1.Pubkey(),
		WallclockMs: now,
		Lowest:      10,
	}, now)
	require.NoError(t, err)

	messages, _ := g1.NewPushMessages(now, nil, nil)
	require.Contains(t, messages, g2.Pubkey())
	assert.Contains(t, messages[g2.Pubkey()], value)

	origins := g2.ProcessPushMessage(g1.Pubkey(), messages[g2.Pubkey()], now)
	assert.Contains(t, origins, g1.Pubkey())

	_, ok := g2.Store().Get(value.Label())
	assert.True(t, ok)
}

func TestGossip_PullRequests(t *testing.T) {
	const now = 1_000_000

	t.Run("pulls missing values", func(t *testing.T) {
		g1 := newTestGossip(t, "10.0.0.1:8001")
		g2 := newTestGossip(t, "10.0.0.2:8001")
		connect(t, g1, g2, now)

		value, err := g2.Publish(&crds.LowestSlot{
			From:        g2.Pubkey(),
			WallclockMs: now,
			Lowest:      10,
		}, now)
		require.NoError(t, err)

		round, err := g1.NewPullRequests(now, nil)
		require.NoError(t, err)
		require.Len(t, round.Requests, 1)
		assert.Equal(t, g2.Pubkey(), round.Requests[0].Peer.From)

		var requests []PullRequest
		for _, filter := range round.Requests[0].Filters {
			requests = append(requests, PullRequest{
				Caller: round.Caller,
				Filter: filter,
			})
		}
		g2.ProcessPullRequests([]*crds.Value{round.Caller}, now)

		var values []*crds.Value
		for _, response := range g2.GenerateResponses(requests, 100, now, nil) {
			values = append(values, response...)
		}
		assert.Contains(t, values, value)

		filtered := g1.FilterPullResponses(values, now, nil)
		g1.ProcessPullResponses(g2.Pubkey(), filtered, now)

		_, ok := g1.Store().Get(value.Label())
		assert.True(t, ok)
	})

	t.Run("no peers", func(t *testing.T) {
		g := newTestGossip(t, "10.0.0.1:8001")

		round, err := g.NewPullRequests(now, nil)
		assert.ErrorIs(t, err, ErrNoPeers)
		require.NotNil(t, round)
		assert.NotNil(t, round.Caller)
	})

	t.Run("pings unverified peers", func(t *testing.T) {
		g1 := newTestGossip(t, "10.0.0.1:8001")
		g2 := newTestGossip(t, "10.0.0.2:8001")

		v2, err := g2.RefreshContactInfo(now)
		require.NoError(t, err)
		g1.ProcessPullRequests([]*crds.Value{v2}, now)

		round, err := g1.NewPullRequests(now, nil)
		assert.ErrorIs(t, err, ErrNoPeers)
		require.Len(t, round.Pings, 1)
		assert.Equal(t, "10.0.0.2:8001", round.Pings[0].Addr)

		// Once the pong is received the peer is verified.
		pong, ok := g2.HandlePing(round.Pings[0].Ping)
		require.True(t, ok)
		assert.True(t, g1.HandlePong(pong, "10.0.0.2:8001", now))

		round, err = g1.NewPullRequests(now, nil)
		require.NoError(t, err)
		require.Len(t, round.Requests, 1)
		assert.Equal(t, g2.Pubkey(), round.Requests[0].Peer.From)
	})

	t.Run("refreshes caller info", func(t *testing.T) {
		g := newTestGossip(t, "10.0.0.1:8001")
		_, err := g.RefreshContactInfo(now)
		require.NoError(t, err)

		round, _ := g.NewPullRequests(now+1000, nil)
		assert.Equal(t, uint64(now), round.Caller.Wallclock())

		round, _ = g.NewPullRequests(now+10_000, nil)
		assert.Equal(t, uint64(now+10_000), round.Caller.Wallclock())
	})
}

func TestGossip_ProcessPruneMsg(t *testing.T) {
	const now = 1_000_000

	t.Run("bad destination", func(t *testing.T) {
		g := newTestGossip(t, "10.0.0.1:8001")
		err := g.ProcessPruneMsg(
			identity.NewKeypair().Pubkey(),
			identity.NewKeypair().Pubkey(),
			nil,
			now,
			now,
			nil,
		)
		assert.ErrorIs(t, err, ErrBadPruneDestination)
	})

	t.Run("timeout", func(t *testing.T) {
		g := newTestGossip(t, "10.0.0.1:8001")
		err := g.ProcessPruneMsg(
			identity.NewKeypair().Pubkey(),
			g.Pubkey(),
			nil,
			now-1000,
			now,
			nil,
		)
		assert.ErrorIs(t, err, ErrPruneMessageTimeout)
	})

	t.Run("prunes origin", func(t *testing.T) {
		g1 := newTestGossip(t, "10.0.0.1:8001")
		g2 := newTestGossip(t, "10.0.0.2:8001")
		connect(t, g1, g2, now)
		g1.RefreshPushActiveSet(now, nil)

		origin := identity.NewKeypair()
		require.NoError(t, g1.ProcessPruneMsg(
			g2.Pubkey(),
			g1.Pubkey(),
			[]identity.Pubkey{origin.Pubkey()},
			now,
			now,
			nil,
		))

		value := newTestValue(t, origin, 1, now)
		require.NoError(t, g1.Store().Insert(value, now, crds.RoutePushMessage))

		messages, _ := g1.NewPushMessages(now, nil, nil)
		assert.NotContains(t, messages[g2.Pubkey()], value)
	})
}

func TestGossip_Purge(t *testing.T) {
	const now = 1_000_000

	g1 := newTestGossip(t, "10.0.0.1:8001")
	g2 := newTestGossip(t, "10.0.0.2:8001")
	connect(t, g1, g2, now)

	// The remote contact info is purged once timed out, though the local
	// contact info is kept.
	stakes := map[identity.Pubkey]uint64{
		g1.Pubkey(): 1,
	}
	assert.Equal(t, 0, g1.Purge(now+1000, stakes))
	assert.Equal(t, 1, g1.Purge(now+16_000, stakes))

	_, ok := g1.Store().GetContactInfo(g2.Pubkey())
	assert.False(t, ok)
	_, ok = g1.Store().GetContactInfo(g1.Pubkey())
	assert.True(t, ok)
}

func TestGossip_HandlePing(t *testing.T) {
	g1 := newTestGossip(t, "10.0.0.1:8001")
	g2 := newTestGossip(t, "10.0.0.2:8001")

	ping := pingpong.NewPing([pingpong.TokenSize]byte{1, 2, 3}, identity.NewKeypair())
	pong, ok := g1.HandlePing(ping)
	require.True(t, ok)
	assert.Equal(t, g1.Pubkey(), pong.From)

	// Tampered pings are ignored.
	ping.Token[0] = 0xff
	_, ok = g2.HandlePing(ping)
	assert.False(t, ok)
}

func TestGossip_NewEntrypointPullRequests(t *testing.T) {
	const now = 1_000_000

	entrypoint := newTestGossip(t, "10.0.0.1:8001")
	_, err := entrypoint.RefreshContactInfo(now)
	require.NoError(t, err)
	_, err = entrypoint.Publish(&crds.LowestSlot{
		From:        entrypoint.Pubkey(),
		WallclockMs: now,
		Lowest:      10,
	}, now)
	require.NoError(t, err)

	g := newTestGossip(t, "10.0.0.2:8001")
	requests, err := g.NewEntrypointPullRequests(now)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	caller, ok := requests[0].Caller.ContactInfo()
	require.True(t, ok)
	assert.Equal(t, g.Pubkey(), caller.From)

	// The entrypoint responds with its records once it knows the caller.
	entrypoint.ProcessPullRequests([]*crds.Value{requests[0].Caller}, now)
	responses := entrypoint.GenerateResponses(requests, 100, now, nil)
	require.Len(t, responses, 1)
	assert.Len(t, responses[0], 2)

	filtered := g.FilterPullResponses(responses[0], now, nil)
	g.ProcessPullResponses(entrypoint.Pubkey(), filtered, now)
	_, ok = g.Store().GetContactInfo(entrypoint.Pubkey())
	assert.True(t, ok)
}
