package wire

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/crds/pkg/bloom"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/pingpong"
)

func newTestValue(t *testing.T, lowest uint64) *crds.Value {
	keypair := identity.NewKeypair()
	value, err := crds.NewValue(&crds.LowestSlot{
		From:        keypair.Pubkey(),
		WallclockMs: 1000,
		Lowest:      lowest,
	}, keypair)
	require.NoError(t, err)
	return value
}

func hashes(values []*crds.Value) []crds.Hash {
	var h []crds.Hash
	for _, v := range values {
		h = append(h, v.Hash())
	}
	return h
}

func TestCodec_Push(t *testing.T) {
	t.Run("single packet", func(t *testing.T) {
		from := identity.NewKeypair().Pubkey()
		values := []*crds.Value{newTestValue(t, 1), newTestValue(t, 2)}

		packets, err := EncodePush(from, values, MaxPacketSize)
		require.NoError(t, err)
		require.Len(t, packets, 1)

		messageType, err := ReadType(packets[0])
		require.NoError(t, err)
		assert.Equal(t, MessageTypePush, messageType)

		push, err := DecodePush(packets[0])
		require.NoError(t, err)
		assert.Equal(t, from, push.From)
		assert.Equal(t, hashes(values), hashes(push.Values))
		for _, v := range push.Values {
			assert.True(t, v.Verify(identity.NewVerifier()))
		}
	})

	t.Run("split across packets", func(t *testing.T) {
		from := identity.NewKeypair().Pubkey()
		var values []*crds.Value
		for i := 0; i != 50; i++ {
			values = append(values, newTestValue(t, uint64(i)))
		}

		packets, err := EncodePush(from, values, MaxPacketSize)
		require.NoError(t, err)
		assert.Greater(t, len(packets), 1)

		var received []*crds.Value
		for _, packet := range packets {
			assert.LessOrEqual(t, len(packet), MaxPacketSize)

			push, err := DecodePush(packet)
			require.NoError(t, err)
			assert.Equal(t, from, push.From)
			received = append(received, push.Values...)
		}
		assert.Equal(t, hashes(values), hashes(received))
	})

	t.Run("drops oversized values", func(t *testing.T) {
		from := identity.NewKeypair().Pubkey()
		packets, err := EncodePush(from, []*crds.Value{newTestValue(t, 1)}, 100)
		require.NoError(t, err)
		assert.Empty(t, packets)
	})

	t.Run("packet too small for header", func(t *testing.T) {
		from := identity.NewKeypair().Pubkey()
		_, err := EncodePush(from, []*crds.Value{newTestValue(t, 1)}, 10)
		assert.Error(t, err)
	})

	t.Run("incorrect type", func(t *testing.T) {
		from := identity.NewKeypair().Pubkey()
		packets, err := EncodePullResponse(from, []*crds.Value{newTestValue(t, 1)}, MaxPacketSize)
		require.NoError(t, err)
		require.Len(t, packets, 1)

		_, err = DecodePush(packets[0])
		assert.Error(t, err)

		resp, err := DecodePullResponse(packets[0])
		require.NoError(t, err)
		assert.Len(t, resp.Values, 1)
	})
}

func TestCodec_ReadType(t *testing.T) {
	_, err := ReadType([]byte{1})
	assert.Error(t, err)

	_, err = ReadType([]byte{1, 5})
	assert.Error(t, err)

	messageType, err := ReadType([]byte{uint8(MessageTypePong), supportedVersion})
	require.NoError(t, err)
	assert.Equal(t, MessageTypePong, messageType)
}

func TestCodec_PullRequest(t *testing.T) {
	keypair := identity.NewKeypair()
	caller, err := crds.NewValue(&crds.ContactInfo{
		From:        keypair.Pubkey(),
		WallclockMs: 1000,
		Gossip:      "10.0.0.1:8001",
	}, keypair)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	filter := &gossip.Filter{
		Bloom:    bloom.New(100, 0.1, 992*8, rng),
		Mask:     ^uint64(0),
		MaskBits: 0,
	}
	included := newTestValue(t, 1)
	filter.Add(included.Hash())

	b, err := EncodePullRequest(caller, filter)
	require.NoError(t, err)

	req, err := DecodePullRequest(b)
	require.NoError(t, err)
	assert.Equal(t, caller.Hash(), req.Caller.Hash())
	assert.Equal(t, filter.Mask, req.Filter.Mask)
	assert.Equal(t, filter.MaskBits, req.Filter.MaskBits)
	assert.Equal(t, filter.Bloom.Salt(), req.Filter.Bloom.Salt())
	assert.True(t, req.Filter.Contains(included.Hash()))

	t.Run("caller not contact info", func(t *testing.T) {
		b, err := EncodePullRequest(newTestValue(t, 1), filter)
		require.NoError(t, err)

		_, err = DecodePullRequest(b)
		assert.Error(t, err)
	})

	t.Run("invalid bloom", func(t *testing.T) {
		tests := []struct {
			name      string
			numBits   uint64
			numHashes uint64
			length    uint64
		}{
			{"huge bitset length", 64, 1, 1 << 63},
			{"huge number of hashes", 64, 1 << 40, 64},
			{"huge number of bits", 1 << 40, 1, 1 << 40},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				bloomBytes := make([]byte, 8+24+8)
				binary.BigEndian.PutUint64(bloomBytes[8:], tt.numBits)
				binary.BigEndian.PutUint64(bloomBytes[16:], tt.numHashes)
				binary.BigEndian.PutUint64(bloomBytes[24:], tt.length)

				b, err := encodeMessage(MessageTypePullRequest, &pullRequest{
					Caller: value{
						Signature: caller.Signature(),
						Payload:   caller.Payload(),
					},
					Bloom:    bloomBytes,
					Mask:     ^uint64(0),
					MaskBits: 0,
				})
				require.NoError(t, err)

				_, err = DecodePullRequest(b)
				assert.Error(t, err)
			})
		}
	})
}

func TestCodec_Prune(t *testing.T) {
	signer := identity.NewKeypair()
	destination := identity.NewKeypair().Pubkey()

	var origins []identity.Pubkey
	for i := 0; i != 40; i++ {
		origins = append(origins, identity.NewKeypair().Pubkey())
	}

	prunes := NewPrunes(signer, destination, origins, 1000)
	require.Len(t, prunes, 2)
	assert.Len(t, prunes[0].Origins, MaxPruneOrigins)
	assert.Len(t, prunes[1].Origins, 8)

	b, err := EncodePrune(prunes[0])
	require.NoError(t, err)

	prune, err := DecodePrune(b)
	require.NoError(t, err)
	assert.Equal(t, signer.Pubkey(), prune.From)
	assert.Equal(t, destination, prune.Destination)
	assert.Equal(t, uint64(1000), prune.Wallclock)
	assert.Equal(t, origins[:MaxPruneOrigins], prune.Origins)
	assert.True(t, prune.Verify(identity.NewVerifier()))

	// Tampering invalidates the signature.
	prune.Wallclock++
	assert.False(t, prune.Verify(identity.NewVerifier()))
}

func TestCodec_PingPong(t *testing.T) {
	signer := identity.NewKeypair()
	ping := pingpong.NewPing([pingpong.TokenSize]byte{1, 2, 3}, signer)

	b, err := EncodePing(ping)
	require.NoError(t, err)
	decodedPing, err := DecodePing(b)
	require.NoError(t, err)
	assert.Equal(t, ping, decodedPing)
	assert.True(t, decodedPing.Verify(identity.NewVerifier()))

	pong := pingpong.NewPong(decodedPing, identity.NewKeypair())
	b, err = EncodePong(pong)
	require.NoError(t, err)
	decodedPong, err := DecodePong(b)
	require.NoError(t, err)
	assert.Equal(t, pong, decodedPong)
	assert.True(t, decodedPong.Verify(identity.NewVerifier()))

	_, err = DecodePong(mustEncodePing(t, ping))
	assert.Error(t, err)
}

func mustEncodePing(t *testing.T, ping *pingpong.Ping) []byte {
	b, err := EncodePing(ping)
	require.NoError(t, err)
	return b
}
