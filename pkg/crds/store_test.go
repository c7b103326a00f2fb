package crds

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/crds/pkg/identity"
)

func newContactInfo(t *testing.T, keypair *identity.Keypair, wallclock uint64) *Value {
	value, err := NewValue(&ContactInfo{
		From:        keypair.Pubkey(),
		WallclockMs: wallclock,
		Gossip:      "10.0.0.1:8001",
	}, keypair)
	require.NoError(t, err)
	return value
}

func newLowestSlot(t *testing.T, keypair *identity.Keypair, lowest uint64, wallclock uint64) *Value {
	value, err := NewValue(&LowestSlot{
		From:        keypair.Pubkey(),
		WallclockMs: wallclock,
		Lowest:      lowest,
	}, keypair)
	require.NoError(t, err)
	return value
}

func TestStore_Insert(t *testing.T) {
	t.Run("newer wallclock wins", func(t *testing.T) {
		keypair := identity.NewKeypair()
		older := newLowestSlot(t, keypair, 1, 10)
		newer := newLowestSlot(t, keypair, 2, 20)

		for _, order := range [][]*Value{{older, newer}, {newer, older}} {
			store := NewStore(identity.NewVerifier())
			_ = store.Insert(order[0], 0, RouteLocal)
			_ = store.Insert(order[1], 0, RouteLocal)

			entry, ok := store.Get(newer.Label())
			require.True(t, ok)
			assert.Equal(t, newer.Hash(), entry.Value.Hash())
			assert.Equal(t, 1, store.Len())
		}
	})

	t.Run("older rejected", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())

		require.NoError(t, store.Insert(newLowestSlot(t, keypair, 2, 20), 0, RouteLocal))
		err := store.Insert(newLowestSlot(t, keypair, 1, 10), 0, RoutePullResponse)
		assert.ErrorIs(t, err, ErrInsertFailed)

		// The rejected value is tracked so it is excluded from pulls.
		assert.Equal(t, 1, store.NumPurged())
	})

	t.Run("equal wallclock tie broken by hash", func(t *testing.T) {
		keypair := identity.NewKeypair()
		v1 := newLowestSlot(t, keypair, 1, 10)
		v2 := newLowestSlot(t, keypair, 2, 10)
		expected := v1
		if v1.Hash().Compare(v2.Hash()) < 0 {
			expected = v2
		}

		for _, order := range [][]*Value{{v1, v2}, {v2, v1}} {
			store := NewStore(identity.NewVerifier())
			_ = store.Insert(order[0], 0, RouteLocal)
			_ = store.Insert(order[1], 0, RouteLocal)

			entry, ok := store.Get(v1.Label())
			require.True(t, ok)
			assert.Equal(t, expected.Hash(), entry.Value.Hash())
		}
	})

	t.Run("duplicate is idempotent", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())
		value := newContactInfo(t, keypair, 10)

		require.NoError(t, store.Insert(value, 0, RouteLocal))
		entry, _ := store.Get(value.Label())

		assert.ErrorIs(t, store.Insert(value, 5, RoutePullResponse), ErrInsertFailed)

		dupEntry, _ := store.Get(value.Label())
		assert.Equal(t, entry.Ordinal, dupEntry.Ordinal)
		assert.Equal(t, uint64(0), dupEntry.LocalTimestamp)
		assert.Equal(t, uint64(1), store.Cursor())
		assert.Equal(t, 0, store.NumPurged())
	})

	t.Run("duplicate push", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())
		value := newContactInfo(t, keypair, 10)

		require.NoError(t, store.Insert(value, 0, RoutePushMessage))

		for i := 1; i != 4; i++ {
			err := store.Insert(value, 0, RoutePushMessage)
			var dupErr *DuplicatePushError
			require.True(t, errors.As(err, &dupErr))
			assert.Equal(t, uint8(i), dupErr.NumDups)
			assert.ErrorIs(t, err, ErrInsertFailed)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())

		// Signed by a different key to the author.
		value, err := NewValue(&LowestSlot{
			From:        keypair.Pubkey(),
			WallclockMs: 10,
		}, identity.NewKeypair())
		require.NoError(t, err)

		assert.ErrorIs(t, store.Insert(value, 0, RoutePushMessage), ErrInvalidSignature)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("newer outset overrides", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())

		restarted, err := NewValue(&ContactInfo{
			From:        keypair.Pubkey(),
			WallclockMs: 10,
			Outset:      200,
		}, keypair)
		require.NoError(t, err)
		old, err := NewValue(&ContactInfo{
			From:        keypair.Pubkey(),
			WallclockMs: 20,
			Outset:      100,
		}, keypair)
		require.NoError(t, err)

		require.NoError(t, store.Insert(old, 0, RouteLocal))
		require.NoError(t, store.Insert(restarted, 0, RouteLocal))

		ci, ok := store.GetContactInfo(keypair.Pubkey())
		require.True(t, ok)
		assert.Equal(t, uint64(200), ci.Outset)
	})

	t.Run("replace updates indexes", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())
		v1 := newContactInfo(t, keypair, 10)
		v2 := newContactInfo(t, keypair, 20)

		require.NoError(t, store.Insert(v1, 0, RouteLocal))
		require.NoError(t, store.Insert(v2, 1, RouteLocal))

		assert.False(t, store.ContainsHash(v1.Hash()))
		assert.True(t, store.ContainsHash(v2.Hash()))
		assert.Equal(t, []Hash{v1.Hash()}, store.PurgedHashes())
		assert.Equal(t, 1, store.NumNodes())
		assert.Equal(t, 1, store.NumPubkeys())

		var ordinals []uint64
		for entry := range store.EntriesSince(0) {
			ordinals = append(ordinals, entry.Ordinal)
		}
		assert.Equal(t, []uint64{1}, ordinals)
	})
}

func TestStore_EntriesSince(t *testing.T) {
	store := NewStore(identity.NewVerifier())
	for i := 0; i != 10; i++ {
		require.NoError(t, store.Insert(newContactInfo(t, identity.NewKeypair(), 10), 0, RouteLocal))
	}

	var ordinals []uint64
	for entry := range store.EntriesSince(4) {
		ordinals = append(ordinals, entry.Ordinal)
	}
	assert.Equal(t, []uint64{4, 5, 6, 7, 8, 9}, ordinals)

	// The sequence is restartable and can stop early.
	seq := store.EntriesSince(0)
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	n = 0
	for range seq {
		n++
	}
	assert.Equal(t, 10, n)
}

func TestStore_FilterBitmask(t *testing.T) {
	store := NewStore(identity.NewVerifier())
	for i := 0; i != 200; i++ {
		require.NoError(t, store.Insert(newContactInfo(t, identity.NewKeypair(), 10), 0, RouteLocal))
	}

	assert.Len(t, store.FilterBitmask(^uint64(0), 0), 200)

	for _, maskBits := range []uint{1, 4, 8, 10} {
		total := 0
		for seed := uint64(0); seed != 1<<maskBits; seed++ {
			mask := seed<<(64-maskBits) | ^uint64(0)>>maskBits
			entries := store.FilterBitmask(mask, maskBits)
			for _, entry := range entries {
				assert.Equal(t, mask, entry.Value.Hash().Uint64()|^uint64(0)>>maskBits)
			}
			total += len(entries)
		}
		assert.Equal(t, 200, total, "mask bits %d", maskBits)
	}
}

func TestStore_Purge(t *testing.T) {
	t.Run("expired", func(t *testing.T) {
		self := identity.NewKeypair()
		peer := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())

		require.NoError(t, store.Insert(newContactInfo(t, self, 0), 0, RouteLocal))
		require.NoError(t, store.Insert(newContactInfo(t, peer, 0), 0, RoutePullResponse))
		require.NoError(t, store.Insert(newLowestSlot(t, peer, 1, 0), 0, RoutePullResponse))

		timeouts := NewTimeouts(self.Pubkey(), nil, 100, 0, nil)

		// An entry is kept until its timeout has fully elapsed.
		assert.Empty(t, store.Purge(99, timeouts))
		assert.Empty(t, store.Purge(100, timeouts))

		purged := store.Purge(101, timeouts)
		assert.ElementsMatch(t, []Label{
			ContactInfoLabel(peer.Pubkey()),
			{Kind: KindLowestSlot, Pubkey: peer.Pubkey()},
		}, purged)

		// Self never expires.
		assert.Equal(t, 1, store.Len())
		assert.Empty(t, store.Purge(math.MaxUint64, timeouts))
	})

	t.Run("fresh contact info preserves records", func(t *testing.T) {
		self := identity.NewKeypair()
		peer := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())

		require.NoError(t, store.Insert(newLowestSlot(t, peer, 1, 0), 0, RoutePullResponse))
		require.NoError(t, store.Insert(newContactInfo(t, peer, 0), 0, RoutePullResponse))

		timeouts := NewTimeouts(self.Pubkey(), nil, 100, 0, map[Kind]uint64{
			KindLowestSlot: 10,
		})

		store.UpdateRecordTimestamp(peer.Pubkey(), 50)
		assert.Empty(t, store.Purge(120, timeouts))
		assert.Empty(t, store.Purge(150, timeouts))
		assert.Len(t, store.Purge(151, timeouts), 2)
	})

	t.Run("re-authored value reinserted", func(t *testing.T) {
		self := identity.NewKeypair()
		peer := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())

		value := newLowestSlot(t, peer, 1, 0)
		require.NoError(t, store.Insert(value, 0, RoutePullResponse))

		timeouts := NewTimeouts(self.Pubkey(), nil, 100, 0, nil)
		assert.Len(t, store.Purge(101, timeouts), 1)
		assert.Equal(t, []Hash{value.Hash()}, store.PurgedHashes())

		require.NoError(t, store.Insert(newLowestSlot(t, peer, 1, 200), 200, RoutePullResponse))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("trim purged", func(t *testing.T) {
		keypair := identity.NewKeypair()
		store := NewStore(identity.NewVerifier())
		for i := uint64(0); i != 5; i++ {
			require.NoError(t, store.Insert(newLowestSlot(t, keypair, i, i), i, RouteLocal))
		}
		assert.Equal(t, 4, store.NumPurged())

		store.TrimPurged(3)
		assert.Equal(t, 2, store.NumPurged())
	})
}

func TestTimeouts(t *testing.T) {
	self := identity.NewKeypair().Pubkey()
	staked := identity.NewKeypair().Pubkey()
	unstaked := identity.NewKeypair().Pubkey()

	timeouts := NewTimeouts(
		self,
		map[identity.Pubkey]uint64{staked: 10},
		100,
		1000,
		map[Kind]uint64{KindVote: 50, KindEpochSlots: 5000},
	)

	assert.Equal(t, uint64(math.MaxUint64), timeouts.Get(self, KindVote))
	assert.Equal(t, uint64(1000), timeouts.Get(staked, KindContactInfo))
	assert.Equal(t, uint64(5000), timeouts.Get(staked, KindEpochSlots))
	assert.Equal(t, uint64(100), timeouts.Get(unstaked, KindContactInfo))
	assert.Equal(t, uint64(50), timeouts.Get(unstaked, KindVote))

	// With no stakes every owner uses the extended timeout.
	timeouts = NewTimeouts(self, nil, 100, 1000, nil)
	assert.Equal(t, uint64(1000), timeouts.Get(unstaked, KindContactInfo))
	assert.Equal(t, uint64(1000), timeouts.Default())
}
