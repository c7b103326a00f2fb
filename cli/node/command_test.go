package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeypair(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keypair")

		keypair, err := loadKeypair(path)
		require.NoError(t, err)

		// Loading again returns the same identity.
		loaded, err := loadKeypair(path)
		require.NoError(t, err)
		assert.Equal(t, keypair.Pubkey(), loaded.Pubkey())
	})

	t.Run("ephemeral", func(t *testing.T) {
		a, err := loadKeypair("")
		require.NoError(t, err)
		b, err := loadKeypair("")
		require.NoError(t, err)
		assert.NotEqual(t, a.Pubkey(), b.Pubkey())
	})
}

func TestAdvertiseAddrFromBindAddr(t *testing.T) {
	addr, err := advertiseAddrFromBindAddr("10.26.104.14:8000")
	require.NoError(t, err)
	assert.Equal(t, "10.26.104.14:8000", addr)

	_, err = advertiseAddrFromBindAddr("10.26.104.14")
	assert.Error(t, err)
}

func TestAdvertisePort(t *testing.T) {
	port, err := advertisePort("10.26.104.14:8000")
	require.NoError(t, err)
	assert.Equal(t, 8000, port)
}
