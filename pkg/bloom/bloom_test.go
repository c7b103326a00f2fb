package bloom

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	t.Run("contains added keys", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		f := New(100, 0.1, 8*1024, rng)

		var keys [][]byte
		for i := 0; i != 100; i++ {
			key := sha256.Sum256([]byte{byte(i), byte(i >> 8)})
			keys = append(keys, key[:])
			f.Add(key[:])
		}
		for _, key := range keys {
			assert.True(t, f.Contains(key))
		}
	})

	t.Run("false positive rate", func(t *testing.T) {
		rng := rand.New(rand.NewSource(2))
		f := New(1000, 0.1, 1<<20, rng)

		for i := 0; i != 1000; i++ {
			key := sha256.Sum256([]byte{1, byte(i), byte(i >> 8)})
			f.Add(key[:])
		}

		falsePositives := 0
		for i := 0; i != 1000; i++ {
			key := sha256.Sum256([]byte{2, byte(i), byte(i >> 8)})
			if f.Contains(key[:]) {
				falsePositives++
			}
		}
		// Expected ~100, allow generous margin.
		assert.Less(t, falsePositives, 200)
	})

	t.Run("capped bits", func(t *testing.T) {
		rng := rand.New(rand.NewSource(3))
		f := New(100000, 0.1, 1024, rng)
		assert.Equal(t, uint(1024), f.NumBits())
		assert.GreaterOrEqual(t, f.NumHashes(), uint(1))
	})

	t.Run("deterministic", func(t *testing.T) {
		f1 := New(100, 0.1, 1024, rand.New(rand.NewSource(4)))
		f2 := New(100, 0.1, 1024, rand.New(rand.NewSource(4)))
		assert.Equal(t, f1.Salt(), f2.Salt())
	})

	t.Run("salt changes positives", func(t *testing.T) {
		key := sha256.Sum256([]byte("foo"))
		f1 := WithParams(64, 3, 1)
		f2 := WithParams(64, 3, 2)
		f1.Add(key[:])
		f2.Add(key[:])

		b1, err := f1.MarshalBinary()
		require.NoError(t, err)
		b2, err := f2.MarshalBinary()
		require.NoError(t, err)
		assert.NotEqual(t, b1, b2)
	})
}

func TestFilter_Marshal(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	f := New(50, 0.1, 4096, rng)
	key := sha256.Sum256([]byte("foo"))
	f.Add(key[:])

	b, err := f.MarshalBinary()
	require.NoError(t, err)

	var decoded Filter
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.Equal(t, f.Salt(), decoded.Salt())
	assert.Equal(t, f.NumBits(), decoded.NumBits())
	assert.Equal(t, f.NumHashes(), decoded.NumHashes())
	assert.True(t, decoded.Contains(key[:]))

	assert.Error(t, decoded.UnmarshalBinary([]byte{1, 2}))
}

// encodeHeader encodes a filter with the given header fields followed by
// numWords zero words.
func encodeHeader(numBits, numHashes, length uint64, numWords int) []byte {
	b := make([]byte, saltSize+headerSize+8*numWords)
	binary.BigEndian.PutUint64(b[saltSize:], numBits)
	binary.BigEndian.PutUint64(b[saltSize+8:], numHashes)
	binary.BigEndian.PutUint64(b[saltSize+16:], length)
	return b
}

func TestFilter_UnmarshalInvalid(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"truncated header", encodeHeader(64, 1, 64, 1)[:saltSize+8]},
		{"zero bits", encodeHeader(0, 1, 0, 0)},
		{"too many bits", encodeHeader(MaxBits+64, 1, MaxBits+64, (MaxBits+64)/64)},
		{"huge bitset length", encodeHeader(64, 1, 1<<63, 1)},
		{"length mismatch", encodeHeader(64, 1, 128, 2)},
		{"zero hashes", encodeHeader(64, 0, 64, 1)},
		{"too many hashes", encodeHeader(64, 1<<40, 64, 1)},
		{"missing words", encodeHeader(128, 1, 128, 1)},
		{"trailing bytes", encodeHeader(64, 1, 64, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Filter
			assert.Error(t, f.UnmarshalBinary(tt.b))
		})
	}

	t.Run("max size", func(t *testing.T) {
		var f Filter
		require.NoError(t, f.UnmarshalBinary(encodeHeader(MaxBits, MaxHashes, MaxBits, MaxBits/64)))
		assert.Equal(t, uint(MaxBits), f.NumBits())
		assert.Equal(t, uint(MaxHashes), f.NumHashes())
	})
}

func TestNumKeys(t *testing.T) {
	assert.Equal(t, uint(1), NumKeys(100, 0))
	assert.Equal(t, uint(7), NumKeys(1000, 100))
	assert.Equal(t, uint(MaxHashes), NumKeys(1_000_000, 1))
}
