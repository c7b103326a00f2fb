// Package bloom implements a salted bloom filter over fixed size keys, such
// as record hashes and public keys.
//
// Each filter is seeded with a random salt that is mixed into every key, so
// two filters covering the same keys have independent false positives. This
// means a value withheld due to a false positive in one pull request will
// likely be included in the next.
package bloom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// MaxBits is the largest filter accepted when decoding.
	MaxBits = 1 << 16
	// MaxHashes is the largest number of hash functions accepted when
	// decoding.
	MaxHashes = 32

	saltSize = 8
	// headerSize is the size of the encoded number of bits, number of hash
	// functions and bitset length.
	headerSize = 24

	// maxKeySize is the largest key that can be salted without allocating.
	maxKeySize = 32
)

// Filter is a salted bloom filter.
//
// Filter is not safe for concurrent use.
type Filter struct {
	salt   uint64
	filter *bloom.BloomFilter
}

// New returns a filter sized for numItems with the given false positive rate,
// capped to maxBits bits. The salt is drawn from rng so construction is
// deterministic given the rng state.
func New(numItems int, falseRate float64, maxBits int, rng *rand.Rand) *Filter {
	m := NumBits(float64(numItems), falseRate)
	numBits := uint(math.Max(1, math.Min(m, float64(maxBits))))
	numKeys := NumKeys(float64(numBits), float64(numItems))
	return WithParams(numBits, numKeys, rng.Uint64())
}

// WithParams returns a filter with the given number of bits, hash functions
// and salt.
func WithParams(numBits uint, numKeys uint, salt uint64) *Filter {
	return &Filter{
		salt:   salt,
		filter: bloom.New(numBits, numKeys),
	}
}

// NumBits returns the number of bits required to hold n items with false
// positive rate p.
func NumBits(n float64, p float64) float64 {
	return math.Ceil(n * math.Log(p) / math.Log(1/math.Pow(2, math.Log(2))))
}

// NumKeys returns the optimal number of hash functions for m bits holding n
// items.
func NumKeys(m float64, n float64) uint {
	if n == 0 {
		return 1
	}
	return uint(math.Min(MaxHashes, math.Max(1, math.Round(m/n*math.Log(2)))))
}

// Add adds the key to the filter.
func (f *Filter) Add(key []byte) {
	var buf [saltSize + maxKeySize]byte
	f.filter.Add(f.salted(buf[:0], key))
}

// Contains returns true if the key may be in the filter, or false if it is
// definitely not in the filter.
func (f *Filter) Contains(key []byte) bool {
	var buf [saltSize + maxKeySize]byte
	return f.filter.Test(f.salted(buf[:0], key))
}

// Clear removes all keys from the filter, keeping its parameters and salt.
func (f *Filter) Clear() {
	f.filter.ClearAll()
}

func (f *Filter) Salt() uint64 {
	return f.salt
}

// NumBits returns the size of the filter in bits.
func (f *Filter) NumBits() uint {
	return f.filter.Cap()
}

// NumHashes returns the number of hash functions.
func (f *Filter) NumHashes() uint {
	return f.filter.K()
}

// MarshalBinary encodes the salt followed by the underlying filter.
func (f *Filter) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	var salt [saltSize]byte
	binary.LittleEndian.PutUint64(salt[:], f.salt)
	buf.Write(salt[:])
	if _, err := f.filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write filter: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a filter encoded with MarshalBinary. The header
// is checked before decoding so a malformed filter can't allocate more than
// MaxBits bits or use more than MaxHashes hash functions.
func (f *Filter) UnmarshalBinary(b []byte) error {
	if len(b) < saltSize+headerSize {
		return fmt.Errorf("filter too small: %d", len(b))
	}
	numBits := binary.BigEndian.Uint64(b[saltSize:])
	numHashes := binary.BigEndian.Uint64(b[saltSize+8:])
	length := binary.BigEndian.Uint64(b[saltSize+16:])
	if numBits == 0 || numBits > MaxBits {
		return fmt.Errorf("invalid filter: bits=%d", numBits)
	}
	if numHashes == 0 || numHashes > MaxHashes {
		return fmt.Errorf("invalid filter: hashes=%d", numHashes)
	}
	if length != numBits {
		return fmt.Errorf("invalid filter: bits=%d length=%d", numBits, length)
	}
	if expected := saltSize + headerSize + 8*int((numBits+63)/64); len(b) != expected {
		return fmt.Errorf("invalid filter: size=%d expected=%d", len(b), expected)
	}

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(b[saltSize:])); err != nil {
		return fmt.Errorf("read filter: %w", err)
	}
	f.salt = binary.LittleEndian.Uint64(b[:saltSize])
	f.filter = filter
	return nil
}

func (f *Filter) salted(buf []byte, key []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, f.salt)
	return append(buf, key...)
}
