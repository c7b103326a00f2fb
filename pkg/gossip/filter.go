package gossip

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/andydunstall/crds/pkg/bloom"
	"github.com/andydunstall/crds/pkg/crds"
)

const (
	// filterFalseRate is the target false positive rate of pull filters.
	filterFalseRate = 0.1
	// filterNumKeys is the number of hash functions assumed when sizing
	// pull filters.
	filterNumKeys = 8.0

	// filterSampleRate is the inverse of the fraction of the hash space
	// covered by each pull round.
	filterSampleRate = 8
)

// Filter is a pull request filter covering the partition of the hash space
// whose leading MaskBits bits match Mask.
//
// The responder returns the values in the partition that are not in the
// bloom filter.
type Filter struct {
	Bloom    *bloom.Filter `codec:"bloom"`
	Mask     uint64        `codec:"mask"`
	MaskBits uint          `codec:"mask_bits"`
}

func newFilter(rng *rand.Rand, maxItems float64, maxBits int, seed uint64, maskBits uint) *Filter {
	return &Filter{
		Bloom:    bloom.New(int(maxItems), filterFalseRate, maxBits, rng),
		Mask:     computeMask(seed, maskBits),
		MaskBits: maskBits,
	}
}

// TestMask returns true if the hash is in the filters partition.
func (f *Filter) TestMask(hash crds.Hash) bool {
	ones := ^uint64(0) >> f.MaskBits
	return hash.Uint64()|ones == f.Mask
}

// Contains returns true if the hash is outside the filters partition or may
// be in the bloom filter.
func (f *Filter) Contains(hash crds.Hash) bool {
	return !f.TestMask(hash) || f.Bloom.Contains(hash[:])
}

func (f *Filter) Add(hash crds.Hash) {
	if f.TestMask(hash) {
		f.Bloom.Add(hash[:])
	}
}

func (f *Filter) Validate() error {
	if f.Bloom == nil {
		return fmt.Errorf("missing bloom")
	}
	if numBits := f.Bloom.NumBits(); numBits == 0 || numBits > bloom.MaxBits {
		return fmt.Errorf("bloom bits out of range: %d", numBits)
	}
	if numHashes := f.Bloom.NumHashes(); numHashes == 0 || numHashes > bloom.MaxHashes {
		return fmt.Errorf("bloom hashes out of range: %d", numHashes)
	}
	if f.MaskBits >= 64 {
		return fmt.Errorf("mask bits out of range: %d", f.MaskBits)
	}
	if f.Mask|(^uint64(0)>>f.MaskBits) != f.Mask {
		return fmt.Errorf("invalid mask: %x", f.Mask)
	}
	return nil
}

// computeMask returns the mask with the leading maskBits bits set to seed
// and the remaining bits set to 1.
func computeMask(seed uint64, maskBits uint) uint64 {
	return seed<<(64-maskBits) | ^uint64(0)>>maskBits
}

// maxFilterItems returns the number of items a filter of maxBits bits can
// hold at the target false positive rate.
func maxFilterItems(maxBits float64, falseRate float64, numKeys float64) float64 {
	return math.Ceil(
		maxBits / (-numKeys / math.Log(1-math.Exp(math.Log(falseRate)/numKeys))),
	)
}

// maskBits returns the number of mask bits needed to partition numItems
// across filters holding at most maxItems each.
func maskBits(numItems float64, maxItems float64) uint {
	return uint(max(0, math.Ceil(math.Log2(numItems/maxItems))))
}

// filterSet is a set of filters partitioning the hash space, of which only
// a random subset is populated and sent each round.
type filterSet struct {
	maskBits uint
	filters  []*Filter
}

func newFilterSet(rng *rand.Rand, numItems int, maxBytes int, maxFilters int) *filterSet {
	maxBits := maxBytes * 8
	maxItems := maxFilterItems(float64(maxBits), filterFalseRate, filterNumKeys)
	bits := maskBits(float64(numItems), maxItems)

	filters := make([]*Filter, 1<<bits)
	indices := rng.Perm(len(filters))
	size := (len(filters) + filterSampleRate - 1) / filterSampleRate
	for _, index := range indices[:min(size, maxFilters)] {
		filters[index] = newFilter(rng, maxItems, maxBits, uint64(index), bits)
	}
	return &filterSet{
		maskBits: bits,
		filters:  filters,
	}
}

func (s *filterSet) Add(hash crds.Hash) {
	var index uint64
	if s.maskBits > 0 {
		index = hash.Uint64() >> (64 - s.maskBits)
	}
	if filter := s.filters[index]; filter != nil {
		filter.Bloom.Add(hash[:])
	}
}

// Filters returns the populated filters.
func (s *filterSet) Filters() []*Filter {
	var filters []*Filter
	for _, filter := range s.filters {
		if filter != nil {
			filters = append(filters, filter)
		}
	}
	return filters
}
