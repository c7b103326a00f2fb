package crds

// shards indexes entries by the leading bits of their hash, so entries
// matching a pull filter mask can be found without scanning the whole
// table.
type shards struct {
	bits   uint
	shards []map[Hash]*Entry
}

func newShards(bits uint) *shards {
	return &shards{
		bits:   bits,
		shards: make([]map[Hash]*Entry, 1<<bits),
	}
}

func (s *shards) insert(entry *Entry) {
	hash := entry.Value.Hash()
	index := s.index(hash)
	if s.shards[index] == nil {
		s.shards[index] = make(map[Hash]*Entry)
	}
	s.shards[index][hash] = entry
}

func (s *shards) remove(entry *Entry) {
	hash := entry.Value.Hash()
	delete(s.shards[s.index(hash)], hash)
}

// find calls f with each entry whose hash matches the mask, where the mask
// fixes the first maskBits bits of the hash.
func (s *shards) find(mask uint64, maskBits uint, f func(entry *Entry)) {
	if maskBits <= s.bits {
		// The mask selects a contiguous range of shards where every entry
		// matches.
		span := uint64(1) << (s.bits - maskBits)
		first := (mask >> (64 - s.bits)) &^ (span - 1)
		for index := first; index != first+span; index++ {
			for _, entry := range s.shards[index] {
				f(entry)
			}
		}
		return
	}

	ones := ^uint64(0) >> maskBits
	for hash, entry := range s.shards[mask>>(64-s.bits)] {
		if hash.Uint64()|ones == mask {
			f(entry)
		}
	}
}

func (s *shards) index(hash Hash) uint64 {
	return hash.Uint64() >> (64 - s.bits)
}
