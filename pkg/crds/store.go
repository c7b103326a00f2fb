// Package crds implements the cluster replicated data store: a table of
// signed, versioned records keyed by label.
//
// Each label holds at most one record. A record is only replaced by a record
// that overrides it (a newer wallclock, with ties broken by hash), so nodes
// that have seen the same set of records converge on the same table
// regardless of the order records arrived in.
package crds

import (
	"iter"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/andydunstall/crds/pkg/identity"
)

const (
	shardBits = 8

	btreeDegree = 32
)

// Entry is a stored record.
type Entry struct {
	Value *Value `json:"value"`

	// LocalTimestamp is when the entry was inserted or last refreshed, in
	// the local nodes clock. Used for timeouts.
	LocalTimestamp uint64 `json:"local_timestamp"`

	// Ordinal is the insertion order of the entry.
	Ordinal uint64 `json:"ordinal"`

	// NumPushDups is the number of times the value was received again via
	// push after being inserted.
	NumPushDups uint8 `json:"num_push_dups"`
}

// PurgedHash is the hash of a value that was overwritten or removed.
type PurgedHash struct {
	Hash      Hash
	Timestamp uint64
}

// Store is the replicated table of records.
//
// Store is safe for concurrent use. All queries return snapshots so the
// lock is never held by callers.
type Store struct {
	mu sync.RWMutex

	table map[Label]*Entry

	// ordinals indexes entries by ordinal.
	ordinals *btree.BTreeG[*Entry]

	shards *shards

	// records indexes the labels of each owner.
	records map[identity.Pubkey]map[Label]struct{}

	// nodes indexes contact info entries by owner.
	nodes map[identity.Pubkey]*Entry

	// purged is a queue of hashes of values that were overwritten or
	// removed, ordered by timestamp.
	purged []PurgedHash

	nextOrdinal uint64

	verifier identity.Verifier

	metrics *Metrics
}

func NewStore(verifier identity.Verifier) *Store {
	return &Store{
		table: make(map[Label]*Entry),
		ordinals: btree.NewG(btreeDegree, func(a, b *Entry) bool {
			return a.Ordinal < b.Ordinal
		}),
		shards:   newShards(shardBits),
		records:  make(map[identity.Pubkey]map[Label]struct{}),
		nodes:    make(map[identity.Pubkey]*Entry),
		verifier: verifier,
		metrics:  newMetrics(),
	}
}

// Insert inserts the value if it overrides the existing value for its label.
//
// Returns ErrInsertFailed if the store already contains the same or a newer
// value, or DuplicatePushError if the same value was received again via
// push. Returns ErrInvalidSignature if the value is not signed by its
// author.
func (s *Store) Insert(value *Value, now uint64, route Route) error {
	label := value.Label()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.table[label]
	if ok && !overrides(value, existing.Value) {
		if existing.Value.Hash() == value.Hash() {
			s.metrics.Inserts.WithLabelValues(route.String(), "duplicate").Inc()
			if route == RoutePushMessage {
				if existing.NumPushDups < ^uint8(0) {
					existing.NumPushDups++
				}
				return &DuplicatePushError{NumDups: existing.NumPushDups}
			}
			return ErrInsertFailed
		}

		// Track the rejected value so it is included in pull filters and
		// peers stop sending it.
		s.purged = append(s.purged, PurgedHash{
			Hash:      value.Hash(),
			Timestamp: now,
		})
		s.metrics.Inserts.WithLabelValues(route.String(), "outdated").Inc()
		return ErrInsertFailed
	}

	// Only verify values that would be inserted.
	if !value.Verify(s.verifier) {
		s.metrics.Inserts.WithLabelValues(route.String(), "invalid_signature").Inc()
		return ErrInvalidSignature
	}

	if ok {
		s.remove(existing, now)
	}

	entry := &Entry{
		Value:          value,
		LocalTimestamp: now,
		Ordinal:        s.nextOrdinal,
	}
	s.nextOrdinal++

	s.table[label] = entry
	s.ordinals.ReplaceOrInsert(entry)
	s.shards.insert(entry)
	labels, ok := s.records[label.Pubkey]
	if !ok {
		labels = make(map[Label]struct{})
		s.records[label.Pubkey] = labels
	}
	labels[label] = struct{}{}
	if label.Kind == KindContactInfo {
		s.nodes[label.Pubkey] = entry
	}

	s.metrics.Entries.WithLabelValues(label.Kind.String()).Inc()
	s.metrics.Inserts.WithLabelValues(route.String(), "inserted").Inc()

	return nil
}

// Overrides returns true if inserting value would replace the stored value
// with the same label.
func (s *Store) Overrides(value *Value) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.table[value.Label()]
	return !ok || overrides(value, existing.Value)
}

// Get returns the entry with the given label.
func (s *Store) Get(label Label) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.table[label]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// ContainsHash returns true if the store has a value with the given hash.
func (s *Store) ContainsHash(hash Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.shards.shards[s.shards.index(hash)][hash]
	return ok
}

// GetContactInfo returns the contact info for the node with the given
// public key.
func (s *Store) GetContactInfo(pubkey identity.Pubkey) (*ContactInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.nodes[pubkey]
	if !ok {
		return nil, false
	}
	ci, _ := entry.Value.ContactInfo()
	return ci, true
}

// ContactInfos returns the contact info entries of all known nodes.
func (s *Store) ContactInfos() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.nodes))
	for _, entry := range s.nodes {
		entries = append(entries, *entry)
	}
	return entries
}

// Entries returns all entries.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.table))
	for _, entry := range s.table {
		entries = append(entries, *entry)
	}
	return entries
}

// EntriesSince returns a sequence of entries with an ordinal greater than or
// equal to the given ordinal, in ordinal order.
//
// Each iteration takes a snapshot of the matching entries, so the sequence
// can be ranged over multiple times and the lock is not held while the
// caller processes entries.
func (s *Store) EntriesSince(ordinal uint64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		s.mu.RLock()
		entries := make([]Entry, 0, max(0, int(s.nextOrdinal)-int(ordinal)))
		s.ordinals.AscendGreaterOrEqual(&Entry{Ordinal: ordinal}, func(entry *Entry) bool {
			entries = append(entries, *entry)
			return true
		})
		s.mu.RUnlock()

		for _, entry := range entries {
			if !yield(entry) {
				return
			}
		}
	}
}

// FilterBitmask returns the entries whose hash matches the given mask.
func (s *Store) FilterBitmask(mask uint64, maskBits uint) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	s.shards.find(mask, maskBits, func(entry *Entry) {
		entries = append(entries, *entry)
	})
	return entries
}

// Hashes returns the hashes of all stored values.
func (s *Store) Hashes() []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]Hash, 0, len(s.table))
	for _, entry := range s.table {
		hashes = append(hashes, entry.Value.Hash())
	}
	return hashes
}

// PurgedHashes returns the hashes of values that were overwritten or
// removed.
func (s *Store) PurgedHashes() []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]Hash, 0, len(s.purged))
	for _, purged := range s.purged {
		hashes = append(hashes, purged.Hash)
	}
	return hashes
}

// UpdateRecordTimestamp refreshes the local timestamp of the nodes contact
// info, which keeps all of the nodes records alive.
func (s *Store) UpdateRecordTimestamp(pubkey identity.Pubkey, now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.nodes[pubkey]; ok && entry.LocalTimestamp < now {
		entry.LocalTimestamp = now
	}
}

// Remove removes the entry with the given label.
func (s *Store) Remove(label Label, now uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.table[label]
	if !ok {
		return false
	}
	s.remove(entry, now)
	return true
}

// Purge removes all entries that have timed out and returns their labels.
//
// An entry times out once now exceeds its local timestamp plus the timeout
// for its owner and kind. Though if the owners contact info has not timed
// out all of the owners entries are kept.
func (s *Store) Purge(now uint64, timeouts *Timeouts) []Label {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []Label
	for pubkey, labels := range s.records {
		if node, ok := s.nodes[pubkey]; ok {
			timeout := timeouts.Get(pubkey, KindContactInfo)
			if !expired(node.LocalTimestamp, timeout, now) {
				continue
			}
		}
		for label := range labels {
			entry := s.table[label]
			timeout := timeouts.Get(pubkey, label.Kind)
			if expired(entry.LocalTimestamp, timeout, now) {
				purged = append(purged, label)
			}
		}
	}

	for _, label := range purged {
		s.remove(s.table[label], now)
	}
	s.metrics.Purged.Add(float64(len(purged)))

	return purged
}

// TrimPurged discards purged hashes with a timestamp before the given
// timestamp.
func (s *Store) TrimPurged(before uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n != len(s.purged) && s.purged[n].Timestamp < before {
		n++
	}
	s.purged = append(s.purged[:0], s.purged[n:]...)
}

// Cursor returns the ordinal the next inserted entry will be assigned.
func (s *Store) Cursor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.nextOrdinal
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.table)
}

// NumNodes returns the number of known contact infos.
func (s *Store) NumNodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.nodes)
}

// NumPubkeys returns the number of distinct record owners.
func (s *Store) NumPubkeys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// NumRecords returns the number of records owned by pubkey.
func (s *Store) NumRecords(pubkey identity.Pubkey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records[pubkey])
}

// NumPurged returns the number of tracked purged hashes.
func (s *Store) NumPurged() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.purged)
}

func (s *Store) Metrics() *Metrics {
	return s.metrics
}

// remove removes the entry from all indexes. Must be called with the lock
// held.
func (s *Store) remove(entry *Entry, now uint64) {
	label := entry.Value.Label()

	delete(s.table, label)
	s.ordinals.Delete(entry)
	s.shards.remove(entry)
	if labels, ok := s.records[label.Pubkey]; ok {
		delete(labels, label)
		if len(labels) == 0 {
			delete(s.records, label.Pubkey)
		}
	}
	if label.Kind == KindContactInfo {
		delete(s.nodes, label.Pubkey)
	}

	s.purged = append(s.purged, PurgedHash{
		Hash:      entry.Value.Hash(),
		Timestamp: now,
	})

	s.metrics.Entries.WithLabelValues(label.Kind.String()).Dec()
}

// expired returns true if an entry with the given local timestamp has timed
// out, meaning timestamp + timeout < now. A timeout of math.MaxUint64 never
// expires.
func expired(timestamp uint64, timeout uint64, now uint64) bool {
	return timeout != math.MaxUint64 && saturatingAdd(timestamp, timeout) < now
}

// overrides returns true if value should replace other, which must have the
// same label.
func overrides(value *Value, other *Value) bool {
	// A newer node instance replaces the old instance regardless of
	// wallclock.
	if ci, ok := value.ContactInfo(); ok {
		if otherCI, ok := other.ContactInfo(); ok {
			if ci.From == otherCI.From && ci.Outset != otherCI.Outset {
				return ci.Outset > otherCI.Outset
			}
		}
	}

	switch {
	case value.Wallclock() > other.Wallclock():
		return true
	case value.Wallclock() < other.Wallclock():
		return false
	default:
		return other.Hash().Compare(value.Hash()) < 0
	}
}
