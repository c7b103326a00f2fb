package crds

import (
	"fmt"

	"github.com/filecoin-project/go-bitfield"
	rlepluslazy "github.com/filecoin-project/go-bitfield/rle"

	"github.com/andydunstall/crds/pkg/identity"
)

const (
	// MaxWallclock is the largest wallclock accepted, in milliseconds.
	MaxWallclock uint64 = 1_000_000_000_000_000

	// MaxVotes is the number of vote records each node may author.
	MaxVotes = 32

	// MaxEpochSlots is the number of epoch slots records each node may
	// author.
	MaxEpochSlots = 255

	// MaxSnapshotHashes is the maximum number of incremental snapshot
	// hashes.
	MaxSnapshotHashes = 25

	// MaxEpochSlotsRange is the maximum range of slots a single epoch slots
	// record may cover.
	MaxEpochSlotsRange = 1 << 16
)

// Data is the content of a record.
//
// The set of implementations is closed, each kind has exactly one data
// type.
type Data interface {
	Kind() Kind
	// Pubkey returns the public key of the node that authored the record.
	Pubkey() identity.Pubkey
	// Wallclock returns the authors timestamp in milliseconds.
	Wallclock() uint64

	labelIndex() uint16
	sanitize() error
}

// newData returns an empty data type for the given kind.
func newData(kind Kind) (Data, error) {
	switch kind {
	case KindContactInfo:
		return &ContactInfo{}, nil
	case KindVote:
		return &Vote{}, nil
	case KindLowestSlot:
		return &LowestSlot{}, nil
	case KindEpochSlots:
		return &EpochSlots{}, nil
	case KindNodeInstance:
		return &NodeInstance{}, nil
	case KindSnapshotHashes:
		return &SnapshotHashes{}, nil
	case KindVersion:
		return &Version{}, nil
	default:
		return nil, fmt.Errorf("unknown kind: %d", kind)
	}
}

func sanitizeWallclock(wallclock uint64) error {
	if wallclock >= MaxWallclock {
		return fmt.Errorf("wallclock out of bounds: %d", wallclock)
	}
	return nil
}

// ContactInfo contains the addresses a node can be reached at.
type ContactInfo struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	// Outset is when the node instance started, in microseconds. A newer
	// instance always replaces an older one, regardless of wallclock.
	Outset       uint64 `cbor:"3,keyasint" json:"outset"`
	ShredVersion uint16 `cbor:"4,keyasint" json:"shred_version"`
	Version      string `cbor:"5,keyasint" json:"version"`
	// Gossip is the host/port the node receives gossip traffic on.
	Gossip string `cbor:"6,keyasint" json:"gossip"`
	RPC    string `cbor:"7,keyasint,omitempty" json:"rpc,omitempty"`
	TVU    string `cbor:"8,keyasint,omitempty" json:"tvu,omitempty"`
}

func (c *ContactInfo) Kind() Kind {
	return KindContactInfo
}

func (c *ContactInfo) Pubkey() identity.Pubkey {
	return c.From
}

func (c *ContactInfo) Wallclock() uint64 {
	return c.WallclockMs
}

func (c *ContactInfo) labelIndex() uint16 {
	return 0
}

func (c *ContactInfo) sanitize() error {
	return sanitizeWallclock(c.WallclockMs)
}

// Vote contains a vote transaction for a slot.
type Vote struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	// Index is the vote slot in [0, MaxVotes).
	Index       uint8  `cbor:"3,keyasint" json:"index"`
	Slot        uint64 `cbor:"4,keyasint" json:"slot"`
	Transaction []byte `cbor:"5,keyasint" json:"transaction"`
}

func (v *Vote) Kind() Kind {
	return KindVote
}

func (v *Vote) Pubkey() identity.Pubkey {
	return v.From
}

func (v *Vote) Wallclock() uint64 {
	return v.WallclockMs
}

func (v *Vote) labelIndex() uint16 {
	return uint16(v.Index)
}

func (v *Vote) sanitize() error {
	if v.Index >= MaxVotes {
		return fmt.Errorf("vote index out of bounds: %d", v.Index)
	}
	return sanitizeWallclock(v.WallclockMs)
}

// LowestSlot is the lowest slot the node has available.
type LowestSlot struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	Lowest      uint64          `cbor:"3,keyasint" json:"lowest"`
}

func (s *LowestSlot) Kind() Kind {
	return KindLowestSlot
}

func (s *LowestSlot) Pubkey() identity.Pubkey {
	return s.From
}

func (s *LowestSlot) Wallclock() uint64 {
	return s.WallclockMs
}

func (s *LowestSlot) labelIndex() uint16 {
	return 0
}

func (s *LowestSlot) sanitize() error {
	return sanitizeWallclock(s.WallclockMs)
}

// EpochSlots is a compressed set of slots the node has completed.
//
// Slots are encoded as an RLE+ bitfield of offsets from FirstSlot.
type EpochSlots struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	Index       uint8           `cbor:"3,keyasint" json:"index"`
	FirstSlot   uint64          `cbor:"4,keyasint" json:"first_slot"`
	Slots       []byte          `cbor:"5,keyasint" json:"slots"`
}

// NewEpochSlots returns epoch slots containing the given slots.
func NewEpochSlots(
	from identity.Pubkey,
	index uint8,
	slots []uint64,
	wallclock uint64,
) (*EpochSlots, error) {
	e := &EpochSlots{
		From:        from,
		WallclockMs: wallclock,
		Index:       index,
	}
	if len(slots) == 0 {
		return e, nil
	}

	first := slots[0]
	for _, slot := range slots {
		first = min(first, slot)
	}
	offsets := make([]uint64, 0, len(slots))
	for _, slot := range slots {
		if slot-first >= MaxEpochSlotsRange {
			return nil, fmt.Errorf("slot range too large: %d", slot-first)
		}
		offsets = append(offsets, slot-first)
	}

	runs, err := bitfield.NewFromSet(offsets).RunIterator()
	if err != nil {
		return nil, fmt.Errorf("bitfield: %w", err)
	}
	b, err := rlepluslazy.EncodeRuns(runs, nil)
	if err != nil {
		return nil, fmt.Errorf("encode runs: %w", err)
	}
	e.FirstSlot = first
	e.Slots = b
	return e, nil
}

// ToSlots decodes the set of slots.
func (e *EpochSlots) ToSlots() ([]uint64, error) {
	if len(e.Slots) == 0 {
		return nil, nil
	}
	bf, err := bitfield.NewFromBytes(e.Slots)
	if err != nil {
		return nil, fmt.Errorf("bitfield: %w", err)
	}
	offsets, err := bf.All(MaxEpochSlotsRange)
	if err != nil {
		return nil, fmt.Errorf("bitfield: %w", err)
	}
	slots := make([]uint64, 0, len(offsets))
	for _, offset := range offsets {
		slots = append(slots, e.FirstSlot+offset)
	}
	return slots, nil
}

func (e *EpochSlots) Kind() Kind {
	return KindEpochSlots
}

func (e *EpochSlots) Pubkey() identity.Pubkey {
	return e.From
}

func (e *EpochSlots) Wallclock() uint64 {
	return e.WallclockMs
}

func (e *EpochSlots) labelIndex() uint16 {
	return uint16(e.Index)
}

func (e *EpochSlots) sanitize() error {
	if e.Index >= MaxEpochSlots {
		return fmt.Errorf("epoch slots index out of bounds: %d", e.Index)
	}
	return sanitizeWallclock(e.WallclockMs)
}

// NodeInstance identifies a running instance of a node, used to detect
// duplicate instances running with the same identity.
type NodeInstance struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	// Timestamp is when the instance started.
	Timestamp uint64 `cbor:"3,keyasint" json:"timestamp"`
	// Token is a random token identifying the instance.
	Token uint64 `cbor:"4,keyasint" json:"token"`
}

// Overrides returns true if the instance is a newer instance with the same
// identity as other.
func (n *NodeInstance) Overrides(other *NodeInstance) bool {
	if n.From != other.From || n.Token == other.Token {
		return false
	}
	if n.Timestamp != other.Timestamp {
		return n.Timestamp > other.Timestamp
	}
	return n.Token > other.Token
}

func (n *NodeInstance) Kind() Kind {
	return KindNodeInstance
}

func (n *NodeInstance) Pubkey() identity.Pubkey {
	return n.From
}

func (n *NodeInstance) Wallclock() uint64 {
	return n.WallclockMs
}

func (n *NodeInstance) labelIndex() uint16 {
	return 0
}

func (n *NodeInstance) sanitize() error {
	return sanitizeWallclock(n.WallclockMs)
}

type SlotHash struct {
	Slot uint64   `cbor:"1,keyasint" json:"slot"`
	Hash [32]byte `cbor:"2,keyasint" json:"hash"`
}

// SnapshotHashes advertises the snapshots the node can serve.
type SnapshotHashes struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	Full        SlotHash        `cbor:"3,keyasint" json:"full"`
	Incremental []SlotHash      `cbor:"4,keyasint" json:"incremental"`
}

func (s *SnapshotHashes) Kind() Kind {
	return KindSnapshotHashes
}

func (s *SnapshotHashes) Pubkey() identity.Pubkey {
	return s.From
}

func (s *SnapshotHashes) Wallclock() uint64 {
	return s.WallclockMs
}

func (s *SnapshotHashes) labelIndex() uint16 {
	return 0
}

func (s *SnapshotHashes) sanitize() error {
	if len(s.Incremental) > MaxSnapshotHashes {
		return fmt.Errorf("too many incremental snapshot hashes: %d", len(s.Incremental))
	}
	for _, h := range s.Incremental {
		if h.Slot <= s.Full.Slot {
			return fmt.Errorf(
				"incremental slot not after full slot: %d <= %d",
				h.Slot, s.Full.Slot,
			)
		}
	}
	return sanitizeWallclock(s.WallclockMs)
}

// Version is the software version the node is running.
type Version struct {
	From        identity.Pubkey `cbor:"1,keyasint" json:"from"`
	WallclockMs uint64          `cbor:"2,keyasint" json:"wallclock"`
	Major       uint16          `cbor:"3,keyasint" json:"major"`
	Minor       uint16          `cbor:"4,keyasint" json:"minor"`
	Patch       uint16          `cbor:"5,keyasint" json:"patch"`
	Commit      uint32          `cbor:"6,keyasint" json:"commit"`
	FeatureSet  uint32          `cbor:"7,keyasint" json:"feature_set"`
}

func (v *Version) Kind() Kind {
	return KindVersion
}

func (v *Version) Pubkey() identity.Pubkey {
	return v.From
}

func (v *Version) Wallclock() uint64 {
	return v.WallclockMs
}

func (v *Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v *Version) labelIndex() uint16 {
	return 0
}

func (v *Version) sanitize() error {
	return sanitizeWallclock(v.WallclockMs)
}

var (
	_ Data = &ContactInfo{}
	_ Data = &Vote{}
	_ Data = &LowestSlot{}
	_ Data = &EpochSlots{}
	_ Data = &NodeInstance{}
	_ Data = &SnapshotHashes{}
	_ Data = &Version{}
)
