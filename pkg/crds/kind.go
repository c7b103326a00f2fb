package crds

import (
	"fmt"
)

// Kind is the type of a record.
type Kind uint8

const (
	KindContactInfo Kind = iota + 1
	KindVote
	KindLowestSlot
	KindEpochSlots
	KindNodeInstance
	KindSnapshotHashes
	KindVersion
)

// Kinds returns all supported record kinds.
func Kinds() []Kind {
	return []Kind{
		KindContactInfo,
		KindVote,
		KindLowestSlot,
		KindEpochSlots,
		KindNodeInstance,
		KindSnapshotHashes,
		KindVersion,
	}
}

// ParseKind parses the kind name, as returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, kind := range Kinds() {
		if kind.String() == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown kind: %s", s)
}

func (k Kind) String() string {
	switch k {
	case KindContactInfo:
		return "contact_info"
	case KindVote:
		return "vote"
	case KindLowestSlot:
		return "lowest_slot"
	case KindEpochSlots:
		return "epoch_slots"
	case KindNodeInstance:
		return "node_instance"
	case KindSnapshotHashes:
		return "snapshot_hashes"
	case KindVersion:
		return "version"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
