package crds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"github.com/andydunstall/crds/pkg/identity"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor enc mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("cbor dec mode: " + err.Error())
	}
}

// Hash is the content hash of a record, which covers both the data and
// signature.
type Hash [32]byte

func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Uint64 returns the first 8 bytes of the hash as a little endian integer.
// Used to partition hashes across pull filters.
func (h Hash) Uint64() uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Label identifies the slot a record occupies in the store. There is at most
// one record per label.
type Label struct {
	Kind   Kind            `json:"kind"`
	Pubkey identity.Pubkey `json:"pubkey"`
	Index  uint16          `json:"index"`
}

func ContactInfoLabel(pubkey identity.Pubkey) Label {
	return Label{
		Kind:   KindContactInfo,
		Pubkey: pubkey,
	}
}

func (l Label) String() string {
	return fmt.Sprintf("%s/%s/%d", l.Kind, l.Pubkey, l.Index)
}

type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Data cbor.RawMessage `cbor:"2,keyasint"`
}

// Value is a signed record.
//
// Values are immutable once constructed. A value is superseded by a newer
// value with the same label rather than being updated.
type Value struct {
	data      Data
	signature identity.Signature

	// payload is the canonical encoding of data, which is what the
	// signature covers.
	payload []byte
	hash    Hash
}

// NewValue signs the given data.
func NewValue(data Data, signer identity.Signer) (*Value, error) {
	payload, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return newValue(data, signer.Sign(payload), payload), nil
}

// DecodeValue decodes a value from its signed payload.
//
// The signature is not verified, which is left to the store so only values
// that will actually be inserted are verified.
func DecodeValue(payload []byte, signature identity.Signature) (*Value, error) {
	var env envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	data, err := newData(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := decMode.Unmarshal(env.Data, data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	if err := data.sanitize(); err != nil {
		return nil, fmt.Errorf("sanitize %s: %w", env.Kind, err)
	}
	// Copy the payload since it may reference a reused read buffer.
	return newValue(data, signature, bytes.Clone(payload)), nil
}

func newValue(data Data, signature identity.Signature, payload []byte) *Value {
	h := sha3.New256()
	h.Write(signature[:])
	h.Write(payload)
	var hash Hash
	copy(hash[:], h.Sum(nil))

	return &Value{
		data:      data,
		signature: signature,
		payload:   payload,
		hash:      hash,
	}
}

func encodeData(data Data) ([]byte, error) {
	if err := data.sanitize(); err != nil {
		return nil, fmt.Errorf("sanitize %s: %w", data.Kind(), err)
	}
	b, err := encMode.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", data.Kind(), err)
	}
	payload, err := encMode.Marshal(&envelope{
		Kind: data.Kind(),
		Data: b,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

func (v *Value) Data() Data {
	return v.data
}

func (v *Value) Kind() Kind {
	return v.data.Kind()
}

func (v *Value) Label() Label {
	return Label{
		Kind:   v.data.Kind(),
		Pubkey: v.data.Pubkey(),
		Index:  v.data.labelIndex(),
	}
}

func (v *Value) Pubkey() identity.Pubkey {
	return v.data.Pubkey()
}

func (v *Value) Wallclock() uint64 {
	return v.data.Wallclock()
}

func (v *Value) Signature() identity.Signature {
	return v.signature
}

func (v *Value) Hash() Hash {
	return v.hash
}

// Payload returns the signed bytes.
func (v *Value) Payload() []byte {
	return v.payload
}

// Size returns the number of bytes the value occupies on the wire.
func (v *Value) Size() int {
	return identity.SignatureSize + len(v.payload)
}

// Verify returns true if the signature was created by the values author.
func (v *Value) Verify(verifier identity.Verifier) bool {
	return verifier.Verify(v.data.Pubkey(), v.payload, v.signature)
}

// ContactInfo returns the contact info if the value is a contact info
// record.
func (v *Value) ContactInfo() (*ContactInfo, bool) {
	ci, ok := v.data.(*ContactInfo)
	return ci, ok
}

// ShouldForcePush returns true if the value must be pushed to the given peer
// even if the peer pruned the values origin. Node instances are always
// pushed back to their owner so it can detect duplicate instances.
func (v *Value) ShouldForcePush(peer identity.Pubkey) bool {
	_, ok := v.data.(*NodeInstance)
	return ok && v.data.Pubkey() == peer
}

// MarshalBinary encodes the signature followed by the payload.
func (v *Value) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, v.Size())
	b = append(b, v.signature[:]...)
	return append(b, v.payload...), nil
}

func (v *Value) UnmarshalBinary(b []byte) error {
	if len(b) < identity.SignatureSize {
		return fmt.Errorf("value too small: %d", len(b))
	}
	var signature identity.Signature
	copy(signature[:], b[:identity.SignatureSize])
	decoded, err := DecodeValue(b[identity.SignatureSize:], signature)
	if err != nil {
		return err
	}
	*v = *decoded
	return nil
}

type jsonValue struct {
	Label     Label  `json:"label"`
	Hash      Hash   `json:"hash"`
	Wallclock uint64 `json:"wallclock"`
	Data      Data   `json:"data"`
}

func (v *Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonValue{
		Label:     v.Label(),
		Hash:      v.hash,
		Wallclock: v.Wallclock(),
		Data:      v.data,
	})
}
