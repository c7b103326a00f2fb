package wire

import (
	"bytes"
	"fmt"

	"github.com/andydunstall/crds/pkg/bloom"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/pingpong"
)

const (
	// MaxPruneOrigins is the maximum number of origins in a prune message.
	MaxPruneOrigins = 32

	pruneSignPrefix = "\xffCRDS_PRUNE_DATA"
)

type valuesHeader struct {
	From identity.Pubkey `codec:"from"`
}

// Push contains values pushed by a peer.
type Push struct {
	From   identity.Pubkey
	Values []*crds.Value
}

func EncodePush(from identity.Pubkey, values []*crds.Value, maxPacketSize int) ([][]byte, error) {
	return encodeValues(MessageTypePush, &valuesHeader{From: from}, values, maxPacketSize)
}

func DecodePush(b []byte) (*Push, error) {
	var header valuesHeader
	values, err := decodeValues(b, MessageTypePush, &header)
	if err != nil {
		return nil, err
	}
	return &Push{
		From:   header.From,
		Values: values,
	}, nil
}

// PullResponse contains values sent in response to a pull request.
type PullResponse struct {
	From   identity.Pubkey
	Values []*crds.Value
}

func EncodePullResponse(from identity.Pubkey, values []*crds.Value, maxPacketSize int) ([][]byte, error) {
	return encodeValues(MessageTypePullResponse, &valuesHeader{From: from}, values, maxPacketSize)
}

func DecodePullResponse(b []byte) (*PullResponse, error) {
	var header valuesHeader
	values, err := decodeValues(b, MessageTypePullResponse, &header)
	if err != nil {
		return nil, err
	}
	return &PullResponse{
		From:   header.From,
		Values: values,
	}, nil
}

type pullRequest struct {
	Caller   value  `codec:"caller"`
	Bloom    []byte `codec:"bloom"`
	Mask     uint64 `codec:"mask"`
	MaskBits uint   `codec:"mask_bits"`
}

// EncodePullRequest encodes a pull request containing a single filter.
func EncodePullRequest(caller *crds.Value, filter *gossip.Filter) ([]byte, error) {
	b, err := filter.Bloom.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("bloom: %w", err)
	}
	return encodeMessage(MessageTypePullRequest, &pullRequest{
		Caller: value{
			Signature: caller.Signature(),
			Payload:   caller.Payload(),
		},
		Bloom:    b,
		Mask:     filter.Mask,
		MaskBits: filter.MaskBits,
	})
}

func DecodePullRequest(b []byte) (*gossip.PullRequest, error) {
	var req pullRequest
	if err := decodeMessage(b, MessageTypePullRequest, &req); err != nil {
		return nil, err
	}

	caller, err := crds.DecodeValue(req.Caller.Payload, req.Caller.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode caller: %w", err)
	}
	if _, ok := caller.ContactInfo(); !ok {
		return nil, fmt.Errorf("caller not contact info: %s", caller.Kind())
	}

	var bf bloom.Filter
	if err := bf.UnmarshalBinary(req.Bloom); err != nil {
		return nil, fmt.Errorf("bloom: %w", err)
	}
	filter := &gossip.Filter{
		Bloom:    &bf,
		Mask:     req.Mask,
		MaskBits: req.MaskBits,
	}
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return &gossip.PullRequest{
		Caller: caller,
		Filter: filter,
	}, nil
}

// Prune asks the destination to stop pushing values from the given origins
// to From.
type Prune struct {
	From        identity.Pubkey    `codec:"from"`
	Origins     []identity.Pubkey  `codec:"origins"`
	Destination identity.Pubkey    `codec:"destination"`
	Wallclock   uint64             `codec:"wallclock"`
	Signature   identity.Signature `codec:"signature"`
}

// NewPrunes returns signed prune messages for the given origins, split so
// each contains at most MaxPruneOrigins origins.
func NewPrunes(
	signer identity.Signer,
	destination identity.Pubkey,
	origins []identity.Pubkey,
	wallclock uint64,
) []*Prune {
	var prunes []*Prune
	for len(origins) > 0 {
		n := min(len(origins), MaxPruneOrigins)
		prune := &Prune{
			From:        signer.Pubkey(),
			Origins:     origins[:n],
			Destination: destination,
			Wallclock:   wallclock,
		}
		prune.Signature = signer.Sign(prune.signable())
		prunes = append(prunes, prune)

		origins = origins[n:]
	}
	return prunes
}

func (p *Prune) Verify(verifier identity.Verifier) bool {
	return verifier.Verify(p.From, p.signable(), p.Signature)
}

func (p *Prune) signable() []byte {
	var buf bytes.Buffer
	_, _ = buf.WriteString(pruneSignPrefix)
	// Encoding a fixed struct to a buffer can't fail.
	_ = newEncoder(&buf).Encode(&struct {
		From        identity.Pubkey   `codec:"from"`
		Origins     []identity.Pubkey `codec:"origins"`
		Destination identity.Pubkey   `codec:"destination"`
		Wallclock   uint64            `codec:"wallclock"`
	}{
		From:        p.From,
		Origins:     p.Origins,
		Destination: p.Destination,
		Wallclock:   p.Wallclock,
	})
	return buf.Bytes()
}

func EncodePrune(prune *Prune) ([]byte, error) {
	return encodeMessage(MessageTypePrune, prune)
}

func DecodePrune(b []byte) (*Prune, error) {
	var prune Prune
	if err := decodeMessage(b, MessageTypePrune, &prune); err != nil {
		return nil, err
	}
	if len(prune.Origins) > MaxPruneOrigins {
		return nil, fmt.Errorf("too many origins: %d", len(prune.Origins))
	}
	return &prune, nil
}

func EncodePing(ping *pingpong.Ping) ([]byte, error) {
	return encodeMessage(MessageTypePing, ping)
}

func DecodePing(b []byte) (*pingpong.Ping, error) {
	var ping pingpong.Ping
	if err := decodeMessage(b, MessageTypePing, &ping); err != nil {
		return nil, err
	}
	return &ping, nil
}

func EncodePong(pong *pingpong.Pong) ([]byte, error) {
	return encodeMessage(MessageTypePong, pong)
}

func DecodePong(b []byte) (*pingpong.Pong, error) {
	var pong pingpong.Pong
	if err := decodeMessage(b, MessageTypePong, &pong); err != nil {
		return nil, err
	}
	return &pong, nil
}
