// Package wire implements the gossip wire protocol.
//
// Each packet starts with a 1 byte message type and 1 byte protocol
// version, followed by msgpack encoded message fields. Messages carrying
// values are split across multiple packets so each fits in a single UDP
// datagram.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/identity"
)

type MessageType uint8

const (
	MessageTypePullRequest MessageType = iota + 1
	MessageTypePullResponse
	MessageTypePush
	MessageTypePrune
	MessageTypePing
	MessageTypePong
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePullRequest:
		return "pull_request"
	case MessageTypePullResponse:
		return "pull_response"
	case MessageTypePush:
		return "push"
	case MessageTypePrune:
		return "prune"
	case MessageTypePing:
		return "ping"
	case MessageTypePong:
		return "pong"
	default:
		return "unknown"
	}
}

const (
	supportedVersion uint8 = 0

	headerSize = 2

	// MaxPacketSize is the default maximum size of a packet carrying
	// values, which fits the minimum IPv6 MTU.
	MaxPacketSize = 1232
)

// ReadType returns the message type of the packet.
func ReadType(b []byte) (MessageType, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("packet too small: %d", len(b))
	}
	if b[1] != supportedVersion {
		return 0, fmt.Errorf("unsupported version: %d", b[1])
	}
	return MessageType(b[0]), nil
}

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(writer io.Writer) *encoder {
	var handle codec.MsgpackHandle
	return &encoder{
		encoder: codec.NewEncoder(writer, &handle),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(reader io.Reader) *decoder {
	var handle codec.MsgpackHandle
	return &decoder{
		decoder: codec.NewDecoder(reader, &handle),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

// value is the wire encoding of a signed value.
type value struct {
	Signature identity.Signature `codec:"signature"`
	Payload   []byte             `codec:"payload"`
}

func encodeMessage(messageType MessageType, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageType))
	_ = buf.WriteByte(supportedVersion)

	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMessage(b []byte, messageType MessageType, v interface{}) error {
	r, err := readHeader(b, messageType)
	if err != nil {
		return err
	}
	if err := newDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// encodeValues encodes the header followed by as many values as fit in
// each packet.
//
// Values that don't fit in a packet on their own are dropped.
func encodeValues(
	messageType MessageType,
	header interface{},
	values []*crds.Value,
	maxPacketSize int,
) ([][]byte, error) {
	var headerBuf bytes.Buffer
	_ = headerBuf.WriteByte(uint8(messageType))
	_ = headerBuf.WriteByte(supportedVersion)
	if err := newEncoder(&headerBuf).Encode(header); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if headerBuf.Len() > maxPacketSize {
		return nil, fmt.Errorf(
			"max packet size too small for header: %d < %d",
			maxPacketSize, headerBuf.Len(),
		)
	}

	var packets [][]byte
	var packet []byte
	var valueBuf bytes.Buffer
	encoder := newEncoder(&valueBuf)
	for _, v := range values {
		valueBuf.Reset()
		if err := encoder.Encode(&value{
			Signature: v.Signature(),
			Payload:   v.Payload(),
		}); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		if headerBuf.Len()+valueBuf.Len() > maxPacketSize {
			continue
		}

		if packet != nil && len(packet)+valueBuf.Len() > maxPacketSize {
			packets = append(packets, packet)
			packet = nil
		}
		if packet == nil {
			packet = bytes.Clone(headerBuf.Bytes())
		}
		packet = append(packet, valueBuf.Bytes()...)
	}
	if packet != nil {
		packets = append(packets, packet)
	}
	return packets, nil
}

// decodeValues decodes the header and the values that follow it.
func decodeValues(
	b []byte,
	messageType MessageType,
	header interface{},
) ([]*crds.Value, error) {
	r, err := readHeader(b, messageType)
	if err != nil {
		return nil, err
	}

	decoder := newDecoder(r)
	if err := decoder.Decode(header); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var values []*crds.Value
	for {
		// Read values until EOF.
		var encoded value
		if err := decoder.Decode(&encoded); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}
		v, err := crds.DecodeValue(encoded.Payload, encoded.Signature)
		if err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		values = append(values, v)
	}
	return values, nil
}

func readHeader(b []byte, messageType MessageType) (*bytes.Buffer, error) {
	t, err := ReadType(b)
	if err != nil {
		return nil, err
	}
	if t != messageType {
		return nil, fmt.Errorf("incorrect message type: %s", t)
	}
	return bytes.NewBuffer(b[headerSize:]), nil
}
