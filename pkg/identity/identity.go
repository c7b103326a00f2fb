// Package identity contains the node identity types used to author and
// authenticate gossip records.
//
// Each node is identified by an ed25519 public key. Every record a node
// originates is signed with the matching private key, so receivers can
// verify the record was authored by the node it claims to come from.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize    = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
	SeedSize      = ed25519.SeedSize
)

// Pubkey is a nodes public key.
type Pubkey [PubkeySize]byte

// ParsePubkey parses a base58 encoded public key.
func ParsePubkey(s string) (Pubkey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("decode: %w", err)
	}
	if len(b) != PubkeySize {
		return Pubkey{}, fmt.Errorf("invalid pubkey length: %d", len(b))
	}
	var p Pubkey
	copy(p[:], b)
	return p, nil
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// Compare returns an integer comparing the two keys lexicographically.
func (p Pubkey) Compare(other Pubkey) int {
	return bytes.Compare(p[:], other[:])
}

func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(b []byte) error {
	parsed, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Signature is an ed25519 signature.
type Signature [SignatureSize]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Signer signs messages on behalf of a node.
type Signer interface {
	Pubkey() Pubkey
	Sign(msg []byte) Signature
}

// Verifier verifies a message was signed by the given key.
type Verifier interface {
	Verify(pubkey Pubkey, msg []byte, sig Signature) bool
}

// Keypair is an ed25519 key pair which implements Signer.
type Keypair struct {
	private ed25519.PrivateKey
	pubkey  Pubkey
}

// NewKeypair generates a random key pair.
func NewKeypair() *Keypair {
	keypair, err := GenerateKeypair(rand.Reader)
	if err != nil {
		// crypto/rand never fails on supported platforms.
		panic("generate keypair: " + err.Error())
	}
	return keypair
}

// GenerateKeypair generates a key pair using entropy from r.
func GenerateKeypair(r io.Reader) (*Keypair, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return KeypairFromSeed(seed)
}

// KeypairFromSeed derives the key pair from the given 32 byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	var pubkey Pubkey
	copy(pubkey[:], private.Public().(ed25519.PublicKey))
	return &Keypair{
		private: private,
		pubkey:  pubkey,
	}, nil
}

// LoadKeypair reads a base58 encoded seed from the file at the given path.
func LoadKeypair(path string) (*Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %s: %w", path, err)
	}
	seed, err := base58.Decode(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %s: %w", path, err)
	}
	return KeypairFromSeed(seed)
}

// WriteKeypair writes the key pairs seed to the file at the given path.
func WriteKeypair(path string, keypair *Keypair) error {
	seed := base58.Encode(keypair.private.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("write file: %s: %w", path, err)
	}
	return nil
}

func (k *Keypair) Pubkey() Pubkey {
	return k.pubkey
}

func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, msg))
	return sig
}

var _ Signer = &Keypair{}

type ed25519Verifier struct{}

// NewVerifier returns a Verifier for ed25519 signatures.
func NewVerifier() Verifier {
	return ed25519Verifier{}
}

func (ed25519Verifier) Verify(pubkey Pubkey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pubkey[:], msg, sig[:])
}
