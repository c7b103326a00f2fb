package pingpong

import (
	"golang.org/x/crypto/sha3"

	"github.com/andydunstall/crds/pkg/identity"
)

const (
	TokenSize = 32

	pongHashPrefix = "GOSSIP_PING_PONG"
)

// Ping is a challenge sent to a node to verify it owns the address it
// advertises.
type Ping struct {
	From      identity.Pubkey    `codec:"from"`
	Token     [TokenSize]byte    `codec:"token"`
	Signature identity.Signature `codec:"signature"`
}

func NewPing(token [TokenSize]byte, signer identity.Signer) *Ping {
	return &Ping{
		From:      signer.Pubkey(),
		Token:     token,
		Signature: signer.Sign(token[:]),
	}
}

func (p *Ping) Verify(verifier identity.Verifier) bool {
	return verifier.Verify(p.From, p.Token[:], p.Signature)
}

// Pong is the response to a ping, which signs the hash of the pings token.
type Pong struct {
	From      identity.Pubkey    `codec:"from"`
	Hash      [32]byte           `codec:"hash"`
	Signature identity.Signature `codec:"signature"`
}

func NewPong(ping *Ping, signer identity.Signer) *Pong {
	hash := hashToken(ping.Token)
	return &Pong{
		From:      signer.Pubkey(),
		Hash:      hash,
		Signature: signer.Sign(hash[:]),
	}
}

func (p *Pong) Verify(verifier identity.Verifier) bool {
	return verifier.Verify(p.From, p.Hash[:], p.Signature)
}

func hashToken(token [TokenSize]byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte(pongHashPrefix))
	h.Write(token[:])
	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash
}
