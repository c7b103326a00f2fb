// Package pingpong verifies peers own the address they advertise before
// they are used as gossip targets.
//
// A node is challenged with a signed ping containing a random token, and is
// verified once it responds with a pong signing the hash of that token from
// the same address. Verification expires after a TTL.
package pingpong

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/andydunstall/crds/pkg/identity"
)

// LivenessState is the verification state of a node at an address.
type LivenessState int

const (
	// Unverified means the node has not responded to a ping, and no ping is
	// outstanding.
	Unverified LivenessState = iota
	// Pending means a ping has been sent but no pong has been received.
	Pending
	// Verified means the node responded with a valid pong within the TTL.
	Verified
)

func (s LivenessState) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

type key struct {
	pubkey identity.Pubkey
	addr   string
}

type record struct {
	// pong is when the last valid pong was received, or zero if the node is
	// not verified.
	pong time.Time

	// pinged is true if a ping is outstanding.
	pinged bool

	limiter *rate.Limiter
}

// Cache tracks the verification state of each node and address.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	ttl            time.Duration
	rateLimitDelay time.Duration

	records *lru.Cache[key, *record]

	// pending maps the hashes of outstanding ping tokens to the node that
	// was pinged.
	pending *lru.Cache[[32]byte, key]

	verifier identity.Verifier

	metrics *Metrics
}

func NewCache(config Config, verifier identity.Verifier) (*Cache, error) {
	records, err := lru.New[key, *record](config.Capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	pending, err := lru.New[[32]byte, key](config.Capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	return &Cache{
		ttl:            config.TTL,
		rateLimitDelay: config.RateLimitDelay,
		records:        records,
		pending:        pending,
		verifier:       verifier,
		metrics:        newMetrics(),
	}, nil
}

// Check returns the verification state of the node at the given address.
//
// If the node is not verified, or its verification is close to expiring,
// a ping may be returned to send to the node. Pings are rate limited per
// node and address, so when the limit is exceeded no ping is returned.
func (c *Cache) Check(
	now time.Time,
	signer identity.Signer,
	node identity.Pubkey,
	addr string,
) (LivenessState, *Ping) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{pubkey: node, addr: addr}
	r, ok := c.records.Get(k)
	if !ok {
		r = &record{
			limiter: rate.NewLimiter(rate.Every(c.rateLimitDelay), 1),
		}
		c.records.Add(k, r)
	}

	if !r.pong.IsZero() && now.Sub(r.pong) > c.ttl {
		r.pong = time.Time{}
	}

	if !r.pong.IsZero() {
		// Refresh the verification before it expires.
		var ping *Ping
		if now.Sub(r.pong) > c.ttl/8 {
			ping = c.maybePing(now, signer, k, r)
		}
		return Verified, ping
	}

	ping := c.maybePing(now, signer, k, r)
	if r.pinged {
		return Pending, ping
	}
	return Unverified, ping
}

// Add records the pong from the given address if it matches an outstanding
// ping. Returns true if the pong was accepted.
func (c *Cache) Add(pong *Pong, addr string, now time.Time) bool {
	if !pong.Verify(c.verifier) {
		c.metrics.PongsReceived.WithLabelValues("invalid_signature").Inc()
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{pubkey: pong.From, addr: addr}
	pinged, ok := c.pending.Peek(pong.Hash)
	if !ok || pinged != k {
		c.metrics.PongsReceived.WithLabelValues("unknown_ping").Inc()
		return false
	}
	c.pending.Remove(pong.Hash)

	c.verify(k, now)
	c.metrics.PongsReceived.WithLabelValues("ok").Inc()
	return true
}

// MockPong marks the node at the given address as verified without a ping
// round trip.
func (c *Cache) MockPong(node identity.Pubkey, addr string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verify(key{pubkey: node, addr: addr}, now)
}

// Len returns the number of tracked nodes.
func (c *Cache) Len() int {
	return c.records.Len()
}

func (c *Cache) Metrics() *Metrics {
	return c.metrics
}

func (c *Cache) verify(k key, now time.Time) {
	r, ok := c.records.Get(k)
	if !ok {
		r = &record{
			limiter: rate.NewLimiter(rate.Every(c.rateLimitDelay), 1),
		}
		c.records.Add(k, r)
	}
	r.pong = now
	r.pinged = false
}

func (c *Cache) maybePing(
	now time.Time,
	signer identity.Signer,
	k key,
	r *record,
) *Ping {
	if !r.limiter.AllowN(now, 1) {
		c.metrics.PingsRateLimited.Inc()
		return nil
	}

	var token [TokenSize]byte
	// crypto/rand never fails on supported platforms.
	_, _ = rand.Read(token[:])
	ping := NewPing(token, signer)

	c.pending.Add(hashToken(token), k)
	r.pinged = true

	c.metrics.PingsSent.Inc()
	return ping
}
