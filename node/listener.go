package node

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/log"
	"github.com/andydunstall/crds/pkg/wire"
)

// readBufSize is the size of the packet read buffer. Pull requests carry a
// bloom filter plus the callers contact info so may exceed the maximum
// packet size used for values.
const readBufSize = 1 << 16

// packetListener listens for and handles incoming gossip packets, and
// sends outgoing packets on the same connection.
type packetListener struct {
	conn net.PacketConn

	gossip *gossip.Gossip

	signer identity.Signer

	stakes map[identity.Pubkey]uint64

	readBuf []byte

	maxPacketSize int

	responseLimit int

	metrics *Metrics

	logger log.Logger
}

func newPacketListener(
	conn net.PacketConn,
	gossip *gossip.Gossip,
	signer identity.Signer,
	stakes map[identity.Pubkey]uint64,
	maxPacketSize int,
	responseLimit int,
	metrics *Metrics,
	logger log.Logger,
) *packetListener {
	return &packetListener{
		conn:          conn,
		gossip:        gossip,
		signer:        signer,
		stakes:        stakes,
		readBuf:       make([]byte, readBufSize),
		maxPacketSize: maxPacketSize,
		responseLimit: responseLimit,
		metrics:       metrics,
		logger:        logger,
	}
}

// Serve reads packets until the connection is closed.
func (l *packetListener) Serve() {
	for {
		n, addr, err := l.conn.ReadFrom(l.readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("failed to read packet", zap.Error(err))
			continue
		}

		l.metrics.PacketBytesInbound.Add(float64(n))

		buf := l.readBuf[:n]
		if err = l.handlePacket(buf, addr); err != nil {
			// Packets from peers are untrusted so failures are expected.
			l.logger.Debug(
				"failed to handle packet",
				zap.String("addr", addr.String()),
				zap.Error(err),
			)
		}
	}
}

func (l *packetListener) Close() error {
	return l.conn.Close()
}

func (l *packetListener) handlePacket(b []byte, addr net.Addr) error {
	messageType, err := wire.ReadType(b)
	if err != nil {
		l.metrics.PacketErrors.WithLabelValues("unknown").Inc()
		return err
	}
	l.metrics.PacketsInbound.WithLabelValues(messageType.String()).Inc()

	switch messageType {
	case wire.MessageTypePullRequest:
		err = l.pullRequest(b, addr)
	case wire.MessageTypePullResponse:
		err = l.pullResponse(b)
	case wire.MessageTypePush:
		err = l.push(b)
	case wire.MessageTypePrune:
		err = l.prune(b)
	case wire.MessageTypePing:
		err = l.ping(b, addr)
	case wire.MessageTypePong:
		err = l.pong(b, addr)
	default:
		err = fmt.Errorf("unsupported message type: %d", messageType)
	}
	if err != nil {
		l.metrics.PacketErrors.WithLabelValues(messageType.String()).Inc()
		return fmt.Errorf("%s: %w", messageType, err)
	}
	return nil
}

// pullRequest responds with the values missing from the callers filter.
// Callers must first respond to a ping from the address the request was
// sent from.
func (l *packetListener) pullRequest(b []byte, addr net.Addr) error {
	req, err := wire.DecodePullRequest(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if req.Caller.Pubkey() == l.signer.Pubkey() {
		return fmt.Errorf("request from self")
	}

	now := nowMs()
	verified, ping := l.gossip.CheckPing(req.Caller.Pubkey(), addr.String(), now)
	if ping != nil {
		l.sendPings([]gossip.PingMessage{{Addr: addr.String(), Ping: ping}})
	}
	if !verified {
		l.metrics.PullRequestsUnverified.Inc()
		return nil
	}

	l.gossip.ProcessPullRequests([]*crds.Value{req.Caller}, now)
	responses := l.gossip.GenerateResponses(
		[]gossip.PullRequest{*req}, l.responseLimit, now, nil,
	)
	if len(responses[0]) == 0 {
		return nil
	}
	if err := l.sendValues(wire.MessageTypePullResponse, responses[0], addr.String()); err != nil {
		return fmt.Errorf("send pull response: %w", err)
	}
	return nil
}

func (l *packetListener) pullResponse(b []byte) error {
	resp, err := wire.DecodePullResponse(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	now := nowMs()
	filtered := l.gossip.FilterPullResponses(resp.Values, now, l.stakes)
	pings := l.gossip.ProcessPullResponses(resp.From, filtered, now)
	l.sendPings(pings)
	return nil
}

// push inserts the pushed values, then sends prunes to any redundant
// senders.
func (l *packetListener) push(b []byte) error {
	push, err := wire.DecodePush(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	now := nowMs()
	origins := l.gossip.ProcessPushMessage(push.From, push.Values, now)
	prunes := l.gossip.PruneReceivedCache(origins, l.stakes)
	for sender, origins := range prunes {
		contactInfo, ok := l.gossip.Store().GetContactInfo(sender)
		if !ok {
			continue
		}
		for _, prune := range wire.NewPrunes(l.signer, sender, origins, now) {
			b, err := wire.EncodePrune(prune)
			if err != nil {
				return fmt.Errorf("encode prune: %w", err)
			}
			if err := l.send(wire.MessageTypePrune, b, contactInfo.Gossip); err != nil {
				l.logger.Debug(
					"failed to send prune",
					zap.String("node", sender.String()),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (l *packetListener) prune(b []byte) error {
	prune, err := wire.DecodePrune(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if !prune.Verify(identity.NewVerifier()) {
		return fmt.Errorf("invalid signature: %s", prune.From)
	}
	return l.gossip.ProcessPruneMsg(
		prune.From,
		prune.Destination,
		prune.Origins,
		prune.Wallclock,
		nowMs(),
		l.stakes,
	)
}

func (l *packetListener) ping(b []byte, addr net.Addr) error {
	ping, err := wire.DecodePing(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	pong, ok := l.gossip.HandlePing(ping)
	if !ok {
		return fmt.Errorf("invalid signature: %s", ping.From)
	}
	b, err = wire.EncodePong(pong)
	if err != nil {
		return fmt.Errorf("encode pong: %w", err)
	}
	return l.send(wire.MessageTypePong, b, addr.String())
}

func (l *packetListener) pong(b []byte, addr net.Addr) error {
	pong, err := wire.DecodePong(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if !l.gossip.HandlePong(pong, addr.String(), nowMs()) {
		return fmt.Errorf("pong not accepted: %s", pong.From)
	}
	return nil
}

func (l *packetListener) sendPings(pings []gossip.PingMessage) {
	for _, ping := range pings {
		b, err := wire.EncodePing(ping.Ping)
		if err != nil {
			l.logger.Warn("failed to encode ping", zap.Error(err))
			continue
		}
		if err := l.send(wire.MessageTypePing, b, ping.Addr); err != nil {
			l.logger.Debug(
				"failed to send ping",
				zap.String("addr", ping.Addr),
				zap.Error(err),
			)
		}
	}
}

func (l *packetListener) sendPullRequests(requests []gossip.PullRequest, addr string) error {
	for _, request := range requests {
		b, err := wire.EncodePullRequest(request.Caller, request.Filter)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := l.send(wire.MessageTypePullRequest, b, addr); err != nil {
			return err
		}
	}
	return nil
}

// sendValues sends the values split across as many packets as needed.
func (l *packetListener) sendValues(
	messageType wire.MessageType,
	values []*crds.Value,
	addr string,
) error {
	var packets [][]byte
	var err error
	switch messageType {
	case wire.MessageTypePush:
		packets, err = wire.EncodePush(l.signer.Pubkey(), values, l.maxPacketSize)
	case wire.MessageTypePullResponse:
		packets, err = wire.EncodePullResponse(l.signer.Pubkey(), values, l.maxPacketSize)
	default:
		return fmt.Errorf("unsupported message type: %s", messageType)
	}
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	for _, b := range packets {
		if err := l.send(messageType, b, addr); err != nil {
			return err
		}
	}
	return nil
}

func (l *packetListener) send(messageType wire.MessageType, b []byte, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp: %s: %w", addr, err)
	}
	if _, err = l.conn.WriteTo(b, udpAddr); err != nil {
		return fmt.Errorf("write packet: %s: %w", addr, err)
	}

	l.metrics.PacketsOutbound.WithLabelValues(messageType.String()).Inc()
	l.metrics.PacketBytesOutbound.Add(float64(len(b)))

	return nil
}
