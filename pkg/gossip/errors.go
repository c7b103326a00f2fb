package gossip

import "errors"

var (
	// ErrNoPeers indicates there are no eligible peers to send a pull
	// request to.
	ErrNoPeers = errors.New("no peers")

	// ErrBadPruneDestination indicates a prune message was addressed to a
	// different node.
	ErrBadPruneDestination = errors.New("bad prune destination")

	// ErrPruneMessageTimeout indicates a prune message was received after
	// it expired.
	ErrPruneMessageTimeout = errors.New("prune message timeout")

	// ErrPushMessageTimeout indicates a pushed value has a wallclock outside
	// the accepted window.
	ErrPushMessageTimeout = errors.New("push message timeout")
)
