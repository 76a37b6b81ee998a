package core

import (
	"github.com/weftnet/weft/state"
)

type TransportKind int

const (
	TransportUDP TransportKind = iota
	TransportTCP
	TransportRelay
)

func (k TransportKind) String() string {
	switch k {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	case TransportRelay:
		return "relay"
	}
	return "unknown"
}

// Transport is one established, authenticated path to a peer. Send must be
// safe for concurrent use; inbound envelopes are delivered to the sink the
// transport was built with.
type Transport interface {
	Kind() TransportKind
	Peer() state.PeerId
	Send(env []byte) error
	Close() error
	Remote() string
}

// EnvelopeSink receives every envelope arriving on an established transport.
// It is called on the transport's reader goroutine and must not block on the
// main loop.
type EnvelopeSink func(from state.PeerId, env []byte)
