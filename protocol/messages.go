// Package protocol defines the wire messages exchanged between weft peers and
// the tunnel frame codec. All peers in a mesh must agree on the layout; the
// version is negotiated in the link Hello.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type Kind uint8

const (
	KindHello Kind = iota + 1
	KindLinkProbe
	KindLinkProbeAck
	KindLSA
	KindNatCandidateOffer
	KindNatPunchRequest
	KindRelay
	KindTunnelData
	KindPunchProbe
	KindPunchProbeAck
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindLinkProbe:
		return "link-probe"
	case KindLinkProbeAck:
		return "link-probe-ack"
	case KindLSA:
		return "lsa"
	case KindNatCandidateOffer:
		return "nat-candidate-offer"
	case KindNatPunchRequest:
		return "nat-punch-request"
	case KindRelay:
		return "relay"
	case KindTunnelData:
		return "tunnel-data"
	case KindPunchProbe:
		return "punch-probe"
	case KindPunchProbeAck:
		return "punch-probe-ack"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Hello opens every link. Auth is an HMAC over (Version, From, Nonce) keyed
// with the mesh link key, proving membership before any other message is
// accepted.
type Hello struct {
	Version uint8
	From    string
	Nonce   []byte
	Auth    []byte
}

type LinkProbe struct {
	Token  uint64
	SentAt int64 // unix nanos, echoed back verbatim
}

type LinkProbeAck struct {
	Token      uint64
	EchoSentAt int64
}

type Neighbor struct {
	Peer string
	Cost uint32
}

// LinkStateAdvertisement is a versioned snapshot of one node's outgoing links.
// A newer Seq from the same origin supersedes older ones; it is never mutated.
type LinkStateAdvertisement struct {
	Origin    string
	Seq       uint64
	Neighbors []Neighbor
}

// NatCandidateOffer carries one side's gathered candidate addresses to the
// other side over an established signaling path.
type NatCandidateOffer struct {
	From       string
	To         string
	Session    uint64
	Candidates []string // addr:port
}

// NatPunchRequest asks the target to start sending punch probes towards the
// requester's candidates right now.
type NatPunchRequest struct {
	From       string
	To         string
	Session    uint64
	Candidates []string
}

// PunchProbe is the synchronized datagram both sides fire at each other's
// candidate addresses during hole punching. It proves nothing by itself; a
// punched path still has to pass the authenticated Hello.
type PunchProbe struct {
	From    string
	Session uint64
	Token   uint64
}

type PunchProbeAck struct {
	From    string
	Session uint64
	Token   uint64
}

// Relay wraps an envelope to be forwarded by an already-connected peer on
// behalf of two peers without a direct path. The payload stays opaque to the
// relay. Ttl bounds the forwarding chain; an envelope arriving with Ttl <= 1
// is not forwarded further.
type Relay struct {
	From    string
	To      string
	Ttl     uint8
	Payload []byte
}

// EncodeControl prepends the kind tag to the msgpack encoding of msg.
func EncodeControl(kind Kind, msg any) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, byte(kind))
	return append(buf, body...), nil
}

// DecodeControl unpacks the envelope body into msg. The caller picks msg based
// on KindOf.
func DecodeControl(env []byte, msg any) error {
	if len(env) < 1 {
		return fmt.Errorf("envelope too short")
	}
	if err := msgpack.Unmarshal(env[1:], msg); err != nil {
		return fmt.Errorf("decode %s: %w", Kind(env[0]), err)
	}
	return nil
}

func KindOf(env []byte) Kind {
	if len(env) < 1 {
		return 0
	}
	return Kind(env[0])
}
