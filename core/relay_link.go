package core

import (
	"context"
	"fmt"
	"time"

	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

// RelayTransport reaches a peer through an already-connected third node. The
// relay only ever sees wrapped envelopes; tunnel payloads stay sealed
// end-to-end, so relaying costs nothing in confidentiality.
type RelayTransport struct {
	pm   *PeerManager
	peer state.PeerId // remote end
	via  state.PeerId // forwarding node
}

func (t *RelayTransport) Kind() TransportKind { return TransportRelay }
func (t *RelayTransport) Peer() state.PeerId  { return t.peer }
func (t *RelayTransport) Via() state.PeerId   { return t.via }

func (t *RelayTransport) Remote() string {
	return fmt.Sprintf("%s via %s", t.peer, t.via)
}

func (t *RelayTransport) Send(env []byte) error {
	wrapped, err := protocol.EncodeControl(protocol.KindRelay, &protocol.Relay{
		From:    string(t.pm.env.LocalCfg.Id),
		To:      string(t.peer),
		Ttl:     state.RelayHopLimit,
		Payload: env,
	})
	if err != nil {
		return err
	}
	return t.pm.SnapshotSend(t.via, wrapped)
}

func (t *RelayTransport) Close() error {
	return nil
}

// DialRelay performs the hello handshake with peer through via. The reply
// arrives over the relay path and is matched up by the peer manager's relay
// demux.
func DialRelay(ctx context.Context, pm *PeerManager, authKey []byte, peer, via state.PeerId) (*RelayTransport, error) {
	hello, err := protocol.NewHello(authKey, string(pm.env.LocalCfg.Id), state.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	inner, err := protocol.EncodeControl(protocol.KindHello, hello)
	if err != nil {
		return nil, err
	}
	tr := &RelayTransport{pm: pm, peer: peer, via: via}

	wait, cancel := pm.relayWaiter(peer)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		if err := tr.Send(inner); err != nil {
			return nil, fmt.Errorf("relay dial %s via %s: %w", peer, via, err)
		}
		select {
		case got := <-wait:
			return got, nil
		case <-time.After(time.Millisecond * 500):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("relay dial %s via %s: no hello reply", peer, via)
}
