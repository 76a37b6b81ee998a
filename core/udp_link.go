package core

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

// UdpBind owns the node's single UDP socket. Everything shares it: link
// traffic, hole punch probes, and STUN-style reflexive address discovery.
// Inbound datagrams are demultiplexed by sender address.
type UdpBind struct {
	env     *state.Env
	conn    *net.UDPConn
	sink    EnvelopeSink
	authKey []byte

	mu        sync.Mutex
	byAddr    map[netip.AddrPort]*UdpTransport
	dialWait  map[state.PeerId][]chan *UdpTransport
	stunWait  map[[stun.TransactionIDSize]byte]chan netip.AddrPort
	punchWait map[uint64]chan netip.AddrPort
	closed    bool
}

func NewUdpBind(e *state.Env, port uint16, authKey []byte, sink EnvelopeSink) (*UdpBind, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("udp bind on :%d: %w", port, err)
	}
	b := &UdpBind{
		env:       e,
		conn:      conn,
		sink:      sink,
		authKey:   authKey,
		byAddr:    make(map[netip.AddrPort]*UdpTransport),
		dialWait:  make(map[state.PeerId][]chan *UdpTransport),
		stunWait:  make(map[[stun.TransactionIDSize]byte]chan netip.AddrPort),
		punchWait: make(map[uint64]chan netip.AddrPort),
	}
	go b.readLoop()
	return b, nil
}

func (b *UdpBind) LocalPort() uint16 {
	return uint16(b.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (b *UdpBind) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}

func canonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (b *UdpBind) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := b.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				b.env.Log.Warn("udp read failed", "err", err)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		ap := canonical(raddr)

		if stun.IsMessage(pkt) {
			b.handleStun(pkt, ap)
			continue
		}

		b.mu.Lock()
		tr := b.byAddr[ap]
		b.mu.Unlock()
		if tr != nil {
			if protocol.KindOf(pkt) == protocol.KindHello {
				// re-handshake from a known address, answer so the other
				// side can finish its dial
				b.answerHello(pkt, ap)
				continue
			}
			b.sink(tr.peer, pkt)
			continue
		}
		b.handleUnknown(pkt, ap)
	}
}

// handleUnknown processes datagrams from addresses with no established
// transport: link hellos and punch probes.
func (b *UdpBind) handleUnknown(pkt []byte, ap netip.AddrPort) {
	switch protocol.KindOf(pkt) {
	case protocol.KindHello:
		b.answerHello(pkt, ap)
	case protocol.KindPunchProbe:
		var probe protocol.PunchProbe
		if err := protocol.DecodeControl(pkt, &probe); err != nil {
			return
		}
		ack, err := protocol.EncodeControl(protocol.KindPunchProbeAck, &protocol.PunchProbeAck{
			From:    string(b.env.LocalCfg.Id),
			Session: probe.Session,
			Token:   probe.Token,
		})
		if err == nil {
			_, _ = b.conn.WriteToUDPAddrPort(ack, ap)
		}
	case protocol.KindPunchProbeAck:
		var ack protocol.PunchProbeAck
		if err := protocol.DecodeControl(pkt, &ack); err != nil {
			return
		}
		b.mu.Lock()
		ch := b.punchWait[ack.Session]
		b.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ap:
			default:
			}
		}
	default:
		// silently drop; anything else requires an established link
	}
}

// answerHello verifies a link hello, installs the transport for the sender
// address and replies with our own hello. Registration with the peer manager
// happens on the main loop; the duplicate-link tie-break there resolves
// simultaneous dials.
func (b *UdpBind) answerHello(pkt []byte, ap netip.AddrPort) {
	var hello protocol.Hello
	if err := protocol.DecodeControl(pkt, &hello); err != nil {
		return
	}
	if hello.Version != state.ProtocolVersion {
		b.env.Log.Debug("hello with unsupported version", "version", hello.Version, "from", ap)
		return
	}
	if !protocol.VerifyHello(b.authKey, &hello) {
		b.env.Log.Debug("hello failed auth", "from", ap)
		return
	}
	peer := state.PeerId(hello.From)
	if !b.env.MeshCfg.IsNode(peer) || peer == b.env.LocalCfg.Id {
		return
	}

	reply, err := protocol.NewHello(b.authKey, string(b.env.LocalCfg.Id), state.ProtocolVersion)
	if err != nil {
		return
	}
	out, err := protocol.EncodeControl(protocol.KindHello, reply)
	if err != nil {
		return
	}
	_, _ = b.conn.WriteToUDPAddrPort(out, ap)

	tr, fresh := b.adopt(peer, ap)

	b.mu.Lock()
	waiters := b.dialWait[peer]
	delete(b.dialWait, peer)
	b.mu.Unlock()
	for _, w := range waiters {
		select {
		case w <- tr:
		default:
		}
	}
	if fresh && len(waiters) == 0 {
		// remotely initiated link; a lost tie-break just closes the transport
		b.env.Dispatch(func(s *state.State) error {
			if err := Get[*PeerManager](s).RegisterLink(s, peer, tr, state.MinLinkCost); err != nil {
				s.Log.Debug("inbound udp link not registered", "peer", peer, "err", err)
			}
			return nil
		})
	}
}

func (b *UdpBind) adopt(peer state.PeerId, ap netip.AddrPort) (*UdpTransport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tr, ok := b.byAddr[ap]; ok && tr.peer == peer {
		return tr, false
	}
	tr := &UdpTransport{bind: b, peer: peer, addr: ap}
	b.byAddr[ap] = tr
	return tr, true
}

// Dial performs the hello handshake with a known remote address.
func (b *UdpBind) Dial(ctx context.Context, peer state.PeerId, addr netip.AddrPort) (*UdpTransport, error) {
	addr = canonical(addr)
	hello, err := protocol.NewHello(b.authKey, string(b.env.LocalCfg.Id), state.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	out, err := protocol.EncodeControl(protocol.KindHello, hello)
	if err != nil {
		return nil, err
	}

	wait := make(chan *UdpTransport, 1)
	b.mu.Lock()
	b.dialWait[peer] = append(b.dialWait[peer], wait)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		ws := b.dialWait[peer]
		for i, w := range ws {
			if w == wait {
				b.dialWait[peer] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := b.conn.WriteToUDPAddrPort(out, addr); err != nil {
			return nil, err
		}
		select {
		case tr := <-wait:
			return tr, nil
		case <-time.After(time.Millisecond * 500):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("udp dial %s at %s: no hello reply", peer, addr)
}

// SendPunchProbe fires one hole punch probe at a candidate address.
func (b *UdpBind) SendPunchProbe(addr netip.AddrPort, session, token uint64) error {
	pkt, err := protocol.EncodeControl(protocol.KindPunchProbe, &protocol.PunchProbe{
		From:    string(b.env.LocalCfg.Id),
		Session: session,
		Token:   token,
	})
	if err != nil {
		return err
	}
	_, err = b.conn.WriteToUDPAddrPort(pkt, canonical(addr))
	return err
}

// PunchWaiter registers interest in probe acks for a session. The returned
// channel yields the remote address that acknowledged first.
func (b *UdpBind) PunchWaiter(session uint64) (<-chan netip.AddrPort, func()) {
	ch := make(chan netip.AddrPort, 1)
	b.mu.Lock()
	b.punchWait[session] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.punchWait, session)
		b.mu.Unlock()
	}
}

// QueryReflexive asks a STUN-capable rendezvous endpoint what our address
// looks like from the outside.
func (b *UdpBind) QueryReflexive(ctx context.Context, server netip.AddrPort) (netip.AddrPort, error) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var tid [stun.TransactionIDSize]byte
	copy(tid[:], msg.TransactionID[:])

	wait := make(chan netip.AddrPort, 1)
	b.mu.Lock()
	b.stunWait[tid] = wait
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.stunWait, tid)
		b.mu.Unlock()
	}()

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := b.conn.WriteToUDPAddrPort(msg.Raw, canonical(server)); err != nil {
			return netip.AddrPort{}, err
		}
		select {
		case ap := <-wait:
			return ap, nil
		case <-time.After(time.Millisecond * 500):
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()
		}
	}
	return netip.AddrPort{}, fmt.Errorf("stun query to %s timed out", server)
}

func (b *UdpBind) handleStun(pkt []byte, from netip.AddrPort) {
	m := &stun.Message{Raw: pkt}
	if err := m.Decode(); err != nil {
		return
	}
	switch m.Type {
	case stun.BindingRequest:
		// we act as the rendezvous for peers gathering reflexive candidates
		resp, err := stun.Build(
			stun.NewTransactionIDSetter(m.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
			stun.Fingerprint,
		)
		if err != nil {
			return
		}
		_, _ = b.conn.WriteToUDPAddrPort(resp.Raw, from)
	case stun.BindingSuccess:
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(m); err != nil {
			return
		}
		addr, ok := netip.AddrFromSlice(xorAddr.IP)
		if !ok {
			return
		}
		var tid [stun.TransactionIDSize]byte
		copy(tid[:], m.TransactionID[:])
		b.mu.Lock()
		ch := b.stunWait[tid]
		b.mu.Unlock()
		if ch != nil {
			select {
			case ch <- netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port)):
			default:
			}
		}
	}
}

// UdpTransport is one established UDP path to a peer.
type UdpTransport struct {
	bind *UdpBind
	peer state.PeerId
	addr netip.AddrPort
}

func (t *UdpTransport) Kind() TransportKind { return TransportUDP }
func (t *UdpTransport) Peer() state.PeerId  { return t.peer }
func (t *UdpTransport) Remote() string      { return t.addr.String() }

func (t *UdpTransport) Send(env []byte) error {
	_, err := t.bind.conn.WriteToUDPAddrPort(env, t.addr)
	return err
}

func (t *UdpTransport) Close() error {
	t.bind.mu.Lock()
	if cur, ok := t.bind.byAddr[t.addr]; ok && cur == t {
		delete(t.bind.byAddr, t.addr)
	}
	t.bind.mu.Unlock()
	return nil
}
