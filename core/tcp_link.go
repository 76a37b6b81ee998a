package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

const tcpMaxEnvelope = 1 << 16

// TcpListener accepts fallback stream links on the same port as the UDP bind.
// Streams carry length-prefixed envelopes.
type TcpListener struct {
	env     *state.Env
	ln      net.Listener
	sink    EnvelopeSink
	authKey []byte
	closed  sync.Once
}

func NewTcpListener(e *state.Env, port uint16, authKey []byte, sink EnvelopeSink) (*TcpListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("tcp listen on :%d: %w", port, err)
	}
	l := &TcpListener{env: e, ln: ln, sink: sink, authKey: authKey}
	go l.acceptLoop()
	return l, nil
}

func (l *TcpListener) Close() error {
	var err error
	l.closed.Do(func() {
		err = l.ln.Close()
	})
	return err
}

func (l *TcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.env.Log.Warn("tcp accept failed", "err", err)
			}
			return
		}
		go func() {
			tr, err := tcpHandshake(l.env, conn, l.authKey, l.sink, false)
			if err != nil {
				l.env.Log.Debug("inbound tcp handshake failed", "remote", conn.RemoteAddr(), "err", err)
				conn.Close()
				return
			}
			l.env.Dispatch(func(s *state.State) error {
				// seed the same cost the dialing side uses for tcp, so a
				// mutual dial tie-breaks identically on both ends
				if err := Get[*PeerManager](s).RegisterLink(s, tr.peer, tr, state.MinLinkCost*2); err != nil {
					s.Log.Debug("inbound tcp link not registered", "peer", tr.peer, "err", err)
				}
				return nil
			})
		}()
	}
}

// DialTcp establishes a stream link to a known remote address.
func DialTcp(ctx context.Context, e *state.Env, authKey []byte, sink EnvelopeSink, peer state.PeerId, addr netip.AddrPort) (*TcpTransport, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	tr, err := tcpHandshake(e, conn, authKey, sink, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if tr.peer != peer {
		tr.Close()
		return nil, fmt.Errorf("dialed %s but %s answered", peer, tr.peer)
	}
	return tr, nil
}

// tcpHandshake exchanges authenticated hellos over the fresh stream. The
// initiator writes first; both verify before any other envelope is accepted.
func tcpHandshake(e *state.Env, conn net.Conn, authKey []byte, sink EnvelopeSink, initiator bool) (*TcpTransport, error) {
	_ = conn.SetDeadline(time.Now().Add(time.Second * 5))
	defer conn.SetDeadline(time.Time{})

	ours, err := protocol.NewHello(authKey, string(e.LocalCfg.Id), state.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	out, err := protocol.EncodeControl(protocol.KindHello, ours)
	if err != nil {
		return nil, err
	}

	sendHello := func() error { return writeEnvelope(conn, out) }
	recvHello := func() (*protocol.Hello, error) {
		env, err := readEnvelope(conn)
		if err != nil {
			return nil, err
		}
		if protocol.KindOf(env) != protocol.KindHello {
			return nil, fmt.Errorf("expected hello, got %s", protocol.KindOf(env))
		}
		var hello protocol.Hello
		if err := protocol.DecodeControl(env, &hello); err != nil {
			return nil, err
		}
		if hello.Version != state.ProtocolVersion {
			return nil, fmt.Errorf("unsupported protocol version %d", hello.Version)
		}
		if !protocol.VerifyHello(authKey, &hello) {
			return nil, state.ErrAuthenticationFailure
		}
		return &hello, nil
	}

	var hello *protocol.Hello
	if initiator {
		if err := sendHello(); err != nil {
			return nil, err
		}
		if hello, err = recvHello(); err != nil {
			return nil, err
		}
	} else {
		if hello, err = recvHello(); err != nil {
			return nil, err
		}
		if err := sendHello(); err != nil {
			return nil, err
		}
	}
	peer := state.PeerId(hello.From)
	if !e.MeshCfg.IsNode(peer) || peer == e.LocalCfg.Id {
		return nil, fmt.Errorf("hello from unknown node %s", peer)
	}

	tr := &TcpTransport{env: e, conn: conn, peer: peer, sink: sink}
	go tr.readLoop()
	return tr, nil
}

func writeEnvelope(conn net.Conn, env []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(env)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(env)
	return err
}

func readEnvelope(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > tcpMaxEnvelope {
		return nil, fmt.Errorf("envelope length %d out of range", n)
	}
	env := make([]byte, n)
	if _, err := io.ReadFull(conn, env); err != nil {
		return nil, err
	}
	return env, nil
}

type TcpTransport struct {
	env  *state.Env
	conn net.Conn
	peer state.PeerId
	sink EnvelopeSink

	wmu    sync.Mutex
	closed sync.Once
}

func (t *TcpTransport) Kind() TransportKind { return TransportTCP }
func (t *TcpTransport) Peer() state.PeerId  { return t.peer }
func (t *TcpTransport) Remote() string      { return t.conn.RemoteAddr().String() }

func (t *TcpTransport) Send(env []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return writeEnvelope(t.conn, env)
}

func (t *TcpTransport) Close() error {
	var err error
	t.closed.Do(func() {
		err = t.conn.Close()
	})
	return err
}

func (t *TcpTransport) readLoop() {
	for {
		env, err := readEnvelope(t.conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				t.env.Log.Debug("tcp link read failed", "peer", t.peer, "err", err)
			}
			t.Close()
			return
		}
		t.sink(t.peer, env)
	}
}
