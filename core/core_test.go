package core

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

// testNode wires the core modules by hand, without sockets or background
// tasks, so tests can drive them synchronously.
type testNode struct {
	s        *state.State
	pm       *PeerManager
	g        *Gossip
	re       *RouteEngine
	dispatch chan func(*state.State) error
}

func newTestNode(t *testing.T, mesh state.MeshCfg, local state.LocalCfg) *testNode {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })

	dispatch := make(chan func(*state.State) error, 128)
	s := &state.State{
		Modules: map[string]state.Module{},
		Env: &state.Env{
			DispatchChannel: dispatch,
			Context:         ctx,
			Cancel:          cancel,
			MeshCfg:         mesh,
			LocalCfg:        local,
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}

	re := &RouteEngine{env: s.Env}
	re.table.Store(&RouteTable{Self: local.Id, Routes: map[state.PeerId]RouteEntry{}})
	re.RebuildAddrs(s)

	g := &Gossip{
		env:  s.Env,
		topo: map[state.PeerId]*lsaEntry{},
		seq:  1,
	}

	pm := &PeerManager{
		env:       s.Env,
		authKey:   protocol.LinkAuthKey(mesh.Name, mesh.Secret),
		links:     map[state.PeerId]*Link{},
		relayWait: map[state.PeerId][]chan *RelayTransport{},
	}
	pm.publishSnapshot()

	for _, m := range []state.Module{re, g, pm} {
		s.Modules[reflect.TypeOf(m).String()] = m
	}
	return &testNode{s: s, pm: pm, g: g, re: re, dispatch: dispatch}
}

// runDispatch services the dispatch channel on a background goroutine for
// tests that exercise DispatchWait.
func (n *testNode) runDispatch() {
	go func() {
		for {
			select {
			case fun := <-n.dispatch:
				_ = fun(n.s)
			case <-n.s.Context.Done():
				return
			}
		}
	}()
}

// mockTransport records every envelope sent through it.
type mockTransport struct {
	peer state.PeerId
	kind TransportKind

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newMockTransport(peer state.PeerId) *mockTransport {
	return &mockTransport{peer: peer, kind: TransportUDP}
}

func (m *mockTransport) Kind() TransportKind { return m.kind }
func (m *mockTransport) Peer() state.PeerId  { return m.peer }
func (m *mockTransport) Remote() string      { return "mock:" + string(m.peer) }

func (m *mockTransport) Send(env []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(env))
	copy(cp, env)
	m.sent = append(m.sent, cp)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// addLink installs a mock link bypassing the register tie-break and the
// gossip side effects.
func (n *testNode) addLink(peer state.PeerId) *mockTransport {
	tr := newMockTransport(peer)
	q := state.NewLinkQuality()
	q.UpdateRTT(costToRTT(state.MinLinkCost))
	n.pm.links[peer] = &Link{Peer: peer, Active: tr, Quality: q, probes: map[uint64]time.Time{}}
	n.pm.publishSnapshot()
	return tr
}
