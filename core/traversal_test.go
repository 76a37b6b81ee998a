package core

import (
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weftnet/weft/mock"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

func traversalFor(t *testing.T, n *testNode) *Traversal {
	tr := NewTraversal(nil, nil)
	tr.env = n.s.Env
	tr.pm = n.pm
	n.s.Modules[reflect.TypeOf(tr).String()] = tr
	return tr
}

func TestCandidateCodec(t *testing.T) {
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:1000"),
		netip.MustParseAddrPort("[fd00::1]:2000"),
	}
	raw := formatCandidates(addrs)
	back := parseCandidates(raw)
	assert.Equal(t, addrs, back)
}

func TestParseCandidatesSkipsGarbage(t *testing.T) {
	back := parseCandidates([]string{"not-an-addr", "192.0.2.1:1000", ""})
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.1:1000")}, back)
}

func TestParseCandidatesBounded(t *testing.T) {
	raw := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		raw = append(raw, netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), uint16(i+1)).String())
	}
	assert.Len(t, parseCandidates(raw), 16)
}

func TestDedupCandidates(t *testing.T) {
	a := netip.MustParseAddrPort("192.0.2.1:1000")
	b := netip.MustParseAddrPort("192.0.2.2:1000")
	out := dedupCandidates([]netip.AddrPort{a, b, a, a, b})
	assert.Equal(t, []netip.AddrPort{a, b}, out)
}

func TestForwardSignalPrefersDirectLink(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c")
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)
	trC := n.addLink("c")

	env, _ := protocol.EncodeControl(protocol.KindNatCandidateOffer, &protocol.NatCandidateOffer{
		From: "b", To: "c", Session: 1,
	})
	assert.NoError(t, tv.forwardSignal(n.s, "b", "c", env))
	assert.Len(t, trC.Sent(), 1)
}

func TestForwardSignalUsesRoute(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c", "d")
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)
	trC := n.addLink("c")
	setRoute(n, "d", "c")

	env, _ := protocol.EncodeControl(protocol.KindNatCandidateOffer, &protocol.NatCandidateOffer{
		From: "b", To: "d", Session: 1,
	})
	assert.NoError(t, tv.forwardSignal(n.s, "b", "d", env))
	assert.Len(t, trC.Sent(), 1)
}

func TestForwardSignalDropsWithoutPath(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c")
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)

	env, _ := protocol.EncodeControl(protocol.KindNatCandidateOffer, &protocol.NatCandidateOffer{
		From: "b", To: "c", Session: 1,
	})
	// no link, no route: dropped without error
	assert.NoError(t, tv.forwardSignal(n.s, "b", "c", env))
	// unknown target: also dropped
	assert.NoError(t, tv.forwardSignal(n.s, "b", "stranger", env))
}

func TestForwardSignalAvoidsBounceBack(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c")
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)
	trB := n.addLink("b")
	// route to c points back at the sender, forwarding would ping-pong
	setRoute(n, "c", "b")

	env, _ := protocol.EncodeControl(protocol.KindNatCandidateOffer, &protocol.NatCandidateOffer{
		From: "b", To: "c", Session: 1,
	})
	assert.NoError(t, tv.forwardSignal(n.s, "b", "c", env))
	assert.Empty(t, trB.Sent())
}

func TestHandlePunchRequestDeliversToSession(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)

	ch := make(chan []netip.AddrPort, 1)
	tv.sessions[77] = ch

	req := &protocol.NatPunchRequest{
		From:       "b",
		To:         "a",
		Session:    77,
		Candidates: []string{"192.0.2.9:4711"},
	}
	env, _ := protocol.EncodeControl(protocol.KindNatPunchRequest, req)
	assert.NoError(t, tv.HandlePunchRequest(n.s, "b", req, env))

	select {
	case got := <-ch:
		assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.9:4711")}, got)
	case <-time.After(time.Second):
		t.Fatal("session never received the answer")
	}
}

func TestHandlePunchRequestUnknownSessionIgnored(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)

	req := &protocol.NatPunchRequest{From: "b", To: "a", Session: 99, Candidates: []string{"192.0.2.9:4711"}}
	env, _ := protocol.EncodeControl(protocol.KindNatPunchRequest, req)
	assert.NoError(t, tv.HandlePunchRequest(n.s, "b", req, env))
}

func TestPickRelayRequiresAdjacency(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "r")
	// r can relay
	mesh.Nodes[2].Relay = true
	n := newTestNode(t, mesh, locals[0])
	tv := traversalFor(t, n)
	n.runDispatch()

	// r is linked to us but its advertisement does not show b yet
	n.addLink("r")
	n.g.topo["r"] = &lsaEntry{lsa: lsa("r", nb("a", 10)), receivedAt: time.Now()}
	_, err := tv.pickRelay("b")
	assert.ErrorIs(t, err, state.ErrPeerUnreachable)

	// once r advertises b, it qualifies
	n.g.topo["r"] = &lsaEntry{lsa: lsa("r", nb("a", 10), nb("b", 10)), receivedAt: time.Now()}
	via, err := tv.pickRelay("b")
	assert.NoError(t, err)
	assert.Equal(t, state.PeerId("r"), via)
}
