package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weftnet/weft/mock"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

func encodeLSA(t *testing.T, lsa *protocol.LinkStateAdvertisement) []byte {
	env, err := protocol.EncodeControl(protocol.KindLSA, lsa)
	assert.NoError(t, err)
	return env
}

func TestHandleLSAAcceptsStrictlyGreater(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c")
	n := newTestNode(t, mesh, locals[0])

	first := lsa("b", nb("a", 10))
	first.Seq = 5
	assert.NoError(t, n.g.HandleLSA(n.s, "b", first, encodeLSA(t, first)))
	assert.Equal(t, uint64(5), n.g.topo["b"].lsa.Seq)

	// equal seq is a duplicate and must not overwrite
	dup := lsa("b", nb("c", 99))
	dup.Seq = 5
	assert.NoError(t, n.g.HandleLSA(n.s, "b", dup, encodeLSA(t, dup)))
	assert.Equal(t, first, n.g.topo["b"].lsa)

	// lower seq is stale
	stale := lsa("b", nb("c", 1))
	stale.Seq = 3
	assert.NoError(t, n.g.HandleLSA(n.s, "b", stale, encodeLSA(t, stale)))
	assert.Equal(t, first, n.g.topo["b"].lsa)

	// higher seq supersedes
	newer := lsa("b", nb("c", 7))
	newer.Seq = 6
	assert.NoError(t, n.g.HandleLSA(n.s, "b", newer, encodeLSA(t, newer)))
	assert.Equal(t, newer, n.g.topo["b"].lsa)
}

func TestHandleLSAUnknownOrigin(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])

	bad := lsa("stranger", nb("a", 10))
	assert.NoError(t, n.g.HandleLSA(n.s, "b", bad, encodeLSA(t, bad)))
	assert.NotContains(t, n.g.topo, state.PeerId("stranger"))
}

func TestHandleLSAFloodsExceptArrival(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c")
	n := newTestNode(t, mesh, locals[0])
	trB := n.addLink("b")
	trC := n.addLink("c")

	adv := lsa("b", nb("a", 10))
	adv.Seq = 2
	env := encodeLSA(t, adv)
	assert.NoError(t, n.g.HandleLSA(n.s, "b", adv, env))

	assert.Empty(t, trB.Sent(), "must not flood back to the arrival link")
	sent := trC.Sent()
	assert.Len(t, sent, 1)
	assert.Equal(t, env, sent[0])

	// the duplicate is suppressed entirely
	assert.NoError(t, n.g.HandleLSA(n.s, "b", adv, env))
	assert.Len(t, trC.Sent(), 1)
}

func TestHandleLSAOwnEchoBumpsSeq(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])
	n.g.seq = 10

	// an echo of our own origin with a seq at or past ours means the mesh
	// remembers a previous incarnation; we must jump past it
	echo := lsa("a", nb("b", 10))
	echo.Seq = 500
	assert.NoError(t, n.g.HandleLSA(n.s, "b", echo, encodeLSA(t, echo)))
	assert.Greater(t, n.g.seq, uint64(500))
	assert.Equal(t, n.g.seq, n.g.topo["a"].lsa.Seq)
}

func TestOriginateLocalAdvertisesLiveLinks(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b", "c")
	n := newTestNode(t, mesh, locals[0])
	trB := n.addLink("b")

	before := n.g.seq
	n.g.OriginateLocal(n.s)
	assert.Equal(t, before+1, n.g.seq)

	own := n.g.topo["a"].lsa
	assert.Equal(t, "a", own.Origin)
	assert.Len(t, own.Neighbors, 1)
	assert.Equal(t, "b", own.Neighbors[0].Peer)

	// flooded over the link
	assert.NotEmpty(t, trB.Sent())
}

func TestTopologyExcludesStale(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])

	adv := lsa("b", nb("a", 10))
	n.g.topo["b"] = &lsaEntry{lsa: adv, receivedAt: time.Now().Add(-state.LsaStaleTime - time.Second)}
	assert.NotContains(t, n.g.Topology(), state.PeerId("b"))

	n.g.topo["b"].receivedAt = time.Now()
	assert.Contains(t, n.g.Topology(), state.PeerId("b"))
}

func TestGossipGcExpiresEntries(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])

	n.g.topo["a"] = &lsaEntry{lsa: lsa("a"), receivedAt: time.Now().Add(-state.LsaExpiryTime * 2)}
	n.g.topo["b"] = &lsaEntry{lsa: lsa("b"), receivedAt: time.Now().Add(-state.LsaExpiryTime * 2)}

	assert.NoError(t, n.g.gc(n.s))
	// own entry survives, the peer's is deleted
	assert.Contains(t, n.g.topo, state.PeerId("a"))
	assert.NotContains(t, n.g.topo, state.PeerId("b"))
}

func TestStaleExcludedFromRoutesButNotDeleted(t *testing.T) {
	mesh, locals := mock.MockMesh(0, "a", "b")
	n := newTestNode(t, mesh, locals[0])

	n.g.topo["a"] = &lsaEntry{lsa: lsa("a", nb("b", 10)), receivedAt: time.Now()}
	adv := lsa("b", nb("a", 10))
	n.g.topo["b"] = &lsaEntry{lsa: adv, receivedAt: time.Now().Add(-state.LsaStaleTime - time.Second)}

	n.re.Recompute(n.s)
	_, ok := n.re.Table().Lookup("b")
	assert.False(t, ok, "stale advertisement must not be routed on")
	assert.Contains(t, n.g.topo, state.PeerId("b"), "stale is not expired")

	// a fresh advertisement revives the route
	n.g.topo["b"].receivedAt = time.Now()
	n.re.Recompute(n.s)
	_, ok = n.re.Table().Lookup("b")
	assert.True(t, ok)
}
