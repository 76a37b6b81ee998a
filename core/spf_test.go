package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

func lsa(origin string, neighbors ...protocol.Neighbor) *protocol.LinkStateAdvertisement {
	return &protocol.LinkStateAdvertisement{Origin: origin, Seq: 1, Neighbors: neighbors}
}

func nb(peer string, cost uint32) protocol.Neighbor {
	return protocol.Neighbor{Peer: peer, Cost: cost}
}

func TestComputeRoutesLine(t *testing.T) {
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"a": lsa("a", nb("b", 10)),
		"b": lsa("b", nb("a", 10), nb("c", 20)),
		"c": lsa("c", nb("b", 20)),
	}
	table := computeRoutes("a", topo)

	assert.Len(t, table.Routes, 2)
	assert.Equal(t, RouteEntry{NextHop: "b", Cost: 10}, table.Routes["b"])
	assert.Equal(t, RouteEntry{NextHop: "b", Cost: 30}, table.Routes["c"])
	_, ok := table.Lookup("a")
	assert.False(t, ok, "no route to self")
}

func TestComputeRoutesUnconfirmedEdge(t *testing.T) {
	// b never advertises a back, so the a-b edge must not be used
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"a": lsa("a", nb("b", 10)),
		"b": lsa("b", nb("c", 10)),
		"c": lsa("c", nb("b", 10)),
	}
	table := computeRoutes("a", topo)
	assert.Empty(t, table.Routes)
}

func TestComputeRoutesPrefersCheaper(t *testing.T) {
	// a-d direct at 100, a-b-d at 10+10
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"a": lsa("a", nb("b", 10), nb("d", 100)),
		"b": lsa("b", nb("a", 10), nb("d", 10)),
		"d": lsa("d", nb("a", 100), nb("b", 10)),
	}
	table := computeRoutes("a", topo)
	assert.Equal(t, RouteEntry{NextHop: "b", Cost: 20}, table.Routes["d"])
}

func TestComputeRoutesDeterministicTieBreak(t *testing.T) {
	// diamond with equal-cost paths a-b-d and a-c-d; the lexicographically
	// smaller first hop must win on every node
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"a": lsa("a", nb("b", 10), nb("c", 10)),
		"b": lsa("b", nb("a", 10), nb("d", 10)),
		"c": lsa("c", nb("a", 10), nb("d", 10)),
		"d": lsa("d", nb("b", 10), nb("c", 10)),
	}
	table := computeRoutes("a", topo)
	assert.Equal(t, state.PeerId("b"), table.Routes["d"].NextHop)
	assert.Equal(t, uint32(20), table.Routes["d"].Cost)

	for i := 0; i < 10; i++ {
		again := computeRoutes("a", topo)
		if diff := cmp.Diff(table.Routes, again.Routes); diff != "" {
			t.Fatalf("route computation not deterministic:\n%s", diff)
		}
	}
}

func TestComputeRoutesDisconnected(t *testing.T) {
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"a": lsa("a", nb("b", 10)),
		"b": lsa("b", nb("a", 10)),
		"c": lsa("c", nb("d", 10)),
		"d": lsa("d", nb("c", 10)),
	}
	table := computeRoutes("a", topo)
	assert.Len(t, table.Routes, 1)
	_, ok := table.Lookup("c")
	assert.False(t, ok)
}

func TestComputeRoutesSelfUnknown(t *testing.T) {
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"b": lsa("b", nb("c", 10)),
		"c": lsa("c", nb("b", 10)),
	}
	table := computeRoutes("a", topo)
	assert.Empty(t, table.Routes)
}

func TestComputeRoutesAsymmetricCosts(t *testing.T) {
	// each direction carries its advertiser's cost
	topo := map[state.PeerId]*protocol.LinkStateAdvertisement{
		"a": lsa("a", nb("b", 10)),
		"b": lsa("b", nb("a", 50)),
	}
	table := computeRoutes("a", topo)
	assert.Equal(t, uint32(10), table.Routes["b"].Cost)
	back := computeRoutes("b", topo)
	assert.Equal(t, uint32(50), back.Routes["a"].Cost)
}
