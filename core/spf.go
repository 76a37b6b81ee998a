package core

import (
	"container/heap"
	"net/netip"
	"sync/atomic"

	"github.com/dominikbraun/graph"
	"github.com/gaissmai/bart"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

type RouteEntry struct {
	NextHop state.PeerId
	Cost    uint32
}

// RouteTable maps every reachable destination to its next hop. It is fully
// derived from the topology view: discardable, never persisted, recomputed on
// every accepted change.
type RouteTable struct {
	Self   state.PeerId
	Routes map[state.PeerId]RouteEntry
}

// Lookup yields ok=false for unreachable destinations; absence is the NoRoute
// signal, not an error.
func (t *RouteTable) Lookup(dst state.PeerId) (RouteEntry, bool) {
	e, ok := t.Routes[dst]
	return e, ok
}

// RouteEngine recomputes the next-hop table from the gossip topology and
// publishes it atomically for data-plane readers.
type RouteEngine struct {
	env   *state.Env
	table atomic.Pointer[RouteTable]
	addrs atomic.Pointer[bart.Table[state.PeerId]]
}

func (re *RouteEngine) Init(s *state.State) error {
	re.env = s.Env
	re.table.Store(&RouteTable{Self: s.LocalCfg.Id, Routes: map[state.PeerId]RouteEntry{}})
	re.RebuildAddrs(s)
	// freshness transitions do not generate gossip events, so sweep on a timer
	s.Env.RepeatTask(func(s *state.State) error {
		re.Recompute(s)
		return nil
	}, state.GossipGcDelay)
	return nil
}

func (re *RouteEngine) Cleanup(s *state.State) error {
	return nil
}

// Table returns the current route snapshot. Safe from any goroutine.
func (re *RouteEngine) Table() *RouteTable {
	return re.table.Load()
}

// OwnerOf maps a virtual address to the peer owning it.
func (re *RouteEngine) OwnerOf(addr netip.Addr) (state.PeerId, bool) {
	return re.addrs.Load().Lookup(addr)
}

// RebuildAddrs derives the address-to-peer mapping from the node directory.
// Called at init and on config reload.
func (re *RouteEngine) RebuildAddrs(s *state.State) {
	t := &bart.Table[state.PeerId]{}
	for _, node := range s.MeshCfg.Nodes {
		for _, prefix := range node.Prefixes {
			t.Insert(prefix, node.Id)
		}
	}
	re.addrs.Store(t)
}

// Recompute runs shortest paths from this node over the fresh topology and
// swaps in the resulting table. A full recompute is always correct; topology
// graphs at mesh scale are small enough that incremental bookkeeping is not
// worth its complexity.
func (re *RouteEngine) Recompute(s *state.State) {
	topo := Get[*Gossip](s).Topology()
	table := computeRoutes(s.LocalCfg.Id, topo)
	old := re.table.Swap(table)
	if len(old.Routes) != len(table.Routes) {
		s.Log.Debug("route table updated", "reachable", len(table.Routes))
	}
}

// computeRoutes builds the confirmed topology graph and runs a deterministic
// Dijkstra over it. An edge is admitted only when both endpoints' fresh
// advertisements confirm it; ties are broken towards the lexicographically
// smaller next hop so all nodes resolve identical paths.
func computeRoutes(self state.PeerId, topo map[state.PeerId]*protocol.LinkStateAdvertisement) *RouteTable {
	hash := func(p state.PeerId) state.PeerId { return p }
	g := graph.New(hash, graph.Directed(), graph.Weighted())

	for origin := range topo {
		_ = g.AddVertex(origin)
	}
	for origin, lsa := range topo {
		for _, nb := range lsa.Neighbors {
			peer := state.PeerId(nb.Peer)
			rev, ok := topo[peer]
			if !ok || !confirms(rev, origin) {
				continue // unconfirmed edge, likely one-way or stale
			}
			_ = g.AddEdge(origin, peer, graph.EdgeWeight(int(nb.Cost)))
		}
	}

	table := &RouteTable{Self: self, Routes: make(map[state.PeerId]RouteEntry)}
	adj, err := g.AdjacencyMap()
	if err != nil {
		return table
	}
	if _, ok := adj[self]; !ok {
		return table
	}

	settled := map[state.PeerId]bool{}

	pq := &spfQueue{}
	heap.Init(pq)
	heap.Push(pq, spfItem{peer: self, dist: 0})

	for pq.Len() > 0 {
		item := heap.Pop(pq).(spfItem)
		if settled[item.peer] {
			continue
		}
		settled[item.peer] = true
		if item.peer != self {
			table.Routes[item.peer] = RouteEntry{
				NextHop: item.hop,
				Cost:    saturate(item.dist),
			}
		}
		for next, edge := range adj[item.peer] {
			if settled[next] {
				continue
			}
			nd := item.dist + uint64(edge.Properties.Weight)
			fh := item.hop
			if item.peer == self {
				fh = next
			}
			heap.Push(pq, spfItem{peer: next, dist: nd, hop: fh})
		}
	}
	return table
}

func confirms(lsa *protocol.LinkStateAdvertisement, peer state.PeerId) bool {
	for _, nb := range lsa.Neighbors {
		if state.PeerId(nb.Peer) == peer {
			return true
		}
	}
	return false
}

func saturate(d uint64) uint32 {
	if d >= uint64(state.INF) {
		return state.INF - 1
	}
	return uint32(d)
}

type spfItem struct {
	peer state.PeerId
	dist uint64
	hop  state.PeerId
}

// spfQueue orders candidates by (distance, first hop, destination) so that
// route selection is reproducible across nodes and runs.
type spfQueue []spfItem

func (q spfQueue) Len() int { return len(q) }
func (q spfQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	if q[i].hop != q[j].hop {
		return q[i].hop < q[j].hop
	}
	return q[i].peer < q[j].peer
}
func (q spfQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *spfQueue) Push(x any)   { *q = append(*q, x.(spfItem)) }
func (q *spfQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
