package core

import (
	"time"

	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

type lsaEntry struct {
	lsa        *protocol.LinkStateAdvertisement
	receivedAt time.Time
}

// Gossip floods link-state advertisements across the mesh and maintains the
// local topology view. All state is owned by the main goroutine.
type Gossip struct {
	env  *state.Env
	topo map[state.PeerId]*lsaEntry
	seq  uint64
}

func (g *Gossip) Init(s *state.State) error {
	g.env = s.Env
	g.topo = make(map[state.PeerId]*lsaEntry)
	// seqnos are not persisted; seeding from the clock guarantees a node
	// that restarts supersedes its own stale advertisements
	g.seq = uint64(time.Now().UnixMilli())

	s.Env.RepeatTask(func(s *state.State) error {
		g.OriginateLocal(s)
		return nil
	}, state.LsaRefreshDelay)
	s.Env.RepeatTask(g.gc, state.GossipGcDelay)
	return nil
}

func (g *Gossip) Cleanup(s *state.State) error {
	g.topo = nil
	return nil
}

// OriginateLocal publishes a fresh advertisement of this node's live links
// and floods it to every neighbour.
func (g *Gossip) OriginateLocal(s *state.State) {
	g.seq++
	lsa := &protocol.LinkStateAdvertisement{
		Origin:    string(s.LocalCfg.Id),
		Seq:       g.seq,
		Neighbors: Get[*PeerManager](s).LiveNeighbors(),
	}
	g.topo[s.LocalCfg.Id] = &lsaEntry{lsa: lsa, receivedAt: time.Now()}

	env, err := protocol.EncodeControl(protocol.KindLSA, lsa)
	if err != nil {
		s.Log.Error("failed to encode own lsa", "err", err)
		return
	}
	Get[*PeerManager](s).Broadcast(s, env)
	Get[*RouteEngine](s).Recompute(s)
}

// HandleLSA applies a received advertisement. Accepted iff its sequence
// number is strictly greater than the stored one for that origin; accepted
// advertisements are flooded to all links except the arrival link. Anything
// else is discarded silently, which is what stops flood storms.
func (g *Gossip) HandleLSA(s *state.State, from state.PeerId, lsa *protocol.LinkStateAdvertisement, env []byte) error {
	origin := state.PeerId(lsa.Origin)
	if !s.MeshCfg.IsNode(origin) {
		s.Log.Debug("lsa from unknown origin", "origin", origin, "via", from)
		return nil
	}
	if origin == s.LocalCfg.Id {
		// an echo of ourselves that is newer than our own counter means we
		// restarted; jump past it so the mesh converges on the fresh state
		if lsa.Seq >= g.seq {
			g.seq = lsa.Seq + 1
			g.OriginateLocal(s)
		}
		return nil
	}

	cur, ok := g.topo[origin]
	if ok && lsa.Seq <= cur.lsa.Seq {
		return nil // duplicate or stale, suppressed
	}
	g.topo[origin] = &lsaEntry{lsa: lsa, receivedAt: time.Now()}
	Get[*PeerManager](s).Broadcast(s, env, from)
	Get[*RouteEngine](s).Recompute(s)
	return nil
}

func (g *Gossip) gc(s *state.State) error {
	changed := false
	for origin, entry := range g.topo {
		if origin == s.LocalCfg.Id {
			continue
		}
		if time.Since(entry.receivedAt) > state.LsaExpiryTime {
			delete(g.topo, origin)
			s.Log.Debug("topology entry expired", "origin", origin)
			changed = true
		}
	}
	if changed {
		Get[*RouteEngine](s).Recompute(s)
	}
	return nil
}

// Fresh reports whether origin's advertisement is recent enough to route on.
func (e *lsaEntry) Fresh() bool {
	return time.Since(e.receivedAt) <= state.LsaStaleTime
}

// Topology returns the current fresh link-state view keyed by origin.
func (g *Gossip) Topology() map[state.PeerId]*protocol.LinkStateAdvertisement {
	out := make(map[state.PeerId]*protocol.LinkStateAdvertisement, len(g.topo))
	for origin, entry := range g.topo {
		if entry.Fresh() {
			out[origin] = entry.lsa
		}
	}
	return out
}
