package core

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

// Link is the authoritative local record of one established logical link.
// Owned by the peer manager; only the main goroutine mutates it.
type Link struct {
	Peer    state.PeerId
	Active  Transport
	Quality *state.LinkQuality
	probes  map[uint64]time.Time
}

// PeerManager owns the set of established links and the send path over them.
// It is the single source of truth for "is this peer reachable now".
type PeerManager struct {
	env     *state.Env
	authKey []byte
	links   map[state.PeerId]*Link
	snap    atomic.Pointer[map[state.PeerId]Transport]

	relayMu   sync.Mutex
	relayWait map[state.PeerId][]chan *RelayTransport
}

func (pm *PeerManager) Init(s *state.State) error {
	pm.env = s.Env
	pm.authKey = protocol.LinkAuthKey(s.MeshCfg.Name, s.MeshCfg.Secret)
	pm.links = make(map[state.PeerId]*Link)
	pm.relayWait = make(map[state.PeerId][]chan *RelayTransport)
	pm.publishSnapshot()

	s.Env.RepeatTask(pm.probeLinks, state.ProbeDelay)
	return nil
}

func (pm *PeerManager) Cleanup(s *state.State) error {
	for _, l := range pm.links {
		_ = l.Active.Close()
	}
	pm.links = nil
	return nil
}

func (pm *PeerManager) publishSnapshot() {
	snap := make(map[state.PeerId]Transport, len(pm.links))
	for id, l := range pm.links {
		snap[id] = l.Active
	}
	pm.snap.Store(&snap)
}

// RegisterLink installs or replaces the active link to peer. The tie-break
// prefers the lower measured cost and, on a tie, the incumbent, so links do
// not flap when both sides dial at once.
func (pm *PeerManager) RegisterLink(s *state.State, peer state.PeerId, tr Transport, initialCost uint32) error {
	if peer == s.LocalCfg.Id {
		tr.Close()
		return fmt.Errorf("refusing link to self")
	}
	cur, ok := pm.links[peer]
	if ok {
		if cur.Active == tr {
			cur.Quality.Renew()
			return nil
		}
		if cur.Quality.IsActive() && cur.Quality.Cost() <= initialCost {
			tr.Close()
			return fmt.Errorf("%w: keeping %s to %s at cost %d", state.ErrDuplicateLinkConflict,
				cur.Active.Kind(), peer, cur.Quality.Cost())
		}
		// make before break: the replacement was validated by the caller,
		// install it first, then retire the old transport
		old := cur.Active
		cur.Active = tr
		cur.Quality = state.NewLinkQuality()
		cur.Quality.UpdateRTT(costToRTT(initialCost))
		cur.probes = make(map[uint64]time.Time)
		pm.publishSnapshot()
		old.Close()
		s.Log.Info("link migrated", "peer", peer, "transport", tr.Kind(), "remote", tr.Remote())
	} else {
		q := state.NewLinkQuality()
		q.UpdateRTT(costToRTT(initialCost))
		pm.links[peer] = &Link{
			Peer:    peer,
			Active:  tr,
			Quality: q,
			probes:  make(map[uint64]time.Time),
		}
		pm.publishSnapshot()
		s.Log.Info("link established", "peer", peer, "transport", tr.Kind(), "remote", tr.Remote())
	}
	// local link change, republish our advertisement
	Get[*Gossip](s).OriginateLocal(s)
	return nil
}

func costToRTT(cost uint32) time.Duration {
	return time.Duration(cost) * 100 * time.Microsecond
}

// RemoveLink tears down the link to peer, if any.
func (pm *PeerManager) RemoveLink(s *state.State, peer state.PeerId, reason string) {
	l, ok := pm.links[peer]
	if !ok {
		return
	}
	delete(pm.links, peer)
	pm.publishSnapshot()
	l.Active.Close()
	s.Log.Info("link lost", "peer", peer, "reason", reason)
	Get[*Gossip](s).OriginateLocal(s)
}

// Send queues an envelope to peer on the main goroutine.
func (pm *PeerManager) Send(s *state.State, peer state.PeerId, env []byte) error {
	l, ok := pm.links[peer]
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrPeerUnreachable, peer)
	}
	return l.Active.Send(env)
}

// SnapshotSend sends via the atomically published link table. Safe from any
// goroutine; used by the data plane and relay transports.
func (pm *PeerManager) SnapshotSend(peer state.PeerId, env []byte) error {
	snap := pm.snap.Load()
	tr, ok := (*snap)[peer]
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrPeerUnreachable, peer)
	}
	return tr.Send(env)
}

// HasLink reports whether a live link to peer exists. Main goroutine only.
func (pm *PeerManager) HasLink(peer state.PeerId) bool {
	l, ok := pm.links[peer]
	return ok && l.Quality.IsActive()
}

func (pm *PeerManager) LinkTo(peer state.PeerId) *Link {
	return pm.links[peer]
}

// AllLinks exposes the link map for main goroutine callers. The map must not
// be mutated or retained.
func (pm *PeerManager) AllLinks() map[state.PeerId]*Link {
	return pm.links
}

// LiveNeighbors derives this node's own link-state entries.
func (pm *PeerManager) LiveNeighbors() []protocol.Neighbor {
	out := make([]protocol.Neighbor, 0, len(pm.links))
	for id, l := range pm.links {
		cost := l.Quality.Cost()
		if cost == state.INF {
			continue
		}
		out = append(out, protocol.Neighbor{Peer: string(id), Cost: cost})
	}
	return out
}

// Broadcast sends env over every live link except those in skip.
func (pm *PeerManager) Broadcast(s *state.State, env []byte, skip ...state.PeerId) {
	for id, l := range pm.links {
		skipped := false
		for _, sk := range skip {
			if sk == id {
				skipped = true
				break
			}
		}
		if skipped {
			continue
		}
		if err := l.Active.Send(env); err != nil {
			s.Log.Debug("broadcast send failed", "peer", id, "err", err)
		}
	}
}

func (pm *PeerManager) probeLinks(s *state.State) error {
	now := time.Now()
	var dead []state.PeerId
	for id, l := range pm.links {
		for token, sent := range l.probes {
			if now.Sub(sent) > state.ProbeDelay {
				l.Quality.MarkMissed()
				delete(l.probes, token)
			}
		}
		if l.Quality.Missed() >= state.ProbeMissThreshold {
			dead = append(dead, id)
			continue
		}
		token := rand.Uint64()
		env, err := protocol.EncodeControl(protocol.KindLinkProbe, &protocol.LinkProbe{
			Token:  token,
			SentAt: now.UnixNano(),
		})
		if err != nil {
			return err
		}
		l.probes[token] = now
		if err := l.Active.Send(env); err != nil {
			s.Log.Debug("probe send failed", "peer", id, "err", err)
		}
	}
	for _, id := range dead {
		pm.RemoveLink(s, id, "missed probes")
	}
	return nil
}

// HandleControl demultiplexes a control envelope from an established link.
// Runs on the main goroutine.
func (pm *PeerManager) HandleControl(s *state.State, from state.PeerId, env []byte) error {
	switch protocol.KindOf(env) {
	case protocol.KindLinkProbe:
		var probe protocol.LinkProbe
		if err := protocol.DecodeControl(env, &probe); err != nil {
			return nil
		}
		ack, err := protocol.EncodeControl(protocol.KindLinkProbeAck, &protocol.LinkProbeAck{
			Token:      probe.Token,
			EchoSentAt: probe.SentAt,
		})
		if err != nil {
			return err
		}
		if l, ok := pm.links[from]; ok {
			if err := l.Active.Send(ack); err != nil {
				s.Log.Debug("probe ack send failed", "peer", from, "err", err)
			}
		}
	case protocol.KindLinkProbeAck:
		var ack protocol.LinkProbeAck
		if err := protocol.DecodeControl(env, &ack); err != nil {
			return nil
		}
		l, ok := pm.links[from]
		if !ok {
			return nil
		}
		if sent, ok := l.probes[ack.Token]; ok {
			delete(l.probes, ack.Token)
			l.Quality.UpdateRTT(time.Since(sent))
		}
	case protocol.KindLSA:
		var lsa protocol.LinkStateAdvertisement
		if err := protocol.DecodeControl(env, &lsa); err != nil {
			s.Log.Debug("bad lsa", "from", from, "err", err)
			return nil
		}
		return Get[*Gossip](s).HandleLSA(s, from, &lsa, env)
	case protocol.KindNatCandidateOffer:
		var offer protocol.NatCandidateOffer
		if err := protocol.DecodeControl(env, &offer); err != nil {
			return nil
		}
		return Get[*Traversal](s).HandleOffer(s, from, &offer, env)
	case protocol.KindNatPunchRequest:
		var req protocol.NatPunchRequest
		if err := protocol.DecodeControl(env, &req); err != nil {
			return nil
		}
		return Get[*Traversal](s).HandlePunchRequest(s, from, &req, env)
	case protocol.KindRelay:
		var relay protocol.Relay
		if err := protocol.DecodeControl(env, &relay); err != nil {
			return nil
		}
		return pm.handleRelay(s, from, &relay)
	case protocol.KindHello:
		// handshake already completed on this link
	default:
		s.Log.Debug("unhandled control envelope", "kind", protocol.KindOf(env), "from", from)
	}
	return nil
}

func (pm *PeerManager) handleRelay(s *state.State, from state.PeerId, relay *protocol.Relay) error {
	to := state.PeerId(relay.To)
	if to != s.LocalCfg.Id {
		if !s.LocalCfg.Relay {
			s.Log.Debug("dropping relay request, relaying disabled", "from", from, "to", to)
			return nil
		}
		if relay.Ttl <= 1 {
			s.Log.Debug("relay ttl exhausted", "from", from, "to", to)
			return nil
		}
		// only a direct link may carry the envelope onward; forwarding over
		// another relayed link would re-wrap it and bounce between relays
		l, ok := pm.links[to]
		if !ok || l.Active.Kind() == TransportRelay {
			s.Log.Debug("cannot forward relay envelope", "to", to, "err", state.ErrPeerUnreachable)
			return nil
		}
		relay.Ttl--
		fwd, err := protocol.EncodeControl(protocol.KindRelay, relay)
		if err != nil {
			return err
		}
		if err := l.Active.Send(fwd); err != nil {
			s.Log.Debug("cannot forward relay envelope", "to", to, "err", err)
		}
		return nil
	}

	origin := state.PeerId(relay.From)
	if !s.MeshCfg.IsNode(origin) || origin == s.LocalCfg.Id {
		return nil
	}
	inner := relay.Payload

	switch protocol.KindOf(inner) {
	case protocol.KindHello:
		var hello protocol.Hello
		if err := protocol.DecodeControl(inner, &hello); err != nil {
			return nil
		}
		if hello.Version != state.ProtocolVersion || !protocol.VerifyHello(pm.authKey, &hello) {
			s.Log.Debug("relayed hello failed auth", "origin", origin)
			return nil
		}
		if state.PeerId(hello.From) != origin {
			return nil
		}
		tr := &RelayTransport{pm: pm, peer: origin, via: from}
		reply, err := protocol.NewHello(pm.authKey, string(s.LocalCfg.Id), state.ProtocolVersion)
		if err != nil {
			return err
		}
		replyEnv, err := protocol.EncodeControl(protocol.KindHello, reply)
		if err != nil {
			return err
		}
		if err := tr.Send(replyEnv); err != nil {
			s.Log.Debug("relay hello reply failed", "origin", origin, "err", err)
		}
		if pm.deliverRelayWaiter(origin, tr) {
			return nil
		}
		if err := pm.RegisterLink(s, origin, tr, state.RelayInitialCost); err != nil {
			s.Log.Debug("relayed link not registered", "origin", origin, "err", err)
		}
		return nil
	case protocol.KindTunnelData:
		Get[*DataPlane](s).HandleFrame(origin, inner)
		return nil
	default:
		return pm.HandleControl(s, origin, inner)
	}
}

func (pm *PeerManager) relayWaiter(peer state.PeerId) (<-chan *RelayTransport, func()) {
	ch := make(chan *RelayTransport, 1)
	pm.relayMu.Lock()
	pm.relayWait[peer] = append(pm.relayWait[peer], ch)
	pm.relayMu.Unlock()
	return ch, func() {
		pm.relayMu.Lock()
		ws := pm.relayWait[peer]
		for i, w := range ws {
			if w == ch {
				pm.relayWait[peer] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		pm.relayMu.Unlock()
	}
}

func (pm *PeerManager) deliverRelayWaiter(peer state.PeerId, tr *RelayTransport) bool {
	pm.relayMu.Lock()
	ws := pm.relayWait[peer]
	delete(pm.relayWait, peer)
	pm.relayMu.Unlock()
	for _, w := range ws {
		select {
		case w <- tr:
		default:
		}
	}
	return len(ws) > 0
}
