package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

// Traversal establishes links to configured peers: direct dials first, then
// hole punching through a rendezvous, then a relayed path as last resort.
// Attempt bookkeeping lives on the main goroutine; the dial work itself runs
// on per-peer goroutines.
type Traversal struct {
	env  *state.Env
	bind *UdpBind
	pm   *PeerManager
	sink EnvelopeSink

	// main goroutine only
	inFlight map[state.PeerId]bool
	cooldown map[state.PeerId]time.Time

	mu       sync.Mutex
	sessions map[uint64]chan []netip.AddrPort
}

func NewTraversal(bind *UdpBind, sink EnvelopeSink) *Traversal {
	return &Traversal{
		bind:     bind,
		sink:     sink,
		inFlight: make(map[state.PeerId]bool),
		cooldown: make(map[state.PeerId]time.Time),
		sessions: make(map[uint64]chan []netip.AddrPort),
	}
}

func (t *Traversal) Init(s *state.State) error {
	t.env = s.Env
	t.pm = Get[*PeerManager](s)
	s.Env.RepeatTask(t.maintain, state.ConnectDelay)
	s.Env.RepeatTask(t.reevaluate, state.PathReevalTime)
	return nil
}

func (t *Traversal) Cleanup(s *state.State) error {
	return nil
}

// maintain launches connection attempts for every configured peer we have no
// link with. Both sides may try at once; the peer manager's duplicate-link
// tie-break settles who wins.
func (t *Traversal) maintain(s *state.State) error {
	for _, peer := range s.MeshCfg.Peers(s.LocalCfg.Id) {
		if t.pm.HasLink(peer) || t.inFlight[peer] {
			continue
		}
		if until, ok := t.cooldown[peer]; ok && time.Now().Before(until) {
			continue
		}
		t.launch(s, peer, false)
	}
	return nil
}

// reevaluate retries direct traversal for peers currently reached over a
// fallback path. A direct link that comes up registers at a lower cost and
// displaces the old transport make-before-break.
func (t *Traversal) reevaluate(s *state.State) error {
	for peer, l := range t.pm.AllLinks() {
		if l.Active.Kind() == TransportUDP || t.inFlight[peer] {
			continue
		}
		t.launch(s, peer, true)
	}
	return nil
}

func (t *Traversal) launch(s *state.State, peer state.PeerId, upgradeOnly bool) {
	t.inFlight[peer] = true
	go func() {
		err := t.attempt(s.Context, peer, upgradeOnly)
		t.env.Dispatch(func(s *state.State) error {
			delete(t.inFlight, peer)
			if err != nil {
				t.cooldown[peer] = time.Now().Add(state.TraversalRetryCooldown)
				s.Log.Warn("traversal failed", "peer", peer, "err", err)
			}
			return nil
		})
	}()
}

// attempt walks the traversal ladder for one peer. upgradeOnly skips the
// relay fallback, since it is only called when a fallback path already
// exists.
func (t *Traversal) attempt(ctx context.Context, peer state.PeerId, upgradeOnly bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = state.TraversalBaseInterval
	bo.MaxInterval = state.TraversalMaxInterval
	bo.MaxElapsedTime = 0

	var lastErr error
	for try := 0; try < state.TraversalMaxAttempts; try++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.tryDirect(ctx, peer); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if err := t.tryPunch(ctx, peer); err == nil {
			return nil
		} else {
			t.env.Log.Debug("hole punch failed", "peer", peer, "try", try, "err", err)
			lastErr = err
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if upgradeOnly {
		return nil
	}
	if err := t.tryRelay(ctx, peer); err == nil {
		return nil
	} else {
		lastErr = err
	}
	return fmt.Errorf("%w: %s: %w", state.ErrTraversalExhausted, peer, lastErr)
}

// tryDirect dials the peer's configured endpoints, UDP first with a TCP
// second chance per endpoint.
func (t *Traversal) tryDirect(ctx context.Context, peer state.PeerId) error {
	node := t.env.MeshCfg.TryGetNode(peer)
	if node == nil || len(node.Endpoints) == 0 {
		return fmt.Errorf("%s has no configured endpoints", peer)
	}
	var lastErr error
	for _, ep := range node.Endpoints {
		dctx, cancel := context.WithTimeout(ctx, time.Second*3)
		tr, err := t.bind.Dial(dctx, peer, ep)
		cancel()
		if err == nil {
			return t.register(peer, tr, state.MinLinkCost)
		}
		lastErr = err

		dctx, cancel = context.WithTimeout(ctx, time.Second*3)
		ttr, err := DialTcp(dctx, t.env, t.pm.authKey, t.sink, peer, ep)
		cancel()
		if err == nil {
			return t.register(peer, ttr, state.MinLinkCost*2)
		}
		lastErr = err
	}
	return lastErr
}

// tryPunch runs the initiator half of UDP hole punching. Candidates are
// exchanged over the control plane via whatever node can already reach both
// sides, typically a bootstrap.
func (t *Traversal) tryPunch(ctx context.Context, peer state.PeerId) error {
	candidates, err := t.gatherCandidates(ctx)
	if err != nil {
		return err
	}
	session := rand.Uint64()

	answer := make(chan []netip.AddrPort, 1)
	t.mu.Lock()
	t.sessions[session] = answer
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.sessions, session)
		t.mu.Unlock()
	}()

	env, err := protocol.EncodeControl(protocol.KindNatCandidateOffer, &protocol.NatCandidateOffer{
		From:       string(t.env.LocalCfg.Id),
		To:         string(peer),
		Session:    session,
		Candidates: formatCandidates(candidates),
	})
	if err != nil {
		return err
	}
	if err := t.signal(ctx, peer, env); err != nil {
		return fmt.Errorf("no signaling path to %s: %w", peer, err)
	}

	var theirs []netip.AddrPort
	select {
	case theirs = <-answer:
	case <-time.After(time.Second * 5):
		return fmt.Errorf("no punch answer from %s", peer)
	case <-ctx.Done():
		return ctx.Err()
	}

	ackAddr, err := t.probe(ctx, session, theirs)
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()
	tr, err := t.bind.Dial(dctx, peer, ackAddr)
	if err != nil {
		return err
	}
	return t.register(peer, tr, state.MinLinkCost)
}

// probe fires punch probes at every candidate and returns the first address
// that acknowledges.
func (t *Traversal) probe(ctx context.Context, session uint64, candidates []netip.AddrPort) (netip.AddrPort, error) {
	wait, cancel := t.bind.PunchWaiter(session)
	defer cancel()

	for round := 0; round < state.PunchProbeCount; round++ {
		for _, c := range candidates {
			_ = t.bind.SendPunchProbe(c, session, rand.Uint64())
		}
		select {
		case ap := <-wait:
			return ap, nil
		case <-time.After(state.PunchProbeSpacing):
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()
		}
	}
	return netip.AddrPort{}, fmt.Errorf("no candidate acknowledged punch probes")
}

// tryRelay establishes a relayed link through a relay-capable node adjacent
// to the target.
func (t *Traversal) tryRelay(ctx context.Context, peer state.PeerId) error {
	via, err := t.pickRelay(peer)
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	tr, err := DialRelay(dctx, t.pm, t.pm.authKey, peer, via)
	if err != nil {
		return err
	}
	t.env.Log.Info("falling back to relayed path", "peer", peer, "via", via)
	return t.register(peer, tr, state.RelayInitialCost)
}

// pickRelay chooses a relay node that the advertised topology shows adjacent
// to the target and that we can already send to.
func (t *Traversal) pickRelay(peer state.PeerId) (state.PeerId, error) {
	via, err := t.env.DispatchWait(func(s *state.State) (any, error) {
		topo := Get[*Gossip](s).Topology()
		for _, node := range s.MeshCfg.Nodes {
			if !node.Relay || node.Id == s.LocalCfg.Id || node.Id == peer {
				continue
			}
			lsa, ok := topo[node.Id]
			if !ok {
				continue
			}
			adjacent := false
			for _, n := range lsa.Neighbors {
				if state.PeerId(n.Peer) == peer {
					adjacent = true
					break
				}
			}
			if !adjacent || !t.reachable(s, node.Id) {
				continue
			}
			return node.Id, nil
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	if via == nil {
		return "", fmt.Errorf("%w: no relay adjacent to %s", state.ErrPeerUnreachable, peer)
	}
	return via.(state.PeerId), nil
}

func (t *Traversal) reachable(s *state.State, peer state.PeerId) bool {
	if t.pm.HasLink(peer) {
		return true
	}
	_, ok := Get[*RouteEngine](s).Table().Lookup(peer)
	return ok
}

// signal delivers a control envelope towards a peer we have no link with,
// using a directly linked node or the route table.
func (t *Traversal) signal(ctx context.Context, peer state.PeerId, env []byte) error {
	res, err := t.env.DispatchWait(func(s *state.State) (any, error) {
		if t.pm.HasLink(peer) {
			return t.pm.Send(s, peer, env), nil
		}
		if route, ok := Get[*RouteEngine](s).Table().Lookup(peer); ok {
			return t.pm.Send(s, route.NextHop, env), nil
		}
		for _, b := range s.MeshCfg.Bootstrap {
			if b != peer && t.pm.HasLink(b) {
				return t.pm.Send(s, b, env), nil
			}
		}
		return state.ErrPeerUnreachable, nil
	})
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return res.(error)
}

// HandleOffer processes a candidate offer: forwards it when addressed to
// someone else, answers and punches back when addressed to us. Runs on the
// main goroutine.
func (t *Traversal) HandleOffer(s *state.State, from state.PeerId, offer *protocol.NatCandidateOffer, env []byte) error {
	if state.PeerId(offer.To) != s.LocalCfg.Id {
		return t.forwardSignal(s, from, state.PeerId(offer.To), env)
	}
	if !s.MeshCfg.IsNode(state.PeerId(offer.From)) {
		return nil
	}
	theirs := parseCandidates(offer.Candidates)
	if len(theirs) == 0 {
		return nil
	}
	go t.answerOffer(s.Context, state.PeerId(offer.From), offer.Session, theirs)
	return nil
}

// answerOffer is the responder half: send our candidates back, then fire
// probes to open our side of the NAT. The initiator completes the handshake.
func (t *Traversal) answerOffer(ctx context.Context, peer state.PeerId, session uint64, theirs []netip.AddrPort) {
	candidates, err := t.gatherCandidates(ctx)
	if err != nil {
		t.env.Log.Debug("candidate gathering failed", "peer", peer, "err", err)
		return
	}
	env, err := protocol.EncodeControl(protocol.KindNatPunchRequest, &protocol.NatPunchRequest{
		From:       string(t.env.LocalCfg.Id),
		To:         string(peer),
		Session:    session,
		Candidates: formatCandidates(candidates),
	})
	if err != nil {
		return
	}
	if err := t.signal(ctx, peer, env); err != nil {
		t.env.Log.Debug("cannot answer punch offer", "peer", peer, "err", err)
		return
	}
	for round := 0; round < state.PunchProbeCount; round++ {
		for _, c := range theirs {
			_ = t.bind.SendPunchProbe(c, session, rand.Uint64())
		}
		select {
		case <-time.After(state.PunchProbeSpacing):
		case <-ctx.Done():
			return
		}
	}
}

// HandlePunchRequest routes a punch answer onward or hands it to the waiting
// initiator. Runs on the main goroutine.
func (t *Traversal) HandlePunchRequest(s *state.State, from state.PeerId, req *protocol.NatPunchRequest, env []byte) error {
	if state.PeerId(req.To) != s.LocalCfg.Id {
		return t.forwardSignal(s, from, state.PeerId(req.To), env)
	}
	theirs := parseCandidates(req.Candidates)
	if len(theirs) == 0 {
		return nil
	}
	t.mu.Lock()
	ch := t.sessions[req.Session]
	t.mu.Unlock()
	if ch != nil {
		select {
		case ch <- theirs:
		default:
		}
	}
	return nil
}

func (t *Traversal) forwardSignal(s *state.State, from, to state.PeerId, env []byte) error {
	if !s.MeshCfg.IsNode(to) {
		return nil
	}
	if t.pm.HasLink(to) {
		if err := t.pm.Send(s, to, env); err != nil {
			s.Log.Debug("signal forward failed", "to", to, "err", err)
		}
		return nil
	}
	if route, ok := Get[*RouteEngine](s).Table().Lookup(to); ok && route.NextHop != from {
		if err := t.pm.Send(s, route.NextHop, env); err != nil {
			s.Log.Debug("signal forward failed", "to", to, "via", route.NextHop, "err", err)
		}
		return nil
	}
	s.Log.Debug("dropping unforwardable signaling message", "from", from, "to", to)
	return nil
}

// gatherCandidates collects local interface addresses plus the reflexive
// address observed by a bootstrap rendezvous.
func (t *Traversal) gatherCandidates(ctx context.Context) ([]netip.AddrPort, error) {
	port := t.bind.LocalPort()
	var out []netip.AddrPort

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			pfx, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(pfx.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, netip.AddrPortFrom(addr, port))
		}
	}

	if server, ok := t.rendezvous(); ok {
		sctx, cancel := context.WithTimeout(ctx, time.Second*2)
		reflexive, err := t.bind.QueryReflexive(sctx, server)
		cancel()
		if err == nil {
			out = append(out, reflexive)
		} else {
			t.env.Log.Debug("reflexive discovery failed", "server", server, "err", err)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no traversal candidates available")
	}
	return dedupCandidates(out), nil
}

// rendezvous picks a bootstrap endpoint to query for our reflexive address.
func (t *Traversal) rendezvous() (netip.AddrPort, bool) {
	for _, b := range t.env.MeshCfg.Bootstrap {
		if b == t.env.LocalCfg.Id {
			continue
		}
		node := t.env.MeshCfg.TryGetNode(b)
		if node == nil || len(node.Endpoints) == 0 {
			continue
		}
		return node.Endpoints[0], true
	}
	return netip.AddrPort{}, false
}

func formatCandidates(addrs []netip.AddrPort) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func parseCandidates(raw []string) []netip.AddrPort {
	var out []netip.AddrPort
	for _, s := range raw {
		if len(out) >= 16 {
			break
		}
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			continue
		}
		out = append(out, canonical(ap))
	}
	return out
}

func dedupCandidates(addrs []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func (t *Traversal) register(peer state.PeerId, tr Transport, cost uint32) error {
	res, err := t.env.DispatchWait(func(s *state.State) (any, error) {
		return Get[*PeerManager](s).RegisterLink(s, peer, tr, cost), nil
	})
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	// a lost tie-break still means a link to the peer exists
	if regErr := res.(error); !errors.Is(regErr, state.ErrDuplicateLinkConflict) {
		return regErr
	}
	return nil
}
