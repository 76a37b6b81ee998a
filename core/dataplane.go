package core

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/jellydator/ttlcache/v3"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

// Nic is the virtual network interface collaborator. The platform driver
// behind it is provided externally; the core only reads and writes whole IP
// packets.
type Nic interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(pkt []byte) error
}

const maxPacketSize = 65535

// DataPlaneStats counts dropped units of work. Structural failures are
// observable here and in logs, never fatal.
type DataPlaneStats struct {
	Sent       atomic.Uint64
	Delivered  atomic.Uint64
	Forwarded  atomic.Uint64
	NoRoute    atomic.Uint64
	Auth       atomic.Uint64
	Replay     atomic.Uint64
	HopLimit   atomic.Uint64
	Reassembly atomic.Uint64
}

// DataPlane moves virtual network packets across the mesh: seal, frame,
// fragment, forward. It runs on link reader goroutines and the nic pump, and
// only ever reads atomically published snapshots.
type DataPlane struct {
	env    *state.Env
	nic    Nic
	peers  *PeerManager
	routes *RouteEngine
	keys   map[state.PeerId]cipher.AEAD
	replay *ttlcache.Cache[string, struct{}]
	reasm  *ttlcache.Cache[string, *reassembly]
	Stats  DataPlaneStats
}

func NewDataPlane(nic Nic) *DataPlane {
	return &DataPlane{nic: nic}
}

func (dp *DataPlane) Init(s *state.State) error {
	dp.env = s.Env
	dp.peers = Get[*PeerManager](s)
	dp.routes = Get[*RouteEngine](s)

	if err := dp.deriveKeys(s); err != nil {
		return err
	}

	dp.replay = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](state.ReplayWindow),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	dp.reasm = ttlcache.New[string, *reassembly](
		ttlcache.WithTTL[string, *reassembly](state.ReassemblyTimeout),
		ttlcache.WithDisableTouchOnHit[string, *reassembly](),
	)
	dp.reasm.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *reassembly]) {
		if reason == ttlcache.EvictionReasonExpired && !item.Value().done {
			dp.Stats.Reassembly.Add(1)
			dp.env.Log.Debug("dropping incomplete frame", "key", item.Key(), "err", state.ErrReassemblyTimeout)
		}
	})
	go dp.replay.Start()
	go dp.reasm.Start()

	if dp.nic != nil {
		go dp.pump()
	}
	return nil
}

func (dp *DataPlane) Cleanup(s *state.State) error {
	if dp.replay != nil {
		dp.replay.Stop()
	}
	if dp.reasm != nil {
		dp.reasm.Stop()
	}
	return nil
}

// deriveKeys computes the end-to-end pair key for every other node: HKDF over
// the mesh secret mixed with the x25519 pair agreement.
func (dp *DataPlane) deriveKeys(s *state.State) error {
	dp.keys = make(map[state.PeerId]cipher.AEAD)
	self := string(s.LocalCfg.Id)
	for _, node := range s.MeshCfg.Nodes {
		if node.Id == s.LocalCfg.Id {
			continue
		}
		dh, err := s.LocalCfg.Key.Shared(node.PubKey)
		if err != nil {
			return fmt.Errorf("pair agreement with %s: %w", node.Id, err)
		}
		aead, err := protocol.PairKey(s.MeshCfg.Name, s.MeshCfg.Secret, dh, self, string(node.Id))
		if err != nil {
			return err
		}
		dp.keys[node.Id] = aead
	}
	return nil
}

func (dp *DataPlane) pump() {
	for {
		pkt, err := dp.nic.ReadPacket(dp.env.Context)
		if err != nil {
			if dp.env.Context.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			// a permanently closed virtual interface is the one peer-less
			// failure we cannot degrade around
			dp.env.Cancel(fmt.Errorf("virtual interface closed: %w", err))
			return
		}
		dp.HandleOutbound(pkt)
	}
}

// HandleOutbound seals one locally originated IP packet and sends it towards
// the owner of its destination address.
func (dp *DataPlane) HandleOutbound(pkt []byte) {
	dst, ok := dstAddr(pkt)
	if !ok {
		return
	}
	owner, ok := dp.routes.OwnerOf(dst)
	if !ok || owner == dp.env.LocalCfg.Id {
		return
	}
	route, ok := dp.routes.Table().Lookup(owner)
	if !ok {
		dp.Stats.NoRoute.Add(1)
		dp.env.Log.Debug("dropping outbound packet", "dst", owner, "err", state.ErrNoRoute)
		return
	}
	aead, ok := dp.keys[owner]
	if !ok {
		return
	}

	f := &protocol.TunnelFrame{
		Version: state.ProtocolVersion,
		Hop:     state.HopLimit,
		Src:     string(dp.env.LocalCfg.Id),
		Dst:     string(owner),
		FrameId: rand.Uint64(),
	}
	if err := protocol.Seal(aead, f, pkt); err != nil {
		dp.env.Log.Warn("failed to seal packet", "dst", owner, "err", err)
		return
	}
	frags, err := f.Fragment(state.TransportMTU)
	if err != nil {
		dp.env.Log.Debug("cannot fragment packet", "dst", owner, "err", err)
		return
	}
	for _, frag := range frags {
		env, err := frag.MarshalEnvelope()
		if err != nil {
			return
		}
		if err := dp.peers.SnapshotSend(route.NextHop, env); err != nil {
			dp.Stats.NoRoute.Add(1)
			return
		}
	}
	dp.Stats.Sent.Add(1)
}

// HandleFrame processes a tunnel frame arriving from a peer link. Called on
// the link's reader goroutine.
func (dp *DataPlane) HandleFrame(from state.PeerId, env []byte) {
	var f protocol.TunnelFrame
	if err := f.UnmarshalEnvelope(env); err != nil {
		dp.env.Log.Debug("bad tunnel frame", "from", from, "err", err)
		return
	}
	if f.Version != state.ProtocolVersion {
		return
	}
	if state.PeerId(f.Dst) == dp.env.LocalCfg.Id {
		dp.ingress(&f)
		return
	}
	dp.forward(&f, env)
}

// forward relays a frame towards its destination. The payload stays sealed;
// only the hop limit is rewritten, and it lives outside the auth tag
// precisely so transit nodes can decrement it in place.
func (dp *DataPlane) forward(f *protocol.TunnelFrame, env []byte) {
	if f.Hop <= 1 {
		dp.Stats.HopLimit.Add(1)
		return
	}
	route, ok := dp.routes.Table().Lookup(state.PeerId(f.Dst))
	if !ok {
		dp.Stats.NoRoute.Add(1)
		dp.env.Log.Debug("dropping transit frame", "dst", f.Dst, "err", state.ErrNoRoute)
		return
	}
	env[2]-- // hop limit, directly after the kind and version bytes
	if err := dp.peers.SnapshotSend(route.NextHop, env); err != nil {
		dp.Stats.NoRoute.Add(1)
		return
	}
	dp.Stats.Forwarded.Add(1)
}

func (dp *DataPlane) ingress(f *protocol.TunnelFrame) {
	ct, done := dp.reassemble(f)
	if !done {
		return
	}

	replayKey := f.Src + "\x00" + string(f.Nonce[:])
	if dp.replay.Has(replayKey) {
		dp.Stats.Replay.Add(1)
		return
	}
	aead, ok := dp.keys[state.PeerId(f.Src)]
	if !ok {
		return
	}
	pkt, err := protocol.Open(aead, f, ct)
	if err != nil {
		dp.Stats.Auth.Add(1)
		dp.env.Log.Debug("dropping unauthenticated frame", "src", f.Src, "err", err)
		return
	}
	// mark only after the tag verified, so garbage cannot poison the window
	dp.replay.Set(replayKey, struct{}{}, ttlcache.DefaultTTL)

	if dp.nic != nil {
		if err := dp.nic.WritePacket(pkt); err != nil {
			dp.env.Log.Warn("nic write failed", "err", err)
			return
		}
	}
	dp.Stats.Delivered.Add(1)
}

// reassemble collects fragments until the whole ciphertext is present.
// Buffers are bounded per (source, frame id) and expire wholesale.
func (dp *DataPlane) reassemble(f *protocol.TunnelFrame) ([]byte, bool) {
	if f.FragCount == 1 {
		return f.Payload, true
	}
	key := f.Src + "\x00" + fmt.Sprint(f.FrameId)
	item := dp.reasm.Get(key)
	var r *reassembly
	if item == nil {
		r = &reassembly{parts: make([][]byte, f.FragCount)}
		dp.reasm.Set(key, r, ttlcache.DefaultTTL)
	} else {
		r = item.Value()
	}
	ct, done := r.add(int(f.FragIndex), int(f.FragCount), f.Payload)
	if done {
		dp.reasm.Delete(key)
	}
	return ct, done
}

type reassembly struct {
	mu    sync.Mutex
	parts [][]byte
	got   int
	size  int
	done  bool
}

func (r *reassembly) add(idx, count int, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || idx >= len(r.parts) || count != len(r.parts) || r.parts[idx] != nil {
		return nil, false
	}
	if r.size+len(payload) > maxPacketSize {
		return nil, false
	}
	r.parts[idx] = payload
	r.got++
	r.size += len(payload)
	if r.got < len(r.parts) {
		return nil, false
	}
	r.done = true
	whole := make([]byte, 0, r.size)
	for _, p := range r.parts {
		whole = append(whole, p...)
	}
	return whole, true
}

// dstAddr extracts the destination address from a raw IP packet. Anything
// beyond the header version and address fields is opaque to the core.
func dstAddr(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(pkt[16:20])), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(pkt[24:40])), true
	}
	return netip.Addr{}, false
}
