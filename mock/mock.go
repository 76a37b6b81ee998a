package mock

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/weftnet/weft/state"
)

// MockMesh builds an in-memory mesh config plus matching local configs for
// the given node names. Every node gets a /32 in 10.123.0.0/24 and a
// loopback endpoint on basePort+i; the first node is the bootstrap.
func MockMesh(basePort uint16, names ...string) (state.MeshCfg, []state.LocalCfg) {
	mesh := state.MeshCfg{
		Name:   "mocknet",
		Secret: "mock-secret-not-for-production",
	}
	locals := make([]state.LocalCfg, 0, len(names))
	for i, name := range names {
		key := state.GenerateKey()
		port := basePort + uint16(i)
		addr := netip.MustParseAddr(fmt.Sprintf("10.123.0.%d", i+1))
		mesh.Nodes = append(mesh.Nodes, state.NodeCfg{
			Id:        state.PeerId(name),
			PubKey:    key.Pubkey(),
			Addresses: []netip.Addr{addr},
			Endpoints: []netip.AddrPort{netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)},
		})
		locals = append(locals, state.LocalCfg{
			Key:  key,
			Id:   state.PeerId(name),
			Port: port,
		})
	}
	if len(names) > 0 {
		mesh.Bootstrap = []state.PeerId{state.PeerId(names[0])}
	}
	state.ExpandMeshConfig(&mesh)
	return mesh, locals
}

// Addr returns the virtual address MockMesh assigned to the i-th node.
func Addr(i int) netip.Addr {
	return netip.MustParseAddr(fmt.Sprintf("10.123.0.%d", i+1))
}

// BuildPacket assembles a minimal IPv4 packet, just enough header for the
// data plane to find the addresses.
func BuildPacket(src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64 // ttl
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	copy(pkt[20:], payload)
	return pkt
}
