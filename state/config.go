package state

import (
	"net/netip"
	"slices"
)

// NodeCfg is the publicly shared description of one node in the mesh.
type NodeCfg struct {
	Id        PeerId
	PubKey    WeftPublicKey
	Addresses []netip.Addr     `yaml:",omitempty"` // virtual addresses owned by the node
	Prefixes  []netip.Prefix   `yaml:",omitempty"` // virtual prefixes owned by the node
	Endpoints []netip.AddrPort `yaml:",omitempty"` // publicly reachable endpoints, if any
	Relay     bool             `yaml:",omitempty"` // eligible to relay frames for other peers
}

// MeshCfg is the shared network-wide configuration. Every node in a mesh holds
// an identical copy.
type MeshCfg struct {
	// Name identifies the mesh; it is mixed into all derived keys so that
	// meshes with different names can never exchange traffic.
	Name      string
	Secret    string
	Nodes     []NodeCfg
	Bootstrap []PeerId `yaml:",omitempty"` // rendezvous nodes, must have public endpoints
	Timestamp int64    `yaml:",omitempty"`
}

// LocalCfg holds node-local configuration, never shared.
type LocalCfg struct {
	Key           WeftPrivateKey
	Id            PeerId
	Port          uint16 `yaml:",omitempty"`
	Relay         bool   `yaml:",omitempty"`
	InterfaceName string `yaml:"interface_name,omitempty"`
	LogPath       string `yaml:"log_path,omitempty"`
}

func (c *MeshCfg) TryGetNode(id PeerId) *NodeCfg {
	idx := slices.IndexFunc(c.Nodes, func(cfg NodeCfg) bool {
		return cfg.Id == id
	})
	if idx == -1 {
		return nil
	}
	return &c.Nodes[idx]
}

func (c *MeshCfg) GetNode(id PeerId) NodeCfg {
	val := c.TryGetNode(id)
	if val == nil {
		panic("node " + string(id) + " not found")
	}
	return *val
}

func (c *MeshCfg) IsNode(id PeerId) bool {
	return c.TryGetNode(id) != nil
}

func (c *MeshCfg) IsBootstrap(id PeerId) bool {
	return slices.Contains(c.Bootstrap, id)
}

func (c *MeshCfg) FindNodeBy(pkey WeftPublicKey) *PeerId {
	for _, n := range c.Nodes {
		if n.PubKey == pkey {
			return &n.Id
		}
	}
	return nil
}

// Peers returns every node id except self.
func (c *MeshCfg) Peers(self PeerId) []PeerId {
	peers := make([]PeerId, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Id != self {
			peers = append(peers, n.Id)
		}
	}
	return peers
}

// ExpandMeshConfig turns bare node addresses into host prefixes so that the
// data plane only ever deals with prefixes.
func ExpandMeshConfig(cfg *MeshCfg) {
	for idx, node := range cfg.Nodes {
		for _, addr := range node.Addresses {
			p := netip.PrefixFrom(addr, addr.BitLen())
			if !slices.Contains(node.Prefixes, p) {
				node.Prefixes = append([]netip.Prefix{p}, node.Prefixes...)
			}
		}
		cfg.Nodes[idx] = node
	}
}
