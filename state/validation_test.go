package state

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("abcd-a.com"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("1A"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator("abcd-a.com\\hi"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func validMesh() MeshCfg {
	return MeshCfg{
		Name:   "testnet",
		Secret: "s3cret",
		Nodes: []NodeCfg{
			{Id: "alpha", PubKey: GenerateKey().Pubkey(),
				Endpoints: []netip.AddrPort{netip.MustParseAddrPort("192.0.2.1:48613")}},
			{Id: "beta", PubKey: GenerateKey().Pubkey()},
		},
		Bootstrap: []PeerId{"alpha"},
	}
}

func TestMeshConfigValidator_Valid(t *testing.T) {
	cfg := validMesh()
	assert.NoError(t, MeshConfigValidator(&cfg))
}

func TestMeshConfigValidator_DuplicateNode(t *testing.T) {
	cfg := validMesh()
	cfg.Nodes = append(cfg.Nodes, NodeCfg{Id: "alpha"})
	assert.Error(t, MeshConfigValidator(&cfg))
}

func TestMeshConfigValidator_MissingSecret(t *testing.T) {
	cfg := validMesh()
	cfg.Secret = ""
	assert.Error(t, MeshConfigValidator(&cfg))
}

func TestMeshConfigValidator_BadBootstrap(t *testing.T) {
	cfg := validMesh()
	cfg.Bootstrap = []PeerId{"nobody"}
	assert.Error(t, MeshConfigValidator(&cfg))

	cfg = validMesh()
	// beta has no endpoints, cannot serve as rendezvous
	cfg.Bootstrap = []PeerId{"beta"}
	assert.Error(t, MeshConfigValidator(&cfg))
}

func TestLocalConfigValidator(t *testing.T) {
	cfg := LocalCfg{Key: GenerateKey(), Id: "alpha"}
	assert.NoError(t, LocalConfigValidator(&cfg))

	cfg.Key = WeftPrivateKey{}
	assert.Error(t, LocalConfigValidator(&cfg))

	cfg = LocalCfg{Key: GenerateKey(), Id: "Bad Name"}
	assert.Error(t, LocalConfigValidator(&cfg))
}
