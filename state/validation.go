package state

import (
	"fmt"
	"regexp"
)

var namePattern = regexp.MustCompile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(%q) = %d > 100 is too long", s, len(s))
	}
	return nil
}

func LocalConfigValidator(cfg *LocalCfg) error {
	if err := NameValidator(string(cfg.Id)); err != nil {
		return err
	}
	zero := WeftPrivateKey{}
	if cfg.Key == zero {
		return fmt.Errorf("node private key is not set")
	}
	return nil
}

func MeshConfigValidator(cfg *MeshCfg) error {
	if err := NameValidator(cfg.Name); err != nil {
		return fmt.Errorf("mesh name: %w", err)
	}
	if cfg.Secret == "" {
		return fmt.Errorf("mesh secret is not set")
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("mesh has no nodes")
	}
	seen := make(map[PeerId]struct{})
	for _, node := range cfg.Nodes {
		if err := NameValidator(string(node.Id)); err != nil {
			return err
		}
		if _, dup := seen[node.Id]; dup {
			return fmt.Errorf("duplicate node id %s", node.Id)
		}
		seen[node.Id] = struct{}{}
		for _, p := range node.Prefixes {
			if !p.IsValid() {
				return fmt.Errorf("node %s has invalid prefix %s", node.Id, p)
			}
		}
	}
	for _, b := range cfg.Bootstrap {
		n := cfg.TryGetNode(b)
		if n == nil {
			return fmt.Errorf("bootstrap node %s is not in the mesh", b)
		}
		if len(n.Endpoints) == 0 {
			return fmt.Errorf("bootstrap node %s has no public endpoints", b)
		}
	}
	return nil
}
