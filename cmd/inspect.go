package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/weftnet/weft/core"
	"github.com/weftnet/weft/state"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Inspects the mesh and node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		file, err := os.ReadFile(meshConfigPath)
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		var meshCfg state.MeshCfg
		if err := yaml.Unmarshal(file, &meshCfg); err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		state.ExpandMeshConfig(&meshCfg)
		if err := state.MeshConfigValidator(&meshCfg); err != nil {
			fmt.Println("Mesh config is not valid:", err.Error())
		}

		fmt.Printf("mesh %q, %d nodes\n", meshCfg.Name, len(meshCfg.Nodes))
		for _, node := range meshCfg.Nodes {
			pub, _ := node.PubKey.MarshalText()
			flags := make([]string, 0, 2)
			if meshCfg.IsBootstrap(node.Id) {
				flags = append(flags, "bootstrap")
			}
			if node.Relay {
				flags = append(flags, "relay")
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = " [" + strings.Join(flags, ",") + "]"
			}
			fmt.Printf("  %s%s\n    pubkey    %s\n", node.Id, suffix, pub)
			if len(node.Prefixes) > 0 {
				fmt.Printf("    prefixes  %v\n", node.Prefixes)
			}
			if len(node.Endpoints) > 0 {
				fmt.Printf("    endpoints %v\n", node.Endpoints)
			}
		}

		file, err = os.ReadFile(nodeConfigPath)
		if err != nil {
			return
		}
		var nodeCfg state.LocalCfg
		if err := yaml.Unmarshal(file, &nodeCfg); err != nil {
			return
		}
		node := meshCfg.TryGetNode(nodeCfg.Id)
		if node == nil {
			fmt.Printf("\nlocal node %s is not part of this mesh\n", nodeCfg.Id)
			return
		}
		if node.PubKey != nodeCfg.Key.Pubkey() {
			fmt.Printf("\nlocal key does not match the mesh entry for %s\n", nodeCfg.Id)
			return
		}
		fmt.Printf("\nlocal node %s, key matches mesh entry\n", nodeCfg.Id)

		dump, err := core.QueryStatus(nodeCfg.Id)
		if err != nil {
			fmt.Println("node is not running here (no status socket)")
			return
		}
		fmt.Printf("\nnode is up for %s\n", dump.Uptime)
		for _, l := range dump.Links {
			fmt.Printf("  link  %-12s %-5s cost %-6d %s\n", l.Peer, l.Transport, l.Cost, l.Remote)
		}
		for _, r := range dump.Routes {
			fmt.Printf("  route %-12s via %-12s cost %d\n", r.Dst, r.NextHop, r.Cost)
		}
		for _, o := range dump.Origins {
			fmt.Printf("  lsa   %-12s seq %-16d %d neighbours\n", o.Origin, o.Seq, o.Neighbors)
		}
		fmt.Printf("  stats %v\n", dump.Stats)
	},
	GroupID: "weft",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
