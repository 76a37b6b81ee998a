package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/weftnet/weft/state"
)

var newCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		port, _ := strconv.Atoi(cmd.Flag("port").Value.String())

		name := args[0]
		err := state.NameValidator(name)
		if err != nil {
			fmt.Printf("Invalid name: %s\n", name)
			os.Exit(-1)
		}

		nodeCfg := state.LocalCfg{
			Key:  state.GenerateKey(),
			Id:   state.PeerId(name),
			Port: uint16(port),
		}

		ncfg, err := yaml.Marshal(&nodeCfg)
		if err != nil {
			panic(err)
		}

		outPath := cmd.Flag("output").Value.String()
		err = os.WriteFile(outPath, ncfg, 0700)
		if err != nil {
			panic(err)
		}

		pub, _ := nodeCfg.Key.Pubkey().MarshalText()
		fmt.Printf("Created %s. Share this with the mesh config:\n", outPath)
		fmt.Printf("  id: %s\n  pubkey: %s\n", name, pub)
	},
	GroupID: "init",
}

var meshCmd = &cobra.Command{
	Use:   "mesh [name]",
	Short: "Create a new mesh configuration",
	Long: `Creates a mesh config skeleton with a fresh shared secret. Add each
node's id, public key and any reachable endpoints under nodes, and distribute
the same file to every member.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		name := args[0]
		if err := state.NameValidator(name); err != nil {
			fmt.Printf("Invalid name: %s\n", name)
			os.Exit(-1)
		}

		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}

		meshCfg := state.MeshCfg{
			Name:      name,
			Secret:    hex.EncodeToString(secret),
			Timestamp: time.Now().Unix(),
		}

		mcfg, err := yaml.Marshal(&meshCfg)
		if err != nil {
			panic(err)
		}

		outPath := cmd.Flag("output").Value.String()
		err = os.WriteFile(outPath, mcfg, 0700)
		if err != nil {
			panic(err)
		}
		fmt.Printf("Created %s\n", outPath)
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("output", "o", "node.yaml", "node config output file path")
	newCmd.Flags().Uint16P("port", "p", state.DefaultPort, "UDP/TCP port to use")

	rootCmd.AddCommand(meshCmd)
	meshCmd.Flags().StringP("output", "o", "mesh.yaml", "mesh config output file path")
}
