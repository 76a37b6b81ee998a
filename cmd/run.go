package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/weftnet/weft/core"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run weft",
	Long: `This will run weft on the current host. Packets are exchanged with an
externally managed virtual interface passed in with --nic-fd; without one the
node still participates in the control plane and forwards for others.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		nicFd, _ := cmd.Flags().GetInt("nic-fd")

		var nic core.Nic
		if nicFd >= 0 {
			nic = NewFdNic(os.NewFile(uintptr(nicFd), "nic"))
		}

		if err := core.Bootstrap(meshConfigPath, nodeConfigPath, logPath, verbose, nic); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err.Error())
			os.Exit(1)
		}
	},
	GroupID: "weft",
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Here you will define your flags and configuration settings.

	// Cobra supports local flags which will only run when this command
	// is called directly, e.g.:
	// runCmd.Flags().BoolP("toggle", "t", false, "Help message for toggle")

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().String("log", "", "Also write logs to this file")
	runCmd.Flags().Int("nic-fd", -1, "File descriptor of the virtual interface")
}
