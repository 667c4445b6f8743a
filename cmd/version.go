package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Release is set at build time with -ldflags "-X github.com/ethpandaops/preconfoor/cmd.Release=...".
var Release = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "preconfoor %s\n", Release)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
