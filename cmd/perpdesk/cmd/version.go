package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X perpdesk/cmd/perpdesk/cmd.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "perpdesk version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
