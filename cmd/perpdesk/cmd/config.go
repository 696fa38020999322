package cmd

import (
	"fmt"

	"perpdesk/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration files",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a configuration file, apply defaults and validate it",
	Long: `Check that a configuration file (and its includes) loads and passes
validation.

Example:
  perpdesk config validate -c configs/config.yaml`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	path := config.ResolvePath(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  exchange=%s capital=%.2f per_position=%.2f max_positions=%d\n",
		cfg.Exchange.Mode, cfg.Capital.Total, cfg.Risk.MaxCapitalPerPosition, cfg.Risk.MaxConcurrentPositions)
	fmt.Fprintf(out, "  dispatch=%s universe=%s symbols=%v\n", cfg.Dispatch.Mode, cfg.Universe.Source, cfg.Universe.Symbols)
	return nil
}
