package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "perpdesk",
	Short: "Automated perpetual-futures trading engine",
	Long: `perpdesk trades USDT perpetual futures on a small, fixed capital budget.

It ranks a symbol universe, admits trades through a risk gate, executes them
on Binance USDⓈ-M futures or an in-memory paper venue, and monitors each
position until take-profit, stop-loss or timeout.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $PERPDESK_CONFIG or configs/config.yaml)")
}
