// Package cli defines the cobra command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dreamina-mux",
	Short: "Account-pool multiplexing proxy for generative media requests",
	Long: `dreamina-mux multiplexes proxied generation requests across a pool of
upstream accounts, rotating them fairly, enforcing daily per-model limits,
and benching accounts that hit quota or server errors.

Running without a subcommand starts the server.`,
	Run: func(c *cobra.Command, args []string) {
		runServe()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
}
