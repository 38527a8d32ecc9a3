// Package cli implements the oracle command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/oracle/internal/daemon"
)

// Version is set at build time with -ldflags "-X .../cli.Version=...".
var Version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Scoring and consensus engine for a climate prediction subnet",
	Long: `oracle issues verifiable climate prediction challenges to a pool of
workers, scores their responses against ground truth, keeps an EMA
reputation per worker, and aggregates scorer weight vectors through a
commit-reveal, stake-weighted, outlier-clipped consensus.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $ORACLE_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to the default path.
func loadConfig() (daemon.Config, error) {
	path := configPath
	if path == "" {
		path = daemon.DefaultConfigPath()
	}
	return daemon.LoadConfig(path)
}
