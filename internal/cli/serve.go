package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/oracle/internal/api"
	"github.com/tutu-network/oracle/internal/daemon"
	"github.com/tutu-network/oracle/internal/infra/groundtruth"
	"github.com/tutu-network/oracle/internal/infra/sim"
)

// ─── serve ──────────────────────────────────────────────────────────────────
// Workers are reached through the simulated transport; each worker
// registered over the API is attached with its tier. Ground truth comes from
// operator-published observations, backed by the simulated observer.

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	serveCmd.Flags().Float64("latency-scale", 1, "scale applied to simulated worker latency")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the epoch loop and the operator API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.NewLogger(os.Stderr)
	scale, _ := cmd.Flags().GetFloat64("latency-scale")

	transport := sim.NewTransport(sim.TransportConfig{LatencyScale: scale})
	table := groundtruth.NewTable()
	d, err := daemon.New(cfg, daemon.Options{
		Transport: transport,
		Resolver:  groundtruth.NewQuorum(1, table, sim.NewResolver()),
		Truth:     table,
		OnRegister: func(workerID string, req api.RegisterRequest) error {
			tier := sim.TierMid
			if req.Tier != "" {
				t, err := sim.ParseTier(req.Tier)
				if err != nil {
					return err
				}
				tier = t
			}
			transport.Add(workerID, tier)
			return nil
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	next, err := d.Restore(ctx)
	if err != nil {
		return err
	}
	// Restored workers keep their ledger state; reattach them to the transport.
	for _, id := range d.Ledger.Workers() {
		transport.Add(id, sim.TierMid)
	}
	log.Info("oracle starting",
		slog.String("version", Version),
		slog.String("scorer", cfg.Engine.ScorerID),
		slog.Uint64("next_epoch", next),
		slog.Duration("tempo", cfg.Tempo()),
	)
	return d.Serve(ctx)
}

// ─── init ───────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = daemon.DefaultConfigPath()
		}
		if err := daemon.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}
