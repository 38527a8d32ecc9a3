package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/oracle/internal/daemon"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/sim"
)

// ─── simulate ───────────────────────────────────────────────────────────────
// Runs epochs back to back against simulated workers on a simulated clock,
// advancing one tempo per epoch so near-term challenges resolve in seconds.

func init() {
	rootCmd.AddCommand(simulateCmd)
	f := simulateCmd.Flags()
	f.Int("epochs", 48, "number of epochs to run")
	f.Int("high", 2, "high-tier simulated workers")
	f.Int("mid", 3, "mid-tier simulated workers")
	f.Int("entry", 2, "entry-tier simulated workers")
	f.Int("offline", 0, "entry-tier workers that never answer")
	f.Float64("latency-scale", 0.01, "scale applied to simulated worker latency")
	f.Uint64("seed", 0, "noise seed for simulated workers")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the engine against simulated workers",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

type simClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cmd.Flags()
	epochs, _ := f.GetInt("epochs")
	scale, _ := f.GetFloat64("latency-scale")
	seed, _ := f.GetUint64("seed")
	if epochs < 1 {
		return errors.New("--epochs must be at least 1")
	}

	clock := &simClock{t: time.Now().UTC()}
	transport := sim.NewTransport(sim.TransportConfig{LatencyScale: scale, Seed: seed})
	resolver := sim.NewResolver()
	resolver.SetClock(clock.Now)

	d, err := daemon.New(cfg, daemon.Options{
		Transport: transport,
		Resolver:  resolver,
		Logger:    cfg.NewLogger(cmd.ErrOrStderr()),
		InMemory:  true,
		Clock:     clock.Now,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	n := 0
	addWorkers := func(flag string, tier sim.Tier, offline bool) {
		count, _ := f.GetInt(flag)
		for i := 0; i < count; i++ {
			n++
			id := fmt.Sprintf("%s-%02d", tier, n)
			if offline {
				id = fmt.Sprintf("offline-%02d", n)
			}
			transport.Add(id, tier)
			transport.SetOffline(id, offline)
			d.Ledger.Register(id, 1)
		}
	}
	addWorkers("high", sim.TierHigh, false)
	addWorkers("mid", sim.TierMid, false)
	addWorkers("entry", sim.TierEntry, false)
	addWorkers("offline", sim.TierEntry, true)
	if n == 0 {
		return errors.New("no simulated workers")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	var aborted int
	for e := uint64(1); e <= uint64(epochs); e++ {
		if _, err := d.Runner.RunEpoch(ctx, e); err != nil {
			if !errors.Is(err, domain.ErrEpochAbort) {
				return err
			}
			aborted++
		}
		clock.Advance(cfg.Tempo())
		if ctx.Err() != nil {
			break
		}
	}

	rep, _ := d.Runner.LastReport()
	fmt.Fprintf(out, "Ran %d epochs (%d aborted), %d challenges pending ground truth.\n\n", epochs, aborted, rep.PendingDepth)

	latest, _ := d.Runner.LatestConsensus()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tEMA\tCONSISTENCY\tWEIGHT")
	for _, rec := range d.Ledger.Leaderboard(0) {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\n", rec.WorkerID, rec.EMA, rec.Consistency(), latest.Weights[rec.WorkerID])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if latest.TopWorker != "" {
		fmt.Fprintf(out, "\nTop worker %s (streak %d), consensus epoch %d.\n", latest.TopWorker, latest.TopStreak, latest.Epoch)
	}
	return nil
}
