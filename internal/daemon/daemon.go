package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/oracle/internal/api"
	"github.com/tutu-network/oracle/internal/app/challenge"
	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/app/dispatch"
	"github.com/tutu-network/oracle/internal/app/epoch"
	"github.com/tutu-network/oracle/internal/app/scoring"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/emission"
	"github.com/tutu-network/oracle/internal/infra/observability"
	"github.com/tutu-network/oracle/internal/infra/reputation"
	"github.com/tutu-network/oracle/internal/infra/sqlite"
)

// Options supplies the external collaborators the config cannot describe.
type Options struct {
	Transport  domain.Transport           // required
	Resolver   domain.GroundTruthResolver // required
	Truth      api.GroundTruth            // optional; enables POST /api/ground-truth
	OnRegister api.WorkerHook             // optional
	Logger     *slog.Logger
	InMemory   bool // skip SQLite; nothing survives a restart

	// Clock replaces wall time for epoch bookkeeping. The dispatcher keeps
	// the wall clock so response latency stays real.
	Clock func() time.Time
}

// Daemon owns every engine component for one process.
type Daemon struct {
	cfg Config
	log *slog.Logger

	DB      *sqlite.DB // nil when InMemory
	Ledger  *reputation.Ledger
	Board   *consensus.Board
	Pending *scoring.PendingQueue
	Audit   *observability.Recorder
	Tracer  *observability.Tracer
	Runner  *epoch.Runner

	publisher *emission.Publisher
	server    *api.Server
}

// New builds the engine described by cfg.
func New(cfg Config, opts Options) (*Daemon, error) {
	if opts.Transport == nil || opts.Resolver == nil {
		return nil, errors.New("daemon: transport and resolver are required")
	}
	log := opts.Logger
	if log == nil {
		log = cfg.NewLogger(os.Stderr)
	}
	grid, err := cfg.Grid()
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: log}

	var store epoch.Store
	var pendingStore scoring.PendingStore
	var auditStore observability.AuditStore
	if !opts.InMemory {
		db, err := sqlite.Open(cfg.DataDir())
		if err != nil {
			return nil, err
		}
		d.DB = db
		store, pendingStore, auditStore = db, db, db
	}

	d.Ledger = reputation.NewLedger(cfg.LedgerConfig())
	d.Board = consensus.NewBoard()
	d.Pending = scoring.NewPendingQueue(cfg.GracePeriod(), pendingStore)
	d.Audit = observability.NewRecorder(observability.DefaultRecorderConfig(), auditStore, log)
	d.Tracer = observability.NewTracer(observability.DefaultTracerConfig())

	dists := emission.Fanout{emission.NewLogDistributor(log, cfg.Emission.LogTop)}
	if len(cfg.Emission.KafkaBrokers) > 0 {
		pub, err := emission.NewPublisher(cfg.Emission.KafkaBrokers, cfg.Emission.KafkaTopic, log)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.publisher = pub
		dists = append(dists, pub)
	}

	gen := challenge.NewGenerator(cfg.GeneratorConfig())
	agg := consensus.NewAggregator(cfg.AggregatorConfig())
	if opts.Clock != nil {
		gen.SetClock(opts.Clock)
		agg.SetClock(opts.Clock)
		d.Ledger.SetClock(opts.Clock)
		d.Board.SetClock(opts.Clock)
		d.Audit.SetClock(opts.Clock)
		d.Tracer.SetClock(opts.Clock)
	}

	d.Runner, err = epoch.NewRunner(cfg.RunnerConfig(), epoch.Deps{
		Generator:   gen,
		Grid:        grid,
		Dispatcher:  dispatch.New(cfg.DispatchConfig(), opts.Transport),
		Engine:      scoring.NewEngine(scoring.Config{Timeout: cfg.ResponseTimeout()}),
		Ledger:      d.Ledger,
		Pending:     d.Pending,
		Resolver:    opts.Resolver,
		Board:       d.Board,
		Aggregator:  agg,
		Distributor: dists,
		Audit:       d.Audit,
		Store:       store,
		Tracer:      d.Tracer,
		Logger:      log,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	if opts.Clock != nil {
		d.Runner.SetClock(opts.Clock)
	}

	d.server = api.NewServer(d.Runner, d.Ledger, d.Pending, d.Audit)
	d.server.SetBoard(d.Board)
	if d.DB != nil {
		d.server.SetHistory(d.DB)
	}
	if opts.Truth != nil {
		d.server.SetGroundTruth(opts.Truth)
	}
	if opts.OnRegister != nil {
		d.server.SetWorkerHook(opts.OnRegister)
	}
	if cfg.API.Metrics {
		d.server.EnableMetrics()
	}
	return d, nil
}

// Handler returns the operator API handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Restore reloads durable state. It must run before workers are registered.
func (d *Daemon) Restore(ctx context.Context) (uint64, error) {
	return d.Runner.Restore(ctx)
}

// Serve runs the API server and the epoch loop until ctx ends.
func (d *Daemon) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info("api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return d.Runner.Run(gctx)
	})
	return g.Wait()
}

// Close releases the publisher and database.
func (d *Daemon) Close() error {
	var errs []error
	if d.publisher != nil {
		errs = append(errs, d.publisher.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}
