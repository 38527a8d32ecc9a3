// Package daemon assembles the scoring engine from its configuration.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/tutu-network/oracle/internal/app/challenge"
	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/app/dispatch"
	"github.com/tutu-network/oracle/internal/app/epoch"
	"github.com/tutu-network/oracle/internal/infra/reputation"
)

// Config is the on-disk configuration (~/.oracle/config.toml).
type Config struct {
	GridFile   string           `toml:"grid_file"`
	Engine     EngineConfig     `toml:"engine"`
	Scoring    ScoringConfig    `toml:"scoring"`
	Reputation ReputationConfig `toml:"reputation"`
	Consensus  ConsensusConfig  `toml:"consensus"`
	Storage    StorageConfig    `toml:"storage"`
	API        APIConfig        `toml:"api"`
	Emission   EmissionConfig   `toml:"emission"`
	Log        LogConfig        `toml:"log"`
}

// EngineConfig controls the epoch loop.
type EngineConfig struct {
	ScorerID           string  `toml:"scorer_id" validate:"required"`
	ScorerStake        float64 `toml:"scorer_stake" validate:"gt=0"`
	Tempo              string  `toml:"tempo" validate:"required,duration"`
	ChallengesPerEpoch int     `toml:"challenges_per_epoch" validate:"min=1,max=1000"`
	HistoricalRatio    float64 `toml:"historical_ratio" validate:"min=0,max=1"`
	ResponseTimeout    string  `toml:"response_timeout" validate:"required,duration"`
	MaxConcurrency     int     `toml:"max_concurrency" validate:"min=1"`
	MaxUnresolvedRatio float64 `toml:"max_unresolved_ratio" validate:"gt=0,max=1"`
}

// ScoringConfig controls the pending-score queue.
type ScoringConfig struct {
	GracePeriod string `toml:"grace_period" validate:"required,duration"`
}

// ReputationConfig controls the ledger.
type ReputationConfig struct {
	HistorySize     int     `toml:"history_size" validate:"min=1"`
	ImmunityBlocks  int     `toml:"immunity_blocks" validate:"min=0"`
	BlockTime       string  `toml:"block_time" validate:"required,duration"`
	ImmunityFloor   float64 `toml:"immunity_floor" validate:"min=0,max=1"`
	RetentionEpochs uint64  `toml:"retention_epochs"`
}

// ConsensusConfig controls aggregation.
type ConsensusConfig struct {
	ClipThreshold  float64 `toml:"clip_threshold" validate:"gt=0,max=1"`
	MonopolyEpochs int     `toml:"monopoly_epochs" validate:"min=1"`
	MonopolyDecay  float64 `toml:"monopoly_decay" validate:"min=0,lt=1"`
	MinScorers     int     `toml:"min_scorers" validate:"min=1"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `toml:"path"` // empty means ~/.oracle/data
}

// APIConfig controls the operator HTTP surface.
type APIConfig struct {
	Host    string `toml:"host" validate:"required"`
	Port    int    `toml:"port" validate:"min=1,max=65535"`
	Metrics bool   `toml:"metrics"`
}

// EmissionConfig controls where consensus results are published.
type EmissionConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers" validate:"dive,hostname_port"`
	KafkaTopic   string   `toml:"kafka_topic" validate:"required_with=KafkaBrokers"`
	LogTop       int      `toml:"log_top" validate:"min=0"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	gen := challenge.DefaultGeneratorConfig()
	agg := consensus.DefaultAggregatorConfig()
	return Config{
		Engine: EngineConfig{
			ScorerID:           "scorer-0",
			ScorerStake:        1,
			Tempo:              epoch.DefaultTempo.String(),
			ChallengesPerEpoch: gen.Count,
			HistoricalRatio:    gen.HistoricalRatio,
			ResponseTimeout:    dispatch.DefaultConfig().Timeout.String(),
			MaxConcurrency:     dispatch.DefaultConfig().MaxConcurrent,
			MaxUnresolvedRatio: epoch.DefaultMaxUnresolvedRatio,
		},
		Scoring: ScoringConfig{
			GracePeriod: "24h",
		},
		Reputation: ReputationConfig{
			HistorySize:     reputation.DefaultHistorySize,
			ImmunityBlocks:  reputation.DefaultImmunityBlocks,
			BlockTime:       reputation.DefaultBlockTime.String(),
			ImmunityFloor:   reputation.DefaultImmunityFloor,
			RetentionEpochs: reputation.DefaultRetentionEpochs,
		},
		Consensus: ConsensusConfig{
			ClipThreshold:  agg.ClipThreshold,
			MonopolyEpochs: agg.MonopolyEpochs,
			MonopolyDecay:  agg.MonopolyDecay,
			MinScorers:     agg.MinScorers,
		},
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    9470,
			Metrics: true,
		},
		Emission: EmissionConfig{
			KafkaTopic: "oracle.consensus",
			LogTop:     5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ─── Loading ────────────────────────────────────────────────────────────────

// Home returns the oracle home directory ($ORACLE_HOME or ~/.oracle).
func Home() string {
	if env := os.Getenv("ORACLE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".oracle")
}

// DefaultConfigPath returns ~/.oracle/config.toml.
func DefaultConfigPath() string { return filepath.Join(Home(), "config.toml") }

// LoadConfig decodes path over DefaultConfig and validates the result.
// A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		default:
			if undec := md.Undecoded(); len(undec) > 0 {
				keys := make([]string, len(undec))
				for i, k := range undec {
					keys[i] = k.String()
				}
				return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig decodes TOML text over DefaultConfig and validates it.
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path unless it exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(DefaultConfig())
}

// ─── Validation ─────────────────────────────────────────────────────────────

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks struct tags and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ResponseTimeout() >= c.Tempo() {
		return fmt.Errorf("invalid config: response_timeout %s must be shorter than tempo %s", c.Engine.ResponseTimeout, c.Engine.Tempo)
	}
	if c.GridFile != "" {
		if _, err := challenge.LoadGrid(c.GridFile); err != nil {
			return fmt.Errorf("invalid config: grid_file: %w", err)
		}
	}
	return nil
}

// ─── Derived Values ─────────────────────────────────────────────────────────
// Durations were validated, so parse errors cannot occur past Validate.

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Tempo returns the epoch cadence.
func (c Config) Tempo() time.Duration { return mustDuration(c.Engine.Tempo) }

// ResponseTimeout returns the per-worker response timeout.
func (c Config) ResponseTimeout() time.Duration { return mustDuration(c.Engine.ResponseTimeout) }

// GracePeriod returns how long a near-term challenge may wait past its deadline.
func (c Config) GracePeriod() time.Duration { return mustDuration(c.Scoring.GracePeriod) }

// DataDir returns the SQLite directory.
func (c Config) DataDir() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(Home(), "data")
}

// Addr returns the API listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port) }

// Grid returns the configured coverage grid, or the default grid.
func (c Config) Grid() (challenge.Grid, error) {
	if c.GridFile == "" {
		return challenge.DefaultGrid(), nil
	}
	return challenge.LoadGrid(c.GridFile)
}

// GeneratorConfig maps the engine section onto the challenge generator.
func (c Config) GeneratorConfig() challenge.GeneratorConfig {
	g := challenge.DefaultGeneratorConfig()
	g.Count = c.Engine.ChallengesPerEpoch
	g.HistoricalRatio = c.Engine.HistoricalRatio
	g.ResponseTimeout = c.ResponseTimeout()
	return g
}

// DispatchConfig maps the engine section onto the dispatcher.
func (c Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{MaxConcurrent: c.Engine.MaxConcurrency, Timeout: c.ResponseTimeout()}
}

// LedgerConfig maps the reputation section onto the ledger.
func (c Config) LedgerConfig() reputation.Config {
	return reputation.Config{
		HistorySize:     c.Reputation.HistorySize,
		ImmunityPeriod:  time.Duration(c.Reputation.ImmunityBlocks) * mustDuration(c.Reputation.BlockTime),
		ImmunityFloor:   c.Reputation.ImmunityFloor,
		RetentionEpochs: c.Reputation.RetentionEpochs,
	}
}

// AggregatorConfig maps the consensus section onto the aggregator.
func (c Config) AggregatorConfig() consensus.AggregatorConfig {
	a := consensus.DefaultAggregatorConfig()
	a.ClipThreshold = c.Consensus.ClipThreshold
	a.MonopolyEpochs = c.Consensus.MonopolyEpochs
	a.MonopolyDecay = c.Consensus.MonopolyDecay
	a.MinScorers = c.Consensus.MinScorers
	return a
}

// RunnerConfig maps the engine section onto the epoch runner.
func (c Config) RunnerConfig() epoch.Config {
	return epoch.Config{
		ScorerID:           c.Engine.ScorerID,
		ScorerStake:        c.Engine.ScorerStake,
		Tempo:              c.Tempo(),
		MaxUnresolvedRatio: c.Engine.MaxUnresolvedRatio,
	}
}

// ─── Logging ────────────────────────────────────────────────────────────────

// NewLogger builds the root slog logger for the log section.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
