package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tempo() != 72*time.Minute {
		t.Errorf("Tempo = %v, want 72m", cfg.Tempo())
	}
	if cfg.ResponseTimeout() != 8*time.Second {
		t.Errorf("ResponseTimeout = %v, want 8s", cfg.ResponseTimeout())
	}
	if cfg.GracePeriod() != 24*time.Hour {
		t.Errorf("GracePeriod = %v, want 24h", cfg.GracePeriod())
	}
	if cfg.Engine.ChallengesPerEpoch != 10 || cfg.Engine.HistoricalRatio != 0.7 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Addr() != "127.0.0.1:9470" {
		t.Errorf("Addr = %q", cfg.Addr())
	}

	led := cfg.LedgerConfig()
	if led.HistorySize != 100 {
		t.Errorf("HistorySize = %d, want 100", led.HistorySize)
	}
	if led.ImmunityPeriod != 5000*12*time.Second {
		t.Errorf("ImmunityPeriod = %v, want 5000 blocks", led.ImmunityPeriod)
	}

	agg := cfg.AggregatorConfig()
	if agg.ClipThreshold != 0.1 || agg.MonopolyEpochs != 30 || agg.MonopolyDecay != 0.02 {
		t.Errorf("aggregator = %+v", agg)
	}
	if agg.MinerShare != 0.41 {
		t.Errorf("MinerShare = %v, want 0.41", agg.MinerShare)
	}
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig(`
[engine]
scorer_id = "alpha"
tempo = "10m"
challenges_per_epoch = 4

[consensus]
clip_threshold = 0.05

[log]
format = "json"
`)
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if cfg.Engine.ScorerID != "alpha" || cfg.Tempo() != 10*time.Minute || cfg.Engine.ChallengesPerEpoch != 4 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.HistoricalRatio != 0.7 {
		t.Errorf("unset ratio = %v, want default 0.7", cfg.Engine.HistoricalRatio)
	}
	if cfg.Consensus.ClipThreshold != 0.05 || cfg.Consensus.MonopolyEpochs != 30 {
		t.Errorf("consensus = %+v", cfg.Consensus)
	}
	if g := cfg.GeneratorConfig(); g.Count != 4 || g.MaxHorizon != 72*time.Hour {
		t.Errorf("generator = %+v", g)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"bad duration", "[engine]\ntempo = \"soon\"", "Tempo"},
		{"ratio out of range", "[engine]\nhistorical_ratio = 1.5", "HistoricalRatio"},
		{"empty scorer", "[engine]\nscorer_id = \"\"", "ScorerID"},
		{"log level", "[log]\nlevel = \"loud\"", "Level"},
		{"broker address", "[emission]\nkafka_brokers = [\"no-port\"]", "KafkaBrokers"},
		{"timeout vs tempo", "[engine]\ntempo = \"5s\"", "shorter than tempo"},
		{"missing grid", "grid_file = \"/nonexistent/grid.yaml\"", "grid_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.toml)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	// Missing file yields defaults.
	cfg, err := LoadConfig(filepath.Join(dir, "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig(absent) error: %v", err)
	}
	if cfg.Engine.ScorerID != "scorer-0" {
		t.Errorf("ScorerID = %q", cfg.Engine.ScorerID)
	}

	path := filepath.Join(dir, "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault should refuse to overwrite")
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig(written) error: %v", err)
	}
	if cfg.Tempo() != 72*time.Minute {
		t.Errorf("round-trip Tempo = %v", cfg.Tempo())
	}

	// Unknown keys are rejected so typos do not silently fall back.
	if err := os.WriteFile(path, []byte("[engine]\nscorer_idd = \"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "engine.scorer_idd") {
		t.Errorf("unknown key err = %v", err)
	}
}

func TestGridFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	grid := "locations:\n  - name: Lagos\n    lat: 6.5244\n    lon: 3.3792\n"
	if err := os.WriteFile(path, []byte(grid), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.GridFile = path
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	g, err := cfg.Grid()
	if err != nil || len(g) != 1 || g[0].Name != "Lagos" {
		t.Errorf("Grid() = %v, %v", g, err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	log := cfg.NewLogger(&buf)

	log.Info("hidden")
	log.Warn("shown", "epoch", 3)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"epoch":3`) {
		t.Errorf("json output = %q", out)
	}
}
