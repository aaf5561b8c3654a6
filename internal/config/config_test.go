package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REINFORCE_CONFIG", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "RECORDS_DIR",
		"SAMPLE_SOURCE", "SAMPLE_CACHE_TTL", "OPT_TOLERANCE", "OPT_MAX_ITERATIONS",
		"OPT_RISK_AVERSION", "OPT_REGULARIZATION", "OPT_VARIANCE_FORMULA", "OPT_POWER_SYNTHESIS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != SourcePostgres {
		t.Errorf("source = %q, want postgres", cfg.Source)
	}
	if cfg.Optimizer.Tolerance != 1e-6 || cfg.Optimizer.MaxIterations != 50 {
		t.Errorf("optimizer = %+v", cfg.Optimizer)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("cache ttl = %s", cfg.CacheTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "reinforce.yaml")
	yaml := `
source: sqlite
sqlite_path: /tmp/samples.db
cache_ttl: 30s
optimizer:
  tolerance: 0.0001
  max_iterations: 80
  risk_aversion: 2.5
  variance_formula: population
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REINFORCE_CONFIG", path)
	t.Setenv("OPT_RISK_AVERSION", "0.5")
	t.Setenv("OPT_POWER_SYNTHESIS", "paired_by_game")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != SourceSQLite || cfg.SQLitePath != "/tmp/samples.db" {
		t.Errorf("source = %q path = %q", cfg.Source, cfg.SQLitePath)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("cache ttl = %s, want 30s", cfg.CacheTTL)
	}
	o := cfg.Optimizer
	if o.Tolerance != 1e-4 || o.MaxIterations != 80 {
		t.Errorf("tolerance = %g iterations = %d", o.Tolerance, o.MaxIterations)
	}
	if o.RiskAversion != 0.5 {
		t.Errorf("risk aversion = %g, want env override 0.5", o.RiskAversion)
	}
	if o.VarianceFormula != "population" || o.PowerSynthesis != "paired_by_game" {
		t.Errorf("formula = %q synthesis = %q", o.VarianceFormula, o.PowerSynthesis)
	}
	// Regularization keeps its default when neither source sets it.
	if o.Regularization != 1e-6 {
		t.Errorf("regularization = %g, want 1e-6", o.Regularization)
	}
	if len(o.ModelOptions()) != 2 {
		t.Errorf("model options = %d, want 2", len(o.ModelOptions()))
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad float", map[string]string{"OPT_TOLERANCE": "tiny"}, "OPT_TOLERANCE"},
		{"bad int", map[string]string{"OPT_MAX_ITERATIONS": "many"}, "OPT_MAX_ITERATIONS"},
		{"bad duration", map[string]string{"SAMPLE_CACHE_TTL": "forever"}, "SAMPLE_CACHE_TTL"},
		{"zero tolerance", map[string]string{"OPT_TOLERANCE": "0"}, "tolerance"},
		{"zero iterations", map[string]string{"OPT_MAX_ITERATIONS": "0"}, "max iterations"},
		{"negative risk", map[string]string{"OPT_RISK_AVERSION": "-1"}, "risk aversion"},
		{"unknown formula", map[string]string{"OPT_VARIANCE_FORMULA": "biased"}, "variance formula"},
		{"unknown source", map[string]string{"SAMPLE_SOURCE": "csv"}, "sample source"},
		{"missing file", map[string]string{"REINFORCE_CONFIG": "/nonexistent/reinforce.yaml"}, "read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
