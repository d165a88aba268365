package scrape

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/hybridfetch/scrape/internal/profiler"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hybridfetch.yaml")
	writeFile(t, path, `
db_path: /var/lib/hybridfetch/ledger.db
rate:
  max_concurrent: 4
  ceilings:
    www.example.com: 0.5
profiler:
  probe_timeout: 5s
  overrides:
    bank.example:
      risk: high
      strategy: stealth
timeouts:
  ultra_stealth: 2m
`)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/hybridfetch/ledger.db" || cfg.Rate.MaxConcurrent != 4 {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Profiler.ProbeTimeout != 5*time.Second || cfg.Timeouts.UltraStealth != 2*time.Minute {
		t.Errorf("durations: probe=%v ultra=%v", cfg.Profiler.ProbeTimeout, cfg.Timeouts.UltraStealth)
	}
	want := map[string]profiler.Override{"bank.example": {Risk: strategy.RiskHigh, Strategy: strategy.Stealth}}
	if diff := cmp.Diff(want, cfg.Profiler.Overrides); diff != "" {
		t.Errorf("overrides (-want +got):\n%s", diff)
	}

	def := DefaultConfig()
	if cfg.Rate.Floor != def.Rate.Floor || cfg.Timeouts.Lightweight != def.Timeouts.Lightweight || cfg.Learner.PersistEvery != 10 {
		t.Error("unset fields did not take defaults")
	}
}

func TestLoadConfigFile_LocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hybridfetch.yaml")
	writeFile(t, path, "workers: 3\nuser_agent: base-agent\n")
	writeFile(t, filepath.Join(dir, "hybridfetch.local.yaml"), "workers: 12\n")

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 12 || cfg.UserAgent != "base-agent" {
		t.Errorf("workers=%d ua=%q, want 12 and base-agent", cfg.Workers, cfg.UserAgent)
	}
}

func TestLoadConfigFile_ZeroMeansDefault(t *testing.T) {
	// WHAT: Zero retry and jitter settings take the defaults; a negative retry
	// budget and no_jitter survive the defaults merge.
	// WHY: mergo treats zero as unset, so disabling must be spelled differently.
	dir := t.TempDir()
	zero := filepath.Join(dir, "zero.yaml")
	writeFile(t, zero, "retry:\n  max_per_kind: 0\nrate:\n  max_jitter: 0s\n")
	cfg, err := LoadConfigFile(zero)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.MaxPerKind != 2 || cfg.Rate.MaxJitter != 250*time.Millisecond {
		t.Errorf("max_per_kind=%d max_jitter=%v, want defaults", cfg.Retry.MaxPerKind, cfg.Rate.MaxJitter)
	}

	off := filepath.Join(dir, "off.yaml")
	writeFile(t, off, "retry:\n  max_per_kind: -1\nrate:\n  no_jitter: true\n")
	cfg, err = LoadConfigFile(off)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.MaxPerKind != -1 || !cfg.Rate.NoJitter {
		t.Errorf("max_per_kind=%d no_jitter=%v, want -1 and true", cfg.Retry.MaxPerKind, cfg.Rate.NoJitter)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfigFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "rate:\n  floor: -1\n")
	_, err := LoadConfigFile(bad)
	if err == nil || !strings.Contains(err.Error(), "rate.floor") {
		t.Errorf("err = %v, want rate.floor complaint", err)
	}

	badStrategy := filepath.Join(dir, "strategy.yaml")
	writeFile(t, badStrategy, "profiler:\n  overrides:\n    x.example: {risk: high, strategy: teleport}\n")
	if _, err := LoadConfigFile(badStrategy); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Rate.Ceilings = map[string]float64{"slow.example": 0.01}
	cfg.Learner.EscalateBelow = 2
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"slow.example", "escalate_below"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
