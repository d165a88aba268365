package scrape

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/hybridfetch/scrape/internal/profiler"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// Config is the engine configuration. Load it with LoadConfigFile or start
// from DefaultConfig.
type Config struct {
	DBPath        string        `yaml:"db_path"`         // empty keeps the ledger in memory only
	DBBusyTimeout time.Duration `yaml:"db_busy_timeout"` // SQLite busy_timeout
	DBSynchronous string        `yaml:"db_synchronous"`  // SQLite synchronous pragma
	UserAgent     string        `yaml:"user_agent"`      // empty lets each strategy pick a browser UA
	Workers       int           `yaml:"workers"`         // strategy executions running at once

	Rate       RateConfig       `yaml:"rate"`
	Profiler   ProfilerConfig   `yaml:"profiler"`
	Learner    LearnerConfig    `yaml:"learner"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Retry      RetryConfig      `yaml:"retry"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Browser    BrowserConfig    `yaml:"browser"`
	Robots     RobotsConfig     `yaml:"robots"`
}

// RateConfig controls per-origin admission.
type RateConfig struct {
	Floor         float64            `yaml:"floor"`
	Initial       float64            `yaml:"initial"`
	Ceiling       float64            `yaml:"ceiling"` // for origins without an entry in Ceilings
	Ceilings      map[string]float64 `yaml:"ceilings"`
	SpeedUpAfter  int                `yaml:"speedup_after"`
	SpeedUpFactor float64            `yaml:"speedup_factor"`
	MaxConcurrent int                `yaml:"max_concurrent"`
	MaxJitter     time.Duration      `yaml:"max_jitter"` // 0 uses the default; set no_jitter to disable
	NoJitter      bool               `yaml:"no_jitter"`
}

// ProfilerConfig controls site probing.
type ProfilerConfig struct {
	ProbeTimeout time.Duration                `yaml:"probe_timeout"`
	MaxRedirects int                          `yaml:"max_redirects"`
	Overrides    map[string]profiler.Override `yaml:"overrides"` // empty uses the built-in table
}

// LearnerConfig controls the outcome ledger.
type LearnerConfig struct {
	PersistEvery  int           `yaml:"persist_every"`
	MinAttempts   int64         `yaml:"min_attempts"`
	EscalateBelow float64       `yaml:"escalate_below"`
	DecayHorizon  time.Duration `yaml:"decay_horizon"`
}

// TimeoutConfig is the hard timeout of each strategy.
type TimeoutConfig struct {
	Lightweight  time.Duration `yaml:"lightweight"`
	Stealth      time.Duration `yaml:"stealth"`
	UltraStealth time.Duration `yaml:"ultra_stealth"`
}

// For returns the timeout of id.
func (t TimeoutConfig) For(id strategy.ID) time.Duration {
	switch id {
	case strategy.Stealth:
		return t.Stealth
	case strategy.UltraStealth:
		return t.UltraStealth
	}
	return t.Lightweight
}

// RetryConfig bounds escalation per failure kind. MaxPerKind 0 uses the
// default of 2; a negative value stops the chain at the first failure.
type RetryConfig struct {
	MaxPerKind int `yaml:"max_per_kind"`
}

// HeuristicsConfig lists URL substrings that pick a strategy when nothing
// else has an opinion.
type HeuristicsConfig struct {
	Hostile []string `yaml:"hostile"` // UltraStealth
	Heavy   []string `yaml:"heavy"`   // Stealth
}

// BrowserConfig controls the Chrome processes behind the browser strategies.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// RobotsConfig controls the robots.txt check.
type RobotsConfig struct {
	Disabled  bool          `yaml:"disabled"`
	UserAgent string        `yaml:"user_agent"`
	TTL       time.Duration `yaml:"ttl"`
	Overrides []string      `yaml:"overrides"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DBBusyTimeout: 10 * time.Second,
		DBSynchronous: "NORMAL",
		Workers:       8,
		Rate: RateConfig{
			Floor:         0.02,
			Initial:       1,
			Ceiling:       2,
			SpeedUpAfter:  5,
			SpeedUpFactor: 1.2,
			MaxConcurrent: 10,
			MaxJitter:     250 * time.Millisecond,
		},
		Profiler: ProfilerConfig{
			ProbeTimeout: 10 * time.Second,
			MaxRedirects: 5,
		},
		Learner: LearnerConfig{
			PersistEvery:  10,
			MinAttempts:   3,
			EscalateBelow: 0.5,
			DecayHorizon:  30 * 24 * time.Hour,
		},
		Timeouts: TimeoutConfig{
			Lightweight:  30 * time.Second,
			Stealth:      60 * time.Second,
			UltraStealth: 90 * time.Second,
		},
		Retry: RetryConfig{MaxPerKind: 2},
		Heuristics: HeuristicsConfig{
			Hostile: []string{"linkedin.com/in/", "instagram.com", "facebook.com", "tiktok.com", "ticketmaster.", "/captcha"},
			Heavy:   []string{"/app/", "/#/", "/dashboard", "twitter.com", "x.com/", "youtube.com", "reddit.com", "/search?"},
		},
		Browser: BrowserConfig{
			MemoryLimit:      1 << 30,
			RecycleInterval:  4 * time.Hour,
			ResourceBlocking: []string{"images", "fonts", "media"},
			XvfbDisplay:      ":99",
		},
		Robots: RobotsConfig{
			UserAgent: "hybridfetch",
			TTL:       30 * time.Minute,
		},
	}
}

// LoadConfigFile reads a YAML configuration. A sibling "<name>.local.<ext>"
// file, if present, overrides it field by field. Fields left unset take
// their DefaultConfig values.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	if err := readYAML(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("scrape: config: %w", err)
	}

	ext := filepath.Ext(path)
	local := strings.TrimSuffix(path, ext) + ".local" + ext
	var override Config
	switch err := readYAML(local, &override); {
	case err == nil:
		if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("scrape: config: merge %s: %w", local, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("scrape: config: %w", err)
	}

	if err := mergoDefaults(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergoDefaults fills the zero fields of cfg from DefaultConfig. Fields
// where zero is meaningful have a separate switch (NoJitter) or use a
// negative value (Retry.MaxPerKind).
func mergoDefaults(cfg *Config) error {
	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return fmt.Errorf("scrape: config: defaults: %w", err)
	}
	return nil
}

func readYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

var synchronousModes = []string{"OFF", "NORMAL", "FULL", "EXTRA"}

// Validate rejects configurations no engine can run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Workers >= 0, "workers must not be negative")
	check(c.Rate.Floor >= 0, "rate.floor must not be negative")
	check(c.Rate.Initial >= 0, "rate.initial must not be negative")
	check(c.Rate.Ceiling >= 0, "rate.ceiling must not be negative")
	check(c.Rate.MaxConcurrent >= 0, "rate.max_concurrent must not be negative")
	check(c.Rate.MaxJitter >= 0, "rate.max_jitter must not be negative")
	check(c.Rate.SpeedUpFactor == 0 || c.Rate.SpeedUpFactor > 1, "rate.speedup_factor must be above 1")
	for o, v := range c.Rate.Ceilings {
		check(v > 0, "rate.ceilings[%s] must be positive", o)
		check(c.Rate.Floor == 0 || v >= c.Rate.Floor, "rate.ceilings[%s] is below rate.floor", o)
	}
	check(c.Rate.Ceiling == 0 || c.Rate.Ceiling >= c.Rate.Floor, "rate.ceiling is below rate.floor")
	check(c.Profiler.ProbeTimeout >= 0, "profiler.probe_timeout must not be negative")
	check(c.Profiler.MaxRedirects >= 0, "profiler.max_redirects must not be negative")
	for o, ov := range c.Profiler.Overrides {
		check(ov.Strategy.Valid(), "profiler.overrides[%s]: invalid strategy", o)
	}
	check(c.Learner.PersistEvery >= 0, "learner.persist_every must not be negative")
	check(c.Learner.MinAttempts >= 0, "learner.min_attempts must not be negative")
	check(c.Learner.EscalateBelow >= 0 && c.Learner.EscalateBelow <= 1, "learner.escalate_below must be within [0, 1]")
	check(c.Learner.DecayHorizon >= 0, "learner.decay_horizon must not be negative")
	check(c.DBBusyTimeout >= 0, "db_busy_timeout must not be negative")
	check(c.DBSynchronous == "" || slices.Contains(synchronousModes, strings.ToUpper(c.DBSynchronous)),
		"db_synchronous must be one of %s", strings.Join(synchronousModes, ", "))
	for _, id := range strategy.All {
		check(c.Timeouts.For(id) >= 0, "timeouts.%s must not be negative", id)
	}
	if len(errs) > 0 {
		return fmt.Errorf("scrape: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
