package scrape

import (
	"context"
	"time"

	"github.com/hazyhaar/hybridfetch/scrape/internal/classify"
	"github.com/hazyhaar/hybridfetch/scrape/internal/learner"
	"github.com/hazyhaar/hybridfetch/scrape/internal/profiler"
	"github.com/hazyhaar/hybridfetch/scrape/internal/ratectl"
	"github.com/hazyhaar/hybridfetch/scrape/internal/robots"
	"github.com/hazyhaar/hybridfetch/scrape/internal/store"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// StrategyID names a fetch strategy. Heavier strategies compare greater.
type StrategyID = strategy.ID

const (
	Lightweight  = strategy.Lightweight
	Stealth      = strategy.Stealth
	UltraStealth = strategy.UltraStealth
)

// ParseStrategy parses a strategy name such as "stealth".
func ParseStrategy(s string) (StrategyID, error) { return strategy.Parse(s) }

// Risk is the protection level of an origin.
type Risk = strategy.Risk

// FailureKind classifies a failed attempt.
type FailureKind = classify.Kind

// StatusError carries the HTTP status an executor received.
type StatusError = strategy.StatusError

type (
	Profile   = profiler.Profile
	Override  = profiler.Override
	Prober    = profiler.Prober
	Outcome   = learner.Outcome
	RateState = ratectl.State
	Verdict   = robots.Verdict
	Evidence  = store.Evidence
	Store     = store.Store
)

// Executor runs one strategy. It returns the page content, or an error on
// any transport failure. HTTP error statuses should be reported as
// *StatusError so they can be classified.
type Executor interface {
	Execute(ctx context.Context, rawURL string, timeout time.Duration) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rawURL string, timeout time.Duration) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	return f(ctx, rawURL, timeout)
}

// Compliance decides whether a URL may be fetched at all.
type Compliance interface {
	Check(ctx context.Context, rawURL string) Verdict
}

// EvidenceCapturer records a fetch that exhausted every strategy and
// returns an identifier for the record.
type EvidenceCapturer interface {
	Capture(ctx context.Context, rawURL string, kind FailureKind, status int, snippet string, meta map[string]any) (string, error)
}

// Attempt is one chain member's outcome.
type Attempt struct {
	Strategy   StrategyID    `json:"strategy"`
	Kind       FailureKind   `json:"kind"`
	StatusCode int           `json:"status_code,omitempty"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// FetchResult is the outcome of Engine.Fetch. A fetch that could not get
// usable content has Success false and empty Content.
type FetchResult struct {
	URL          string        `json:"url"`
	Origin       string        `json:"origin"`
	Content      string        `json:"content"`
	StrategyUsed StrategyID    `json:"strategy_used"`
	Success      bool          `json:"success"`
	Duration     time.Duration `json:"duration"`
	SelectedBy   string        `json:"selected_by,omitempty"`
	Attempts     []Attempt     `json:"attempts,omitempty"`
	Denied       bool          `json:"denied,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}
