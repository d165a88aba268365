// Package scrape decides how to fetch a URL and escalates when that fails.
//
// An Engine profiles the target origin, picks the lightest strategy likely
// to work (Lightweight HTTP, Stealth headless Chrome, or UltraStealth
// headful Chrome with human input), and walks up that chain until one
// attempt yields usable content. Each origin is throttled on its own and
// the outcome of every fetch feeds a per-origin ledger that steers later
// choices.
//
// All state is owned by the Engine; several engines can live in one
// process.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/hybridfetch/dbopen"
	"github.com/hazyhaar/hybridfetch/horosafe"
	"github.com/hazyhaar/hybridfetch/idgen"
	"github.com/hazyhaar/hybridfetch/scrape/internal/browser"
	"github.com/hazyhaar/hybridfetch/scrape/internal/httpfetch"
	"github.com/hazyhaar/hybridfetch/scrape/internal/learner"
	"github.com/hazyhaar/hybridfetch/scrape/internal/origin"
	"github.com/hazyhaar/hybridfetch/scrape/internal/pool"
	"github.com/hazyhaar/hybridfetch/scrape/internal/profiler"
	"github.com/hazyhaar/hybridfetch/scrape/internal/ratectl"
	"github.com/hazyhaar/hybridfetch/scrape/internal/robots"
	"github.com/hazyhaar/hybridfetch/scrape/internal/store"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

var (
	// ErrInvalidURL is returned for URLs without a usable host.
	ErrInvalidURL = errors.New("scrape: invalid url")
	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("scrape: engine closed")
)

// Engine orchestrates fetches. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	profiler   *profiler.Profiler
	learner    *learner.Learner
	rate       *ratectl.Controller
	pool       *pool.Pool
	executors  map[strategy.ID]Executor
	compliance Compliance
	evidence   EvidenceCapturer
	metrics    *metrics

	store    *store.Store
	ownStore bool
	managers []*browser.Manager

	bg        sync.WaitGroup // evidence captures
	inflight  sync.WaitGroup // Fetch calls
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger        *slog.Logger
	executors     map[strategy.ID]Executor
	compliance    Compliance
	complianceSet bool
	evidence      EvidenceCapturer
	evidenceSet   bool
	store         *store.Store
	prober        profiler.Prober
	validator     horosafe.Validator
	rateNow       func() time.Time
	rateSleep     func(context.Context, time.Duration) error
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExecutor replaces the executor of one strategy.
func WithExecutor(id StrategyID, ex Executor) Option {
	return func(o *options) { o.executors[id] = ex }
}

// WithCompliance replaces the robots.txt check. nil disables compliance
// checks.
func WithCompliance(c Compliance) Option {
	return func(o *options) { o.compliance, o.complianceSet = c, true }
}

// WithEvidence replaces where exhausted fetches are recorded. nil disables
// evidence capture.
func WithEvidence(ev EvidenceCapturer) Option {
	return func(o *options) { o.evidence, o.evidenceSet = ev, true }
}

// WithStore uses an open store for the ledger and evidence instead of
// Config.DBPath. The caller keeps ownership.
func WithStore(s *Store) Option {
	return func(o *options) { o.store = s }
}

// WithProber replaces the profiler's HTTP probe.
func WithProber(p Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithValidator replaces the SSRF guard of the built-in HTTP components.
func WithValidator(v func(ctx context.Context, rawURL string) error) Option {
	return func(o *options) { o.validator = v }
}

// WithRateClock sets the time source and sleep function of the rate
// controller.
func WithRateClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.rateNow, o.rateSleep = now, sleep }
}

// New builds an Engine. The ledger is loaded from the store before New
// returns; a load failure is logged and the engine starts empty.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := mergoDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		logger:    slog.Default(),
		executors: make(map[strategy.ID]Executor),
		validator: horosafe.ValidateURL,
	}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    o.logger,
		executors: o.executors,
		metrics:   newMetrics(),
		store:     o.store,
	}

	if e.store == nil && cfg.DBPath != "" {
		s, err := store.Open(cfg.DBPath,
			dbopen.WithBusyTimeout(int(cfg.DBBusyTimeout.Milliseconds())),
			dbopen.WithSynchronous(strings.ToUpper(cfg.DBSynchronous)))
		if err != nil {
			return nil, fmt.Errorf("scrape: %w", err)
		}
		e.store, e.ownStore = s, true
	}

	var persister learner.Persister
	if e.store != nil {
		persister = e.store
	}
	e.learner = learner.New(learner.Config{
		PersistEvery:  cfg.Learner.PersistEvery,
		MinAttempts:   cfg.Learner.MinAttempts,
		EscalateBelow: cfg.Learner.EscalateBelow,
		DecayHorizon:  cfg.Learner.DecayHorizon,
	}, persister, learner.WithLogger(o.logger))
	if err := e.learner.Load(context.Background()); err != nil {
		e.logger.Warn("scrape: ledger load failed, starting empty", "error", err)
	}

	profOpts := []profiler.Option{profiler.WithLogger(o.logger)}
	prober := o.prober
	if prober == nil {
		prober = profiler.NewHTTPProber(cfg.Profiler.ProbeTimeout, cfg.Profiler.MaxRedirects, cfg.UserAgent, o.validator)
	}
	profOpts = append(profOpts, profiler.WithProber(prober))
	e.profiler = profiler.New(profiler.Config{
		ProbeTimeout: cfg.Profiler.ProbeTimeout,
		MaxRedirects: cfg.Profiler.MaxRedirects,
		UserAgent:    cfg.UserAgent,
		Overrides:    cfg.Profiler.Overrides,
	}, profOpts...)

	rateOpts := []ratectl.Option{ratectl.WithLogger(o.logger)}
	if o.rateNow != nil && o.rateSleep != nil {
		rateOpts = append(rateOpts, ratectl.WithClock(o.rateNow, o.rateSleep))
	}
	e.rate = ratectl.New(ratectl.Config{
		Floor:          cfg.Rate.Floor,
		Initial:        cfg.Rate.Initial,
		DefaultCeiling: cfg.Rate.Ceiling,
		Ceilings:       cfg.Rate.Ceilings,
		SpeedUpAfter:   cfg.Rate.SpeedUpAfter,
		SpeedUpFactor:  cfg.Rate.SpeedUpFactor,
		MaxConcurrent:  cfg.Rate.MaxConcurrent,
		MaxJitter:      cfg.Rate.MaxJitter,
		NoJitter:       cfg.Rate.NoJitter,
	}, rateOpts...)

	e.defaultExecutors(o.validator)

	switch {
	case o.complianceSet:
		e.compliance = o.compliance
	case !cfg.Robots.Disabled:
		e.compliance = robots.New(robots.Config{
			UserAgent: cfg.Robots.UserAgent,
			TTL:       cfg.Robots.TTL,
			Overrides: cfg.Robots.Overrides,
		}, robots.WithLogger(o.logger), robots.WithValidator(o.validator))
	}

	switch {
	case o.evidenceSet:
		e.evidence = o.evidence
	case e.store != nil:
		e.evidence = &storeEvidence{store: e.store, gen: idgen.Prefixed("ev_", idgen.Default)}
	}

	p, err := pool.New(cfg.Workers, cfg.Workers*4)
	if err != nil {
		e.closeResources()
		return nil, fmt.Errorf("scrape: %w", err)
	}
	e.pool = p

	e.logger.Info("scrape: engine ready",
		"workers", cfg.Workers, "db", cfg.DBPath != "" || o.store != nil,
		"compliance", e.compliance != nil, "evidence", e.evidence != nil)
	return e, nil
}

// defaultExecutors fills every strategy the caller did not provide. The
// browser strategies share nothing: Stealth runs headless, UltraStealth
// headful.
func (e *Engine) defaultExecutors(validate horosafe.Validator) {
	if _, ok := e.executors[strategy.Lightweight]; !ok {
		hopts := []httpfetch.Option{httpfetch.WithLogger(e.logger), httpfetch.WithValidator(validate)}
		if e.cfg.UserAgent != "" {
			hopts = append(hopts, httpfetch.WithUserAgent(e.cfg.UserAgent))
		}
		e.executors[strategy.Lightweight] = httpfetch.New(hopts...)
	}

	bopts := []browser.Option{browser.WithLogger(e.logger), browser.WithValidator(validate)}
	if e.cfg.UserAgent != "" {
		bopts = append(bopts, browser.WithUserAgent(e.cfg.UserAgent))
	}
	manager := func(headful bool) *browser.Manager {
		m := browser.NewManager(browser.Config{
			RemoteURL:        e.cfg.Browser.Remote,
			MemoryLimit:      e.cfg.Browser.MemoryLimit,
			RecycleInterval:  e.cfg.Browser.RecycleInterval,
			ResourceBlocking: e.cfg.Browser.ResourceBlocking,
			Headful:          headful,
			XvfbDisplay:      e.cfg.Browser.XvfbDisplay,
			Logger:           e.logger,
		})
		e.managers = append(e.managers, m)
		return m
	}
	if _, ok := e.executors[strategy.Stealth]; !ok {
		e.executors[strategy.Stealth] = browser.NewStealth(manager(false), bopts...)
	}
	if _, ok := e.executors[strategy.UltraStealth]; !ok {
		e.executors[strategy.UltraStealth] = browser.NewUltraStealth(manager(true), bopts...)
	}
}

// Profile returns the protection profile of rawURL's origin.
func (e *Engine) Profile(ctx context.Context, rawURL string) (Profile, error) {
	return e.profiler.Profile(ctx, rawURL)
}

// ClearProfiles forgets every cached profile.
func (e *Engine) ClearProfiles() { e.profiler.ClearCache() }

// Stats returns the ledger of the origin of target, which may be a URL or
// a bare host.
func (e *Engine) Stats(target string) ([]Outcome, error) {
	key, err := origin.Of(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return e.learner.Stats(key), nil
}

// Origins lists the origins present in the ledger.
func (e *Engine) Origins() []string { return e.learner.Origins() }

// RateState returns the admission state of the origin of target.
func (e *Engine) RateState(target string) (RateState, error) {
	key, err := origin.Of(target)
	if err != nil {
		return RateState{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return e.rate.Snapshot(key), nil
}

// Evidence lists recorded exhausted fetches, newest first. It needs a store.
func (e *Engine) Evidence(ctx context.Context, target string, limit int) ([]*Evidence, error) {
	if e.store == nil {
		return nil, fmt.Errorf("scrape: evidence: no store configured")
	}
	key := ""
	if target != "" {
		var err error
		if key, err = origin.Of(target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
	}
	return e.store.ListEvidence(ctx, key, limit)
}

// Maintain drops ledger entries idle longer than the decay horizon and
// checkpoints the rest.
func (e *Engine) Maintain(ctx context.Context) (purged int, err error) {
	purged, err = e.learner.Purge(ctx)
	if err != nil {
		return purged, fmt.Errorf("scrape: maintain: %w", err)
	}
	if err := e.learner.Flush(ctx); err != nil {
		return purged, fmt.Errorf("scrape: maintain: %w", err)
	}
	e.logger.Info("scrape: maintenance done", "purged", purged)
	return purged, nil
}

// enter registers a Fetch call. It reports false once Close has started.
func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.inflight.Add(1)
	return true
}

// Close refuses new fetches, stops the workers, waits for running fetches
// and their evidence captures, flushes the ledger and releases browsers and
// the store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.pool.Close()
		e.inflight.Wait()
		e.bg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		if err := e.learner.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, e.closeResources())
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func (e *Engine) closeResources() error {
	var errs []error
	for _, m := range e.managers {
		errs = append(errs, m.Close())
	}
	if e.ownStore {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}
