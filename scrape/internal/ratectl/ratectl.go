// Package ratectl implements per-origin admission control with adaptive
// rates.
//
// Each origin has its own current rate, bounded by a global floor and an
// origin ceiling. Callers for the same origin are admitted one at a time and
// spaced 1/currentRate after the previous request started, plus a small
// deterministic jitter. Callers for
// different origins never wait on each other, except through the global
// in-flight ceiling.
package ratectl

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/hybridfetch/scrape/internal/origin"
)

// Fixed multiplicative steps. These are the only ways the rate changes.
const (
	throttleFactor  = 0.5  // 429, 503
	forbiddenFactor = 0.7  // 403
	forbiddenFloor  = 0.05 // 403 never pushes below this unless already there
	streakFactor    = 0.8  // errorStreak >= streakThreshold
	streakThreshold = 3
)

// Config controls the controller. Zero fields take defaults.
type Config struct {
	Floor          float64            // req/s, global lower bound
	Initial        float64            // req/s for a new origin
	DefaultCeiling float64            // req/s upper bound when no per-origin entry
	Ceilings       map[string]float64 // origin -> req/s upper bound
	SpeedUpAfter   int                // consecutive successes before a speed-up
	SpeedUpFactor  float64
	MaxConcurrent  int           // in-flight requests across all origins
	MaxJitter      time.Duration // upper bound of the per-origin jitter
	NoJitter       bool
}

func (c *Config) defaults() {
	if c.Floor <= 0 {
		c.Floor = 0.02
	}
	if c.Initial <= 0 {
		c.Initial = 1
	}
	if c.DefaultCeiling <= 0 {
		c.DefaultCeiling = 2
	}
	if c.SpeedUpAfter <= 0 {
		c.SpeedUpAfter = 5
	}
	if c.SpeedUpFactor <= 1 {
		c.SpeedUpFactor = 1.2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxJitter <= 0 && !c.NoJitter {
		c.MaxJitter = 250 * time.Millisecond
	}
	if c.NoJitter {
		c.MaxJitter = 0
	}
}

// State is a point-in-time copy of an origin's admission state.
type State struct {
	Origin          string    `json:"origin"`
	LastRequestAt   time.Time `json:"last_request_at"`
	SuccessStreak   int       `json:"success_streak"`
	ErrorStreak     int       `json:"error_streak"`
	CurrentRate     float64   `json:"current_rate"`
	Ceiling         float64   `json:"ceiling"`
	TotalRequests   int64     `json:"total_requests"`
	TotalErrors     int64     `json:"total_errors"`
	RetryAfterUntil time.Time `json:"retry_after_until,omitzero"`
}

type originState struct {
	turn chan struct{} // holds the single admission slot of this origin

	mu              sync.Mutex
	limiter         *rate.Limiter
	lastRequestAt   time.Time
	successStreak   int
	errorStreak     int
	rate            float64
	ceiling         float64
	totalRequests   int64
	totalErrors     int64
	retryAfterUntil time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu      sync.RWMutex
	origins map[string]*originState
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock replaces the time source and the sleep function. Tests use it
// to run admission without real waiting.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	cfg.defaults()
	ceilings := make(map[string]float64, len(cfg.Ceilings))
	for o, v := range cfg.Ceilings {
		ceilings[origin.Normalize(o)] = v
	}
	cfg.Ceilings = ceilings

	c := &Controller{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepCtx,
		origins: make(map[string]*originState),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) state(origin string) *originState {
	c.mu.RLock()
	st, ok := c.origins[origin]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.origins[origin]; ok {
		return st
	}
	ceiling := c.cfg.DefaultCeiling
	if v, ok := c.cfg.Ceilings[origin]; ok && v > 0 {
		ceiling = v
	}
	ceiling = max(ceiling, c.cfg.Floor)
	r := min(max(c.cfg.Initial, c.cfg.Floor), ceiling)
	st = &originState{
		turn:    make(chan struct{}, 1),
		limiter: newLimiter(r, time.Time{}),
		rate:    r,
		ceiling: ceiling,
	}
	c.origins[origin] = st
	return st
}

// Acquire blocks until origin may send its next request, then takes a global
// in-flight slot. The returned release must be called once the request is
// done; calling it more than once is harmless.
func (c *Controller) Acquire(ctx context.Context, origin string) (release func(), err error) {
	st := c.state(origin)

	select {
	case st.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("ratectl: acquire %s: %w", origin, ctx.Err())
	}
	defer func() { <-st.turn }()

	st.mu.Lock()
	until := st.retryAfterUntil
	st.mu.Unlock()
	if !until.IsZero() {
		if d := until.Sub(c.now()); d > 0 {
			c.logger.Debug("ratectl: honouring retry-after", "origin", origin, "wait", d)
			if err := c.sleep(ctx, d); err != nil {
				return nil, fmt.Errorf("ratectl: retry-after %s: %w", origin, err)
			}
		}
		st.mu.Lock()
		if !st.retryAfterUntil.After(c.now()) {
			st.retryAfterUntil = time.Time{}
		}
		st.mu.Unlock()
	}

	now := c.now()
	st.mu.Lock()
	lim := st.limiter
	res := lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if !st.lastRequestAt.IsZero() {
		delay = max(delay, st.lastRequestAt.Add(interval(st.rate)).Sub(now))
	}
	st.mu.Unlock()
	if delay > 0 {
		delay += c.jitter(origin)
		if err := c.sleep(ctx, delay); err != nil {
			res.CancelAt(c.now())
			return nil, fmt.Errorf("ratectl: spacing %s: %w", origin, err)
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("ratectl: global slot: %w", err)
	}

	st.mu.Lock()
	st.lastRequestAt = c.now()
	st.totalRequests++
	if st.limiter != lim {
		// The rate changed while waiting; charge this request to the new limiter.
		st.limiter.ReserveN(st.lastRequestAt, 1)
	}
	st.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { c.sem.Release(1) }) }, nil
}

// RecordSuccess notes a successful request. Every SpeedUpAfter consecutive
// successes raise the rate by SpeedUpFactor, up to the origin ceiling.
func (c *Controller) RecordSuccess(origin string) {
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.successStreak++
	st.errorStreak = 0
	if st.successStreak >= c.cfg.SpeedUpAfter {
		c.setRate(origin, st, st.rate*c.cfg.SpeedUpFactor)
		st.successStreak = 0
	}
}

// RecordError notes a failed request. status is 0 when no HTTP status is
// known; retryAfter is 0 when the server sent none.
func (c *Controller) RecordError(origin string, status int, retryAfter time.Duration) {
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.errorStreak++
	st.successStreak = 0
	st.totalErrors++
	if retryAfter > 0 {
		st.retryAfterUntil = c.now().Add(retryAfter)
	}

	switch {
	case status == 429 || status == 503:
		c.setRate(origin, st, st.rate*throttleFactor)
	case status == 403:
		c.setRate(origin, st, max(st.rate*forbiddenFactor, min(st.rate, forbiddenFloor)))
	case st.errorStreak >= streakThreshold:
		c.setRate(origin, st, st.rate*streakFactor)
	}
}

// LimitCeiling lowers the ceiling of origin to ceiling. It never raises an
// existing ceiling. Used for robots.txt crawl-delay.
func (c *Controller) LimitCeiling(origin string, ceiling float64) {
	if ceiling <= 0 {
		return
	}
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	ceiling = max(ceiling, c.cfg.Floor)
	if ceiling >= st.ceiling {
		return
	}
	st.ceiling = ceiling
	if st.rate > ceiling {
		c.setRate(origin, st, ceiling)
	}
}

// Snapshot returns the current state of origin.
func (c *Controller) Snapshot(origin string) State {
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	return State{
		Origin:          origin,
		LastRequestAt:   st.lastRequestAt,
		SuccessStreak:   st.successStreak,
		ErrorStreak:     st.errorStreak,
		CurrentRate:     st.rate,
		Ceiling:         st.ceiling,
		TotalRequests:   st.totalRequests,
		TotalErrors:     st.totalErrors,
		RetryAfterUntil: st.retryAfterUntil,
	}
}

// setRate clamps r to [Floor, ceiling] and applies it. Caller holds st.mu.
func (c *Controller) setRate(origin string, st *originState, r float64) {
	r = min(max(r, c.cfg.Floor), st.ceiling)
	if r == st.rate {
		return
	}
	c.logger.Debug("ratectl: rate changed", "origin", origin, "from", st.rate, "to", r)
	st.rate = r
	st.limiter = newLimiter(r, st.lastRequestAt)
}

// newLimiter returns a burst-1 limiter at r whose only token was spent at
// last, so the next admission is spaced from the previous request rather
// than from the rate change.
func newLimiter(r float64, last time.Time) *rate.Limiter {
	l := rate.NewLimiter(rate.Limit(r), 1)
	if !last.IsZero() {
		l.ReserveN(last, 1)
	}
	return l
}

func interval(r float64) time.Duration {
	return time.Duration(float64(time.Second) / r)
}

// jitter is a fixed fraction of MaxJitter derived from the origin name, so a
// given origin always gets the same offset.
func (c *Controller) jitter(origin string) time.Duration {
	if c.cfg.MaxJitter <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(origin))
	return time.Duration(h.Sum32() % uint32(c.cfg.MaxJitter.Milliseconds()+1)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
