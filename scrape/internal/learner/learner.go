// Package learner keeps a per-origin, per-strategy outcome ledger and
// recommends the strategy with the best observed success rate.
//
// The ledger lives in memory behind one mutex and is checkpointed to a
// Persister every PersistEvery attempts of an origin. Losing the last few
// updates on a crash is acceptable.
package learner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/hybridfetch/scrape/internal/store"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// Config controls recommendations and persistence. Zero fields take defaults.
type Config struct {
	PersistEvery  int           // checkpoint an origin every N attempts (10)
	MinAttempts   int64         // attempts before a strategy is trusted (3)
	EscalateBelow float64       // best success rate under this escalates (0.5)
	DecayHorizon  time.Duration // Purge drops entries idle longer than this (30 days)
}

func (c *Config) defaults() {
	if c.PersistEvery <= 0 {
		c.PersistEvery = 10
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = 3
	}
	if c.EscalateBelow <= 0 {
		c.EscalateBelow = 0.5
	}
	if c.DecayHorizon <= 0 {
		c.DecayHorizon = 30 * 24 * time.Hour
	}
}

// Persister is the durable side of the ledger. *store.Store implements it.
type Persister interface {
	LoadLedger(ctx context.Context) ([]store.LedgerRow, error)
	SaveLedger(ctx context.Context, rows []store.LedgerRow) error
	DeleteLedgerBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Outcome is the ledger entry of one (origin, strategy).
type Outcome struct {
	Strategy      strategy.ID `json:"strategy"`
	Attempts      int64       `json:"attempts"`
	Successes     int64       `json:"successes"`
	Failures      int64       `json:"failures"`
	AvgDuration   float64     `json:"avg_duration_seconds"`
	SuccessRate   float64     `json:"success_rate"`
	LastSuccessAt time.Time   `json:"last_success_at,omitzero"`
	LastFailureAt time.Time   `json:"last_failure_at,omitzero"`
}

type entry struct {
	attempts      int64
	successes     int64
	failures      int64
	avgDuration   float64
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

func (e *entry) successRate() float64 {
	if e.attempts == 0 {
		return 0
	}
	return float64(e.successes) / float64(e.attempts)
}

func (e *entry) lastActivity() time.Time {
	if e.lastSuccessAt.After(e.lastFailureAt) {
		return e.lastSuccessAt
	}
	return e.lastFailureAt
}

// Learner is safe for concurrent use.
type Learner struct {
	cfg     Config
	persist Persister
	logger  *slog.Logger
	now     func() time.Time

	persistMu sync.Mutex // orders checkpoints so an older snapshot never overwrites a newer one

	mu     sync.Mutex
	ledger map[string]map[strategy.ID]*entry
	dirty  map[string]bool
}

// Option configures a Learner.
type Option func(*Learner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lr *Learner) { lr.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(lr *Learner) { lr.now = now }
}

// New creates a Learner. p may be nil for a purely in-memory ledger.
func New(cfg Config, p Persister, opts ...Option) *Learner {
	cfg.defaults()
	l := &Learner{
		cfg:     cfg,
		persist: p,
		logger:  slog.Default(),
		now:     time.Now,
		ledger:  make(map[string]map[strategy.ID]*entry),
		dirty:   make(map[string]bool),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load replaces the in-memory ledger with the persisted one. It is called
// once at startup.
func (l *Learner) Load(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}
	rows, err := l.persist.LoadLedger(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ledger = make(map[string]map[strategy.ID]*entry)
	for _, r := range rows {
		l.entryLocked(r.Origin, r.Strategy).restore(r)
	}
	l.logger.Info("learner: ledger loaded", "rows", len(rows), "origins", len(l.ledger))
	return nil
}

func (e *entry) restore(r store.LedgerRow) {
	e.attempts = r.Attempts
	e.successes = r.Successes
	e.failures = r.Failures
	e.avgDuration = r.AvgDuration
	e.lastSuccessAt = r.LastSuccessAt
	e.lastFailureAt = r.LastFailureAt
}

func (l *Learner) entryLocked(origin string, id strategy.ID) *entry {
	m, ok := l.ledger[origin]
	if !ok {
		m = make(map[strategy.ID]*entry)
		l.ledger[origin] = m
	}
	e, ok := m[id]
	if !ok {
		e = &entry{}
		m[id] = e
	}
	return e
}

// Record adds one outcome for (origin, id). Every PersistEvery attempts of
// the origin, all its entries are checkpointed; checkpoint failures are
// logged and swallowed.
func (l *Learner) Record(ctx context.Context, origin string, id strategy.ID, success bool, duration time.Duration) {
	l.mu.Lock()
	e := l.entryLocked(origin, id)
	e.attempts++
	if success {
		e.successes++
		e.lastSuccessAt = l.now()
	} else {
		e.failures++
		e.lastFailureAt = l.now()
	}
	e.avgDuration += (duration.Seconds() - e.avgDuration) / float64(e.attempts)
	l.dirty[origin] = true

	var total int64
	for _, oe := range l.ledger[origin] {
		total += oe.attempts
	}
	l.mu.Unlock()

	l.logger.Debug("learner: recorded", "origin", origin, "strategy", id, "success", success, "duration", duration)

	if l.persist != nil && total%int64(l.cfg.PersistEvery) == 0 {
		if err := l.checkpoint(ctx, []string{origin}); err != nil {
			l.logger.Warn("learner: checkpoint failed", "origin", origin, "error", err)
		}
	}
}

// checkpoint writes the current entries of origins.
func (l *Learner) checkpoint(ctx context.Context, origins []string) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	var rows []store.LedgerRow
	for _, o := range origins {
		for id, e := range l.ledger[o] {
			rows = append(rows, store.LedgerRow{
				Origin:        o,
				Strategy:      id,
				Attempts:      e.attempts,
				Successes:     e.successes,
				Failures:      e.failures,
				AvgDuration:   e.avgDuration,
				LastSuccessAt: e.lastSuccessAt,
				LastFailureAt: e.lastFailureAt,
			})
		}
		delete(l.dirty, o)
	}
	l.mu.Unlock()

	if err := l.persist.SaveLedger(ctx, rows); err != nil {
		l.mu.Lock()
		for _, o := range origins {
			l.dirty[o] = true
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Flush checkpoints every origin changed since its last checkpoint.
func (l *Learner) Flush(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}
	l.mu.Lock()
	origins := make([]string, 0, len(l.dirty))
	for o := range l.dirty {
		origins = append(origins, o)
	}
	l.mu.Unlock()
	if len(origins) == 0 {
		return nil
	}
	sort.Strings(origins)
	return l.checkpoint(ctx, origins)
}

// Recommend returns the strategy with the best success rate among those
// tried at least MinAttempts times for origin. When even the best one
// succeeds less than EscalateBelow of the time, the next heavier strategy is
// returned. Without usable history, def is returned.
func (l *Learner) Recommend(origin string, def strategy.ID) strategy.ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.ledger[origin]
	if len(entries) == 0 {
		return def
	}
	best, bestRate, found := def, 0.0, false
	for _, id := range strategy.All {
		e, ok := entries[id]
		if !ok || e.attempts < l.cfg.MinAttempts {
			continue
		}
		if r := e.successRate(); !found || r > bestRate {
			best, bestRate, found = id, r, true
		}
	}
	if !found {
		return def
	}
	if bestRate < l.cfg.EscalateBelow {
		return best.Next()
	}
	return best
}

// Stats returns the ledger entries of origin ordered by strategy, or nil
// when the origin has no history.
func (l *Learner) Stats(origin string) []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.ledger[origin]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Outcome, 0, len(entries))
	for _, id := range strategy.All {
		e, ok := entries[id]
		if !ok {
			continue
		}
		out = append(out, Outcome{
			Strategy:      id,
			Attempts:      e.attempts,
			Successes:     e.successes,
			Failures:      e.failures,
			AvgDuration:   e.avgDuration,
			SuccessRate:   e.successRate(),
			LastSuccessAt: e.lastSuccessAt,
			LastFailureAt: e.lastFailureAt,
		})
	}
	return out
}

// Origins lists every origin with history, sorted.
func (l *Learner) Origins() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.ledger))
	for o := range l.ledger {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Purge drops entries whose last activity is older than DecayHorizon, in
// memory and in the Persister. It returns the number of in-memory entries
// removed.
func (l *Learner) Purge(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.cfg.DecayHorizon)

	l.mu.Lock()
	removed := 0
	for o, m := range l.ledger {
		for id, e := range m {
			if e.lastActivity().Before(cutoff) {
				delete(m, id)
				removed++
			}
		}
		if len(m) == 0 {
			delete(l.ledger, o)
			delete(l.dirty, o)
		}
	}
	l.mu.Unlock()

	if l.persist != nil {
		n, err := l.persist.DeleteLedgerBefore(ctx, cutoff)
		if err != nil {
			return removed, err
		}
		l.logger.Info("learner: purged", "memory", removed, "persisted", n, "cutoff", cutoff)
	}
	return removed, nil
}
