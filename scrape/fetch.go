package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/hybridfetch/scrape/internal/classify"
	"github.com/hazyhaar/hybridfetch/scrape/internal/origin"
	"github.com/hazyhaar/hybridfetch/scrape/internal/pool"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// minAcceptLen is the shortest trimmed content any strategy may return.
const minAcceptLen = 100

type fetchOptions struct {
	force  strategy.ID
	forced bool
}

// FetchOption adjusts a single Fetch.
type FetchOption func(*fetchOptions)

// ForceStrategy starts the chain at id, skipping selection.
func ForceStrategy(id StrategyID) FetchOption {
	return func(o *fetchOptions) { o.force, o.forced = id, true }
}

// selection is the starting strategy and why it was picked.
type selection struct {
	id       strategy.ID
	by       string
	risk     strategy.Risk
	profiled bool
}

// attemptResult is the outcome of one chain member. A failure is a value
// carrying its kind, not an error.
type attemptResult struct {
	strategy   strategy.ID
	ok         bool
	kind       classify.Kind
	content    string
	snippet    string
	status     int
	retryAfter time.Duration
	err        error
	duration   time.Duration
}

func (a attemptResult) public() Attempt {
	at := Attempt{
		Strategy:   a.strategy,
		Kind:       a.kind,
		StatusCode: a.status,
		Success:    a.ok,
		Duration:   a.duration,
	}
	if a.err != nil {
		at.Error = a.err.Error()
	}
	return at
}

// Fetch returns the content of rawURL using the lightest strategy that
// works. A URL without a scheme is fetched over https. Failing to get content is not an error: the result then has
// Success false. Errors are reserved for invalid URLs, a closed engine and
// the end of ctx.
func (e *Engine) Fetch(ctx context.Context, rawURL string, opts ...FetchOption) (FetchResult, error) {
	if !e.enter() {
		return FetchResult{}, ErrClosed
	}
	defer e.inflight.Done()

	var fo fetchOptions
	for _, o := range opts {
		o(&fo)
	}
	if fo.forced && !fo.force.Valid() {
		return FetchResult{}, fmt.Errorf("scrape: forced strategy %d is not valid", fo.force)
	}

	start := time.Now()
	abs, err := origin.Absolute(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	rawURL = abs
	key, _ := origin.Of(rawURL)
	res := FetchResult{URL: rawURL, Origin: key}
	log := e.logger.With("origin", key, "url", rawURL)

	if e.compliance != nil {
		v := e.compliance.Check(ctx, rawURL)
		res.Warnings = v.Warnings
		if !v.Allowed {
			res.Denied, res.Reason = true, v.Reason
			res.Duration = time.Since(start)
			log.Info("scrape: denied by compliance", "reason", v.Reason)
			e.metrics.fetch(ctx, "denied", res.Duration)
			return res, nil
		}
		if v.CrawlDelaySeconds > 0 {
			e.rate.LimitCeiling(key, 1/v.CrawlDelaySeconds)
		}
	}

	sel := e.selectStrategy(ctx, rawURL, key, fo)
	res.SelectedBy = sel.by
	chain := strategy.Chain(sel.id)
	log.Debug("scrape: strategy selected", "strategy", sel.id, "by", sel.by, "chain", len(chain))

	budget := classify.NewBudget(e.cfg.Retry.MaxPerKind)
	var last attemptResult
	for i, id := range chain {
		a, err := e.attempt(ctx, log, rawURL, key, id)
		if err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.Attempts = append(res.Attempts, a.public())

		if a.ok {
			e.rate.RecordSuccess(key)
			e.learner.Record(ctx, key, id, true, a.duration)
			res.Success = true
			res.StrategyUsed = id
			res.Content = unwrap(a.content)
			res.Duration = time.Since(start)
			log.Info("scrape: fetched", "strategy", id, "attempts", len(res.Attempts), "size", len(res.Content), "elapsed", res.Duration)
			e.metrics.fetch(ctx, "success", res.Duration)
			return res, nil
		}

		e.rate.RecordError(key, a.status, a.retryAfter)
		last = a
		if !budget.Consume(key, a.kind) {
			log.Warn("scrape: retry budget exhausted", "strategy", id, "kind", a.kind)
			break
		}
		if i+1 < len(chain) {
			log.Info("scrape: escalating", "from", id, "to", chain[i+1], "kind", a.kind, "status", a.status)
			e.metrics.escalation(ctx, id, chain[i+1], a.kind)
		}
	}

	res.StrategyUsed = last.strategy
	res.Duration = time.Since(start)
	e.learner.Record(ctx, key, last.strategy, false, last.duration)
	log.Warn("scrape: all strategies failed", "last", last.strategy, "kind", last.kind, "elapsed", res.Duration)
	e.metrics.fetch(ctx, "exhausted", res.Duration)
	e.captureEvidence(rawURL, last, res.Attempts, sel, res.Duration)
	return res, nil
}

// selectStrategy picks where the chain starts. A forced strategy wins,
// then Extreme risk, then the ledger, then the profile, then URL keywords.
func (e *Engine) selectStrategy(ctx context.Context, rawURL, key string, fo fetchOptions) selection {
	if fo.forced {
		return selection{id: fo.force, by: "forced"}
	}

	prof, err := e.profiler.Profile(ctx, rawURL)
	profiled := err == nil
	sel := selection{risk: prof.Risk, profiled: profiled}
	if profiled && prof.Risk == strategy.RiskExtreme {
		sel.id, sel.by = strategy.UltraStealth, "extreme_risk"
		return sel
	}

	if rec := e.learner.Recommend(key, strategy.Lightweight); rec != strategy.Lightweight {
		sel.id, sel.by = rec, "ledger"
		return sel
	}
	if profiled && prof.Recommended != strategy.Lightweight {
		sel.id, sel.by = prof.Recommended, "profile"
		return sel
	}
	if id, ok := e.heuristic(rawURL); ok {
		sel.id, sel.by = id, "heuristic"
		return sel
	}
	sel.id, sel.by = strategy.Lightweight, "default"
	return sel
}

func (e *Engine) heuristic(rawURL string) (strategy.ID, bool) {
	u := strings.ToLower(rawURL)
	for _, s := range e.cfg.Heuristics.Hostile {
		if s != "" && strings.Contains(u, strings.ToLower(s)) {
			return strategy.UltraStealth, true
		}
	}
	for _, s := range e.cfg.Heuristics.Heavy {
		if s != "" && strings.Contains(u, strings.ToLower(s)) {
			return strategy.Stealth, true
		}
	}
	return 0, false
}

// attempt runs one chain member: admission, execution on the worker pool,
// then validation. It only returns an error when the fetch itself must
// stop.
func (e *Engine) attempt(ctx context.Context, log *slog.Logger, rawURL, key string, id strategy.ID) (attemptResult, error) {
	exec, ok := e.executors[id]
	if !ok {
		return attemptResult{}, fmt.Errorf("scrape: no executor for %s", id)
	}

	release, err := e.rate.Acquire(ctx, key)
	if err != nil {
		return attemptResult{}, fmt.Errorf("scrape: admission: %w", err)
	}
	timeout := e.cfg.Timeouts.For(id)
	start := time.Now()
	content, execErr := e.pool.Do(ctx, func(wctx context.Context) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(wctx, timeout)
			defer cancel()
		}
		return exec.Execute(wctx, rawURL, timeout)
	})
	release()

	if errors.Is(execErr, pool.ErrClosed) {
		return attemptResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return attemptResult{}, fmt.Errorf("scrape: %w", err)
	}

	a := evaluate(id, content, execErr)
	a.duration = time.Since(start)
	e.metrics.attempt(ctx, id, a.kind, a.ok)
	if !a.ok {
		log.Info("scrape: attempt failed", "strategy", id, "kind", a.kind, "status", a.status, "error", a.err, "elapsed", a.duration)
	}
	return a, nil
}

// evaluate turns an execution outcome into an attemptResult. Content is
// usable when it is longer than minAcceptLen and the classifier finds no
// block. Short pages pass only from UltraStealth, where small JSON answers
// are normal.
func evaluate(id strategy.ID, content string, err error) attemptResult {
	a := attemptResult{strategy: id}
	if err != nil {
		var body string
		a.status, a.retryAfter, body = strategy.AsStatus(err)
		a.kind = classify.Classify(a.status, body, err)
		a.err = err
		a.snippet = body
		if a.snippet == "" {
			a.snippet = err.Error()
		}
		return a
	}

	a.kind = classify.Classify(0, content, nil)
	a.snippet = content
	switch {
	case len(strings.TrimSpace(content)) <= minAcceptLen:
		if a.kind == classify.Unknown {
			a.kind = classify.EmptyContent
		}
	case a.kind.Blocking():
	case a.kind == classify.EmptyContent && id != strategy.UltraStealth:
	default:
		a.ok = true
		a.content = content
	}
	return a
}
