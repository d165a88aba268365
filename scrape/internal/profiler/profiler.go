// Package profiler estimates how well an origin defends itself against
// automated clients, from one lightweight probe, and recommends a starting
// strategy.
//
// Profiles are cached per origin for the life of the Profiler. Origins in
// the override table are never probed: probing itself trips some defenses.
package profiler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/hybridfetch/scrape/internal/origin"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// Score contributions.
const (
	scoreBotWall    = 40
	scoreHardVendor = 20
	scoreCaptcha    = 30
	scoreRendering  = 15
	scoreRedirects  = 10
	scoreHTTPError  = 25
)

// BotWallKnownProtection is the bot-wall kind reported when only a
// challenge phrase in the body gave the wall away.
const BotWallKnownProtection = "known_protection"

// Override fixes the profile of an origin without probing it.
type Override struct {
	Risk     strategy.Risk `yaml:"risk" json:"risk"`
	Strategy strategy.ID   `yaml:"strategy" json:"strategy"`
}

// DefaultOverrides lists origins known to fight automated clients hard.
func DefaultOverrides() map[string]Override {
	extreme := Override{Risk: strategy.RiskExtreme, Strategy: strategy.UltraStealth}
	high := Override{Risk: strategy.RiskHigh, Strategy: strategy.UltraStealth}
	return map[string]Override{
		"linkedin.com":     extreme,
		"instagram.com":    extreme,
		"facebook.com":     extreme,
		"ticketmaster.com": extreme,
		"amazon.com":       high,
		"zillow.com":       high,
		"indeed.com":       high,
		"glassdoor.com":    high,
	}
}

// Config controls probing. Zero fields take defaults.
type Config struct {
	ProbeTimeout       time.Duration // 10s
	MaxRedirects       int           // 5
	UserAgent          string
	Overrides          map[string]Override // nil means DefaultOverrides
	ChallengeBodyLimit int                 // bodies at least this long skip challenge phrases (10 KiB)
	CaptchaBodyLimit   int                 // bodies at least this long skip CAPTCHA markers (20 KiB)
}

func (c *Config) defaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.Overrides == nil {
		c.Overrides = DefaultOverrides()
	}
	if c.ChallengeBodyLimit <= 0 {
		c.ChallengeBodyLimit = 10 << 10
	}
	if c.CaptchaBodyLimit <= 0 {
		c.CaptchaBodyLimit = 20 << 10
	}
}

// Signals are the raw observations a profile was derived from.
type Signals struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Matched    []string          `json:"matched,omitempty"`
	BodyBytes  int               `json:"body_bytes,omitempty"`
}

// Profile is the protection estimate of one origin.
type Profile struct {
	Origin          string        `json:"origin"`
	Risk            strategy.Risk `json:"risk"`
	Score           int           `json:"score"`
	NeedsRendering  bool          `json:"needs_rendering"`
	BotWall         string        `json:"bot_wall,omitempty"`
	CaptchaDetected bool          `json:"captcha_detected"`
	RedirectCount   int           `json:"redirect_count"`
	Recommended     strategy.ID   `json:"recommended_strategy"`
	Overridden      bool          `json:"overridden,omitempty"`
	ProbeError      string        `json:"probe_error,omitempty"`
	Signals         Signals       `json:"signals"`
	ProfiledAt      time.Time     `json:"profiled_at"`
}

// Profiler is safe for concurrent use.
type Profiler struct {
	cfg       Config
	prober    Prober
	overrides map[string]Override
	logger    *slog.Logger
	group     singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Profile
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Profiler) { p.logger = l }
}

// WithProber replaces the default HTTP prober.
func WithProber(pr Prober) Option {
	return func(p *Profiler) { p.prober = pr }
}

// New creates a Profiler.
func New(cfg Config, opts ...Option) *Profiler {
	cfg.defaults()
	p := &Profiler{
		cfg:       cfg,
		overrides: make(map[string]Override, len(cfg.Overrides)),
		logger:    slog.Default(),
		cache:     make(map[string]*Profile),
	}
	for o, ov := range cfg.Overrides {
		p.overrides[origin.Normalize(o)] = ov
	}
	for _, o := range opts {
		o(p)
	}
	if p.prober == nil {
		p.prober = NewHTTPProber(cfg.ProbeTimeout, cfg.MaxRedirects, cfg.UserAgent, nil)
	}
	return p
}

// Profile returns the profile of rawURL's origin, probing it on first use.
// The only error is an unparseable URL; probe failures yield a High risk
// profile recommending Stealth.
func (p *Profiler) Profile(ctx context.Context, rawURL string) (Profile, error) {
	key, err := origin.Of(rawURL)
	if err != nil {
		return Profile{}, fmt.Errorf("profiler: %w", err)
	}

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return *cached, nil
	}

	if ov, ok := p.overrides[key]; ok {
		prof := &Profile{
			Origin:      key,
			Risk:        ov.Risk,
			Recommended: ov.Strategy,
			Overridden:  true,
			ProfiledAt:  time.Now(),
		}
		p.store(prof)
		return *prof, nil
	}

	v, _, _ := p.group.Do(key, func() (any, error) {
		if prof, ok := p.Cached(key); ok {
			return &prof, nil
		}
		prof, cacheable := p.probe(ctx, key, rawURL)
		if cacheable {
			p.store(prof)
		}
		return prof, nil
	})
	return *v.(*Profile), nil
}

func (p *Profiler) store(prof *Profile) {
	p.mu.Lock()
	p.cache[prof.Origin] = prof
	p.mu.Unlock()
}

// probe builds a fresh profile. It reports false when the result must not
// be cached because the caller's context ended.
func (p *Profiler) probe(ctx context.Context, key, rawURL string) (*Profile, bool) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.prober.Probe(pctx, rawURL)
	if err != nil {
		prof := &Profile{
			Origin:      key,
			Risk:        strategy.RiskHigh,
			Recommended: strategy.Stealth,
			ProbeError:  err.Error(),
			ProfiledAt:  time.Now(),
		}
		p.logger.Warn("profiler: probe failed, assuming high risk",
			"origin", key, "error", err, "elapsed", time.Since(start))
		return prof, ctx.Err() == nil
	}

	prof := p.analyze(key, res)
	p.logger.Info("profiler: profiled",
		"origin", key, "risk", prof.Risk, "score", prof.Score,
		"bot_wall", prof.BotWall, "captcha", prof.CaptchaDetected,
		"rendering", prof.NeedsRendering, "strategy", prof.Recommended)
	return prof, true
}

// analyze scores a probe response.
func (p *Profiler) analyze(key string, res *ProbeResult) *Profile {
	prof := &Profile{
		Origin:        key,
		RedirectCount: res.Redirects,
		ProfiledAt:    time.Now(),
		Signals: Signals{
			StatusCode: res.StatusCode,
			Headers:    selectedHeaders(res.Header),
			BodyBytes:  len(res.Body),
		},
	}

	vendor, matched := detectBotWall(res.Header)
	prof.Signals.Matched = append(prof.Signals.Matched, matched...)
	if vendor == "" && len(res.Body) < p.cfg.ChallengeBodyLimit {
		if phrase := detectChallengePhrase(bytes.ToLower(res.Body)); phrase != "" {
			vendor = BotWallKnownProtection
			prof.Signals.Matched = append(prof.Signals.Matched, "body:"+phrase)
		}
	}
	prof.BotWall = vendor

	doc, _ := goquery.NewDocumentFromReader(bytes.NewReader(res.Body)) // nil on error
	if len(res.Body) < p.cfg.CaptchaBodyLimit && detectCaptcha(doc) {
		prof.CaptchaDetected = true
		prof.Signals.Matched = append(prof.Signals.Matched, "body:captcha")
	}
	prof.NeedsRendering = needsRendering(doc, res.Body)

	score := 0
	if prof.BotWall != "" {
		score += scoreBotWall
		if hardVendors[prof.BotWall] {
			score += scoreHardVendor
		}
	}
	if prof.CaptchaDetected {
		score += scoreCaptcha
	}
	if prof.NeedsRendering {
		score += scoreRendering
	}
	if prof.RedirectCount > 2 {
		score += scoreRedirects
	}
	if res.StatusCode >= 400 {
		score += scoreHTTPError
	}
	prof.Score = min(score, 100)
	prof.Risk = strategy.RiskFromScore(prof.Score)
	prof.Recommended = recommend(prof)
	return prof
}

func recommend(prof *Profile) strategy.ID {
	switch {
	case prof.Risk == strategy.RiskExtreme || prof.CaptchaDetected:
		return strategy.UltraStealth
	case prof.Risk == strategy.RiskHigh || prof.BotWall != "":
		return strategy.UltraStealth
	case prof.Risk == strategy.RiskMedium || prof.NeedsRendering:
		return strategy.Stealth
	default:
		return strategy.Lightweight
	}
}

// ClearCache forgets every profile.
func (p *Profiler) ClearCache() {
	p.mu.Lock()
	p.cache = make(map[string]*Profile)
	p.mu.Unlock()
	p.logger.Debug("profiler: cache cleared")
}

// Cached returns the cached profile of origin, if any.
func (p *Profiler) Cached(originKey string) (Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.cache[strings.ToLower(originKey)]
	if !ok {
		return Profile{}, false
	}
	return *prof, true
}
