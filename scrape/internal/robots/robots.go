// Package robots checks URLs against the target host's robots.txt.
//
// Rules are cached per scheme and host. Any failure to read robots.txt
// allows the fetch and reports a warning instead.
package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/temoto/robotstxt"

	"github.com/hazyhaar/hybridfetch/horosafe"
)

// maxRobotsBody caps how much of a robots.txt is read.
const maxRobotsBody = 512 << 10

// Verdict is the answer of a compliance check.
type Verdict struct {
	Allowed           bool     `json:"allowed"`
	Reason            string   `json:"reason,omitempty"`
	CrawlDelaySeconds float64  `json:"crawl_delay_seconds,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Config configures a Checker. Zero fields take defaults.
type Config struct {
	UserAgent string        // token matched against User-agent groups ("hybridfetch")
	TTL       time.Duration // cache lifetime (30m)
	Timeout   time.Duration // robots.txt fetch timeout (10s)
	Overrides []string      // hosts whose robots.txt is not consulted
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = "hybridfetch"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// Checker evaluates robots.txt rules. It is safe for concurrent use.
type Checker struct {
	cfg       Config
	client    *resty.Client
	validate  horosafe.Validator
	overrides map[string]bool
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithValidator replaces the SSRF guard applied to robots.txt URLs.
func WithValidator(v horosafe.Validator) Option {
	return func(c *Checker) { c.validate = v }
}

// WithClock sets the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// New creates a Checker.
func New(cfg Config, opts ...Option) *Checker {
	cfg.defaults()
	c := &Checker{
		cfg:       cfg,
		client:    resty.New().SetTimeout(cfg.Timeout).SetHeader("User-Agent", cfg.UserAgent),
		validate:  horosafe.ValidateURL,
		overrides: make(map[string]bool, len(cfg.Overrides)),
		logger:    slog.Default(),
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, h := range cfg.Overrides {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.overrides[h] = true
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check reports whether rawURL may be fetched.
func (c *Checker) Check(ctx context.Context, rawURL string) Verdict {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Verdict{Allowed: false, Reason: "invalid url"}
	}
	if c.overrides[strings.ToLower(u.Hostname())] {
		return Verdict{Allowed: true, Reason: "override"}
	}

	rules, err := c.rules(ctx, u)
	if err != nil {
		c.logger.Warn("robots: unreadable, allowing", "host", u.Host, "error", err)
		return Verdict{Allowed: true, Warnings: []string{"robots.txt unavailable: " + err.Error()}}
	}

	group := rules.FindGroup(c.cfg.UserAgent)
	if group == nil {
		return Verdict{Allowed: true}
	}
	v := Verdict{
		Allowed:           group.Test(u.RequestURI()),
		CrawlDelaySeconds: group.CrawlDelay.Seconds(),
	}
	if !v.Allowed {
		v.Reason = "disallowed by robots.txt"
	}
	return v
}

func (c *Checker) rules(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(u.Scheme + "://" + u.Host)

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetched) < c.cfg.TTL {
		return entry.rules, nil
	}

	robotsURL := key + "/robots.txt"
	if err := c.validate(ctx, robotsURL); err != nil {
		return nil, err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(robotsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	// A 5xx would parse as disallow-all; treat it as unreadable instead.
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode())
	}
	body, err := horosafe.LimitedReadAll(raw, maxRobotsBody)
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode(), body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{fetched: c.now(), rules: data}
	c.mu.Unlock()
	return data, nil
}

// Purge evicts the cached rules of every scheme for host.
func (c *Checker) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	c.mu.Lock()
	for key := range c.cache {
		if strings.HasSuffix(key, "://"+host) {
			delete(c.cache, key)
		}
	}
	c.mu.Unlock()
}
