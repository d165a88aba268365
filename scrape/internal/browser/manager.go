// Package browser runs the two browser strategies on Chrome through Rod:
// Stealth (headless, stealth scripts) and UltraStealth (headful under Xvfb,
// human-like input). A Manager owns one Chrome process, starts it on first
// use, and recycles it on age or memory pressure.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures a Manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local Chrome.
	RemoteURL string

	// MemoryLimit in bytes of JS heap before Chrome is recycled. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// Headful runs Chrome with a window on an Xvfb display.
	Headful bool

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome process.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	browser  *rod.Browser
	lnch     *launcher.Launcher
	xvfb     *exec.Cmd
	startAt  time.Time
	closed   bool
	stopLoop context.CancelFunc
}

// NewManager creates a Manager. Chrome starts on the first Browser call.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Browser returns the running browser, launching it if needed. ctx only
// bounds the call; the browser outlives it.
func (m *Manager) Browser(ctx context.Context) (*rod.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	loopCtx, cancel := context.WithCancel(context.Background())
	m.stopLoop = cancel
	go m.monitorLoop(loopCtx)
	return b, nil
}

// Recycle kills Chrome; the next Browser call starts a fresh one.
func (m *Manager) Recycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt), "headful", m.cfg.Headful)
	m.cleanup()
}

// Close shuts down Chrome and Xvfb. The Manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		if m.cfg.Headful {
			if err := m.startXvfb(); err != nil {
				return nil, fmt.Errorf("browser: xvfb: %w", err)
			}
		}
		l := launcher.New()
		if m.cfg.Headful {
			l = l.Headless(false).Env("DISPLAY="+m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled").
			Set("window-size", "1366,768")

		u, err := l.Launch()
		if err != nil {
			m.stopXvfb()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headful", m.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		m.releaseLocal()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.stopLoop != nil {
		m.stopLoop()
		m.stopLoop = nil
	}
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	m.releaseLocal()
}

// releaseLocal stops the Chrome process and the virtual display this
// manager started, if any.
func (m *Manager) releaseLocal() {
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		b, startAt := m.browser, m.startAt
		m.mu.RUnlock()
		if b == nil {
			return
		}

		if time.Since(startAt) > m.cfg.RecycleInterval {
			log.Info("browser: recycle interval reached")
			m.Recycle()
			return
		}

		used, err := jsHeapUsage(b)
		if err != nil {
			log.Debug("browser: heap check failed", "error", err)
			continue
		}
		if used > m.cfg.MemoryLimit {
			log.Info("browser: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
			m.Recycle()
			return
		}
	}
}

// jsHeapUsage sums the JS heap of every open page.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
