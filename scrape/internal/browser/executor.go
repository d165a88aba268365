package browser

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/hybridfetch/horosafe"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

const (
	viewportWidth  = 1366
	viewportHeight = 768

	// maxErrorText caps the page text kept on a StatusError.
	maxErrorText = 16 << 10
)

// Challenge interstitials that solve themselves if the page is left alone.
var interstitials = []string{
	"just a moment",
	"checking your browser",
	"please wait while we verify",
	"ddos protection by",
}

// Executor renders pages in Chrome. NewStealth and NewUltraStealth build
// the two strategies; they differ in how long they settle, whether they
// wait out interstitials, and whether they drive the mouse.
type Executor struct {
	mgr       *Manager
	validate  horosafe.Validator
	userAgent string
	logger    *slog.Logger

	settle        time.Duration
	challengeWait time.Duration
	human         bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithValidator replaces the SSRF guard applied before navigation.
func WithValidator(v horosafe.Validator) Option {
	return func(e *Executor) { e.validate = v }
}

// WithUserAgent overrides the browser User-Agent.
func WithUserAgent(ua string) Option {
	return func(e *Executor) { e.userAgent = ua }
}

// NewStealth returns the Stealth strategy: headless Chrome with the
// stealth evasions injected before any page script runs.
func NewStealth(mgr *Manager, opts ...Option) *Executor {
	e := &Executor{
		mgr:           mgr,
		validate:      horosafe.ValidateURL,
		logger:        slog.Default(),
		settle:        time.Second,
		challengeWait: 5 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewUltraStealth returns the UltraStealth strategy. mgr should be headful.
// Pages get a fixed desktop viewport and human-like mouse and scroll input.
func NewUltraStealth(mgr *Manager, opts ...Option) *Executor {
	e := NewStealth(mgr, opts...)
	e.settle = 2 * time.Second
	e.challengeWait = 15 * time.Second
	e.human = true
	return e
}

// documentResponse records the status of the last main-document response.
type documentResponse struct {
	mu         sync.Mutex
	status     int
	mime       string
	retryAfter string
}

func (d *documentResponse) get() (int, string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.mime, d.retryAfter
}

// Execute navigates to rawURL and returns the rendered HTML, or the text of
// the document for JSON responses. An HTTP error status on the main
// document is returned as *strategy.StatusError.
func (e *Executor) Execute(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	name := "stealth"
	if e.human {
		name = "ultra_stealth"
	}
	if err := e.validate(ctx, rawURL); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b, err := e.mgr.Browser(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("%s: create page: %w", name, err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if len(e.mgr.cfg.ResourceBlocking) > 0 {
		router := blockResources(page, e.mgr.cfg.ResourceBlocking)
		defer router.Stop()
	}
	if e.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      e.userAgent,
			AcceptLanguage: "en-US,en;q=0.9",
		}); err != nil {
			return "", fmt.Errorf("%s: set user agent: %w", name, err)
		}
	}
	if e.human {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width: viewportWidth, Height: viewportHeight, DeviceScaleFactor: 1,
		}); err != nil {
			return "", fmt.Errorf("%s: set viewport: %w", name, err)
		}
	}

	doc := &documentResponse{}
	stopEvents := watchDocument(page, doc)
	defer stopEvents()

	start := time.Now()
	if err := page.Navigate(rawURL); err != nil {
		return "", fmt.Errorf("%s: navigate %s: %w", name, rawURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("%s: wait load: %w", name, err)
	}
	if err := sleep(ctx, e.settle); err != nil {
		return "", fmt.Errorf("%s: settle: %w", name, err)
	}

	if e.waitInterstitial(ctx, page) {
		e.logger.Debug(name+": interstitial cleared", "url", rawURL)
	}

	if e.human {
		rng := rand.New(rand.NewPCG(seed(rawURL), uint64(time.Now().UnixNano())))
		if err := humanize(ctx, page, rng); err != nil {
			e.logger.Debug(name+": human input failed", "url", rawURL, "error", err)
		}
	}

	status, mime, retryAfter := doc.get()
	e.logger.Debug(name+": rendered", "url", rawURL, "status", status, "mime", mime, "elapsed", time.Since(start))

	if status >= 400 {
		text, _ := innerText(page)
		if len(text) > maxErrorText {
			text = text[:maxErrorText]
		}
		return "", &strategy.StatusError{
			StatusCode: status,
			RetryAfter: strategy.ParseRetryAfter(retryAfter, time.Now()),
			Body:       text,
		}
	}

	if isJSON(mime) {
		text, err := innerText(page)
		if err != nil {
			return "", fmt.Errorf("%s: read text: %w", name, err)
		}
		return text, nil
	}
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("%s: read html: %w", name, err)
	}
	return html, nil
}

// watchDocument keeps doc up to date with every main-document response,
// so a challenge that redirects to the real page reports the final status.
func watchDocument(page *rod.Page, doc *documentResponse) (stop func()) {
	evCtx, cancel := context.WithCancel(context.Background())
	wait := page.Context(evCtx).EachEvent(func(ev *proto.NetworkResponseReceived) {
		if ev.Type != proto.NetworkResourceTypeDocument || ev.Response == nil {
			return
		}
		doc.mu.Lock()
		doc.status = ev.Response.Status
		doc.mime = ev.Response.MIMEType
		doc.retryAfter = headerValue(ev.Response.Headers, "Retry-After")
		doc.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	return func() {
		cancel()
		<-done
	}
}

func headerValue(h proto.NetworkHeaders, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v.Str()
		}
	}
	return ""
}

// waitInterstitial polls the page title and text while it looks like a
// self-solving challenge, up to challengeWait. It reports whether an
// interstitial was seen and then went away.
func (e *Executor) waitInterstitial(ctx context.Context, page *rod.Page) bool {
	seen := false
	deadline := time.Now().Add(e.challengeWait)
	for time.Now().Before(deadline) {
		text, err := pageSummary(page)
		if err != nil || !isInterstitial(text) {
			return seen
		}
		seen = true
		if sleep(ctx, 500*time.Millisecond) != nil {
			return false
		}
	}
	return false
}

func pageSummary(page *rod.Page) (string, error) {
	res, err := page.Eval(`() => (document.title + " " + (document.body ? document.body.innerText.slice(0, 2000) : ""))`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func isInterstitial(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range interstitials {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func innerText(page *rod.Page) (string, error) {
	res, err := page.Eval(`() => document.body ? document.body.innerText : document.documentElement.textContent`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func isJSON(mime string) bool {
	mime = strings.ToLower(mime)
	return strings.HasPrefix(mime, "application/json") || strings.HasSuffix(mime, "+json")
}

// humanize moves the mouse along a few straight paths with pauses, then
// scrolls down the page in small steps.
func humanize(ctx context.Context, page *rod.Page, rng *rand.Rand) error {
	for _, pt := range mousePath(rng, 3+rng.IntN(3)) {
		if err := page.Mouse.MoveLinear(pt, 8+rng.IntN(12)); err != nil {
			return err
		}
		if err := sleep(ctx, jitter(rng, 80, 320)); err != nil {
			return err
		}
	}
	for range 2 + rng.IntN(3) {
		if err := page.Mouse.Scroll(0, float64(200+rng.IntN(400)), 4+rng.IntN(4)); err != nil {
			return err
		}
		if err := sleep(ctx, jitter(rng, 250, 900)); err != nil {
			return err
		}
	}
	return nil
}

// mousePath returns n points inside the viewport, away from its edges.
func mousePath(rng *rand.Rand, n int) []proto.Point {
	pts := make([]proto.Point, n)
	for i := range pts {
		x := 40 + rng.IntN(viewportWidth-80)
		y := 40 + rng.IntN(viewportHeight-80)
		pts[i] = proto.NewPoint(float64(x), float64(y))
	}
	return pts
}

func jitter(rng *rand.Rand, loMs, hiMs int) time.Duration {
	return time.Duration(loMs+rng.IntN(hiMs-loMs+1)) * time.Millisecond
}

func seed(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
