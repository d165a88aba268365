// Package httpfetch is the Lightweight strategy: one plain HTTP GET, no
// JavaScript. It covers most static sites at a fraction of a browser's cost.
package httpfetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/hybridfetch/horosafe"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// maxErrorBody caps the body kept on a StatusError.
const maxErrorBody = 16 << 10

// Fetcher performs Lightweight fetches.
type Fetcher struct {
	client   *resty.Client
	validate horosafe.Validator
	maxBody  int64
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithValidator replaces the SSRF guard applied before each fetch.
func WithValidator(v horosafe.Validator) Option {
	return func(f *Fetcher) { f.validate = v }
}

// WithUserAgent pins the User-Agent. By default the transport picks a
// current browser one.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.client.SetHeader("User-Agent", ua) }
}

// WithMaxBody caps decoded response bodies.
func WithMaxBody(n int64) Option {
	return func(f *Fetcher) { f.maxBody = n }
}

// New creates a Fetcher. The transport mimics a browser TLS handshake and
// header set, which gets past the mildest Cloudflare configurations.
func New(opts ...Option) *Fetcher {
	client := resty.New()
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7")
	client.SetHeader("Accept-Language", "en-US,en;q=0.9")
	client.SetHeader("Accept-Encoding", "gzip, deflate, br")

	f := &Fetcher{
		client:   client,
		validate: horosafe.ValidateURL,
		maxBody:  horosafe.MaxResponseBody,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Execute GETs rawURL and returns the decoded body. HTTP error statuses are
// returned as *strategy.StatusError carrying the start of the body.
func (f *Fetcher) Execute(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	if err := f.validate(ctx, rawURL); err != nil {
		return "", fmt.Errorf("lightweight: %w", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("lightweight: get %s: %w", rawURL, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := decode(raw, resp.Header().Get("Content-Encoding"), f.maxBody)
	if err != nil {
		return "", fmt.Errorf("lightweight: read %s: %w", rawURL, err)
	}

	f.logger.Debug("lightweight: fetched",
		"url", rawURL, "status", resp.StatusCode(), "size", len(body), "elapsed", time.Since(start))

	if resp.StatusCode() >= 400 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return "", &strategy.StatusError{
			StatusCode: resp.StatusCode(),
			RetryAfter: strategy.ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now()),
			Body:       string(body),
		}
	}
	return string(body), nil
}

// decode undoes Content-Encoding. Go's transport only handles gzip, and
// only when it set Accept-Encoding itself.
func decode(r io.Reader, encoding string, limit int64) ([]byte, error) {
	var dec io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		dec = r
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		dec = gz
	case "deflate":
		fl := flate.NewReader(r)
		defer fl.Close()
		dec = fl
	case "br":
		dec = brotli.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	body, err := horosafe.LimitedReadAll(dec, limit)
	if err != nil {
		return nil, err
	}
	return bytes.ToValidUTF8(body, []byte("�")), nil
}
