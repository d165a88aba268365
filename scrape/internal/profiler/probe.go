package profiler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/hybridfetch/horosafe"
)

// DesktopUserAgent is sent by the probe. It is deliberately generic.
const DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// maxProbeBody caps how much of the probe response is read.
const maxProbeBody = 2 << 20

// ProbeResult is the raw response of a probe.
type ProbeResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Redirects  int
}

// Prober issues the single lightweight request a profile is built from.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (*ProbeResult, error)
}

// HTTPProber probes with a plain, non-rendering HTTP GET.
type HTTPProber struct {
	client   *resty.Client
	validate horosafe.Validator
}

type redirectCounter struct{}

// NewHTTPProber returns a Prober that follows at most maxRedirects redirects
// and gives up after timeout. validate is applied to every probed URL; nil
// means horosafe.ValidateURL.
func NewHTTPProber(timeout time.Duration, maxRedirects int, userAgent string, validate horosafe.Validator) *HTTPProber {
	if validate == nil {
		validate = horosafe.ValidateURL
	}
	if userAgent == "" {
		userAgent = DesktopUserAgent
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if n, ok := req.Context().Value(redirectCounter{}).(*int); ok {
				*n = len(via)
			}
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		}))
	return &HTTPProber{client: client, validate: validate}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	if err := p.validate(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("profiler: probe %s: %w", rawURL, err)
	}

	var redirects int
	ctx = context.WithValue(ctx, redirectCounter{}, &redirects)

	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("profiler: probe %s: %w", rawURL, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, maxProbeBody))
	if err != nil {
		return nil, fmt.Errorf("profiler: read probe body: %w", err)
	}
	return &ProbeResult{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       body,
		Redirects:  redirects,
	}, nil
}
