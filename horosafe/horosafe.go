// Package horosafe guards outbound fetches: it refuses URLs that point at
// private networks and caps how much of a response body is read.
package horosafe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for response body reads (8 MiB).
const MaxResponseBody int64 = 8 << 20

// ErrSSRF is returned when a URL targets a private or loopback address.
var ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: response too large")

// Validator checks a URL before it is fetched. Fetchers accept one so tests
// against httptest servers on 127.0.0.1 can swap in AllowAll.
type Validator func(ctx context.Context, rawURL string) error

// AllowAll accepts every URL.
func AllowAll(context.Context, string) error { return nil }

// ValidateURL requires http or https and a host that neither is nor resolves
// to a private, loopback or link-local address. Resolution failures pass:
// the fetch will fail on its own.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if isPrivate(a) {
			return ErrSSRF
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isPrivate(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsUnspecified()
}
