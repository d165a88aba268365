// Package origin reduces URLs to the key used for all per-site state: the
// registrable domain, lowercased, with "www." removed.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrNoHost is returned for URLs without a host component.
var ErrNoHost = errors.New("origin: url has no host")

// Of returns the origin key of rawURL. URLs without a scheme are treated as
// https. IP addresses and single-label hosts (localhost) are returned as is.
func Of(rawURL string) (string, error) {
	u, err := parse(rawURL)
	if err != nil {
		return "", err
	}
	return Normalize(u.Hostname()), nil
}

// Absolute returns rawURL trimmed and with https:// prepended when it has
// no scheme, the form every fetcher expects.
func Absolute(rawURL string) (string, error) {
	u, err := parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func parse(rawURL string) (*url.URL, error) {
	s := strings.TrimSpace(rawURL)
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("origin: parse %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return nil, ErrNoHost
	}
	return u, nil
}

// Normalize reduces a bare host name to its origin key. It is used for
// configuration tables, where entries are written as host names.
func Normalize(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "www.")
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return reg
}

// MustOf is Of for literals in tests and static tables.
func MustOf(rawURL string) string {
	o, err := Of(rawURL)
	if err != nil {
		panic(err)
	}
	return o
}
