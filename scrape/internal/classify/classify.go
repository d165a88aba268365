// Package classify reduces the outcome of a single fetch attempt to one of a
// closed set of failure kinds. Classification is pure and stateless.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind names a failure.
type Kind int

const (
	Unknown Kind = iota
	Blocked403
	RateLimited429
	ChallengeWall // Cloudflare-class interstitial
	Captcha
	Timeout
	EmptyContent
	ConnectionError
)

func (k Kind) String() string {
	switch k {
	case Unknown:
		return "unknown"
	case Blocked403:
		return "blocked_403"
	case RateLimited429:
		return "rate_limited_429"
	case ChallengeWall:
		return "challenge_wall"
	case Captcha:
		return "captcha"
	case Timeout:
		return "timeout"
	case EmptyContent:
		return "empty_content"
	case ConnectionError:
		return "connection_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Blocking reports whether content carrying this kind must never be accepted
// as a successful fetch.
func (k Kind) Blocking() bool {
	switch k {
	case Captcha, ChallengeWall, Blocked403, ConnectionError, Timeout:
		return true
	}
	return false
}

// MinContentRunes is the length below which content counts as empty.
const MinContentRunes = 500

var timeoutMarkers = []string{"timeout", "timed out", "deadline exceeded", "deadline"}

var connectionMarkers = []string{
	"connection",
	"refused",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"tls handshake",
	"eof",
}

// Bot-wall vendors as they appear in challenge pages and 503 bodies.
var vendorMarkers = []string{
	"cloudflare",
	"akamai",
	"imperva",
	"incapsula",
	"perimeterx",
	"datadome",
	"sucuri",
	"ddos-guard",
	"kasada",
}

var captchaMarkers = []string{
	"captcha",
	"g-recaptcha",
	"h-captcha",
	"hcaptcha",
	"cf-turnstile",
	"are you a robot",
	"verify you are human",
	"prove you're not a robot",
}

var challengeMarkers = []string{
	"checking your browser",
	"just a moment",
	"cf_chl_",
	"cf-browser-verification",
	"challenge-platform",
	"ddos protection by",
	"attention required",
	"pardon our interruption",
	"access denied",
	"please enable javascript and cookies",
	"request unsuccessful. incapsula",
	"_incapsula_resource",
	"px-captcha",
}

// Classify names the failure for an attempt. status is 0 when no HTTP status
// is known, content may be empty, and err may be nil.
//
// Error evidence is checked first, then status codes, then content keywords,
// then content length.
func Classify(status int, content string, err error) Kind {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Timeout
		}
		msg := strings.ToLower(err.Error())
		if containsAny(msg, timeoutMarkers) {
			return Timeout
		}
		if containsAny(msg, connectionMarkers) {
			return ConnectionError
		}
	}

	switch status {
	case 403:
		return Blocked403
	case 429:
		return RateLimited429
	case 503:
		lc := strings.ToLower(content)
		if containsAny(lc, vendorMarkers) || containsAny(lc, challengeMarkers) {
			return ChallengeWall
		}
		return RateLimited429
	}

	lc := strings.ToLower(content)
	if containsAny(lc, captchaMarkers) {
		return Captcha
	}
	if containsAny(lc, challengeMarkers) {
		return ChallengeWall
	}
	if utf8.RuneCountInString(content) < MinContentRunes {
		return EmptyContent
	}
	return Unknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
