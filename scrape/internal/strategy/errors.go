package strategy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is returned by an executor when the target answered with an
// HTTP error status. Body carries the (possibly truncated) response body so
// the classifier can look for challenge pages behind a 403 or 503.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d", e.StatusCode)
}

// AsStatus extracts the status code, Retry-After and body carried by err.
// It returns zero values when err is not a StatusError.
func AsStatus(err error) (code int, retryAfter time.Duration, body string) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, se.RetryAfter, se.Body
	}
	return 0, 0, ""
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
