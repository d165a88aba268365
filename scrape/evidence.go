package scrape

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/hybridfetch/idgen"
	"github.com/hazyhaar/hybridfetch/scrape/internal/origin"
	"github.com/hazyhaar/hybridfetch/scrape/internal/store"
)

// maxSnippet caps the content kept with an evidence record.
const maxSnippet = 2 << 10

// evidenceTimeout bounds one capture, independently of the fetch.
const evidenceTimeout = 10 * time.Second

// storeEvidence records evidence in the failure_evidence table.
type storeEvidence struct {
	store *store.Store
	gen   idgen.Generator
}

func (s *storeEvidence) Capture(ctx context.Context, rawURL string, kind FailureKind, status int, snippet string, meta map[string]any) (string, error) {
	key, _ := origin.Of(rawURL)
	ev := &store.Evidence{
		ID:         s.gen(),
		URL:        rawURL,
		Origin:     key,
		Kind:       kind.String(),
		StatusCode: status,
		Snippet:    truncate(snippet, maxSnippet),
		Context:    meta,
	}
	if err := s.store.InsertEvidence(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// captureEvidence hands the last failure to the evidence capturer on its
// own goroutine. Close waits for it; the fetch does not.
func (e *Engine) captureEvidence(rawURL string, last attemptResult, attempts []Attempt, sel selection, elapsed time.Duration) {
	if e.evidence == nil {
		return
	}
	tried := make([]string, len(attempts))
	for i, a := range attempts {
		tried[i] = a.Strategy.String()
	}
	risk := "unknown"
	if sel.profiled {
		risk = sel.risk.String()
	}
	meta := map[string]any{
		"chain":           tried,
		"selected_by":     sel.by,
		"risk":            risk,
		"elapsed_seconds": elapsed.Seconds(),
	}
	if last.err != nil {
		meta["error"] = last.err.Error()
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("scrape: evidence capture panicked", "url", rawURL, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), evidenceTimeout)
		defer cancel()
		id, err := e.evidence.Capture(ctx, rawURL, last.kind, last.status, last.snippet, meta)
		if err != nil {
			e.logger.Warn("scrape: evidence capture failed", "url", rawURL, "error", err)
			return
		}
		e.logger.Debug("scrape: evidence captured", "url", rawURL, "id", id, "kind", last.kind)
	}()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
