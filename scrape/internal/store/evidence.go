package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Evidence describes a fetch that exhausted every strategy.
type Evidence struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	Origin     string         `json:"origin"`
	Kind       string         `json:"kind"`
	StatusCode int            `json:"status_code,omitempty"`
	Snippet    string         `json:"snippet"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// InsertEvidence stores ev. ID must be set.
func (s *Store) InsertEvidence(ctx context.Context, ev *Evidence) error {
	if ev.ID == "" {
		return fmt.Errorf("store: evidence without id")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ctxJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("store: marshal evidence context: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO failure_evidence
			(id, url, origin, kind, status_code, snippet, context, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.URL, ev.Origin, ev.Kind, ev.StatusCode, ev.Snippet, string(ctxJSON),
		ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: insert evidence: %w", err)
	}
	return nil
}

// ListEvidence returns the newest evidence for origin, or for every origin
// when origin is empty.
func (s *Store) ListEvidence(ctx context.Context, origin string, limit int) ([]*Evidence, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, url, origin, kind, status_code, snippet, context, created_at
	          FROM failure_evidence`
	var args []any
	if origin != "" {
		query += ` WHERE origin = ?`
		args = append(args, origin)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list evidence: %w", err)
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		ev := &Evidence{}
		var ctxJSON string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.URL, &ev.Origin, &ev.Kind, &ev.StatusCode,
			&ev.Snippet, &ctxJSON, &created); err != nil {
			return nil, fmt.Errorf("store: scan evidence: %w", err)
		}
		if ctxJSON != "" {
			if err := json.Unmarshal([]byte(ctxJSON), &ev.Context); err != nil {
				return nil, fmt.Errorf("store: evidence %s context: %w", ev.ID, err)
			}
		}
		ev.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
