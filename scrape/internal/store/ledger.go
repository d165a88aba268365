package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/hybridfetch/dbopen"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

// LedgerRow is the persisted outcome counters of one (origin, strategy).
type LedgerRow struct {
	Origin        string
	Strategy      strategy.ID
	Attempts      int64
	Successes     int64
	Failures      int64
	AvgDuration   float64 // seconds
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// LoadLedger returns every ledger row.
func (s *Store) LoadLedger(ctx context.Context) ([]LedgerRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT origin, strategy, attempts, successes, failures, avg_duration,
		       last_success_at, last_failure_at
		FROM strategy_ledger ORDER BY origin, strategy`)
	if err != nil {
		return nil, fmt.Errorf("store: load ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		var r LedgerRow
		var name string
		var lastS, lastF int64
		if err := rows.Scan(&r.Origin, &name, &r.Attempts, &r.Successes, &r.Failures,
			&r.AvgDuration, &lastS, &lastF); err != nil {
			return nil, fmt.Errorf("store: scan ledger: %w", err)
		}
		id, err := strategy.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("store: ledger row %s: %w", r.Origin, err)
		}
		r.Strategy = id
		r.LastSuccessAt = fromNanos(lastS)
		r.LastFailureAt = fromNanos(lastF)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveLedger upserts rows in a single transaction.
func (s *Store) SaveLedger(ctx context.Context, rows []LedgerRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UnixNano()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO strategy_ledger
				(origin, strategy, attempts, successes, failures, avg_duration,
				 last_success_at, last_failure_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(origin, strategy) DO UPDATE SET
				attempts = excluded.attempts,
				successes = excluded.successes,
				failures = excluded.failures,
				avg_duration = excluded.avg_duration,
				last_success_at = excluded.last_success_at,
				last_failure_at = excluded.last_failure_at,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("store: prepare ledger upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.Origin, r.Strategy.String(), r.Attempts,
				r.Successes, r.Failures, r.AvgDuration,
				toNanos(r.LastSuccessAt), toNanos(r.LastFailureAt), now); err != nil {
				return fmt.Errorf("store: upsert %s/%s: %w", r.Origin, r.Strategy, err)
			}
		}
		return nil
	})
}

// DeleteLedgerBefore removes rows whose last activity is older than cutoff.
func (s *Store) DeleteLedgerBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM strategy_ledger
		WHERE MAX(last_success_at, last_failure_at) < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: purge ledger: %w", err)
	}
	return res.RowsAffected()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
