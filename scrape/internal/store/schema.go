package store

// Schema contains the complete DDL for the hybridfetch tables.
const Schema = `
-- One row per (origin, strategy). Timestamps are unix nanoseconds, 0 = never.
-- success_rate is derived on read and deliberately not stored.
CREATE TABLE IF NOT EXISTS strategy_ledger (
    origin          TEXT NOT NULL,
    strategy        TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    successes       INTEGER NOT NULL DEFAULT 0,
    failures        INTEGER NOT NULL DEFAULT 0,
    avg_duration    REAL NOT NULL DEFAULT 0.0,
    last_success_at INTEGER NOT NULL DEFAULT 0,
    last_failure_at INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (origin, strategy)
);
CREATE INDEX IF NOT EXISTS idx_ledger_updated ON strategy_ledger(updated_at);

-- Evidence of fetches that exhausted the whole escalation chain.
CREATE TABLE IF NOT EXISTS failure_evidence (
    id              TEXT PRIMARY KEY,
    url             TEXT NOT NULL,
    origin          TEXT NOT NULL,
    kind            TEXT NOT NULL,
    status_code     INTEGER NOT NULL DEFAULT 0,
    snippet         TEXT NOT NULL DEFAULT '',
    context         TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_origin ON failure_evidence(origin, created_at DESC);
`
