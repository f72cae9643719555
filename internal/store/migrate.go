package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; index+1 is the schema version.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS postings (
  company_id    TEXT NOT NULL,
  posting_id    TEXT NOT NULL,
  title         TEXT NOT NULL DEFAULT '',
  url           TEXT NOT NULL,
  location      TEXT NOT NULL DEFAULT '',
  description   TEXT NOT NULL DEFAULT '',
  discovered_at TEXT NOT NULL,
  PRIMARY KEY (company_id, posting_id)
);

CREATE TABLE IF NOT EXISTS queue (
  company_id      TEXT NOT NULL,
  posting_id      TEXT NOT NULL,
  state           TEXT NOT NULL,
  score           REAL,
  penalty         REAL NOT NULL DEFAULT 0,
  checkout_token  TEXT NOT NULL DEFAULT '',
  checked_out_at  TEXT NOT NULL DEFAULT '',
  resume_state    BLOB,
  resumable       INTEGER NOT NULL DEFAULT 0,
  review_approved INTEGER NOT NULL DEFAULT 0,
  score_version   TEXT NOT NULL DEFAULT '',
  updated_at      TEXT NOT NULL,
  PRIMARY KEY (company_id, posting_id)
);

CREATE INDEX IF NOT EXISTS idx_queue_state_company ON queue(state, company_id);

CREATE TABLE IF NOT EXISTS companies (
  company_id   TEXT PRIMARY KEY,
  weight       REAL NOT NULL DEFAULT 0,
  exhausted    INTEGER NOT NULL DEFAULT 0,
  exhausted_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS fit_results (
  company_id      TEXT NOT NULL,
  posting_id      TEXT NOT NULL,
  profile_version TEXT NOT NULL,
  content_hash    TEXT NOT NULL,
  score           REAL NOT NULL,
  bucket          TEXT NOT NULL,
  reason          TEXT NOT NULL DEFAULT '',
  scored_at       TEXT NOT NULL,
  PRIMARY KEY (company_id, posting_id, profile_version, content_hash)
);

CREATE TABLE IF NOT EXISTS submissions (
  company_id   TEXT NOT NULL,
  posting_id   TEXT NOT NULL,
  status       TEXT NOT NULL,
  reason       TEXT NOT NULL DEFAULT '',
  created_at   TEXT NOT NULL,
  finalized_at TEXT NOT NULL,
  PRIMARY KEY (company_id, posting_id)
);

CREATE INDEX IF NOT EXISTS idx_submissions_company_status ON submissions(company_id, status);

CREATE TABLE IF NOT EXISTS attempts (
  id             TEXT PRIMARY KEY,
  company_id     TEXT NOT NULL,
  posting_id     TEXT NOT NULL,
  number         INTEGER NOT NULL,
  started_at     TEXT NOT NULL,
  finished_at    TEXT NOT NULL,
  outcome        TEXT NOT NULL,
  failure_reason TEXT NOT NULL DEFAULT '',
  screenshot_ref TEXT NOT NULL DEFAULT '',
  start_tries    INTEGER NOT NULL DEFAULT 0,
  blank_fields   TEXT NOT NULL DEFAULT '[]',
  UNIQUE (company_id, posting_id, number)
);
`,
}

// Migrate brings the schema up to date using PRAGMA user_version.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}

	for i := v; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("schema v%d: %w", i+1, err)
		}
	}

	if v < len(migrations) {
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, len(migrations))); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v)
	return v, err
}
