package sqlite

import "fmt"

// schemaStatements creates the runs/findings/artifacts/reverify_attempts
// tables. Each CREATE is IF NOT EXISTS so InitSchema is safe to call on
// every startup, matching the teacher's idempotent schema init pattern.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		run_type TEXT NOT NULL DEFAULT 'manual',
		reason TEXT NOT NULL DEFAULT '',
		urls_total INTEGER NOT NULL DEFAULT 0,
		urls_scanned INTEGER NOT NULL DEFAULT 0,
		urls_rendered INTEGER NOT NULL DEFAULT 0,
		findings_count INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,

	`CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		run_id TEXT REFERENCES runs(id) ON DELETE SET NULL,
		url TEXT NOT NULL,
		finding_type TEXT NOT NULL DEFAULT 'http_probe',
		fingerprint TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		fetch_error TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		false_positive INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		alert_sent_at DATETIME,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_run_id ON findings(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_fingerprint ON findings(fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_state ON findings(state)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		finding_id TEXT NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_finding_id ON artifacts(finding_id)`,

	`CREATE TABLE IF NOT EXISTS reverify_attempts (
		id TEXT PRIMARY KEY,
		finding_id TEXT REFERENCES findings(id) ON DELETE SET NULL,
		requested_by TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		requested_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reverify_finding_id ON reverify_attempts(finding_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reverify_idempotency_key ON reverify_attempts(idempotency_key)`,
}

// InitSchema creates every table and index used by the run/finding/artifact/
// reverify-attempt lifecycle. Safe to call repeatedly.
func (s *SQLiteDB) InitSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	s.logger.Info().Msg("schema initialized (runs, findings, artifacts, reverify_attempts)")
	return nil
}
