package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("lifecycle: not found")

// Store is the SQL persistence layer for Runs, Findings, Artifacts, and
// Reverify Attempts, grounded on the teacher's plain database/sql CRUD
// idiom (no ORM) seen throughout its storage layer.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-initialized *sql.DB (schema already applied by
// the sqlite package's InitSchema).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun inserts a new queued Run with its child Findings, each seeded
// with status=pending and a random placeholder fingerprint (per spec §4.10
// — the real fingerprint is only known once the rules engine resolves one).
func (s *Store) CreateRun(ctx context.Context, target string, runType RunType, urls []string) (*Run, []*Finding, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		Target:    target,
		Status:    RunStatusQueued,
		RunType:   runType,
		URLCount:  len(urls),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, target, status, run_type, reason, urls_total, urls_scanned, urls_rendered, findings_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, 0, 0, 0, ?, ?)`,
		run.ID, run.Target, run.Status, run.RunType, run.URLCount, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert run: %w", err)
	}

	findings := make([]*Finding, 0, len(urls))
	for _, u := range urls {
		f := &Finding{
			ID:          uuid.New().String(),
			RunID:       &run.ID,
			URL:         u,
			FindingType: "http_probe",
			Status:      FindingStatusPending,
			Fingerprint: "pending:" + uuid.New().String(),
			Metadata:    map[string]string{},
			FirstSeenAt: now,
			LastSeenAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO findings
			(id, run_id, url, finding_type, fingerprint, status_code, fetch_error, latency_ms, severity, state, verified, false_positive, metadata, first_seen_at, last_seen_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, '', 0, '', ?, 0, 0, '{}', ?, ?, ?, ?)`,
			f.ID, *f.RunID, f.URL, f.FindingType, f.Fingerprint, f.Status, f.FirstSeenAt, f.LastSeenAt, f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("insert finding: %w", err)
		}
		findings = append(findings, f)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET findings_count = ? WHERE id = ?`, len(findings), run.ID); err != nil {
		return nil, nil, fmt.Errorf("update findings_count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	run.FindingCount = len(findings)
	return run, findings, nil
}

// MarkRunInProgress stamps started_at and transitions status=in_progress,
// called once at least one scan job has actually been enqueued.
func (s *Store) MarkRunInProgress(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		RunStatusInProgress, now, now, runID, RunStatusQueued)
	return err
}

// GetRun loads a Run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, target, status, run_type, reason, urls_total, urls_scanned, urls_rendered,
		findings_count, started_at, finished_at, created_at, updated_at FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Target, &r.Status, &r.RunType, &r.Reason, &r.URLCount, &r.URLsScanned,
		&r.URLsRendered, &r.FindingCount, &startedAt, &finishedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

const findingColumns = `id, run_id, url, finding_type, fingerprint, status_code, fetch_error, latency_ms,
	severity, state, verified, false_positive, metadata, alert_sent_at, first_seen_at, last_seen_at, created_at, updated_at`

// ListFindingsByRun loads every Finding belonging to a Run.
func (s *Store) ListFindingsByRun(ctx context.Context, runID string) ([]*Finding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+findingColumns+`
		FROM findings WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []*Finding
	for rows.Next() {
		f, err := scanFindingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFinding loads a Finding by id.
func (s *Store) GetFinding(ctx context.Context, id string) (*Finding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+findingColumns+`
		FROM findings WHERE id = ?`, id)

	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row *sql.Row) (*Finding, error) {
	return scanFindingGeneric(row)
}

func scanFindingRow(row *sql.Rows) (*Finding, error) {
	return scanFindingGeneric(row)
}

func scanFindingGeneric(row rowScanner) (*Finding, error) {
	var f Finding
	var runID sql.NullString
	var alertSentAt sql.NullTime
	var verified, falsePositive int
	var metadataJSON string
	err := row.Scan(&f.ID, &runID, &f.URL, &f.FindingType, &f.Fingerprint, &f.StatusCode, &f.FetchError, &f.LatencyMs,
		&f.Severity, &f.Status, &verified, &falsePositive, &metadataJSON, &alertSentAt, &f.FirstSeenAt, &f.LastSeenAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan finding: %w", err)
	}
	if runID.Valid {
		id := runID.String
		f.RunID = &id
	}
	if alertSentAt.Valid {
		f.AlertSentAt = &alertSentAt.Time
	}
	f.Verified = verified != 0
	f.FalsePositive = falsePositive != 0
	f.Metadata = map[string]string{}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &f.Metadata)
	}
	return &f, nil
}

// UpdateFindingStatus moves a Finding forward to a new status.
func (s *Store) UpdateFindingStatus(ctx context.Context, id string, status FindingStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE findings SET state = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		status, now, now, id)
	return err
}

// UpdateFindingMetadata merges keys into a Finding's metadata, used to carry
// the suppression reason, matched rule id, and breaker state observed during
// a scan job.
func (s *Store) UpdateFindingMetadata(ctx context.Context, id string, metadata map[string]string) error {
	merged := map[string]string{}
	var existing string
	if err := s.db.QueryRowContext(ctx, `SELECT metadata FROM findings WHERE id = ?`, id).Scan(&existing); err == nil && existing != "" {
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range metadata {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE findings SET metadata = ?, updated_at = ? WHERE id = ?`, string(encoded), now, id)
	return err
}

// RecordScanOutcome persists the result of a scan job attempt: fingerprint,
// status code, fetch error, latency, and severity, plus the resulting status.
func (s *Store) RecordScanOutcome(ctx context.Context, id string, status FindingStatus, fingerprint string, statusCode int, fetchErr string, latencyMs int, severity string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE findings SET state = ?, fingerprint = ?, status_code = ?, fetch_error = ?, latency_ms = ?,
			severity = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		status, fingerprint, statusCode, fetchErr, latencyMs, severity, now, now, id)
	return err
}

// MarkAlertSent stamps alert_sent_at on a Finding.
func (s *Store) MarkAlertSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE findings SET alert_sent_at = ?, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// CheckAndUpdateRunStatus implements C10's Close Run algorithm: if every
// Finding for the run is in a terminal status, the run is marked completed.
// Suppressed is deliberately excluded from the terminal set (see DESIGN.md).
func (s *Store) CheckAndUpdateRunStatus(ctx context.Context, runID string) (bool, error) {
	findings, err := s.ListFindingsByRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if len(findings) == 0 {
		return false, nil
	}
	for _, f := range findings {
		if !terminalRunStatuses[f.Status] {
			return false, nil
		}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ? AND status != ?`,
		RunStatusCompleted, now, now, runID, RunStatusCompleted)
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertArtifact records one evidence file linked to a Finding.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, finding_id, kind, path, size_bytes, content_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FindingID, a.Kind, a.Path, a.SizeBytes, a.ContentType, a.CreatedAt)
	return err
}

// ListArtifactsByFinding loads every Artifact linked to a Finding.
func (s *Store) ListArtifactsByFinding(ctx context.Context, findingID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, finding_id, kind, path, size_bytes, content_type, created_at FROM artifacts WHERE finding_id = ?`,
		findingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.FindingID, &a.Kind, &a.Path, &a.SizeBytes, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListExpiredArtifacts returns artifacts created before the given cutoff,
// used by the retention sweep (C19).
func (s *Store) ListExpiredArtifacts(ctx context.Context, cutoff time.Time) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, finding_id, kind, path, size_bytes, content_type, created_at FROM artifacts WHERE created_at < ?`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.FindingID, &a.Kind, &a.Path, &a.SizeBytes, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes one artifact row (the caller removes the file).
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	return err
}

// InsertReverifyAttempt records one re-verify request outcome.
func (s *Store) InsertReverifyAttempt(ctx context.Context, a *ReverifyAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}
	var findingID sql.NullString
	if a.FindingID != nil {
		findingID = sql.NullString{String: *a.FindingID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reverify_attempts (id, finding_id, requested_by, source, result, idempotency_key, requested_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, findingID, a.RequestedBy, string(a.Source), string(a.Result), a.IdempotencyKey, a.RequestedAt, a.CompletedAt)
	return err
}

// ListReverifyAttempts loads the audit history for a Finding, newest first.
func (s *Store) ListReverifyAttempts(ctx context.Context, findingID string) ([]*ReverifyAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, finding_id, requested_by, source, result, idempotency_key, requested_at, completed_at
			FROM reverify_attempts WHERE finding_id = ? ORDER BY requested_at DESC`, findingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReverifyAttempt
	for rows.Next() {
		var a ReverifyAttempt
		var findingID sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&a.ID, &findingID, &a.RequestedBy, &a.Source, &a.Result, &a.IdempotencyKey, &a.RequestedAt, &completedAt); err != nil {
			return nil, err
		}
		if findingID.Valid {
			id := findingID.String
			a.FindingID = &id
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
