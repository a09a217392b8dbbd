package retention_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/retention"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	schema := []string{
		`CREATE TABLE runs (id TEXT PRIMARY KEY, target TEXT, status TEXT, run_type TEXT DEFAULT 'manual',
			reason TEXT DEFAULT '', urls_total INTEGER DEFAULT 0, urls_scanned INTEGER DEFAULT 0, urls_rendered INTEGER DEFAULT 0,
			findings_count INTEGER DEFAULT 0, started_at DATETIME, finished_at DATETIME, created_at DATETIME, updated_at DATETIME)`,
		`CREATE TABLE findings (id TEXT PRIMARY KEY, run_id TEXT, url TEXT, finding_type TEXT DEFAULT 'http_probe',
			fingerprint TEXT, status_code INTEGER DEFAULT 0, fetch_error TEXT DEFAULT '', latency_ms INTEGER DEFAULT 0,
			severity TEXT DEFAULT '', state TEXT, verified INTEGER DEFAULT 0, false_positive INTEGER DEFAULT 0,
			metadata TEXT DEFAULT '{}', alert_sent_at DATETIME, first_seen_at DATETIME, last_seen_at DATETIME,
			created_at DATETIME, updated_at DATETIME)`,
		`CREATE TABLE artifacts (id TEXT PRIMARY KEY, finding_id TEXT, kind TEXT, path TEXT,
			size_bytes INTEGER DEFAULT 0, content_type TEXT DEFAULT '', created_at DATETIME)`,
		`CREATE TABLE reverify_attempts (id TEXT PRIMARY KEY, finding_id TEXT, requested_by TEXT DEFAULT '',
			source TEXT, result TEXT DEFAULT '', idempotency_key TEXT, requested_at DATETIME, completed_at DATETIME)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func newTestLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestSweepRemovesExpiredArtifactsAndPrunesEmptyDirs(t *testing.T) {
	db := newTestDB(t)
	store := lifecycle.NewStore(db)
	ctx := context.Background()

	root := t.TempDir()
	_, findings, err := store.CreateRun(ctx, "example.com", lifecycle.RunTypeManual, []string{"https://example.com/a"})
	require.NoError(t, err)
	findingID := findings[0].ID

	relPath := filepath.Join("run-1", findingID, "screenshot.png")
	fullPath := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, []byte("fake-png"), 0644))

	require.NoError(t, store.InsertArtifact(ctx, &lifecycle.Artifact{
		FindingID: findingID,
		Kind:      lifecycle.ArtifactKindScreenshot,
		Path:      relPath,
		SizeBytes: 8,
	}))

	// Force the artifact to look old enough to sweep.
	_, err = db.ExecContext(ctx, `UPDATE artifacts SET created_at = ? WHERE finding_id = ?`,
		time.Now().AddDate(0, 0, -10), findingID)
	require.NoError(t, err)

	cfg := retention.Config{RetentionDays: 7, ArtifactRoot: root, Schedule: "0 3 * * *"}
	sweeper := retention.New(store, cfg, newTestLogger())
	sweeper.RunNow()

	_, statErr := os.Stat(fullPath)
	assert.True(t, os.IsNotExist(statErr))

	artifacts, err := store.ListArtifactsByFinding(ctx, findingID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}
