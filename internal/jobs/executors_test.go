package jobs_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/allowlist"
	"github.com/ternarybob/vigilscan/internal/dedup"
	"github.com/ternarybob/vigilscan/internal/evidence"
	"github.com/ternarybob/vigilscan/internal/jobs"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/queue"
	"github.com/ternarybob/vigilscan/internal/robots"
	"github.com/ternarybob/vigilscan/internal/rules"
	"github.com/timshannon/badgerhold/v4"
	_ "modernc.org/sqlite"
)

func newTestLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func newTestStore(t *testing.T) *lifecycle.Store {
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
	return lifecycle.NewStore(db)
}

func newTestEngine(store kv.Store) *rules.Engine {
	rs := rules.NewStore()
	al := allowlist.New()
	rc := robots.New(store, "vigilscan-test", newTestLogger())
	dd := dedup.New(store)
	return rules.NewEngine(rs, al, rc, dd, newTestLogger())
}

func newTestRenderEnqueuer(t *testing.T) *jobs.RenderEnqueuer {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	bh, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bh.Close() })

	mgr, err := queue.NewBadgerManager(bh, "render", 30*time.Second, 3)
	require.NoError(t, err)
	return &jobs.RenderEnqueuer{Queue: mgr}
}

func TestScanExecutorEnqueuesRenderForUnsuppressedFinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	kvStore := kv.NewMemoryStore()

	_, findings, err := store.CreateRun(ctx, "example.com", lifecycle.RunTypeManual, []string{"https://example.com/a"})
	require.NoError(t, err)

	engine := newTestEngine(kvStore)
	renderEnqueuer := newTestRenderEnqueuer(t)

	exec := &jobs.ScanExecutor{Store: store, Engine: engine, Render: renderEnqueuer, Logger: newTestLogger()}
	payload, err := json.Marshal(jobs.ScanJobPayload{FindingID: findings[0].ID, URL: findings[0].URL})
	require.NoError(t, err)

	require.NoError(t, exec.Execute(ctx, &queue.Message{JobID: "j1", Type: jobs.JobTypeScan, Payload: payload}))

	loaded, err := store.GetFinding(ctx, findings[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.FindingStatusScanning, loaded.Status)
	assert.NotEmpty(t, loaded.Fingerprint)

	msg, _, err := renderEnqueuer.Queue.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, jobs.JobTypeRender, msg.Type)
}

func TestScanExecutorSuppressesViaAllowlist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	kvStore := kv.NewMemoryStore()

	_, findings, err := store.CreateRun(ctx, "example.com", lifecycle.RunTypeManual, []string{"https://blocked.example.com/a"})
	require.NoError(t, err)

	rs := rules.NewStore()
	al := allowlist.New()
	allowFile := filepath.Join(t.TempDir(), "allowlist.txt")
	require.NoError(t, os.WriteFile(allowFile, []byte("https://example.com/*\n"), 0644))
	require.NoError(t, al.LoadFromFile(allowFile))
	rc := robots.New(kvStore, "vigilscan-test", newTestLogger())
	dd := dedup.New(kvStore)
	engine := rules.NewEngine(rs, al, rc, dd, newTestLogger())

	exec := &jobs.ScanExecutor{Store: store, Engine: engine, Logger: newTestLogger()}
	payload, err := json.Marshal(jobs.ScanJobPayload{FindingID: findings[0].ID, URL: findings[0].URL})
	require.NoError(t, err)

	require.NoError(t, exec.Execute(ctx, &queue.Message{JobID: "j2", Type: jobs.JobTypeScan, Payload: payload}))

	loaded, err := store.GetFinding(ctx, findings[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.FindingStatusSuppressed, loaded.Status)
	assert.Equal(t, "allowlist", loaded.Metadata["suppression_reason"])
}

func TestScanExecutorNoRenderWhenSuppressed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	kvStore := kv.NewMemoryStore()

	_, findings, err := store.CreateRun(ctx, "example.com", lifecycle.RunTypeManual, []string{"https://blocked.example.com/a"})
	require.NoError(t, err)

	rs := rules.NewStore()
	al := allowlist.New()
	allowFile := filepath.Join(t.TempDir(), "allowlist.txt")
	require.NoError(t, os.WriteFile(allowFile, []byte("https://example.com/*\n"), 0644))
	require.NoError(t, al.LoadFromFile(allowFile))
	rc := robots.New(kvStore, "vigilscan-test", newTestLogger())
	dd := dedup.New(kvStore)
	engine := rules.NewEngine(rs, al, rc, dd, newTestLogger())
	renderEnqueuer := newTestRenderEnqueuer(t)

	exec := &jobs.ScanExecutor{Store: store, Engine: engine, Render: renderEnqueuer, Logger: newTestLogger()}
	payload, err := json.Marshal(jobs.ScanJobPayload{FindingID: findings[0].ID, URL: findings[0].URL})
	require.NoError(t, err)

	require.NoError(t, exec.Execute(ctx, &queue.Message{JobID: "j3", Type: jobs.JobTypeScan, Payload: payload}))

	msg, _, err := renderEnqueuer.Queue.Receive(ctx)
	assert.ErrorIs(t, err, queue.ErrNoMessage)
	assert.Nil(t, msg)
}

func TestRenderExecutorPersistsArtifactsAndMarksCaptured(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, findings, err := store.CreateRun(ctx, "example.com", lifecycle.RunTypeManual, []string{"https://example.com/broken"})
	require.NoError(t, err)

	root := t.TempDir()
	exec := &jobs.RenderExecutor{
		Store:        store,
		Capturer:     evidence.NewStubCapturer(),
		ArtifactRoot: root,
		Logger:       newTestLogger(),
	}

	payload, err := json.Marshal(jobs.RenderJobPayload{FindingID: findings[0].ID, URL: findings[0].URL})
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, &queue.Message{JobID: "j4", Type: jobs.JobTypeRender, Payload: payload}))

	loaded, err := store.GetFinding(ctx, findings[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.FindingStatusEvidenceCaptured, loaded.Status)

	artifacts, err := store.ListArtifactsByFinding(ctx, findings[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, artifacts)

	run, err := store.GetRun(ctx, *loaded.RunID)
	require.NoError(t, err)
	wantDir := filepath.Join(run.ID, findings[0].ID)
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		assert.Equal(t, wantDir, filepath.Dir(a.Path), "artifact %s not under <run_id>/<finding_id>", a.Path)
		names = append(names, filepath.Base(a.Path))
	}
	assert.Contains(t, names, "console.json")
}
