package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/app"
	"github.com/ternarybob/vigilscan/internal/breaker"
	"github.com/ternarybob/vigilscan/internal/common"
	"github.com/ternarybob/vigilscan/internal/dedup"
	"github.com/ternarybob/vigilscan/internal/jobs"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/queue"
	"github.com/ternarybob/vigilscan/internal/reverify"
	_ "modernc.org/sqlite"
)

func newTestLifecycleStore(t *testing.T) *lifecycle.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	schema := []string{
		`CREATE TABLE runs (
			id TEXT PRIMARY KEY, target TEXT NOT NULL, status TEXT NOT NULL, run_type TEXT NOT NULL DEFAULT 'manual',
			reason TEXT NOT NULL DEFAULT '', urls_total INTEGER NOT NULL DEFAULT 0, urls_scanned INTEGER NOT NULL DEFAULT 0,
			urls_rendered INTEGER NOT NULL DEFAULT 0, findings_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME, finished_at DATETIME, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL)`,
		`CREATE TABLE findings (
			id TEXT PRIMARY KEY, run_id TEXT, url TEXT NOT NULL, finding_type TEXT NOT NULL DEFAULT 'http_probe',
			fingerprint TEXT NOT NULL, status_code INTEGER NOT NULL DEFAULT 0, fetch_error TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0, severity TEXT NOT NULL DEFAULT '', state TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0, false_positive INTEGER NOT NULL DEFAULT 0, metadata TEXT NOT NULL DEFAULT '{}',
			alert_sent_at DATETIME, first_seen_at DATETIME NOT NULL, last_seen_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL)`,
		`CREATE TABLE artifacts (
			id TEXT PRIMARY KEY, finding_id TEXT NOT NULL, kind TEXT NOT NULL, path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0, content_type TEXT NOT NULL DEFAULT '', created_at DATETIME NOT NULL)`,
		`CREATE TABLE reverify_attempts (
			id TEXT PRIMARY KEY, finding_id TEXT, requested_by TEXT NOT NULL DEFAULT '', source TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '', idempotency_key TEXT NOT NULL, requested_at DATETIME NOT NULL, completed_at DATETIME)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return lifecycle.NewStore(db)
}

func newTestScanEnqueuer(t *testing.T) *jobs.ScanEnqueuer {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Logger = nil
	store, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr, err := queue.NewBadgerManager(store, "scan", 30*time.Second, 3)
	require.NoError(t, err)
	return &jobs.ScanEnqueuer{Queue: mgr}
}

// newTestApp wires a minimal but real App: in-memory sqlite lifecycle store,
// a temp-dir badgerhold scan queue, and in-memory KV-backed breaker/dedup/
// reverify components - enough to drive every handler in routes.go without
// touching the filesystem paths a full app.New would require.
func newTestApp(t *testing.T) *app.App {
	t.Helper()
	logger := arbor.NewLogger()
	store := kv.NewMemoryStore()
	lifecycleStore := newTestLifecycleStore(t)
	scanEnqueuer := newTestScanEnqueuer(t)

	a := &app.App{
		Config: &common.Config{
			Admin: common.AdminConfig{Enabled: false},
			Slack: common.SlackConfig{ActionToken: "test-token"},
		},
		Logger:       logger,
		KV:           store,
		Lifecycle:    lifecycleStore,
		Dedup:        dedup.New(store),
		Breaker:      breaker.New(store, breaker.DefaultConfig()),
		ScanEnqueuer: scanEnqueuer,
	}
	a.Reverify = reverify.New(store, lifecycleStore, scanEnqueuer, logger)
	return a
}

func TestHandleRunsCollection_Success(t *testing.T) {
	s := New(newTestApp(t))

	body := bytes.NewBufferString(`{"urls":["https://example.com/a","https://example.com/b"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createRunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 2, resp.JobsEnqueued)
	assert.Len(t, resp.Findings, 2)
	assert.Equal(t, lifecycle.RunStatusInProgress, resp.Status)
}

func TestHandleRunsCollection_InvalidBody(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"urls":[]}`))
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunsCollection_WrongMethod(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleRunItem_NotFound(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunItem_InvalidID(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunItem_Found(t *testing.T) {
	a := newTestApp(t)
	s := New(a)

	createReq := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"urls":["https://example.com/a"]}`))
	createRec := httptest.NewRecorder()
	s.router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created createRunResponse
	require.NoError(t, json.NewDecoder(createRec.Body).Decode(&created))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+created.ID, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var detail runDetailResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, created.ID, detail.ID)
	assert.Len(t, detail.Findings, 1)
}

func TestHandleReverify_NotFound(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/api/findings/00000000-0000-0000-0000-000000000000/reverify", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp reverifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, lifecycle.ReverifyResultNotFound, resp.Result)
}

func TestHandleReverify_InvalidID(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/api/findings/not-a-uuid/reverify", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReverifyAttempts_Empty(t *testing.T) {
	a := newTestApp(t)
	s := New(a)

	createReq := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"urls":["https://example.com/a"]}`))
	createRec := httptest.NewRecorder()
	s.router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created createRunResponse
	require.NoError(t, json.NewDecoder(createRec.Body).Decode(&created))
	require.Len(t, created.Findings, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/findings/"+created.Findings[0].ID+"/reverify-attempts", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp reverifyAttemptsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Total)
}

func TestHandleSlackActions_InvalidToken(t *testing.T) {
	a := newTestApp(t)
	s := New(a)

	createReq := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"urls":["https://example.com/a"]}`))
	createRec := httptest.NewRecorder()
	s.router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created createRunResponse
	require.NoError(t, json.NewDecoder(createRec.Body).Decode(&created))

	req := httptest.NewRequest(http.MethodGet,
		"/api/slack/actions?action=reverify&findingId="+created.Findings[0].ID+"&t=wrong-token", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSlackActions_SuppressSuccess(t *testing.T) {
	a := newTestApp(t)
	s := New(a)

	createReq := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"urls":["https://example.com/a"]}`))
	createRec := httptest.NewRecorder()
	s.router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created createRunResponse
	require.NoError(t, json.NewDecoder(createRec.Body).Decode(&created))

	req := httptest.NewRequest(http.MethodGet,
		"/api/slack/actions?action=suppress24h&findingId="+created.Findings[0].ID+"&t=test-token", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "suppress24h", resp["action"])
}

func TestHandleSlackActions_InvalidAction(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet,
		"/api/slack/actions?action=bogus&findingId=00000000-0000-0000-0000-000000000000&t=test-token", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestHandleAdminBreaker_NoAuthRequiredWhenDisabled(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/admin/breaker", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAdminBreaker_RequiresAuthWhenEnabled(t *testing.T) {
	application := newTestApp(t)
	application.Config.Admin = common.AdminConfig{Enabled: true, Username: "admin", Password: "secret"}
	s := New(application)

	req := httptest.NewRequest(http.MethodGet, "/admin/breaker", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/admin/breaker", nil)
	req2.SetBasicAuth("admin", "secret")
	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestHandleAdminBreakerReset_RequiresTargetID(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/admin/breaker/reset", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAdminBreakerReset_Success(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/admin/breaker/reset", bytes.NewBufferString(`{"targetId":"example.com"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp["ok"])
}

func TestUnknownAPIRoute(t *testing.T) {
	s := New(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
