// -----------------------------------------------------------------------
// Last Modified: Friday, 8th November 2025 4:00:00 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/metrics"
	"github.com/ternarybob/vigilscan/internal/reverify"
)

var payloadValidator = validator.New()

// errorEnvelope is the {error, message?} shape every failed response uses.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errStr, message string) {
	writeJSON(w, status, errorEnvelope{Error: errStr, Message: message})
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/runs", s.handleRunsCollection)
	mux.HandleFunc("/api/runs/", s.handleRunItem)

	mux.HandleFunc("/api/findings/", s.handleFindingRoutes)

	mux.HandleFunc("/api/slack/actions", s.handleSlackActions)

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/admin/breaker", s.withBasicAuth(s.handleAdminBreaker))
	mux.HandleFunc("/admin/breaker/reset", s.withBasicAuth(s.handleAdminBreakerReset))
	mux.HandleFunc("/admin/breaker/stream", s.withBasicAuth(s.handleAdminBreakerStream))

	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	})

	return mux
}

// withBasicAuth guards admin/metrics-adjacent routes per the spec's
// Authorization: Basic requirement, using constant-time comparison to
// avoid leaking the configured credentials via timing.
func (s *Server) withBasicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.app.Config.Admin
		if !cfg.Enabled {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="vigilscan admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin credentials")
			return
		}
		next(w, r)
	}
}

// --- /health --------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// --- /api/runs --------------------------------------------------------------

type createRunRequest struct {
	URLs    []string               `json:"urls" validate:"required,min=1,dive,url"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type createRunResponse struct {
	ID           string             `json:"id"`
	Submitted    []string           `json:"submitted"`
	Count        int                `json:"count"`
	Status       lifecycle.RunStatus `json:"status"`
	Findings     []findingSummary   `json:"findings"`
	JobsEnqueued int                `json:"jobsEnqueued"`
}

type findingSummary struct {
	ID          string               `json:"id"`
	URL         string               `json:"url"`
	Status      lifecycle.FindingStatus `json:"status"`
	Fingerprint string               `json:"fingerprint,omitempty"`
	StatusCode  int                  `json:"statusCode,omitempty"`
	Severity    string               `json:"severity,omitempty"`
	FirstSeenAt time.Time            `json:"firstSeenAt"`
	LastSeenAt  time.Time            `json:"lastSeenAt"`
}

func toFindingSummary(f *lifecycle.Finding) findingSummary {
	return findingSummary{
		ID:          f.ID,
		URL:         f.URL,
		Status:      f.Status,
		Fingerprint: f.Fingerprint,
		StatusCode:  f.StatusCode,
		Severity:    f.Severity,
		FirstSeenAt: f.FirstSeenAt,
		LastSeenAt:  f.LastSeenAt,
	}
}

type runDetailResponse struct {
	ID           string                  `json:"id"`
	Target       string                  `json:"target"`
	Status       lifecycle.RunStatus     `json:"status"`
	RunType      lifecycle.RunType       `json:"runType"`
	URLCount     int                     `json:"urlCount"`
	URLsScanned  int                     `json:"urlsScanned"`
	URLsRendered int                     `json:"urlsRendered"`
	FindingCount int                     `json:"findingCount"`
	StartedAt    *time.Time              `json:"startedAt,omitempty"`
	FinishedAt   *time.Time              `json:"finishedAt,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
	Findings     []findingSummary        `json:"findings"`
}

// handleRunsCollection handles POST /api/runs (run creation). GET without an
// id is not part of the spec's surface and falls through to 405.
func (s *Server) handleRunsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := payloadValidator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "urls must be a non-empty list of valid URLs")
		return
	}

	ctx := r.Context()
	target := req.URLs[0]
	run, findings, err := s.app.Lifecycle.CreateRun(ctx, target, lifecycle.RunTypeManual, req.URLs)
	if err != nil {
		s.app.Logger.Error().Err(err).Msg("failed to create run")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create run")
		return
	}

	summaries := make([]findingSummary, 0, len(findings))
	jobsEnqueued := 0
	for _, f := range findings {
		if _, err := s.app.ScanEnqueuer.EnqueueScan(ctx, f.ID, f.URL); err != nil {
			s.app.Logger.Error().Err(err).Str("finding_id", f.ID).Msg("failed to enqueue scan job")
		} else {
			jobsEnqueued++
		}
		summaries = append(summaries, toFindingSummary(f))
	}

	if jobsEnqueued > 0 {
		if err := s.app.Lifecycle.MarkRunInProgress(ctx, run.ID); err != nil {
			s.app.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to mark run in_progress")
		}
		run.Status = lifecycle.RunStatusInProgress
	}

	writeJSON(w, http.StatusCreated, createRunResponse{
		ID:           run.ID,
		Submitted:    req.URLs,
		Count:        len(findings),
		Status:       run.Status,
		Findings:     summaries,
		JobsEnqueued: jobsEnqueued,
	})
}

// handleRunItem handles GET /api/runs/{id}.
func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "run id must be a UUID")
		return
	}

	ctx := r.Context()
	run, err := s.app.Lifecycle.GetRun(ctx, id)
	if err != nil {
		if err == lifecycle.ErrNotFound {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		s.app.Logger.Error().Err(err).Str("run_id", id).Msg("failed to load run")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	findings, err := s.app.Lifecycle.ListFindingsByRun(ctx, id)
	if err != nil {
		s.app.Logger.Error().Err(err).Str("run_id", id).Msg("failed to load findings for run")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	summaries := make([]findingSummary, 0, len(findings))
	for _, f := range findings {
		summaries = append(summaries, toFindingSummary(f))
	}

	writeJSON(w, http.StatusOK, runDetailResponse{
		ID:           run.ID,
		Target:       run.Target,
		Status:       run.Status,
		RunType:      run.RunType,
		URLCount:     run.URLCount,
		URLsScanned:  run.URLsScanned,
		URLsRendered: run.URLsRendered,
		FindingCount: run.FindingCount,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		Findings:     summaries,
	})
}

// --- /api/findings/{id}/reverify, /reverify-attempts -----------------------

type reverifyRequest struct {
	Source string `json:"source,omitempty"`
}

type reverifyResponse struct {
	OK                bool                     `json:"ok"`
	Result            lifecycle.ReverifyResult `json:"result"`
	JobID             string                   `json:"jobId,omitempty"`
	RemainingAttempts int                      `json:"remainingAttempts,omitempty"`
	Message           string                   `json:"message,omitempty"`
}

type reverifyAttemptsResponse struct {
	FindingID string                        `json:"findingId"`
	Attempts  []*lifecycle.ReverifyAttempt `json:"attempts"`
	Total     int                          `json:"total"`
}

// handleFindingRoutes dispatches /api/findings/{id}/reverify and
// /api/findings/{id}/reverify-attempts.
func (s *Server) handleFindingRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/findings/")
	switch {
	case strings.HasSuffix(path, "/reverify"):
		findingID := strings.TrimSuffix(path, "/reverify")
		s.handleReverify(w, r, findingID)
	case strings.HasSuffix(path, "/reverify-attempts"):
		findingID := strings.TrimSuffix(path, "/reverify-attempts")
		s.handleReverifyAttempts(w, r, findingID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "")
	}
}

func (s *Server) handleReverify(w http.ResponseWriter, r *http.Request, findingID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if _, err := uuid.Parse(findingID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "finding id must be a UUID")
		return
	}

	var req reverifyRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // optional body, ignore decode errors
	}
	source := lifecycle.ReverifySourceAPI
	if req.Source == string(lifecycle.ReverifySourceSlack) {
		source = lifecycle.ReverifySourceSlack
	}

	result := s.app.Reverify.ReverifyFinding(r.Context(), reverify.Request{
		FindingID: findingID,
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Source:    source,
	})

	status := http.StatusOK
	switch result.Result {
	case lifecycle.ReverifyResultNotFound:
		status = http.StatusNotFound
	case lifecycle.ReverifyResultRateLimited:
		status = http.StatusTooManyRequests
	case lifecycle.ReverifyResultError:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, reverifyResponse{
		OK:                result.OK,
		Result:            result.Result,
		JobID:             result.JobID,
		RemainingAttempts: result.RemainingAttempts,
		Message:           result.Message,
	})
}

func (s *Server) handleReverifyAttempts(w http.ResponseWriter, r *http.Request, findingID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if _, err := uuid.Parse(findingID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "finding id must be a UUID")
		return
	}

	attempts, err := s.app.Lifecycle.ListReverifyAttempts(r.Context(), findingID)
	if err != nil {
		s.app.Logger.Error().Err(err).Str("finding_id", findingID).Msg("failed to list reverify attempts")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	writeJSON(w, http.StatusOK, reverifyAttemptsResponse{
		FindingID: findingID,
		Attempts:  attempts,
		Total:     len(attempts),
	})
}

// --- /api/slack/actions -----------------------------------------------------

// handleSlackActions dispatches the chat-link callbacks an alert's
// "Re-verify"/"Suppress 24h" links point at, validating the shared action
// token the same way internal/alert.Emitter signs it.
func (s *Server) handleSlackActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	action := r.URL.Query().Get("action")
	findingID := r.URL.Query().Get("findingId")
	token := r.URL.Query().Get("t")
	if r.Method == http.MethodPost {
		var body struct {
			Action    string `json:"action"`
			FindingID string `json:"findingId"`
			Token     string `json:"t"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			if action == "" {
				action = body.Action
			}
			if findingID == "" {
				findingID = body.FindingID
			}
			if token == "" {
				token = body.Token
			}
		}
	}

	if action != "reverify" && action != "suppress24h" {
		writeError(w, http.StatusBadRequest, "invalid_action", "action must be reverify or suppress24h")
		return
	}
	if _, err := uuid.Parse(findingID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_finding_id", "findingId must be a UUID")
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.app.Config.Slack.ActionToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid action token")
		return
	}

	ctx := r.Context()
	finding, err := s.app.Lifecycle.GetFinding(ctx, findingID)
	if err != nil {
		if err == lifecycle.ErrNotFound {
			writeError(w, http.StatusNotFound, "not_found", "finding not found")
			return
		}
		s.app.Logger.Error().Err(err).Str("finding_id", findingID).Msg("failed to load finding for slack action")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	wantsHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	switch action {
	case "reverify":
		result := s.app.Reverify.ReverifyFinding(ctx, reverify.Request{
			FindingID: findingID,
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Source:    lifecycle.ReverifySourceSlack,
		})
		if wantsHTML {
			writeActionHTML(w, "Re-verify requested", string(result.Result))
			return
		}
		writeJSON(w, http.StatusOK, reverifyResponse{
			OK:                result.OK,
			Result:            result.Result,
			JobID:             result.JobID,
			RemainingAttempts: result.RemainingAttempts,
			Message:           result.Message,
		})

	case "suppress24h":
		if err := s.app.Dedup.RecordFinding(ctx, finding.Fingerprint, finding.URL, finding.StatusCode, finding.FetchError, 24*time.Hour); err != nil {
			s.app.Logger.Warn().Err(err).Str("finding_id", findingID).Msg("failed to record suppress24h")
		}
		if wantsHTML {
			writeActionHTML(w, "Suppressed for 24h", finding.Fingerprint)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":          true,
			"action":      "suppress24h",
			"fingerprint": finding.Fingerprint,
		})
	}
}

func writeActionHTML(w http.ResponseWriter, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><h3>" + title + "</h3><p>" + detail + "</p></body></html>"))
}

// --- /admin/breaker ----------------------------------------------------------

func (s *Server) handleAdminBreaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	stats, err := s.app.Breaker.GetAllStats(r.Context())
	if err != nil {
		s.app.Logger.Error().Err(err).Msg("failed to load breaker stats")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	for _, st := range stats {
		metrics.BreakerState.WithLabelValues(st.TargetID).Set(metrics.BreakerStateValue(string(st.State)))
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body><h3>Breaker state</h3><table border=1><tr><th>Target</th><th>State</th><th>Fail count</th><th>Failure rate</th></tr>"))
		for _, st := range stats {
			w.Write([]byte(fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%d</td><td>%.1f%%</td></tr>",
				st.TargetID, st.State, st.FailCount, st.FailureRate)))
		}
		w.Write([]byte("</table></body></html>"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": stats})
}

type adminBreakerResetRequest struct {
	TargetID string `json:"targetId" validate:"required"`
}

func (s *Server) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var req adminBreakerResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || payloadValidator.Struct(req) != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "targetId is required")
		return
	}

	if err := s.app.Breaker.Reset(r.Context(), req.TargetID); err != nil {
		s.app.Logger.Error().Err(err).Str("target", req.TargetID).Msg("failed to reset breaker")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	metrics.BreakerState.WithLabelValues(req.TargetID).Set(metrics.BreakerStateValue("closed"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var adminStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAdminBreakerStream pushes breaker snapshots to connected admin
// dashboards every few seconds, grounded on the teacher's WebSocketHandler
// broadcast loop but driven by a poll instead of an event subscription -
// breaker state is observed via KV, not pushed from the breaker itself.
func (s *Server) handleAdminBreakerStream(w http.ResponseWriter, r *http.Request) {
	conn, err := adminStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.app.Logger.Warn().Err(err).Msg("failed to upgrade admin breaker stream")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.app.Breaker.GetAllStats(ctx)
			if err != nil {
				s.app.Logger.Warn().Err(err).Msg("failed to load breaker stats for stream")
				continue
			}
			if err := conn.WriteJSON(map[string]interface{}{"targets": stats}); err != nil {
				return
			}
		}
	}
}
