package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/evidence"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/metrics"
	"github.com/ternarybob/vigilscan/internal/queue"
)

// RenderExecutor captures the evidence bundle for a flagged Finding and
// persists it as artifacts on disk, grounded on the teacher's
// internal/services/crawler.ChromeDPPool capture flow.
type RenderExecutor struct {
	Store        *lifecycle.Store
	Capturer     evidence.Capturer
	ArtifactRoot string
	Logger       arbor.ILogger
}

// Execute implements queue.JobHandler for JobTypeRender.
func (e *RenderExecutor) Execute(ctx context.Context, msg *queue.Message) error {
	var p RenderJobPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal render payload: %w", err)
	}

	finding, err := e.Store.GetFinding(ctx, p.FindingID)
	if err != nil {
		return fmt.Errorf("load finding %s: %w", p.FindingID, err)
	}

	if err := e.Store.UpdateFindingStatus(ctx, finding.ID, lifecycle.FindingStatusProcessing); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", finding.ID).Msg("failed to mark finding processing")
	}

	dir := filepath.Join(e.ArtifactRoot, findingRunDir(finding), finding.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}

	bundle, err := e.Capturer.Capture(ctx, p.URL, evidence.DefaultOptions())
	if err != nil {
		e.saveConsoleLogArtifact(ctx, finding.ID, dir, nil, err.Error())
		metrics.RendersTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("capture evidence for %s: %w", p.URL, err)
	}

	if len(bundle.Screenshot) > 0 {
		e.writeArtifact(ctx, finding.ID, dir, "screenshot.png", bundle.Screenshot, lifecycle.ArtifactKindScreenshot, "image/png")
	}
	if len(bundle.HAR) > 0 {
		e.writeArtifact(ctx, finding.ID, dir, "trace.har", bundle.HAR, lifecycle.ArtifactKindHAR, "application/json")
	}
	if bundle.HTML != "" {
		e.writeArtifact(ctx, finding.ID, dir, "page.html", []byte(bundle.HTML), lifecycle.ArtifactKindHTML, "text/html")
	}
	e.saveConsoleLogArtifact(ctx, finding.ID, dir, bundle, "")

	if err := e.Store.UpdateFindingStatus(ctx, finding.ID, lifecycle.FindingStatusEvidenceCaptured); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", finding.ID).Msg("failed to mark finding evidence_captured")
	}
	metrics.RendersTotal.WithLabelValues("captured").Inc()

	if finding.RunID != nil {
		if _, err := e.Store.CheckAndUpdateRunStatus(ctx, *finding.RunID); err != nil {
			e.Logger.Warn().Err(err).Str("run_id", *finding.RunID).Msg("failed to check run status after render")
		}
	}

	return nil
}

func (e *RenderExecutor) writeArtifact(ctx context.Context, findingID, dir, filename string, data []byte, kind lifecycle.ArtifactKind, contentType string) {
	fullPath := filepath.Join(dir, filename)
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", findingID).Str("path", fullPath).Msg("failed to write artifact file")
		return
	}
	relPath, err := filepath.Rel(e.ArtifactRoot, fullPath)
	if err != nil {
		relPath = fullPath
	}
	if err := e.Store.InsertArtifact(ctx, &lifecycle.Artifact{
		FindingID:   findingID,
		Kind:        kind,
		Path:        relPath,
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
	}); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", findingID).Msg("failed to insert artifact row")
	}
}

// saveConsoleLogArtifact persists whatever console log evidence is available
// as a JSON artifact, used both on full capture failure (bundle is nil, just
// the error text) and as the normal per-capture console log record. It
// always lands beside the finding's other three artifacts in dir.
func (e *RenderExecutor) saveConsoleLogArtifact(ctx context.Context, findingID, dir string, bundle *evidence.Bundle, captureErr string) {
	payload := struct {
		Error string                  `json:"error,omitempty"`
		Logs  []evidence.ConsoleEntry `json:"logs,omitempty"`
	}{Error: captureErr}
	if bundle != nil {
		payload.Logs = bundle.ConsoleLogs
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	fullPath := filepath.Join(dir, "console.json")
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", findingID).Msg("failed to write console log artifact")
		return
	}
	relPath, err := filepath.Rel(e.ArtifactRoot, fullPath)
	if err != nil {
		relPath = fullPath
	}
	if err := e.Store.InsertArtifact(ctx, &lifecycle.Artifact{
		FindingID:   findingID,
		Kind:        lifecycle.ArtifactKindConsoleLogs,
		Path:        relPath,
		SizeBytes:   int64(len(data)),
		ContentType: "application/json",
	}); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", findingID).Msg("failed to insert console log artifact row")
	}
}

// findingRunDir returns the run-scoped evidence subdirectory for a finding,
// or "orphaned" if its parent run has since been deleted.
func findingRunDir(f *lifecycle.Finding) string {
	if f.RunID == nil {
		return "orphaned"
	}
	return *f.RunID
}
