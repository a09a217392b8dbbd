package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/metrics"
	"github.com/ternarybob/vigilscan/internal/queue"
	"github.com/ternarybob/vigilscan/internal/rules"
)

// ScanExecutor drives a Finding through its scan job: run the rules engine
// as a neutral suppression probe, then either close the finding out as
// suppressed or hand it to the render queue. The live HTTP fetch (breaker,
// retries, chat alerts) belongs to the Fetcher's separate ad-hoc probe path
// (C8) and never runs as part of a scan job.
type ScanExecutor struct {
	Store  *lifecycle.Store
	Engine *rules.Engine
	Render *RenderEnqueuer
	Logger arbor.ILogger
}

// Execute implements queue.JobHandler for JobTypeScan.
func (e *ScanExecutor) Execute(ctx context.Context, msg *queue.Message) error {
	var p ScanJobPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal scan payload: %w", err)
	}

	finding, err := e.Store.GetFinding(ctx, p.FindingID)
	if err != nil {
		return fmt.Errorf("load finding %s: %w", p.FindingID, err)
	}

	if err := e.Store.UpdateFindingStatus(ctx, finding.ID, lifecycle.FindingStatusScanning); err != nil {
		e.Logger.Warn().Err(err).Str("finding_id", finding.ID).Msg("failed to mark finding scanning")
	}

	// The scan stage never performs a live fetch: it treats the URL as a
	// neutral probe (errorType=5xx, status=200) and asks C6 whether this
	// finding would be suppressed.
	decision := e.Engine.CheckSuppression(ctx, p.URL, rules.ErrorType5xx, 200, "", -1)

	if decision.Suppressed {
		if err := e.Store.RecordScanOutcome(ctx, finding.ID, lifecycle.FindingStatusSuppressed, decision.Fingerprint,
			200, "", 0, "info"); err != nil {
			e.Logger.Warn().Err(err).Str("finding_id", finding.ID).Msg("failed to record suppressed scan outcome")
		}
		if err := e.Store.UpdateFindingMetadata(ctx, finding.ID, map[string]string{"suppression_reason": decision.Reason}); err != nil {
			e.Logger.Warn().Err(err).Str("finding_id", finding.ID).Msg("failed to stamp suppression metadata")
		}
		metrics.ScansTotal.WithLabelValues("suppressed").Inc()
	} else {
		if err := e.Store.RecordScanOutcome(ctx, finding.ID, lifecycle.FindingStatusScanning, decision.Fingerprint,
			200, "", 0, ""); err != nil {
			e.Logger.Warn().Err(err).Str("finding_id", finding.ID).Msg("failed to record flagged scan outcome")
		}
		metrics.ScansTotal.WithLabelValues("flagged").Inc()
		if e.Render != nil {
			if err := e.Render.EnqueueRender(ctx, finding.ID, p.URL); err != nil {
				e.Logger.Error().Err(err).Str("finding_id", finding.ID).Msg("failed to enqueue render job")
			}
		}
	}

	if finding.RunID != nil {
		if _, err := e.Store.CheckAndUpdateRunStatus(ctx, *finding.RunID); err != nil {
			e.Logger.Warn().Err(err).Str("run_id", *finding.RunID).Msg("failed to check run status after scan")
		}
	}

	return nil
}
