package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ternarybob/vigilscan/internal/queue"
)

// ScanEnqueuer puts scan-job messages onto the scan queue. It implements
// internal/reverify.Enqueuer so the re-verify coordinator can re-trigger a
// scan without importing internal/queue directly.
type ScanEnqueuer struct {
	Queue *queue.BadgerManager
}

// EnqueueScan implements reverify.Enqueuer.
func (e *ScanEnqueuer) EnqueueScan(ctx context.Context, findingID, url string) (string, error) {
	jobID := uuid.New().String()
	payload, err := json.Marshal(ScanJobPayload{FindingID: findingID, URL: url, TargetID: url})
	if err != nil {
		return "", fmt.Errorf("marshal scan payload: %w", err)
	}
	msg := queue.Message{JobID: jobID, Type: JobTypeScan, Payload: payload}
	if err := e.Queue.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	return jobID, nil
}

// RenderEnqueuer puts render-job messages onto the render queue.
type RenderEnqueuer struct {
	Queue *queue.BadgerManager
}

// EnqueueRender enqueues a render job for a finding whose scan flagged it.
func (e *RenderEnqueuer) EnqueueRender(ctx context.Context, findingID, url string) error {
	jobID := uuid.New().String()
	payload, err := json.Marshal(RenderJobPayload{FindingID: findingID, URL: url})
	if err != nil {
		return fmt.Errorf("marshal render payload: %w", err)
	}
	return e.Queue.Enqueue(ctx, queue.Message{JobID: jobID, Type: JobTypeRender, Payload: payload})
}
