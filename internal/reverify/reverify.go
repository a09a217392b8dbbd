// Package reverify implements the idempotency- and rate-limit-gated
// re-enqueue coordinator for operator-triggered finding re-verification.
package reverify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/metrics"
)

const (
	idempotencyTTL = 120 * time.Second
	rateWindowTTL  = 3600 * time.Second
	maxAttempts    = 5
)

func idempotencyKey(findingID string) string { return fmt.Sprintf("reverify:idempotency:%s", findingID) }
func rateCounterKey(findingID string) string  { return fmt.Sprintf("reverify:count:%s", findingID) }

// Result is the outcome of one reverifyFinding call.
type Result struct {
	OK                bool
	Result            lifecycle.ReverifyResult
	JobID             string
	RemainingAttempts int
	Message           string
}

// Enqueuer re-enqueues a scan job for a finding; the scan queue's producer
// side, injected so this package doesn't depend on internal/queue directly.
type Enqueuer interface {
	EnqueueScan(ctx context.Context, findingID, url string) (jobID string, err error)
}

// Request is the caller-supplied context for a re-verify call.
type Request struct {
	FindingID string
	IP        string
	UserAgent string
	Source    lifecycle.ReverifySource
}

// Coordinator implements the C11 contract over the shared KV store, the
// lifecycle store, and a scan-queue enqueuer.
type Coordinator struct {
	kv       kv.Store
	store    *lifecycle.Store
	enqueuer Enqueuer
	logger   arbor.ILogger
}

// New wires a Coordinator.
func New(store kv.Store, lifecycleStore *lifecycle.Store, enqueuer Enqueuer, logger arbor.ILogger) *Coordinator {
	return &Coordinator{kv: store, store: lifecycleStore, enqueuer: enqueuer, logger: logger}
}

// ReverifyFinding implements the spec §4.11 algorithm: idempotency check,
// rate limit check, fresh job enqueue, attempt audit record. KV errors in
// the idempotency/rate-limit paths fail open (logged, treated as allow) -
// re-verification availability outranks strictness here.
func (c *Coordinator) ReverifyFinding(ctx context.Context, req Request) Result {
	finding, err := c.store.GetFinding(ctx, req.FindingID)
	if err != nil {
		if err == lifecycle.ErrNotFound {
			metrics.ReverifyTotal.WithLabelValues(string(lifecycle.ReverifyResultNotFound)).Inc()
			return Result{OK: true, Result: lifecycle.ReverifyResultNotFound, Message: "finding not found"}
		}
		c.logger.Error().Err(err).Str("finding_id", req.FindingID).Msg("failed to load finding for reverify")
		metrics.ReverifyTotal.WithLabelValues(string(lifecycle.ReverifyResultError)).Inc()
		return Result{OK: false, Result: lifecycle.ReverifyResultError, Message: "internal error"}
	}

	idemKey := idempotencyKey(req.FindingID)
	existingJobID, err := c.kv.Get(ctx, idemKey)
	if err != nil && err != kv.ErrNotFound {
		c.logger.Warn().Err(err).Str("finding_id", req.FindingID).Msg("idempotency check failed, proceeding (fail-open)")
	} else if err == nil && existingJobID != "" {
		c.recordAttempt(ctx, req, lifecycle.ReverifyResultDuplicate, existingJobID)
		return Result{OK: true, Result: lifecycle.ReverifyResultDuplicate, JobID: existingJobID}
	}

	count, err := c.checkAndIncrementRateLimit(ctx, req.FindingID)
	if err != nil {
		c.logger.Warn().Err(err).Str("finding_id", req.FindingID).Msg("rate limit check failed, proceeding (fail-open)")
	} else if count > maxAttempts {
		c.recordAttempt(ctx, req, lifecycle.ReverifyResultRateLimited, "")
		return Result{OK: true, Result: lifecycle.ReverifyResultRateLimited, RemainingAttempts: 0, Message: "rate limit exceeded"}
	}

	jobID := uuid.New().String()
	if err := c.kv.Set(ctx, idemKey, jobID, idempotencyTTL); err != nil {
		c.logger.Warn().Err(err).Str("finding_id", req.FindingID).Msg("failed to set idempotency marker")
	}

	if c.enqueuer != nil {
		enqueuedJobID, err := c.enqueuer.EnqueueScan(ctx, req.FindingID, finding.URL)
		if err != nil {
			c.logger.Error().Err(err).Str("finding_id", req.FindingID).Msg("failed to enqueue reverify scan job")
			metrics.ReverifyTotal.WithLabelValues(string(lifecycle.ReverifyResultError)).Inc()
			return Result{OK: false, Result: lifecycle.ReverifyResultError, Message: "failed to enqueue"}
		}
		if enqueuedJobID != "" {
			jobID = enqueuedJobID
		}
	}

	c.recordAttempt(ctx, req, lifecycle.ReverifyResultOK, jobID)

	remaining := maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{OK: true, Result: lifecycle.ReverifyResultOK, JobID: jobID, RemainingAttempts: remaining}
}

// checkAndIncrementRateLimit increments the per-finding hourly counter and
// returns the count after increment, stamping the TTL only on first create.
func (c *Coordinator) checkAndIncrementRateLimit(ctx context.Context, findingID string) (int, error) {
	key := rateCounterKey(findingID)
	count, err := c.kv.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.kv.Expire(ctx, key, rateWindowTTL); err != nil {
			c.logger.Warn().Err(err).Str("finding_id", findingID).Msg("failed to set rate limit expiry")
		}
	}
	return int(count), nil
}

func (c *Coordinator) recordAttempt(ctx context.Context, req Request, result lifecycle.ReverifyResult, jobID string) {
	attempt := &lifecycle.ReverifyAttempt{
		FindingID:      &req.FindingID,
		RequestedBy:    req.IP,
		Source:         req.Source,
		Result:         result,
		IdempotencyKey: jobID,
	}
	if err := c.store.InsertReverifyAttempt(ctx, attempt); err != nil {
		c.logger.Warn().Err(err).Str("finding_id", req.FindingID).Msg("failed to record reverify attempt")
	}
	metrics.ReverifyTotal.WithLabelValues(string(result)).Inc()
}
