package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/common"
	"golang.org/x/time/rate"
)

// JobHandler processes a single queue message for its registered job type.
type JobHandler func(ctx context.Context, msg *Message) error

// WorkerPool runs a fixed number of goroutines pulling from a BadgerManager
// queue and dispatching messages to registered JobHandlers by type. Scan and
// render queues each get their own WorkerPool instance with independent
// concurrency so a stalled render queue never starves scanning.
type WorkerPool struct {
	queue    *BadgerManager
	config   Config
	handlers map[string]JobHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
}

// NewWorkerPool creates a new worker pool bound to the given queue and config.
// The pool's lifecycle context is a child of parentCtx so the app's root
// cancellation stops every pool without each needing its own shutdown path.
func NewWorkerPool(parentCtx context.Context, queue *BadgerManager, config Config, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(parentCtx)

	return &WorkerPool{
		queue:    queue,
		config:   config,
		handlers: make(map[string]JobHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithThroughputLimit bounds the pool's message processing rate, on top of
// its concurrency cap - used by the render queue to stay under its
// per-minute throughput budget regardless of worker count. ratePerMinute<=0
// leaves the pool unthrottled.
func (wp *WorkerPool) WithThroughputLimit(ratePerMinute int) *WorkerPool {
	if ratePerMinute > 0 {
		wp.limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1)
	}
	return wp
}

// RegisterHandler registers a job type handler.
func (wp *WorkerPool) RegisterHandler(jobType string, handler JobHandler) {
	wp.handlers[jobType] = handler
	wp.logger.Debug().
		Str("queue", wp.config.QueueName).
		Str("job_type", jobType).
		Msg("job handler registered")
}

// Start starts the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info().
		Str("queue", wp.config.QueueName).
		Int("concurrency", wp.config.Concurrency).
		Msg("starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		workerID := i
		common.SafeGoWithContext(wp.ctx, wp.logger, fmt.Sprintf("%s-worker-%d", wp.config.QueueName, workerID), func() {
			wp.worker(workerID)
		})
	}
}

// Stop cancels the pool's context and gives in-flight workers a brief
// window to finish their current message before returning.
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Str("queue", wp.config.QueueName).Msg("stopping worker pool")
	wp.cancel()
	time.Sleep(500 * time.Millisecond)
}

func (wp *WorkerPool) worker(workerID int) {
	// Stagger worker starts across the poll interval to spread out Badger
	// transaction contention when many workers start at once.
	staggerDelay := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		time.Sleep(staggerDelay)
	}

	wp.logger.Debug().
		Str("queue", wp.config.QueueName).
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("worker started")

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("queue", wp.config.QueueName).
				Int("worker_id", workerID).
				Msg("worker stopped")
			return

		case <-ticker.C:
			wp.processMessage(workerID)
		}
	}
}

// processMessage receives and processes a single message. A handler failure
// leaves the message in place for redelivery (bounded by MaxReceive) rather
// than deleting it, so transient fetch/render failures get retried on the
// job's own schedule instead of being lost.
func (wp *WorkerPool) processMessage(workerID int) {
	if wp.limiter != nil {
		if err := wp.limiter.Wait(wp.ctx); err != nil {
			return
		}
	}

	msg, deleteFn, err := wp.queue.Receive(wp.ctx)
	if err != nil {
		if err != ErrNoMessage {
			wp.logger.Warn().
				Err(err).
				Str("queue", wp.config.QueueName).
				Int("worker_id", workerID).
				Msg("failed to receive message")
		}
		return
	}

	handler, exists := wp.handlers[msg.Type]
	if !exists {
		wp.logger.Error().
			Str("queue", wp.config.QueueName).
			Str("type", msg.Type).
			Str("job_id", msg.JobID).
			Msg("no handler registered for job type")
		if err := deleteFn(); err != nil {
			wp.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to drop message with unknown type")
		}
		return
	}

	start := time.Now()
	handlerErr := handler(wp.ctx, msg)
	duration := time.Since(start)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("queue", wp.config.QueueName).
			Str("job_id", msg.JobID).
			Str("type", msg.Type).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("job handler failed")
		return
	}

	if err := deleteFn(); err != nil {
		wp.logger.Error().
			Err(err).
			Str("queue", wp.config.QueueName).
			Str("job_id", msg.JobID).
			Msg("failed to delete message after successful processing")
		return
	}

	wp.logger.Info().
		Str("queue", wp.config.QueueName).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("job completed")
}
