package queue

import "time"

// Config holds configuration for the queue manager
type Config struct {
	// PollInterval is how often workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers
	Concurrency int

	// VisibilityTimeout is the message visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before it is
	// left in the store permanently (no further Receive will surface it)
	MaxReceive int

	// QueueName partitions the shared Badger store into independent queues
	QueueName string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       5,
		VisibilityTimeout: 5 * time.Minute,
		MaxReceive:        3,
		QueueName:         "scan",
	}
}

// NewScanConfig returns the scan-queue defaults with exactly concurrency
// workers, as configured by the caller.
func NewScanConfig(concurrency int) Config {
	cfg := NewDefaultConfig()
	cfg.QueueName = "scan"
	cfg.Concurrency = concurrency
	return cfg
}

// NewRenderConfig returns the render-queue defaults: concurrency defaults to
// 2 per spec, additionally throttled by a token-bucket rate limiter in the
// caller (golang.org/x/time/rate), not by this struct.
func NewRenderConfig(concurrency int) Config {
	cfg := NewDefaultConfig()
	cfg.QueueName = "render"
	cfg.Concurrency = concurrency
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return cfg
}
