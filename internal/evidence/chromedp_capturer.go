package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// ChromeDPConfig configures the browser pool backing a ChromeDPCapturer.
// Mirrors the teacher's ChromeDPPoolConfig shape.
type ChromeDPConfig struct {
	MaxInstances int
	UserAgent    string
	Headless     bool
	DisableGPU   bool
	NoSandbox    bool
}

// ChromeDPCapturer captures screenshot/HAR/HTML/console evidence through a
// pool of headless chromedp browser contexts, adapted from the teacher's
// ChromeDPPool (round-robin allocation, allocator+browser context pairs).
type ChromeDPCapturer struct {
	mu               sync.Mutex
	browsers         []context.Context
	browserCancels   []context.CancelFunc
	allocatorCancels []context.CancelFunc
	currentIndex     int
	logger           arbor.ILogger
	userAgent        string
}

// NewChromeDPCapturer initializes a pool of cfg.MaxInstances browser
// contexts. Fails if not even one instance can be started.
func NewChromeDPCapturer(cfg ChromeDPConfig, logger arbor.ILogger) (*ChromeDPCapturer, error) {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "vigilscan-evidence/1.0"
	}

	c := &ChromeDPCapturer{
		logger:    logger,
		userAgent: cfg.UserAgent,
	}

	var lastErr error
	for i := 0; i < cfg.MaxInstances; i++ {
		if err := c.addInstance(cfg); err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("index", i).Msg("failed to start browser instance")
			continue
		}
	}

	if len(c.browsers) == 0 {
		return nil, fmt.Errorf("failed to start any browser instance: %w", lastErr)
	}

	logger.Info().Int("instances", len(c.browsers)).Msg("chromedp evidence capturer started")
	return c, nil
}

func (c *ChromeDPCapturer) addInstance(cfg ChromeDPConfig) error {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.DisableGPU),
		chromedp.Flag("no-sandbox", cfg.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return err
	}

	c.browsers = append(c.browsers, browserCtx)
	c.browserCancels = append(c.browserCancels, browserCancel)
	c.allocatorCancels = append(c.allocatorCancels, allocatorCancel)
	return nil
}

func (c *ChromeDPCapturer) nextBrowser() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.currentIndex % len(c.browsers)
	c.currentIndex = (c.currentIndex + 1) % len(c.browsers)
	return c.browsers[idx]
}

// Capture navigates to url in a pooled browser context and returns the
// evidence bundle. Console and network events are collected from the point
// ListenTarget is registered, matching the teacher's event-subscription
// pattern in enhanced_crawler_executor.go.
func (c *ChromeDPCapturer) Capture(ctx context.Context, url string, opts Options) (*Bundle, error) {
	if opts.TimeoutMS == 0 {
		opts = DefaultOptions()
	}

	browserCtx := c.nextBrowser()
	navCtx, cancel := context.WithTimeout(browserCtx, time.Duration(opts.TimeoutMS)*time.Millisecond)
	defer cancel()

	if err := chromedp.Run(navCtx, network.Enable()); err != nil {
		return nil, fmt.Errorf("enable network domain: %w", err)
	}
	if err := chromedp.Run(navCtx, log.Enable()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to enable log domain")
	}

	var consoleLogs []ConsoleEntry
	var network_ []NetworkEntry
	var mu sync.Mutex

	chromedp.ListenTarget(navCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *log.EventEntryAdded:
			mu.Lock()
			consoleLogs = append(consoleLogs, ConsoleEntry{
				Level:  e.Entry.Level.String(),
				Text:   e.Entry.Text,
				Source: e.Entry.Source.String(),
			})
			mu.Unlock()
		case *network.EventResponseReceived:
			mu.Lock()
			network_ = append(network_, NetworkEntry{
				URL:        e.Response.URL,
				Method:     "",
				StatusCode: int(e.Response.Status),
			})
			mu.Unlock()
		case *network.EventLoadingFailed:
			mu.Lock()
			network_ = append(network_, NetworkEntry{Failed: true, ErrorText: e.ErrorText})
			mu.Unlock()
		}
	})

	var html string
	var screenshot []byte
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		waitAction(opts.WaitUntil),
		chromedp.OuterHTML("html", &html),
		chromedp.FullScreenshot(&screenshot, 90),
	)
	if err != nil {
		return nil, fmt.Errorf("capture evidence: %w", err)
	}

	har, err := buildHAR(network_)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to serialize HAR")
	}

	return &Bundle{
		Screenshot:  screenshot,
		HAR:         har,
		HTML:        html,
		ConsoleLogs: consoleLogs,
		Network:     network_,
		StatusCode:  200,
		Metadata:    map[string]string{"url": url, "capturedAt": time.Now().UTC().Format(time.RFC3339)},
	}, nil
}

func waitAction(w WaitUntil) chromedp.Action {
	switch w {
	case WaitUntilNetworkIdle:
		return chromedp.Sleep(2 * time.Second)
	case WaitUntilDOMContentLoad:
		return chromedp.WaitReady("body")
	default:
		return chromedp.Sleep(500 * time.Millisecond)
	}
}

// buildHAR serializes the captured network entries into a minimal
// HAR-shaped document (log.entries[]), enough for operator inspection
// without implementing the full HAR spec's timing fields.
func buildHAR(entries []NetworkEntry) ([]byte, error) {
	doc := map[string]interface{}{
		"log": map[string]interface{}{
			"version": "1.2",
			"creator": map[string]string{"name": "vigilscan", "version": "1.0"},
			"entries": entries,
		},
	}
	return json.Marshal(doc)
}

// Close tears down every pooled browser instance.
func (c *ChromeDPCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cancel := range c.browserCancels {
		cancel()
	}
	for _, cancel := range c.allocatorCancels {
		cancel()
	}
	c.browsers = nil
	c.browserCancels = nil
	c.allocatorCancels = nil
	c.logger.Info().Msg("chromedp evidence capturer stopped")
	return nil
}

