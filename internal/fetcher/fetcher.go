// Package fetcher wraps HTTP probing with retries, timeouts, circuit
// breaker integration, and rules-engine suppression, behind a pluggable
// adapter so tests can swap in a stub transport.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/alert"
	"github.com/ternarybob/vigilscan/internal/breaker"
	"github.com/ternarybob/vigilscan/internal/rules"
)

// Options configures a single Fetch call.
type Options struct {
	Method          string
	Headers         map[string]string
	Body            []byte
	TimeoutMS       int
	Retries         int
	FollowRedirects bool
	TargetID        string // enables breaker integration when non-empty
	FindingID       string // threaded into any alert this probe produces, for action links
}

// DefaultOptions returns the documented defaults: GET, 30s timeout, 3
// retries, redirects followed.
func DefaultOptions() Options {
	return Options{Method: http.MethodGet, TimeoutMS: 30000, Retries: 3, FollowRedirects: true}
}

// Result is the outcome of a Fetch call.
type Result struct {
	Status    int
	Body      []byte
	Headers   http.Header
	Error     string
	LatencyMs int
	Success   bool
	Attempts  int
	Skipped   bool
	Reason    string
	Decision  rules.Decision // zero value if no rules engine was wired or no check ran
}

// Adapter performs a single HTTP attempt. It is the pluggable seam between
// the direct production transport and a test/stub proxy transport.
type Adapter interface {
	Do(ctx context.Context, url string, opts Options) (status int, body []byte, headers http.Header, err error)
}

// Fetcher composes an Adapter with the retry policy, circuit breaker, rules
// engine, and alert emitter.
type Fetcher struct {
	adapter Adapter
	breaker *breaker.Breaker
	engine  *rules.Engine
	alerter *alert.Emitter
	logger  arbor.ILogger
}

// New wires an adapter with the breaker, rules engine, and alert emitter.
// breakerSvc, engine, and alerter may be nil to disable that integration
// (e.g. ad-hoc probes with no target scoping).
func New(adapter Adapter, breakerSvc *breaker.Breaker, engine *rules.Engine, alerter *alert.Emitter, logger arbor.ILogger) *Fetcher {
	return &Fetcher{adapter: adapter, breaker: breakerSvc, engine: engine, alerter: alerter, logger: logger}
}

// Fetch performs the documented algorithm: breaker short-circuit, retried
// attempts with exponential backoff, and breaker/rules-engine/alert
// side-effects per the outcome.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) Result {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.TimeoutMS == 0 {
		opts.TimeoutMS = 30000
	}

	if opts.TargetID != "" && f.breaker != nil {
		skip, err := f.breaker.ShouldSkip(ctx, opts.TargetID)
		if err != nil {
			f.logger.Warn().Err(err).Str("target", opts.TargetID).Msg("breaker check failed, proceeding")
		} else if skip {
			return Result{Success: false, Skipped: true, Reason: "breaker_open"}
		}
	}

	policy := newRetryPolicy(opts.Retries)
	var result Result

	for attempt := 0; attempt < policy.maxAttempts; attempt++ {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
		status, body, headers, err := f.adapter.Do(attemptCtx, url, opts)
		cancel()
		latency := time.Since(start)

		result = Result{
			Status:    status,
			Body:      body,
			Headers:   headers,
			LatencyMs: int(latency.Milliseconds()),
			Attempts:  attempt + 1,
		}
		if err != nil {
			result.Error = err.Error()
		}
		result.Success = err == nil && status >= 200 && status < 300

		if result.Success || !policy.shouldRetry(attempt, status, err) {
			break
		}

		backoff := policy.calculateBackoff(attempt)
		select {
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			return result
		case <-time.After(backoff):
		}
	}

	result.Decision = f.recordOutcome(ctx, url, opts, result)
	return result
}

// recordOutcome applies breaker/rules-engine/alert side effects for one
// completed Fetch and returns the rules-engine decision (zero value if no
// engine was wired or no suppression check ran), so the caller can persist
// the same decision it already paid to compute instead of re-deriving it.
func (f *Fetcher) recordOutcome(ctx context.Context, url string, opts Options, result Result) rules.Decision {
	if opts.TargetID != "" && f.breaker != nil {
		var err error
		if result.Success {
			err = f.breaker.RecordSuccess(ctx, opts.TargetID)
		} else if isServerOrNetworkFailure(result) {
			err = f.breaker.RecordFailure(ctx, opts.TargetID)
		}
		if err != nil {
			f.logger.Warn().Err(err).Str("target", opts.TargetID).Msg("breaker record failed")
		}
	}

	if f.engine == nil {
		return rules.Decision{}
	}

	if result.Success {
		if f.engine.ShouldAlertLatency(url, result.LatencyMs) {
			return f.checkAndAlert(ctx, url, opts.FindingID, rules.ErrorTypeLatency, result.Status, "", result.LatencyMs)
		}
		return rules.Decision{}
	}

	errType := classifyFailure(result)
	return f.checkAndAlert(ctx, url, opts.FindingID, errType, result.Status, result.Error, result.LatencyMs)
}

func (f *Fetcher) checkAndAlert(ctx context.Context, rawURL, findingID string, errType rules.ErrorType, status int, errText string, latencyMs int) rules.Decision {
	decision := f.engine.CheckSuppression(ctx, rawURL, errType, status, errText, latencyMs)
	if decision.Suppressed {
		return decision
	}
	if f.alerter != nil {
		host, path := splitURL(rawURL)
		f.alerter.SendAlert(ctx, alert.Alert{
			FindingID:   findingID,
			URL:         rawURL,
			ErrorType:   string(errType),
			Status:      status,
			LatencyMs:   latencyMs,
			Error:       errText,
			Fingerprint: decision.Fingerprint,
			Timestamp:   time.Now(),
			Host:        host,
			Path:        path,
		})
	}
	return decision
}

// splitURL returns the host and path components of rawURL, falling back to
// empty strings if it doesn't parse.
func splitURL(rawURL string) (host, path string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	return u.Host, u.Path
}

func isServerOrNetworkFailure(r Result) bool {
	if r.Status >= 500 {
		return true
	}
	return r.Error != ""
}

func classifyFailure(r Result) rules.ErrorType {
	if r.Error != "" {
		lower := strings.ToLower(r.Error)
		if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
			return rules.ErrorTypeTimeout
		}
		return rules.ErrorTypeNetwork
	}
	return rules.ErrorType5xx
}

// DirectAdapter performs real HTTP requests via net/http. This is the
// production adapter.
type DirectAdapter struct {
	client *http.Client
}

// NewDirectAdapter returns a DirectAdapter whose http.Client follows
// redirects according to opts passed per-call (opts.FollowRedirects is
// honored by toggling CheckRedirect per request via a wrapping client).
func NewDirectAdapter() *DirectAdapter {
	return &DirectAdapter{client: &http.Client{}}
}

func (a *DirectAdapter) Do(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
	var bodyReader io.Reader
	if len(opts.Body) > 0 {
		bodyReader = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, url, bodyReader)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := a.client
	if !opts.FollowRedirects {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

// ProxyAdapter routes requests through a configurable stub function,
// implementing the same contract as DirectAdapter for tests.
type ProxyAdapter struct {
	Handler func(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error)
}

func (a *ProxyAdapter) Do(ctx context.Context, url string, opts Options) (int, []byte, http.Header, error) {
	return a.Handler(ctx, url, opts)
}
