package rules

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/allowlist"
	"github.com/ternarybob/vigilscan/internal/dedup"
	"github.com/ternarybob/vigilscan/internal/fingerprint"
	"github.com/ternarybob/vigilscan/internal/robots"
)

// ErrorType categorizes the outcome a fetch attempt produced, feeding both
// the fingerprint's error component and the suppression decision.
type ErrorType string

const (
	ErrorType5xx     ErrorType = "5xx"
	ErrorTypeLatency ErrorType = "latency"
	ErrorTypeTimeout ErrorType = "timeout"
	ErrorTypeNetwork ErrorType = "network"
)

// Decision is the outcome of checking a URL against the rules engine.
type Decision struct {
	Suppressed  bool
	Reason      string // "allowlist", "maintenance", "robots", "cooldown", or ""
	Fingerprint string
}

// Engine composes the allow-list, maintenance windows, robots cache, and
// dedup store behind the rules store's per-URL effective settings into a
// single ordered suppression decision.
type Engine struct {
	rules     *Store
	allowlist *allowlist.List
	robots    *robots.Cache
	dedup     *dedup.Store
	logger    arbor.ILogger
}

// NewEngine wires the four composed components into an Engine.
func NewEngine(rulesStore *Store, allowList *allowlist.List, robotsCache *robots.Cache, dedupStore *dedup.Store, logger arbor.ILogger) *Engine {
	return &Engine{rules: rulesStore, allowlist: allowList, robots: robotsCache, dedup: dedupStore, logger: logger}
}

// CheckSuppression runs the ordered checks (allow-list, maintenance, robots,
// cooldown) and returns the first one that fires. If none does, it records
// the finding in the dedup store and returns a fingerprint for the caller to
// persist. Internal errors fail open: the engine logs and returns
// not-suppressed rather than blocking the caller.
func (e *Engine) CheckSuppression(ctx context.Context, url string, errType ErrorType, status int, errText string, latencyMs int) Decision {
	if !e.allowlist.IsAllowed(url) {
		return Decision{Suppressed: true, Reason: "allowlist"}
	}

	rule := e.rules.FindMatchingRule(url)

	if e.rules.ShouldSuppressDuringMaintenance(rule, time.Now()) {
		return Decision{Suppressed: true, Reason: "maintenance"}
	}

	if e.rules.EffectiveRespectRobots(rule) {
		if !e.robots.IsAllowedByRobots(ctx, url, "*") {
			return Decision{Suppressed: true, Reason: "robots"}
		}
	}

	latencyForHash := -1
	if errType == ErrorTypeLatency {
		latencyForHash = latencyMs
	}
	hash := fingerprint.Fingerprint(url, status, string(errType)+":"+errText, latencyForHash)

	check, err := e.dedup.CheckDeduplication(ctx, hash)
	if err != nil {
		e.logger.Warn().Err(err).Str("url", url).Msg("dedup check failed, failing open")
		return Decision{Suppressed: false, Fingerprint: hash}
	}
	if check.Suppressed {
		return Decision{Suppressed: true, Reason: "cooldown", Fingerprint: hash}
	}

	cooldown := time.Duration(e.rules.EffectiveCooldownSeconds(rule)) * time.Second
	if err := e.dedup.RecordFinding(ctx, hash, url, status, errText, cooldown); err != nil {
		e.logger.Warn().Err(err).Str("url", url).Msg("dedup record failed, failing open")
	}

	return Decision{Suppressed: false, Fingerprint: hash}
}

// ShouldAlertLatency reports whether latencyMs exceeds the effective
// threshold for url's matching rule.
func (e *Engine) ShouldAlertLatency(url string, latencyMs int) bool {
	rule := e.rules.FindMatchingRule(url)
	return latencyMs > e.rules.EffectiveLatencyMsThreshold(rule)
}
