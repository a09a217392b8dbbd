// Package breaker implements a per-target circuit breaker state machine
// (closed/half_open/open) backed by the shared KV store, so state is
// visible to every worker process without a dedicated coordinator.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/vigilscan/internal/kv"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

const failureWindowSize = 50

// Config tunes one breaker instance's thresholds.
type Config struct {
	Enabled               bool
	FailThreshold         int           // absolute consecutive-failure trigger
	ErrorRateThresholdPct int           // percentage trigger once the window is full enough
	ErrorRateWindow       int           // minimum samples before the rate trigger applies
	OpenDuration          time.Duration // time spent open before probing half-open
	HalfOpenProbeDelay    time.Duration // reopen duration after a failed half-open probe
}

// DefaultConfig mirrors the documented spec defaults (20 open minutes, 50%
// error rate, consecutive-failure threshold of 5). The error rate is taken
// over the most recent failureWindowSize (50) outcomes and only applies once
// at least ErrorRateWindow (10) outcomes are recorded; the window is not
// trimmed to ErrorRateWindow.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		FailThreshold:         5,
		ErrorRateThresholdPct: 50,
		ErrorRateWindow:       10,
		OpenDuration:          20 * time.Minute,
		HalfOpenProbeDelay:    40 * time.Minute,
	}
}

// Stats is the observability snapshot returned by GetStats/GetAllStats.
type Stats struct {
	TargetID     string    `json:"target_id"`
	State        State     `json:"state"`
	FailCount    int64     `json:"fail_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	NextProbeETA time.Time `json:"next_probe_eta,omitempty"`
	FailureRate  float64   `json:"failure_rate"`
}

type stateRecord struct {
	State    State     `json:"state"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	NextProbe time.Time `json:"next_probe,omitempty"`
}

// Breaker is a value owning its configuration and KV handle. It is the sole
// meaningful stateful service in the domain layer; every other component is
// a stateless request processor over the KV store.
type Breaker struct {
	kv     kv.Store
	config Config
}

// New returns a Breaker using store for all state.
func New(store kv.Store, config Config) *Breaker {
	return &Breaker{kv: store, config: config}
}

func stateKey(target string) string    { return fmt.Sprintf("cb:%s:state", target) }
func failCountKey(target string) string { return fmt.Sprintf("cb:%s:fail_count", target) }
func windowKey(target string) string    { return fmt.Sprintf("cb:%s:window", target) }

func (b *Breaker) readState(ctx context.Context, target string) (stateRecord, error) {
	raw, err := b.kv.Get(ctx, stateKey(target))
	if err != nil {
		if err == kv.ErrNotFound {
			return stateRecord{State: StateClosed}, nil
		}
		return stateRecord{}, err
	}
	var rec stateRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return stateRecord{State: StateClosed}, nil
	}
	return rec, nil
}

func (b *Breaker) writeState(ctx context.Context, target string, rec stateRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.kv.Set(ctx, stateKey(target), string(encoded), 0)
}

// GetState returns the target's current state, transitioning open ->
// half_open in-place if next_probe has elapsed.
func (b *Breaker) GetState(ctx context.Context, target string) (State, error) {
	rec, err := b.readState(ctx, target)
	if err != nil {
		return StateClosed, err
	}

	if rec.State == StateOpen && !rec.NextProbe.IsZero() && time.Now().After(rec.NextProbe) {
		rec.State = StateHalfOpen
		if err := b.writeState(ctx, target, rec); err != nil {
			return StateClosed, err
		}
	}

	return rec.State, nil
}

// ShouldSkip reports whether callers must not issue the real request right
// now because the breaker is open.
func (b *Breaker) ShouldSkip(ctx context.Context, target string) (bool, error) {
	if !b.config.Enabled {
		return false, nil
	}
	state, err := b.GetState(ctx, target)
	if err != nil {
		return false, err
	}
	return state == StateOpen, nil
}

// RecordSuccess records a successful probe against target.
func (b *Breaker) RecordSuccess(ctx context.Context, target string) error {
	state, err := b.GetState(ctx, target)
	if err != nil {
		return err
	}

	switch state {
	case StateHalfOpen:
		if err := b.kv.Del(ctx, failCountKey(target)); err != nil {
			return err
		}
		if err := b.kv.Del(ctx, windowKey(target)); err != nil {
			return err
		}
		return b.writeState(ctx, target, stateRecord{State: StateClosed})
	default:
		if err := b.kv.LPush(ctx, windowKey(target), "1"); err != nil {
			return err
		}
		if err := b.kv.LTrim(ctx, windowKey(target), 0, failureWindowSize-1); err != nil {
			return err
		}
		return b.kv.Del(ctx, failCountKey(target))
	}
}

// RecordFailure records a failed probe against target, opening the breaker
// if the consecutive-failure threshold or windowed error rate is exceeded
// (in closed state), or reopening it with a longer backoff (in half_open).
func (b *Breaker) RecordFailure(ctx context.Context, target string) error {
	state, err := b.GetState(ctx, target)
	if err != nil {
		return err
	}

	if state == StateHalfOpen {
		now := time.Now()
		return b.writeState(ctx, target, stateRecord{
			State:     StateOpen,
			OpenedAt:  now,
			NextProbe: now.Add(b.config.HalfOpenProbeDelay),
		})
	}

	if err := b.kv.LPush(ctx, windowKey(target), "0"); err != nil {
		return err
	}
	if err := b.kv.LTrim(ctx, windowKey(target), 0, failureWindowSize-1); err != nil {
		return err
	}
	failCount, err := b.kv.Incr(ctx, failCountKey(target))
	if err != nil {
		return err
	}

	window, err := b.kv.LRange(ctx, windowKey(target), 0, failureWindowSize-1)
	if err != nil {
		return err
	}

	shouldOpen := int(failCount) >= b.config.FailThreshold
	if !shouldOpen && len(window) >= b.config.ErrorRateWindow {
		failures := 0
		for _, v := range window {
			if v == "0" {
				failures++
			}
		}
		rate := float64(failures) / float64(len(window)) * 100
		if rate >= float64(b.config.ErrorRateThresholdPct) {
			shouldOpen = true
		}
	}

	if shouldOpen {
		now := time.Now()
		return b.writeState(ctx, target, stateRecord{
			State:     StateOpen,
			OpenedAt:  now,
			NextProbe: now.Add(b.config.OpenDuration),
		})
	}
	return nil
}

// Reset clears every key for target, returning it to the default closed
// state.
func (b *Breaker) Reset(ctx context.Context, target string) error {
	for _, key := range []string{stateKey(target), failCountKey(target), windowKey(target)} {
		if err := b.kv.Del(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns an observability snapshot for one target.
func (b *Breaker) GetStats(ctx context.Context, target string) (Stats, error) {
	rec, err := b.readState(ctx, target)
	if err != nil {
		return Stats{}, err
	}

	failCountRaw, _ := b.kv.Get(ctx, failCountKey(target))
	var failCount int64
	if failCountRaw != "" {
		fmt.Sscanf(failCountRaw, "%d", &failCount)
	}

	window, _ := b.kv.LRange(ctx, windowKey(target), 0, failureWindowSize-1)
	var rate float64
	if len(window) > 0 {
		failures := 0
		for _, v := range window {
			if v == "0" {
				failures++
			}
		}
		rate = float64(failures) / float64(len(window)) * 100
	}

	return Stats{
		TargetID:     target,
		State:        rec.State,
		FailCount:    failCount,
		OpenedAt:     rec.OpenedAt,
		NextProbeETA: rec.NextProbe,
		FailureRate:  rate,
	}, nil
}

// GetAllStats scans cb:*:state for every known target and returns its stats.
func (b *Breaker) GetAllStats(ctx context.Context) ([]Stats, error) {
	keys, err := b.kv.Keys(ctx, "cb:*:state")
	if err != nil {
		return nil, err
	}

	stats := make([]Stats, 0, len(keys))
	for _, key := range keys {
		target := extractTarget(key)
		if target == "" {
			continue
		}
		s, err := b.GetStats(ctx, target)
		if err != nil {
			continue
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func extractTarget(stateKey string) string {
	const prefix = "cb:"
	const suffix = ":state"
	if len(stateKey) <= len(prefix)+len(suffix) {
		return ""
	}
	return stateKey[len(prefix) : len(stateKey)-len(suffix)]
}
