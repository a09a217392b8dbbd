// Package dedup tracks fingerprint occurrences and enforces per-fingerprint
// cooldown windows so repeat findings don't re-alert on every scan.
package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/vigilscan/internal/fingerprint"
	"github.com/ternarybob/vigilscan/internal/kv"
)

// Record is the observability-oriented fingerprint record kept indefinitely
// in the KV store (it has no TTL of its own; only the paired cooldown key
// expires).
type Record struct {
	Hash            string `json:"hash"`
	URL             string `json:"url"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	OccurrenceCount int64  `json:"occurrence_count"`
	StatusCode      int    `json:"status_code,omitempty"`
	Error           string `json:"error,omitempty"`
}

// CheckResult is the outcome of a deduplication check.
type CheckResult struct {
	Suppressed bool
	Reason     string
	Data       *Record
}

// Store checks and records fingerprint occurrences against a cooldown TTL.
type Store struct {
	kv kv.Store
}

// New returns a Store backed by store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// CheckDeduplication reports whether hash is currently within its cooldown
// window. Suppression is true iff the cooldown marker key exists.
func (s *Store) CheckDeduplication(ctx context.Context, hash string) (CheckResult, error) {
	exists, err := s.kv.Exists(ctx, fingerprint.CooldownKey(hash))
	if err != nil {
		return CheckResult{}, err
	}
	if !exists {
		return CheckResult{Suppressed: false}, nil
	}

	data, _ := s.loadRecord(ctx, hash)
	return CheckResult{Suppressed: true, Reason: "cooldown", Data: data}, nil
}

// RecordFinding upserts the fingerprint's observability record (incrementing
// occurrence count, stamping last_seen_at) and sets the cooldown marker with
// the given TTL. Concurrent duplicates may both upsert; the accepted race is
// "one extra occurrence counted", not strict exactly-once.
func (s *Store) RecordFinding(ctx context.Context, hash, url string, statusCode int, errText string, cooldown time.Duration) error {
	now := time.Now()

	record, err := s.loadRecord(ctx, hash)
	if err != nil || record == nil {
		record = &Record{Hash: hash, URL: url, FirstSeenAt: now}
	}
	record.URL = url
	record.LastSeenAt = now
	record.OccurrenceCount++
	record.StatusCode = statusCode
	record.Error = errText

	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, fingerprint.FingerprintKey(hash), string(encoded), 0); err != nil {
		return err
	}

	if cooldown > 0 {
		return s.kv.Set(ctx, fingerprint.CooldownKey(hash), "1", cooldown)
	}
	return nil
}

func (s *Store) loadRecord(ctx context.Context, hash string) (*Record, error) {
	raw, err := s.kv.Get(ctx, fingerprint.FingerprintKey(hash))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}
	return &record, nil
}
