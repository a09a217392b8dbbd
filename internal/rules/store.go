// Package rules loads the rules document and resolves effective per-URL
// settings (cooldown, latency threshold, robots enforcement, maintenance
// windows), then composes those with the allow-list, robots cache, and
// dedup store into a single suppression decision.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"
)

// MaintenanceWindow is an explicit time range during which a matching rule's
// URLs produce no alerts.
type MaintenanceWindow struct {
	Start       time.Time `yaml:"start"`
	End         time.Time `yaml:"end"`
	Description string    `yaml:"description,omitempty"`
}

// Defaults holds the document-wide fallback values.
type Defaults struct {
	CooldownSeconds            int  `yaml:"cooldownSeconds"`
	LatencyMsThreshold         int  `yaml:"latencyMsThreshold"`
	RespectRobots              bool `yaml:"respectRobots"`
	SuppressDuringMaintenance  bool `yaml:"suppressDuringMaintenance"`
}

// Rule is a single URL-pattern-bound override of the defaults.
type Rule struct {
	ID                        string              `yaml:"id"`
	Pattern                   string              `yaml:"pattern"`
	CooldownSeconds            *int                `yaml:"cooldownSeconds,omitempty"`
	LatencyMsThreshold         *int                `yaml:"latencyMsThreshold,omitempty"`
	RespectRobots              *bool               `yaml:"respectRobots,omitempty"`
	Maintenance                []MaintenanceWindow `yaml:"maintenance,omitempty"`
	SuppressDuringMaintenance  *bool               `yaml:"suppressDuringMaintenance,omitempty"`
}

// Document is the top-level rules file schema.
type Document struct {
	Defaults Defaults `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`
}

// Store holds a validated, atomically-reloadable rules Document.
type Store struct {
	doc atomic.Pointer[Document]
}

// NewStore returns a Store with an empty (defaults-only) document.
func NewStore() *Store {
	s := &Store{}
	s.doc.Store(&Document{})
	return s
}

// LoadFromFile reads and validates a YAML rules document from path,
// replacing the current document atomically on success. On validation or
// parse failure, the previous document is left in place and the error is
// returned for the caller to log.
func (s *Store) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse rules file %s: %w", path, err)
	}

	if err := validate(&doc); err != nil {
		return fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	s.doc.Store(&doc)
	return nil
}

func validate(doc *Document) error {
	if doc.Defaults.CooldownSeconds < 0 {
		return fmt.Errorf("defaults.cooldownSeconds must be >= 0")
	}
	if doc.Defaults.LatencyMsThreshold < 0 {
		return fmt.Errorf("defaults.latencyMsThreshold must be >= 0")
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule[%d]: id must not be empty", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true

		if r.Pattern == "" {
			return fmt.Errorf("rule %q: pattern must not be empty", r.ID)
		}
		if _, err := regexp.Compile(wildcardToRegexp(r.Pattern)); err != nil {
			return fmt.Errorf("rule %q: pattern does not compile: %w", r.ID, err)
		}
		if r.CooldownSeconds != nil && *r.CooldownSeconds < 0 {
			return fmt.Errorf("rule %q: cooldownSeconds must be >= 0", r.ID)
		}
		if r.LatencyMsThreshold != nil && *r.LatencyMsThreshold < 0 {
			return fmt.Errorf("rule %q: latencyMsThreshold must be >= 0", r.ID)
		}
		for j, w := range r.Maintenance {
			if !w.Start.Before(w.End) {
				return fmt.Errorf("rule %q: maintenance[%d] start must be before end", r.ID, j)
			}
		}
	}
	return nil
}

// wildcardToRegexp exists only to sanity-check pattern compilability during
// validation; actual matching uses go-wildcard directly.
func wildcardToRegexp(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	return strings.ReplaceAll(escaped, regexp.QuoteMeta("*"), ".*")
}

// FindMatchingRule returns the first rule whose pattern matches url, or nil.
func (s *Store) FindMatchingRule(url string) *Rule {
	doc := s.doc.Load()
	candidate := strings.ToLower(url)
	for i := range doc.Rules {
		if wildcard.Match(strings.ToLower(doc.Rules[i].Pattern), candidate) {
			return &doc.Rules[i]
		}
	}
	return nil
}

// Defaults returns the document-wide defaults.
func (s *Store) Defaults() Defaults {
	return s.doc.Load().Defaults
}

// EffectiveCooldownSeconds resolves rule override -> defaults.
func (s *Store) EffectiveCooldownSeconds(rule *Rule) int {
	if rule != nil && rule.CooldownSeconds != nil {
		return *rule.CooldownSeconds
	}
	return s.Defaults().CooldownSeconds
}

// EffectiveLatencyMsThreshold resolves rule override -> defaults.
func (s *Store) EffectiveLatencyMsThreshold(rule *Rule) int {
	if rule != nil && rule.LatencyMsThreshold != nil {
		return *rule.LatencyMsThreshold
	}
	return s.Defaults().LatencyMsThreshold
}

// EffectiveRespectRobots resolves rule override -> defaults.
func (s *Store) EffectiveRespectRobots(rule *Rule) bool {
	if rule != nil && rule.RespectRobots != nil {
		return *rule.RespectRobots
	}
	return s.Defaults().RespectRobots
}

// EffectiveSuppressDuringMaintenance resolves rule override -> defaults.
func (s *Store) EffectiveSuppressDuringMaintenance(rule *Rule) bool {
	if rule != nil && rule.SuppressDuringMaintenance != nil {
		return *rule.SuppressDuringMaintenance
	}
	return s.Defaults().SuppressDuringMaintenance
}

// IsInMaintenanceWindow reports whether now falls within any of rule's
// maintenance windows.
func IsInMaintenanceWindow(rule *Rule, now time.Time) bool {
	if rule == nil {
		return false
	}
	for _, w := range rule.Maintenance {
		if (now.Equal(w.Start) || now.After(w.Start)) && now.Before(w.End) {
			return true
		}
	}
	return false
}

// ShouldSuppressDuringMaintenance reports whether rule is both in a
// maintenance window right now and configured to suppress during it.
func (s *Store) ShouldSuppressDuringMaintenance(rule *Rule, now time.Time) bool {
	return IsInMaintenanceWindow(rule, now) && s.EffectiveSuppressDuringMaintenance(rule)
}
