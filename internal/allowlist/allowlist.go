// Package allowlist implements the wildcard-pattern URL gate: an empty list
// allows everything, otherwise a URL must match at least one loaded pattern.
package allowlist

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// List is a reloadable, concurrency-safe set of case-insensitive wildcard
// patterns. The zero value (no patterns loaded) allows every URL.
type List struct {
	patterns atomic.Pointer[[]string]
	mu       sync.Mutex // serializes reloads; reads never block on this
}

// New returns an empty List (allows everything until Load/Reload is called).
func New() *List {
	l := &List{}
	empty := []string{}
	l.patterns.Store(&empty)
	return l
}

// LoadFromFile reads patterns from path: one pattern per non-empty,
// non-"#"-prefixed line, CSV or line-separated. Replaces the current set
// atomically.
func (l *List) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				patterns = append(patterns, strings.ToLower(part))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns.Store(&patterns)
	return nil
}

// Reload is an alias for LoadFromFile, kept distinct for call-site clarity
// when reloading an already-loaded list from its original path.
func (l *List) Reload(path string) error {
	return l.LoadFromFile(path)
}

// IsAllowed reports whether any loaded pattern matches within rawURL.
// Patterns are not anchored, so "example.com/*" matches
// "https://example.com/x". An empty pattern set allows everything.
func (l *List) IsAllowed(rawURL string) bool {
	patterns := *l.patterns.Load()
	if len(patterns) == 0 {
		return true
	}

	candidate := strings.ToLower(rawURL)
	for _, pattern := range patterns {
		if wildcard.Match("*"+pattern+"*", candidate) {
			return true
		}
	}
	return false
}

// Patterns returns a snapshot of the currently loaded patterns.
func (l *List) Patterns() []string {
	current := *l.patterns.Load()
	out := make([]string, len(current))
	copy(out, current)
	return out
}
