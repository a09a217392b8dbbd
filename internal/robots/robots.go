// Package robots fetches, parses, and caches per-origin robots.txt rules.
// Grounded on the pack's rohmanhakim-docs-crawler robots fetcher/parser,
// adapted to cache through the shared kv.Store instead of a bespoke cache.
package robots

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/kv"
)

const (
	cacheTTL    = 600 * time.Second
	fetchTimeout = 5 * time.Second
	maxBodySize  = 500 * 1024
)

// pathRule is a single Allow/Disallow path prefix.
type pathRule struct {
	Prefix string `json:"prefix"`
}

// ruleSet is the cached, parsed form of one origin's robots.txt for a
// specific (resolved) user-agent group.
type ruleSet struct {
	Host          string     `json:"host"`
	AllowRules    []pathRule `json:"allow_rules"`
	DisallowRules []pathRule `json:"disallow_rules"`
	FetchedAt     time.Time  `json:"fetched_at"`
	Empty         bool       `json:"empty"` // true when no robots.txt existed or it was unparseable (allow everything)
}

// Cache answers isAllowedByRobots(url, userAgent) questions, fetching and
// parsing an origin's robots.txt on cache miss.
type Cache struct {
	store      kv.Store
	httpClient *http.Client
	userAgent  string
	logger     arbor.ILogger
}

// New returns a Cache backed by store, issuing fetches as userAgent.
func New(store kv.Store, userAgent string, logger arbor.ILogger) *Cache {
	return &Cache{
		store:      store,
		httpClient: &http.Client{Timeout: fetchTimeout},
		userAgent:  userAgent,
		logger:     logger,
	}
}

func cacheKey(origin string) string {
	return "robots:" + origin
}

// IsAllowedByRobots reports whether rawURL may be fetched under the "*"
// user-agent section of its origin's robots.txt. The userAgent argument
// does not select a section: named user-agent sections are never consulted.
// Any fetch/parse failure, the absence of a robots.txt, or the absence of a
// "*" section allows the request.
func (c *Cache) IsAllowedByRobots(ctx context.Context, rawURL string, userAgent string) bool {
	if userAgent == "" {
		userAgent = "*"
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	origin := parsed.Scheme + "://" + parsed.Host

	rs, err := c.getRuleSet(ctx, origin)
	if err != nil {
		c.logger.Warn().Err(err).Str("origin", origin).Msg("robots fetch failed, allowing by default")
		return true
	}
	if rs.Empty {
		return true
	}

	return decide(rs, parsed.Path)
}

func (c *Cache) getRuleSet(ctx context.Context, origin string) (ruleSet, error) {
	key := cacheKey(origin)

	if cached, err := c.store.Get(ctx, key); err == nil {
		var rs ruleSet
		if jsonErr := json.Unmarshal([]byte(cached), &rs); jsonErr == nil {
			return rs, nil
		}
	}

	rs, fetchErr := c.fetchAndParse(ctx, origin)
	if fetchErr != nil {
		// Cache the "allow everything" fallback too, so a flaky origin
		// doesn't get re-fetched on every single URL.
		rs = ruleSet{Host: origin, Empty: true, FetchedAt: time.Now()}
	}

	if encoded, err := json.Marshal(rs); err == nil {
		_ = c.store.Set(ctx, key, string(encoded), cacheTTL)
	}

	return rs, fetchErr
}

func (c *Cache) fetchAndParse(ctx context.Context, origin string) (ruleSet, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return ruleSet{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ruleSet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ruleSet{Host: origin, Empty: true, FetchedAt: time.Now()}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return ruleSet{}, err
	}
	if len(body) > maxBodySize {
		body = body[:maxBodySize]
	}

	return parse(origin, string(body)), nil
}

// parse parses robots.txt content and maps it down to the single ruleSet
// for the wildcard ("*") user-agent group (the last one, if several). There
// is no fallback to a named group: without a "*" group the ruleSet is
// Empty. Crawl-delay lines are ignored.
func parse(origin, content string) ruleSet {
	type group struct {
		agents    []string
		allows    []pathRule
		disallows []pathRule
	}

	var groups []*group
	var current *group

	for _, rawLine := range strings.Split(content, "\n") {
		line := rawLine
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}
		field := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])

		switch field {
		case "user-agent":
			if current == nil || len(current.allows) > 0 || len(current.disallows) > 0 {
				current = &group{}
				groups = append(groups, current)
			}
			current.agents = append(current.agents, value)
		case "allow":
			if current != nil && value != "" {
				current.allows = append(current.allows, pathRule{Prefix: normalizePath(value)})
			}
		case "disallow":
			if current != nil && value != "" {
				current.disallows = append(current.disallows, pathRule{Prefix: normalizePath(value)})
			}
		}
	}

	var best *group
	for _, g := range groups {
		for _, agent := range g.agents {
			if agent == "*" {
				best = g
			}
		}
	}

	rs := ruleSet{Host: origin, FetchedAt: time.Now()}
	if best == nil {
		rs.Empty = true
		return rs
	}
	rs.AllowRules = best.allows
	rs.DisallowRules = best.disallows
	return rs
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// decide applies the Allow-overrides-Disallow precedence: the longest
// matching rule (of either kind) wins; ties favor Allow.
func decide(rs ruleSet, path string) bool {
	bestAllowLen, bestDisallowLen := -1, -1

	for _, rule := range rs.AllowRules {
		if strings.HasPrefix(path, rule.Prefix) && len(rule.Prefix) > bestAllowLen {
			bestAllowLen = len(rule.Prefix)
		}
	}
	for _, rule := range rs.DisallowRules {
		if strings.HasPrefix(path, rule.Prefix) && len(rule.Prefix) > bestDisallowLen {
			bestDisallowLen = len(rule.Prefix)
		}
	}

	if bestDisallowLen == -1 {
		return true
	}
	if bestAllowLen == -1 {
		return false
	}
	return bestAllowLen >= bestDisallowLen
}

// CacheKeyForTest exposes cacheKey for tests in this package's external
// test file.
func CacheKeyForTest(origin string) string {
	return cacheKey(origin)
}
