package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the full process configuration: defaults, overridden by
// an optional TOML file, overridden by environment variables.
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	SQLite      SQLiteConfig    `toml:"sqlite"`
	KV          KVConfig        `toml:"kv"`
	Queue       QueueConfig     `toml:"queue"`
	Reverify    ReverifyConfig  `toml:"reverify"`
	Breaker     BreakerConfig   `toml:"breaker"`
	Fetcher     FetcherConfig   `toml:"fetcher"`
	Rules       RulesConfig     `toml:"rules"`
	Slack       SlackConfig     `toml:"slack"`
	Admin       AdminConfig     `toml:"admin"`
	Retention   RetentionConfig `toml:"retention"`
	Evidence    EvidenceConfig  `toml:"evidence"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// SQLiteConfig configures the persistent run/finding/artifact store.
type SQLiteConfig struct {
	Path           string `toml:"path"`
	Environment    string `toml:"-"` // populated from Config.Environment, not from file
	ResetOnStartup bool   `toml:"reset_on_startup"`
	WALMode        bool   `toml:"wal_mode"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
}

// KVConfig configures the Badger-backed KV store used by the rules engine,
// dedup store, breaker, and re-verify coordinator.
type KVConfig struct {
	Path string `toml:"path"`
}

// QueueConfig configures the scan and render job queues.
type QueueConfig struct {
	Path              string `toml:"path"`
	PollInterval      string `toml:"poll_interval"`
	ScanConcurrency   int    `toml:"scan_concurrency"`
	RenderConcurrency int    `toml:"render_concurrency"`
	RenderPerMinute   int    `toml:"render_per_minute"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	MaxReceive        int    `toml:"max_receive"`
}

// ReverifyConfig configures the re-verify coordinator's idempotency TTL and
// per-finding rate limit.
type ReverifyConfig struct {
	TTLSeconds            int `toml:"ttl_seconds"`
	RatePerFindingPerHour int `toml:"rate_per_finding_per_hour"`
}

// BreakerConfig configures the per-target circuit breaker.
type BreakerConfig struct {
	Enabled               bool `toml:"enabled"`
	OpenMinutes           int  `toml:"open_minutes"`
	ErrorRateThresholdPct int  `toml:"error_rate_threshold_pct"`
	ErrorRateWindow       int  `toml:"error_rate_window"`
}

// FetcherAdapter selects the HTTP client implementation the fetcher uses.
type FetcherAdapter string

const (
	// FetcherAdapterDirect performs real HTTP requests via net/http.
	FetcherAdapterDirect FetcherAdapter = "direct"
	// FetcherAdapterProxy routes requests through a configurable stub, for tests.
	FetcherAdapterProxy FetcherAdapter = "proxy"
)

// FetcherConfig configures the URL fetcher's adapter, timeout, and retries.
type FetcherConfig struct {
	Adapter   FetcherAdapter `toml:"adapter"`
	TimeoutMS int            `toml:"timeout_ms"`
	Retries   int            `toml:"retries"`
}

// RulesConfig points at the rules and allow-list documents.
type RulesConfig struct {
	RulesFile     string `toml:"rules_file"`
	AllowListFile string `toml:"allow_list_file"`
}

// SlackConfig configures the alert emitter's webhook and action link signing.
type SlackConfig struct {
	WebhookURL  string `toml:"webhook_url"`
	ActionToken string `toml:"action_token"`
}

// AdminConfig configures the Basic-Auth guarded admin/metrics surface.
type AdminConfig struct {
	Enabled  bool   `toml:"enabled"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// RetentionConfig configures the artifact/KV retention sweep.
type RetentionConfig struct {
	Days         int    `toml:"days"`
	ArtifactRoot string `toml:"artifact_root"`
	Schedule     string `toml:"schedule"`
}

// EvidenceConfig configures the render queue's headless-browser evidence capturer.
type EvidenceConfig struct {
	Mode         string `toml:"mode"` // "chromedp" or "stub"
	MaxInstances int    `toml:"max_instances"`
	Headless     bool   `toml:"headless"`
}

// LoggingConfig configures the arbor structured logger.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // debug|info|warn|error
	Format     string   `toml:"format"`      // text|json
	Output     []string `toml:"output"`      // stdout, file
	TimeFormat string   `toml:"time_format"` // time.Time layout for log timestamps
}

// NewDefaultConfig returns a configuration with every default value spec §6
// names, before any TOML file or environment variable is applied.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8000,
			Host: "0.0.0.0",
		},
		SQLite: SQLiteConfig{
			Path:          "./data/vigilscan.db",
			WALMode:       true,
			CacheSizeMB:   64,
			BusyTimeoutMS: 5000,
		},
		KV: KVConfig{
			Path: "./data/kv",
		},
		Queue: QueueConfig{
			Path:              "./data/queue",
			PollInterval:      "1s",
			ScanConcurrency:   10,
			RenderConcurrency: 2,
			RenderPerMinute:   10,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Reverify: ReverifyConfig{
			TTLSeconds:            120,
			RatePerFindingPerHour: 5,
		},
		Breaker: BreakerConfig{
			Enabled:               true,
			OpenMinutes:           20,
			ErrorRateThresholdPct: 50,
			ErrorRateWindow:       10,
		},
		Fetcher: FetcherConfig{
			Adapter:   FetcherAdapterDirect,
			TimeoutMS: 30000,
			Retries:   3,
		},
		Rules: RulesConfig{
			RulesFile:     "./config/rules.yaml",
			AllowListFile: "./config/allow_list.txt",
		},
		Slack: SlackConfig{},
		Admin: AdminConfig{
			Enabled: false,
		},
		Retention: RetentionConfig{
			Days:         7,
			ArtifactRoot: "./data/artifacts",
			Schedule:     "0 3 * * *",
		},
		Evidence: EvidenceConfig{
			Mode:         "chromedp",
			MaxInstances: 2,
			Headless:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority default -> file(s) -> env.
// Later files override earlier ones; environment variables override every
// file. Calling with no paths applies only defaults and environment.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	config.SQLite.Environment = config.Environment

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NODE_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if v := os.Getenv("REVERIFY_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Reverify.TTLSeconds = n
		}
	}
	if v := os.Getenv("REVERIFY_RATE_PER_FINDING_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Reverify.RatePerFindingPerHour = n
		}
	}

	if v := os.Getenv("BREAKER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Breaker.Enabled = b
		}
	}
	if v := os.Getenv("BREAKER_OPEN_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Breaker.OpenMinutes = n
		}
	}
	if v := os.Getenv("BREAKER_ERROR_RATE_THRESHOLD_PCT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Breaker.ErrorRateThresholdPct = n
		}
	}
	if v := os.Getenv("BREAKER_ERROR_RATE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Breaker.ErrorRateWindow = n
		}
	}

	if v := os.Getenv("FETCHER_ADAPTER"); v != "" {
		config.Fetcher.Adapter = FetcherAdapter(v)
	}
	if v := os.Getenv("FETCHER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Fetcher.TimeoutMS = n
		}
	}
	if v := os.Getenv("FETCHER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Fetcher.Retries = n
		}
	}

	if v := os.Getenv("RULES_FILE"); v != "" {
		config.Rules.RulesFile = v
	}
	if v := os.Getenv("ALLOW_LIST_FILE"); v != "" {
		config.Rules.AllowListFile = v
	}

	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		config.Slack.WebhookURL = v
	}
	if v := os.Getenv("SLACK_ACTION_TOKEN"); v != "" {
		config.Slack.ActionToken = v
	}

	if v := os.Getenv("ADMIN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Admin.Enabled = b
		}
	}
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		config.Admin.Username = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		config.Admin.Password = v
	}

	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Retention.Days = n
		}
	}
	if v := os.Getenv("RETENTION_ARTIFACT_ROOT"); v != "" {
		config.Retention.ArtifactRoot = v
	}
	if v := os.Getenv("RETENTION_SCHEDULE"); v != "" {
		config.Retention.Schedule = v
	}

	if v := os.Getenv("QUEUE_PATH"); v != "" {
		config.Queue.Path = v
	}

	if v := os.Getenv("EVIDENCE_MODE"); v != "" {
		config.Evidence.Mode = v
	}
	if v := os.Getenv("EVIDENCE_MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Evidence.MaxInstances = n
		}
	}
	if v := os.Getenv("EVIDENCE_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Evidence.Headless = b
		}
	}
}

// ApplyFlagOverrides applies CLI flag values, which take precedence over
// both the config file and environment variables.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ReverifyTTL returns the idempotency window as a time.Duration.
func (c *Config) ReverifyTTL() time.Duration {
	return time.Duration(c.Reverify.TTLSeconds) * time.Second
}

// FetcherTimeout returns the per-request fetch timeout as a time.Duration.
func (c *Config) FetcherTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutMS) * time.Millisecond
}
