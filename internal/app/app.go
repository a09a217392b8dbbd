// -----------------------------------------------------------------------
// Last Modified: Wednesday, 5th November 2025 8:17:54 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigilscan/internal/alert"
	"github.com/ternarybob/vigilscan/internal/allowlist"
	"github.com/ternarybob/vigilscan/internal/breaker"
	"github.com/ternarybob/vigilscan/internal/common"
	"github.com/ternarybob/vigilscan/internal/dedup"
	"github.com/ternarybob/vigilscan/internal/evidence"
	"github.com/ternarybob/vigilscan/internal/fetcher"
	"github.com/ternarybob/vigilscan/internal/jobs"
	"github.com/ternarybob/vigilscan/internal/kv"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
	"github.com/ternarybob/vigilscan/internal/queue"
	"github.com/ternarybob/vigilscan/internal/retention"
	"github.com/ternarybob/vigilscan/internal/reverify"
	"github.com/ternarybob/vigilscan/internal/robots"
	"github.com/ternarybob/vigilscan/internal/rules"
	storagebadger "github.com/ternarybob/vigilscan/internal/storage/badger"
	"github.com/ternarybob/vigilscan/internal/storage/sqlite"
)

// App holds every wired component a running vigilscan process needs: the
// persistent stores, the scan/render pipeline, and the HTTP-facing
// coordinators. Built once in New and torn down once in Close.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	SQLite *sqlite.SQLiteDB
	Badger *storagebadger.BadgerDB
	KV     kv.Store

	AllowList *allowlist.List
	Robots    *robots.Cache
	RulesDoc  *rules.Store
	Dedup     *dedup.Store
	Breaker   *breaker.Breaker
	Rules     *rules.Engine

	Fetcher *fetcher.Fetcher
	Alerter *alert.Emitter

	Lifecycle *lifecycle.Store

	ScanQueue   *queue.BadgerManager
	RenderQueue *queue.BadgerManager
	ScanPool    *queue.WorkerPool
	RenderPool  *queue.WorkerPool

	ScanEnqueuer   *jobs.ScanEnqueuer
	RenderEnqueuer *jobs.RenderEnqueuer

	Evidence  evidence.Capturer
	Reverify  *reverify.Coordinator
	Retention *retention.Sweeper
}

// New initializes every component and wires them together, but does not
// start background workers - call Start for that.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := a.initRulesPipeline(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize rules pipeline: %w", err)
	}

	a.Fetcher = fetcher.New(fetcherAdapter(cfg), a.Breaker, a.Rules, a.Alerter, logger)

	if err := a.initQueues(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize queues: %w", err)
	}

	if err := a.initEvidence(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize evidence capturer: %w", err)
	}

	a.registerJobHandlers()

	a.Reverify = reverify.New(a.KV, a.Lifecycle, a.ScanEnqueuer, logger)

	retentionCfg := retention.Config{
		RetentionDays: cfg.Retention.Days,
		ArtifactRoot:  cfg.Retention.ArtifactRoot,
		Schedule:      cfg.Retention.Schedule,
	}
	a.Retention = retention.New(a.Lifecycle, retentionCfg, logger)

	logger.Info().
		Str("environment", cfg.Environment).
		Str("fetcher_adapter", string(cfg.Fetcher.Adapter)).
		Str("evidence_mode", cfg.Evidence.Mode).
		Msg("application initialization complete")

	return a, nil
}

// initStorage opens the SQLite run/finding store, the badgerhold queue
// store, and the raw-Badger KV store.
func (a *App) initStorage() error {
	sqliteCfg := a.Config.SQLite
	sqliteCfg.Environment = a.Config.Environment
	sqliteDB, err := sqlite.NewSQLiteDB(a.Logger, &sqliteCfg)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	a.SQLite = sqliteDB
	a.Lifecycle = lifecycle.NewStore(sqliteDB.DB())

	badgerDB, err := storagebadger.NewBadgerDB(a.Config.Queue.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("badgerhold queue store: %w", err)
	}
	a.Badger = badgerDB

	kvStore, err := kv.NewBadgerStore(a.Config.KV.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("kv store: %w", err)
	}
	a.KV = kvStore

	return nil
}

// initRulesPipeline wires the allow-list, robots cache, rules store, dedup
// store, breaker, and rules engine - the C2-C7 suppression pipeline.
func (a *App) initRulesPipeline() error {
	a.AllowList = allowlist.New()
	if a.Config.Rules.AllowListFile != "" {
		if err := a.AllowList.LoadFromFile(a.Config.Rules.AllowListFile); err != nil {
			a.Logger.Warn().Err(err).Str("path", a.Config.Rules.AllowListFile).Msg("failed to load allow-list, starting empty")
		}
	}

	a.RulesDoc = rules.NewStore()
	if a.Config.Rules.RulesFile != "" {
		if err := a.RulesDoc.LoadFromFile(a.Config.Rules.RulesFile); err != nil {
			a.Logger.Warn().Err(err).Str("path", a.Config.Rules.RulesFile).Msg("failed to load rules file, starting with defaults")
		}
	}

	a.Robots = robots.New(a.KV, "vigilscan-bot/1.0", a.Logger)
	a.Dedup = dedup.New(a.KV)

	breakerCfg := breaker.Config{
		Enabled:               a.Config.Breaker.Enabled,
		FailThreshold:         5,
		ErrorRateThresholdPct: a.Config.Breaker.ErrorRateThresholdPct,
		ErrorRateWindow:       a.Config.Breaker.ErrorRateWindow,
		OpenDuration:          time.Duration(a.Config.Breaker.OpenMinutes) * time.Minute,
		HalfOpenProbeDelay:    2 * time.Duration(a.Config.Breaker.OpenMinutes) * time.Minute,
	}
	a.Breaker = breaker.New(a.KV, breakerCfg)

	a.Rules = rules.NewEngine(a.RulesDoc, a.AllowList, a.Robots, a.Dedup, a.Logger)

	a.Alerter = alert.New(a.Config.Slack.WebhookURL, a.Config.Slack.ActionToken,
		fmt.Sprintf("http://%s:%d", a.Config.Server.Host, a.Config.Server.Port), a.KV, a.Logger)

	return nil
}

func fetcherAdapter(cfg *common.Config) fetcher.Adapter {
	if cfg.Fetcher.Adapter == common.FetcherAdapterProxy {
		return &fetcher.ProxyAdapter{}
	}
	return fetcher.NewDirectAdapter()
}

// initQueues opens the scan and render queues and their worker pools, and
// the producer-side enqueuers the job handlers and reverify coordinator use.
func (a *App) initQueues() error {
	visibilityTimeout, err := time.ParseDuration(a.Config.Queue.VisibilityTimeout)
	if err != nil {
		visibilityTimeout = 5 * time.Minute
	}
	pollInterval, err := time.ParseDuration(a.Config.Queue.PollInterval)
	if err != nil {
		pollInterval = time.Second
	}

	scanQueue, err := queue.NewBadgerManager(a.Badger.Store(), "scan", visibilityTimeout, a.Config.Queue.MaxReceive)
	if err != nil {
		return fmt.Errorf("scan queue: %w", err)
	}
	renderQueue, err := queue.NewBadgerManager(a.Badger.Store(), "render", visibilityTimeout, a.Config.Queue.MaxReceive)
	if err != nil {
		return fmt.Errorf("render queue: %w", err)
	}
	a.ScanQueue = scanQueue
	a.RenderQueue = renderQueue

	scanConfig := queue.NewScanConfig(a.Config.Queue.ScanConcurrency)
	scanConfig.PollInterval = pollInterval
	scanConfig.VisibilityTimeout = visibilityTimeout
	scanConfig.MaxReceive = a.Config.Queue.MaxReceive

	renderConfig := queue.NewRenderConfig(a.Config.Queue.RenderConcurrency)
	renderConfig.PollInterval = pollInterval
	renderConfig.VisibilityTimeout = visibilityTimeout
	renderConfig.MaxReceive = a.Config.Queue.MaxReceive

	a.ScanPool = queue.NewWorkerPool(a.ctx, a.ScanQueue, scanConfig, a.Logger)
	a.RenderPool = queue.NewWorkerPool(a.ctx, a.RenderQueue, renderConfig, a.Logger).
		WithThroughputLimit(a.Config.Queue.RenderPerMinute)

	a.ScanEnqueuer = &jobs.ScanEnqueuer{Queue: a.ScanQueue}
	a.RenderEnqueuer = &jobs.RenderEnqueuer{Queue: a.RenderQueue}

	return nil
}

// initEvidence selects the evidence capturer per EvidenceConfig.Mode,
// falling back to the stub capturer if chromedp can't start (e.g. no
// browser binary on the host).
func (a *App) initEvidence() error {
	if a.Config.Evidence.Mode == "stub" {
		a.Evidence = evidence.NewStubCapturer()
		return nil
	}

	capturer, err := evidence.NewChromeDPCapturer(evidence.ChromeDPConfig{
		MaxInstances: a.Config.Evidence.MaxInstances,
		Headless:     a.Config.Evidence.Headless,
	}, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("failed to start chromedp evidence capturer, falling back to stub")
		a.Evidence = evidence.NewStubCapturer()
		return nil
	}
	a.Evidence = capturer
	return nil
}

// registerJobHandlers binds the scan and render executors to their queues.
func (a *App) registerJobHandlers() {
	scanExec := &jobs.ScanExecutor{
		Store:  a.Lifecycle,
		Engine: a.Rules,
		Render: a.RenderEnqueuer,
		Logger: a.Logger,
	}
	renderExec := &jobs.RenderExecutor{
		Store:        a.Lifecycle,
		Capturer:     a.Evidence,
		ArtifactRoot: a.Config.Retention.ArtifactRoot,
		Logger:       a.Logger,
	}

	a.ScanPool.RegisterHandler(jobs.JobTypeScan, scanExec.Execute)
	a.RenderPool.RegisterHandler(jobs.JobTypeRender, renderExec.Execute)
}

// Start launches the scan/render worker pools and the retention sweeper.
func (a *App) Start() error {
	a.ScanPool.Start()
	a.RenderPool.Start()

	if err := a.Retention.Start(); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	a.Logger.Info().Msg("worker pools and retention sweeper started")
	return nil
}

// Close stops background workers and closes every storage handle.
func (a *App) Close() error {
	a.Logger.Info().Msg("shutting down application")

	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.ScanPool != nil {
		a.ScanPool.Stop()
	}
	if a.RenderPool != nil {
		a.RenderPool.Stop()
	}
	if a.Retention != nil {
		a.Retention.Stop()
	}
	if a.Evidence != nil {
		if err := a.Evidence.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close evidence capturer")
		}
	}

	common.Stop()

	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close kv store")
		}
	}
	if a.Badger != nil {
		if err := a.Badger.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close badgerhold queue store")
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			return fmt.Errorf("failed to close sqlite: %w", err)
		}
	}

	a.Logger.Info().Msg("application shutdown complete")
	return nil
}
