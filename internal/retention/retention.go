// Package retention sweeps expired artifact rows/files on a cron schedule,
// grounded on the teacher's internal/services/processing.Scheduler
// (robfig/cron.v3 wrapping one periodic job function).
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigilscan/internal/lifecycle"
)

// Config configures the retention sweep.
type Config struct {
	RetentionDays int
	ArtifactRoot  string
	Schedule      string // standard 5-field cron expression
}

// DefaultConfig returns the documented default: 7 day retention, daily at 03:00.
func DefaultConfig(artifactRoot string) Config {
	return Config{RetentionDays: 7, ArtifactRoot: artifactRoot, Schedule: "0 3 * * *"}
}

// Sweeper deletes artifact rows and their backing files older than
// RetentionDays, then prunes any now-empty run/finding directories (never
// the artifact root itself).
type Sweeper struct {
	store  *lifecycle.Store
	config Config
	cron   *cron.Cron
	logger arbor.ILogger
}

// New wires a Sweeper against the lifecycle store.
func New(store *lifecycle.Store, config Config, logger arbor.ILogger) *Sweeper {
	if config.RetentionDays <= 0 {
		config.RetentionDays = 7
	}
	if config.Schedule == "" {
		config.Schedule = "0 3 * * *"
	}
	return &Sweeper{store: store, config: config, cron: cron.New(), logger: logger}
}

// Start registers the sweep on its schedule and starts the cron runner.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, s.runSweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.config.Schedule).Int("retention_days", s.config.RetentionDays).Msg("retention sweeper started")
	return nil
}

// Stop drains in-flight sweeps and stops the cron runner.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("retention sweeper stopped")
}

// RunNow triggers an out-of-schedule sweep, used by admin tooling.
func (s *Sweeper) RunNow() {
	s.runSweep()
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
	artifacts, err := s.store.ListExpiredArtifacts(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention sweep: failed to list expired artifacts")
		return
	}

	deleted := 0
	touchedDirs := make(map[string]bool)
	for _, a := range artifacts {
		fullPath := filepath.Join(s.config.ArtifactRoot, a.Path)
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", fullPath).Msg("retention sweep: failed to remove artifact file")
			continue
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil {
			s.logger.Warn().Err(err).Str("artifact_id", a.ID).Msg("retention sweep: failed to delete artifact row")
			continue
		}
		deleted++
		touchedDirs[filepath.Dir(fullPath)] = true
	}

	for dir := range touchedDirs {
		s.pruneIfEmpty(dir)
	}

	s.logger.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("retention sweep complete")
}

// pruneIfEmpty removes dir (and its parent, up to but excluding the
// artifact root) if it contains no remaining entries.
func (s *Sweeper) pruneIfEmpty(dir string) {
	root := filepath.Clean(s.config.ArtifactRoot)
	for dir != root && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
