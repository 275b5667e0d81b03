// Package jobs runs the background maintenance schedule: expired session
// sweeps, permission cache sweeps and business stat gauges.
package jobs

import (
	"context"
	"database/sql"

	"github.com/robfig/cron/v3"

	"github.com/depot-registry/depot/pkg/config"
	"github.com/depot-registry/depot/pkg/observability"
)

const (
	countActiveUsersQuery    = `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`
	countActiveOrgsQuery     = `SELECT COUNT(*) FROM organizations WHERE deleted_at IS NULL`
	countActivePackagesQuery = `SELECT COUNT(*) FROM packages WHERE deleted_at IS NULL AND archived_at IS NULL`
	countActiveVersionsQuery = `SELECT COUNT(*) FROM package_versions WHERE deleted_at IS NULL AND archived_at IS NULL`
	countActiveSessionsQuery = `SELECT COUNT(*) FROM sessions WHERE expires_at > NOW() AND revoked_at IS NULL`
)

// SessionCleaner deletes expired and long-revoked sessions.
type SessionCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// CacheSweeper drops expired entries from an in-process cache and reports
// how many were removed.
type CacheSweeper interface {
	Sweep() int
}

// Scheduler owns the cron runner and the jobs mounted on it.
type Scheduler struct {
	cron     *cron.Cron
	db       *sql.DB
	sessions SessionCleaner
	cache    CacheSweeper
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewScheduler mounts the configured jobs. Sessions and cache may be nil,
// in which case their jobs are skipped.
func NewScheduler(cfg config.JobsConfig, db *sql.DB, sessions SessionCleaner, cache CacheSweeper, metrics *observability.Metrics, logger *observability.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Scheduler{
		cron:     cron.New(),
		db:       db,
		sessions: sessions,
		cache:    cache,
		metrics:  metrics,
		logger:   logger.WithField("component", "jobs"),
	}

	if s.sessions != nil {
		if _, err := s.cron.AddFunc(cfg.SessionSweepSchedule, s.runSessionSweep); err != nil {
			return nil, err
		}
	}
	if s.cache != nil {
		if _, err := s.cron.AddFunc(cfg.CacheSweepSchedule, s.runCacheSweep); err != nil {
			return nil, err
		}
	}
	if s.db != nil && s.metrics != nil {
		if _, err := s.cron.AddFunc(cfg.StatsSchedule, s.runStats); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("background jobs started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("background jobs stopped")
}

func (s *Scheduler) runSessionSweep() {
	removed, err := s.sessions.Cleanup(context.Background())
	if err != nil {
		s.logger.WithError(err).Error("session sweep failed")
		return
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("swept expired sessions")
	}
}

func (s *Scheduler) runCacheSweep() {
	if removed := s.cache.Sweep(); removed > 0 {
		s.logger.WithField("removed", removed).Debug("swept permission cache")
	}
}

func (s *Scheduler) runStats() {
	if err := s.CollectStats(context.Background()); err != nil {
		s.logger.WithError(err).Error("stats collection failed")
	}
}

// CollectStats refreshes the business gauges and database pool gauges from
// the current database state.
func (s *Scheduler) CollectStats(ctx context.Context) error {
	gauges := []struct {
		query string
		gauge interface{ Set(float64) }
	}{
		{countActiveUsersQuery, s.metrics.ActiveUsersTotal},
		{countActiveOrgsQuery, s.metrics.OrganizationsTotal},
		{countActivePackagesQuery, s.metrics.PackagesTotal},
		{countActiveVersionsQuery, s.metrics.VersionsTotal},
		{countActiveSessionsQuery, s.metrics.SessionsActive},
	}
	for _, g := range gauges {
		var count int64
		if err := s.db.QueryRowContext(ctx, g.query).Scan(&count); err != nil {
			return err
		}
		g.gauge.Set(float64(count))
	}

	stats := s.db.Stats()
	s.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	s.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
	s.metrics.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	s.metrics.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
	return nil
}
