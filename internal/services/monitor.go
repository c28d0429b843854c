package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cyvadra/tv-compliance/internal/config"
	"github.com/Cyvadra/tv-compliance/internal/logging"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

// MonitorRun summarises one pass of the background monitor
type MonitorRun struct {
	Users     int
	Unhealthy int
	Pruned    int64
	Errors    int
}

// Monitor periodically checks webhook health for every monitored user and
// prunes old webhook events
type Monitor struct {
	repo   *repository.Repository
	health *HealthService
	cfg    config.MonitorConfig
	logger zerolog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a background monitor
func NewMonitor(repo *repository.Repository, health *HealthService, cfg config.MonitorConfig, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Monitor{
		repo:   repo,
		health: health,
		cfg:    cfg,
		logger: logging.Component(logger, "monitor"),
		now:    time.Now,
	}
}

// Start runs the monitor loop until Stop is called or ctx is done
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Webhook monitor started")
}

// Stop stops the loop and waits for a running pass to finish
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info().Msg("Webhook monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce checks every monitored user and applies the retention policy
func (m *Monitor) RunOnce(ctx context.Context) MonitorRun {
	var run MonitorRun

	users, err := m.repo.ListMonitoredUsers(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list monitored users")
		run.Errors++
		return run
	}

	cutoff := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		run.Users++

		report, err := m.health.MonitorAnomalies(ctx, user.ID)
		if err != nil {
			m.logger.Error().Err(err).Uint("user_id", user.ID).Msg("Health check failed")
			run.Errors++
		} else if !report.IsHealthy {
			run.Unhealthy++
		}

		if m.cfg.RetentionDays > 0 {
			pruned, err := m.repo.PruneWebhookEvents(ctx, user.ID, cutoff, m.cfg.KeepRecent)
			if err != nil {
				m.logger.Error().Err(err).Uint("user_id", user.ID).Msg("Failed to prune webhook events")
				run.Errors++
				continue
			}
			run.Pruned += pruned
		}
	}

	m.logger.Info().
		Int("users", run.Users).
		Int("unhealthy", run.Unhealthy).
		Int64("pruned", run.Pruned).
		Int("errors", run.Errors).
		Msg("Webhook monitor pass complete")
	return run
}
