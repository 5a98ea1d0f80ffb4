package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/config"
	"github.com/aristath/tradecore/internal/reliability"
	"github.com/aristath/tradecore/internal/scheduler"
)

// RegisterJobs registers the background jobs with the scheduler
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.Schedules.DayOrderExpiry, scheduler.NewExpireDayOrdersJob(container.TradingService, log)},
		{cfg.Schedules.RiskSweep, scheduler.NewRiskSweepJob(container.RiskGuard, log)},
		{cfg.Schedules.Maintenance, reliability.NewMaintenanceJob(container.JournalDB, log)},
	}
	if container.ArchiveService != nil {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{cfg.Archive.Schedule, scheduler.NewArchiveJournalJob(&rotatingArchiver{
			service:       container.ArchiveService,
			retentionDays: cfg.Archive.RetentionDays,
			log:           log.With().Str("component", "archive_rotation").Logger(),
		}, log)})
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}

	container.Scheduler = sched
	log.Info().Int("jobs", len(jobs)).Msg("Background jobs registered")
	return nil
}

// rotatingArchiver uploads a fresh archive and then prunes old ones.
// Rotation failures are logged; the upload already succeeded.
type rotatingArchiver struct {
	service       *reliability.ArchiveService
	retentionDays int
	log           zerolog.Logger
}

func (a *rotatingArchiver) Archive(ctx context.Context) (string, error) {
	key, err := a.service.Archive(ctx)
	if err != nil {
		return "", err
	}
	deleted, err := a.service.RotateArchives(ctx, a.retentionDays)
	if err != nil {
		a.log.Warn().Err(err).Msg("Archive rotation failed")
		return key, nil
	}
	if deleted > 0 {
		a.log.Info().Int("deleted", deleted).Msg("Rotated old archives")
	}
	return key, nil
}
