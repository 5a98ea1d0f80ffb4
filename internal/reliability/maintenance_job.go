package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// MaintainedDB is a database the maintenance job looks after
type MaintainedDB interface {
	Name() string
	Path() string
	HealthCheck(ctx context.Context) error
	WALCheckpoint(mode string) error
}

// criticalFreeBytes halts maintenance with an error; below warnFreeBytes
// it only warns.
const (
	criticalFreeBytes = 500 << 20
	warnFreeBytes     = 5 << 30
)

// MaintenanceJob checks journal integrity, truncates the WAL and watches
// free disk space.
type MaintenanceJob struct {
	db    MaintainedDB
	usage func(path string) (*disk.UsageStat, error)
	log   zerolog.Logger
}

// NewMaintenanceJob creates a new maintenance job
func NewMaintenanceJob(db MaintainedDB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:    db,
		usage: disk.Usage,
		log:   log.With().Str("job", "journal_maintenance").Logger(),
	}
}

// Name returns the job name for scheduler
func (j *MaintenanceJob) Name() string {
	return "journal_maintenance"
}

// Run executes the maintenance pass
func (j *MaintenanceJob) Run() error {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Str("database", j.db.Name()).Msg("CRITICAL: Journal integrity check failed")
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		// Not critical, the next automatic checkpoint catches up
		j.log.Warn().Err(err).Str("database", j.db.Name()).Msg("WAL checkpoint failed")
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Journal maintenance completed")
	return nil
}

func (j *MaintenanceJob) checkDiskSpace() error {
	stat, err := j.usage(j.db.Path())
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Free) / 1e9
	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	switch {
	case stat.Free < criticalFreeBytes:
		j.log.Error().Float64("available_gb", availableGB).Msg("CRITICAL: Insufficient disk space for the journal")
		return fmt.Errorf("only %.2f GB free for the journal", availableGB)
	case stat.Free < warnFreeBytes:
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}
