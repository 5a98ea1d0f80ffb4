package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// jobTimeout bounds a single run of any job
const jobTimeout = 5 * time.Minute

// DayOrderExpirer cancels resting DAY orders
type DayOrderExpirer interface {
	ExpireDayOrders(ctx context.Context) int
}

// ExpireDayOrdersJob cancels every resting DAY order at the end of the
// trading session.
type ExpireDayOrdersJob struct {
	trading DayOrderExpirer
	log     zerolog.Logger
}

// NewExpireDayOrdersJob creates a new ExpireDayOrdersJob
func NewExpireDayOrdersJob(trading DayOrderExpirer, log zerolog.Logger) *ExpireDayOrdersJob {
	return &ExpireDayOrdersJob{
		trading: trading,
		log:     log.With().Str("job", "expire_day_orders").Logger(),
	}
}

// Name returns the job name
func (j *ExpireDayOrdersJob) Name() string {
	return "expire_day_orders"
}

// Run executes the expiry
func (j *ExpireDayOrdersJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	expired := j.trading.ExpireDayOrders(ctx)
	if expired > 0 {
		j.log.Info().Int("expired", expired).Msg("Day orders expired")
	}
	return ctx.Err()
}

// RiskSweeper resumes halted symbols and accounts whose cooldown elapsed
type RiskSweeper interface {
	Sweep(now time.Time) int
}

// RiskSweepJob resumes expired halts without waiting for market traffic
type RiskSweepJob struct {
	guard RiskSweeper
	now   func() time.Time
	log   zerolog.Logger
}

// NewRiskSweepJob creates a new RiskSweepJob
func NewRiskSweepJob(guard RiskSweeper, log zerolog.Logger) *RiskSweepJob {
	return &RiskSweepJob{
		guard: guard,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log.With().Str("job", "risk_sweep").Logger(),
	}
}

// Name returns the job name
func (j *RiskSweepJob) Name() string {
	return "risk_sweep"
}

// Run executes the sweep
func (j *RiskSweepJob) Run() error {
	if resumed := j.guard.Sweep(j.now()); resumed > 0 {
		j.log.Info().Int("resumed", resumed).Msg("Risk halts lifted")
	}
	return nil
}

// Archiver uploads a point-in-time copy of the journal
type Archiver interface {
	Archive(ctx context.Context) (string, error)
}

// ArchiveJournalJob ships a journal snapshot to off-site storage
type ArchiveJournalJob struct {
	archiver Archiver
	log      zerolog.Logger
}

// NewArchiveJournalJob creates a new ArchiveJournalJob
func NewArchiveJournalJob(archiver Archiver, log zerolog.Logger) *ArchiveJournalJob {
	return &ArchiveJournalJob{
		archiver: archiver,
		log:      log.With().Str("job", "archive_journal").Logger(),
	}
}

// Name returns the job name
func (j *ArchiveJournalJob) Name() string {
	return "archive_journal"
}

// Run executes the archive upload
func (j *ArchiveJournalJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	key, err := j.archiver.Archive(ctx)
	if err != nil {
		return fmt.Errorf("failed to archive journal: %w", err)
	}
	j.log.Info().Str("key", key).Msg("Journal archived")
	return nil
}
