package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestScheduler_RunsJobsOnSchedule(t *testing.T) {
	s := New(testLogger())
	job := &countingJob{name: "tick"}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := New(testLogger())
	assert.Error(t, s.AddJob("every now and then", &countingJob{name: "bad"}))
	assert.Empty(t, s.Status())
}

func TestScheduler_RunNowRecordsStatus(t *testing.T) {
	s := New(testLogger())
	ok := &countingJob{name: "a_ok"}
	failing := &countingJob{name: "b_failing", err: errors.New("disk full")}
	require.NoError(t, s.AddJob("@hourly", ok))
	require.NoError(t, s.AddJob("@hourly", failing))

	require.NoError(t, s.RunNow(ok))
	assert.Error(t, s.RunNow(failing))
	assert.Error(t, s.RunNow(failing))

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a_ok", status[0].Name)
	assert.Equal(t, int64(1), status[0].Runs)
	assert.Empty(t, status[0].LastErr)
	assert.Equal(t, "@hourly", status[1].Schedule)
	assert.Equal(t, int64(2), status[1].Failures)
	assert.Equal(t, "disk full", status[1].LastErr)
}

func TestScheduler_Trigger(t *testing.T) {
	s := New(testLogger())
	job := &countingJob{name: "expire"}
	require.NoError(t, s.AddJob("@daily", job))

	require.NoError(t, s.Trigger("expire"))
	assert.Equal(t, int32(1), job.runs.Load())
	assert.ErrorIs(t, s.Trigger("nope"), ErrUnknownJob)
}

type mockExpirer struct{ mock.Mock }

func (m *mockExpirer) ExpireDayOrders(ctx context.Context) int {
	return m.Called(ctx).Int(0)
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) Sweep(now time.Time) int {
	return m.Called(now).Int(0)
}

type mockArchiver struct{ mock.Mock }

func (m *mockArchiver) Archive(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func TestExpireDayOrdersJob(t *testing.T) {
	expirer := &mockExpirer{}
	expirer.On("ExpireDayOrders", mock.Anything).Return(3).Once()

	job := NewExpireDayOrdersJob(expirer, testLogger())
	assert.Equal(t, "expire_day_orders", job.Name())
	require.NoError(t, job.Run())
	expirer.AssertExpectations(t)
}

func TestRiskSweepJob(t *testing.T) {
	at := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)
	sweeper := &mockSweeper{}
	sweeper.On("Sweep", at).Return(1).Once()

	job := NewRiskSweepJob(sweeper, testLogger())
	job.now = func() time.Time { return at }
	assert.Equal(t, "risk_sweep", job.Name())
	require.NoError(t, job.Run())
	sweeper.AssertExpectations(t)
}

func TestArchiveJournalJob(t *testing.T) {
	archiver := &mockArchiver{}
	archiver.On("Archive", mock.Anything).Return("journal/2024-03-01.db.gz", nil).Once()
	archiver.On("Archive", mock.Anything).Return("", errors.New("bucket gone")).Once()

	job := NewArchiveJournalJob(archiver, testLogger())
	require.NoError(t, job.Run())
	err := job.Run()
	assert.ErrorContains(t, err, "bucket gone")
	archiver.AssertExpectations(t)
}
