package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"r2clone/internal/logging"
	"r2clone/internal/models"
	"r2clone/internal/storage"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return New(db, storage.NewStorage(), logging.Discard())
}

func newJob(t *testing.T, l *Ledger, retention int) *models.Job {
	t.Helper()
	job := &models.Job{
		Name:        "photos",
		Remote:      "r2",
		Bucket:      "photos",
		Destination: t.TempDir(),
		Retention:   retention,
	}
	require.NoError(t, l.CreateJob(context.Background(), job))
	return job
}

func completedRun(t *testing.T, l *Ledger, job *models.Job, startedAt time.Time) *models.Run {
	t.Helper()
	ctx := context.Background()
	dir, err := l.storage.CreateRunDir(job.Destination, job.Name, startedAt)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.bin"), []byte("data"), 0644))

	run := &models.Run{JobID: job.ID, StartedAt: startedAt, Path: dir, Trigger: "manual"}
	require.NoError(t, l.CreateRun(ctx, run))
	run.Status = models.RunCompleted
	run.TotalBytes = 4
	require.NoError(t, l.FinishRun(ctx, run))
	return run
}

func TestJobCRUD(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 0)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.ScheduleManual, job.Schedule.Kind)

	job.Retention = 5
	job.Schedule = models.Schedule{Kind: models.ScheduleDaily, Hour: 3}
	require.NoError(t, l.UpdateJob(ctx, job))

	got, err := l.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Retention)
	assert.Equal(t, models.ScheduleDaily, got.Schedule.Kind)
	assert.Equal(t, 3, got.Schedule.Hour)

	jobs, err := l.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, l.DeleteJob(ctx, job.ID))
	_, err = l.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, l.DeleteJob(ctx, job.ID), ErrJobNotFound)
}

func TestCreateJobValidates(t *testing.T) {
	l := newLedger(t)
	err := l.CreateJob(context.Background(), &models.Job{Name: "x"})
	assert.Error(t, err)
}

func TestFinishRunIsTerminalOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 0)

	run := &models.Run{JobID: job.ID}
	require.NoError(t, l.CreateRun(ctx, run))
	assert.Equal(t, models.RunRunning, run.Status)
	assert.False(t, run.StartedAt.IsZero())

	run.Status = models.RunFailed
	run.ErrorMessage = "Transfer failed (exit code 1)"
	require.NoError(t, l.FinishRun(ctx, run))

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "Transfer failed (exit code 1)", got.ErrorMessage)

	// Once terminal, never again.
	run.Status = models.RunCompleted
	assert.Error(t, l.FinishRun(ctx, run))

	run.Status = models.RunRunning
	assert.Error(t, l.FinishRun(ctx, run))
}

func TestGetRunMissing(t *testing.T) {
	l := newLedger(t)
	_, err := l.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 0)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	r1 := completedRun(t, l, job, base)
	r2 := completedRun(t, l, job, base.Add(time.Hour))
	running := &models.Run{JobID: job.ID, StartedAt: base.Add(2 * time.Hour)}
	require.NoError(t, l.CreateRun(ctx, running))

	all, err := l.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{running.ID, r2.ID, r1.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	done, err := l.ListRuns(ctx, job.ID, models.RunCompleted)
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestRetentionKeepsNewest(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 2)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	r1 := completedRun(t, l, job, base)
	r2 := completedRun(t, l, job, base.Add(time.Hour))
	r3 := completedRun(t, l, job, base.Add(2*time.Hour))
	r4 := completedRun(t, l, job, base.Add(3*time.Hour))

	// Failed runs do not count against the limit.
	failed := &models.Run{JobID: job.ID, StartedAt: base.Add(4 * time.Hour)}
	require.NoError(t, l.CreateRun(ctx, failed))
	failed.Status = models.RunFailed
	failed.ErrorMessage = "boom"
	require.NoError(t, l.FinishRun(ctx, failed))

	purged, err := l.EnforceRetention(ctx, job)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{r1.ID, r2.ID}, purged)

	runs, err := l.ListRuns(ctx, job.ID, models.RunCompleted)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, r4.ID, runs[0].ID)
	assert.Equal(t, r3.ID, runs[1].ID)

	assert.NoDirExists(t, r1.Path)
	assert.NoDirExists(t, r2.Path)
	assert.DirExists(t, r3.Path)

	_, err = l.GetRun(ctx, failed.ID)
	assert.NoError(t, err)
}

func TestRetentionDeletesRecordWhenFilesAreGone(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 1)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	r1 := completedRun(t, l, job, base)
	completedRun(t, l, job, base.Add(time.Hour))
	require.NoError(t, os.RemoveAll(r1.Path))

	purged, err := l.EnforceRetention(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, []string{r1.ID}, purged)
}

func TestRetentionUnlimited(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 0)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		completedRun(t, l, job, base.Add(time.Duration(i)*time.Hour))
	}

	purged, err := l.EnforceRetention(ctx, job)
	require.NoError(t, err)
	assert.Empty(t, purged)

	runs, err := l.ListRuns(ctx, job.ID, models.RunCompleted)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

func TestSweepInterrupted(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	job := newJob(t, l, 0)

	run := &models.Run{JobID: job.ID}
	require.NoError(t, l.CreateRun(ctx, run))
	done := completedRun(t, l, job, time.Now().Add(-time.Hour))

	n, err := l.SweepInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.ErrorMessage, "interrupted")

	got, err = l.GetRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}
