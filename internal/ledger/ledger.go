// Package ledger persists jobs and the run history of each job.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"r2clone/internal/logging"
	"r2clone/internal/models"
	"r2clone/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InterruptedMessage is recorded on runs swept at startup.
const InterruptedMessage = "Run interrupted: the server stopped while the transfer was in progress"

var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("run not found")
)

// Ledger is the run history store.
type Ledger struct {
	db      *gorm.DB
	storage *storage.Storage
	log     *logging.Logger
}

// New creates a ledger over db. storage removes run directories purged by
// retention.
func New(db *gorm.DB, s *storage.Storage, log *logging.Logger) *Ledger {
	return &Ledger{db: db, storage: s, log: log.Named("ledger")}
}

// CreateJob stores a new job.
func (l *Ledger) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now()
	job.ID = uuid.New().String()
	if job.Schedule.Kind == "" {
		job.Schedule.Kind = models.ScheduleManual
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := l.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// UpdateJob replaces the editable fields of an existing job.
func (l *Ledger) UpdateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	existing, err := l.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now()
	if job.Schedule.Kind == "" {
		job.Schedule.Kind = models.ScheduleManual
	}

	if err := l.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job and its run records. Run directories stay on disk.
func (l *Ledger) DeleteJob(ctx context.Context, jobID string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Job{}, "id = ?", jobID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrJobNotFound
		}
		if err := tx.Delete(&models.Run{}, "job_id = ?", jobID).Error; err != nil {
			return fmt.Errorf("failed to delete runs: %w", err)
		}
		return nil
	})
}

// GetJob returns a job by ID
func (l *Ledger) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := l.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// ListJobs returns all jobs ordered by name.
func (l *Ledger) ListJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := l.db.WithContext(ctx).Order("name ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CreateRun stores a new run and assigns its ID.
func (l *Ledger) CreateRun(ctx context.Context, run *models.Run) error {
	run.ID = uuid.New().String()
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun persists the terminal fields of run. A run that already left
// running is not touched again.
func (l *Ledger) FinishRun(ctx context.Context, run *models.Run) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s: %q is not a terminal status", run.ID, run.Status)
	}
	if run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}
	errMsg := run.ErrorMessage
	if run.Status != models.RunFailed && run.Status != models.RunStopped {
		errMsg = ""
	}

	res := l.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", run.ID, models.RunRunning).
		Updates(map[string]interface{}{
			"status":            run.Status,
			"completed_at":      run.CompletedAt,
			"files_transferred": run.FilesTransferred,
			"files_skipped":     run.FilesSkipped,
			"total_bytes":       run.TotalBytes,
			"error_message":     errMsg,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s is not running", run.ID)
	}
	return nil
}

// GetRun returns a run by ID
func (l *Ledger) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := l.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the runs of a job newest first, optionally limited to the
// given statuses.
func (l *Ledger) ListRuns(ctx context.Context, jobID string, statuses ...models.RunStatus) ([]models.Run, error) {
	query := l.db.WithContext(ctx).Where("job_id = ?", jobID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var runs []models.Run
	if err := query.Order("started_at DESC").Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// SweepInterrupted marks every run still recorded as running as stopped.
// Subprocesses never outlive the server, so at startup such runs are orphans.
func (l *Ledger) SweepInterrupted(ctx context.Context) (int64, error) {
	now := time.Now()
	res := l.db.WithContext(ctx).Model(&models.Run{}).
		Where("status = ?", models.RunRunning).
		Updates(map[string]interface{}{
			"status":        models.RunStopped,
			"completed_at":  now,
			"error_message": InterruptedMessage,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep interrupted runs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.log.Warn("Marked interrupted runs as stopped", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
