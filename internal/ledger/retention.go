package ledger

import (
	"context"

	"r2clone/internal/models"
)

// EnforceRetention keeps the newest job.Retention completed runs of job and
// purges the rest, directory first and record second. A directory that cannot
// be removed is logged and its record is deleted anyway. It returns the IDs of
// the purged runs.
func (l *Ledger) EnforceRetention(ctx context.Context, job *models.Job) ([]string, error) {
	if job.Unlimited() {
		return nil, nil
	}

	runs, err := l.ListRuns(ctx, job.ID, models.RunCompleted)
	if err != nil {
		return nil, err
	}
	if len(runs) <= job.Retention {
		return nil, nil
	}

	log := l.log.WithJob(job.ID)
	var purged []string
	for _, run := range runs[job.Retention:] {
		if run.Path != "" {
			if err := l.storage.RemoveRunDir(run.Path); err != nil {
				log.WithRun(run.ID).WithError(err).Warn("Failed to remove run directory", "path", run.Path)
			}
		}
		if err := l.db.WithContext(ctx).Delete(&models.Run{}, "id = ?", run.ID).Error; err != nil {
			log.WithRun(run.ID).WithError(err).Warn("Failed to delete run record")
			continue
		}
		purged = append(purged, run.ID)
	}

	if len(purged) > 0 {
		log.Info("Retention purged old runs", "count", len(purged), "keep", job.Retention)
	}
	return purged, nil
}
