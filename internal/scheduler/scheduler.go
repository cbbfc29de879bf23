// Package scheduler fires scheduled jobs through the engine's start entry
// point. It owns no transfer logic.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"r2clone/internal/engine"
	"r2clone/internal/logging"
	"r2clone/internal/metrics"
	"r2clone/internal/models"
)

// fireTimeout bounds preflight for one scheduled start.
const fireTimeout = 5 * time.Minute

// Starter is the start entry point shared with manual and API triggers.
type Starter interface {
	Start(ctx context.Context, jobID string, opts engine.StartOptions) (*models.Run, error)
}

// JobLister loads the jobs to schedule.
type JobLister interface {
	ListJobs(ctx context.Context) ([]models.Job, error)
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per scheduled, enabled job.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	jobs    JobLister
	metrics *metrics.Metrics
	log     *logging.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a scheduler. Nothing fires until Start.
func New(starter Starter, jobs JobLister, m *metrics.Metrics, log *logging.Logger) *Scheduler {
	log = log.Named("scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		starter: starter,
		jobs:    jobs,
		metrics: m,
		log:     log,
		entries: make(map[string]entry),
	}
}

// Spec resolves a schedule to a cron spec with its timezone. ok is false for
// manual schedules.
func Spec(s models.Schedule) (spec string, ok bool, err error) {
	if err := s.Validate(); err != nil {
		return "", false, err
	}

	var expr string
	switch s.Kind {
	case "", models.ScheduleManual:
		return "", false, nil
	case models.ScheduleHourly:
		expr = fmt.Sprintf("%d * * * *", s.Minute)
	case models.ScheduleDaily:
		expr = fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
	case models.ScheduleWeekly:
		expr = fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, int(s.Weekday))
	case models.ScheduleCron:
		expr = strings.TrimSpace(s.Expr)
		if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
			return expr, true, nil
		}
	}

	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return "CRON_TZ=" + tz + " " + expr, true, nil
}

// NextAfter returns when s fires next after from.
func NextAfter(s models.Schedule, from time.Time) (time.Time, error) {
	spec, ok, err := Spec(s)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.New("manual schedules never fire")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// Load schedules every job in the store.
func (s *Scheduler) Load(ctx context.Context) error {
	jobs, err := s.jobs.ListJobs(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		if err := s.Sync(&jobs[i]); err != nil {
			s.log.WithJob(jobs[i].ID).WithError(err).Warn("Skipping invalid schedule")
		}
	}
	s.log.Info("Schedules loaded", "jobs", len(jobs), "scheduled", s.Len())
	return nil
}

// Sync makes the cron entry of job match its current schedule. Manual and
// disabled jobs end up without an entry.
func (s *Scheduler) Sync(job *models.Job) error {
	spec, ok, err := Spec(job.Schedule)
	if err != nil {
		s.Remove(job.ID)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.entries[job.ID]
	if exists && ok && job.Enabled && cur.spec == spec {
		return nil
	}
	if exists {
		s.cron.Remove(cur.id)
		delete(s.entries, job.ID)
	}
	if !ok || !job.Enabled {
		return nil
	}

	jobID := job.ID
	id, err := s.cron.AddFunc(spec, func() { s.fire(jobID) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entries[job.ID] = entry{id: id, spec: spec}
	s.log.WithJob(job.ID).Debug("Job scheduled", "spec", spec)
	return nil
}

// Remove drops the entry of jobID, if any.
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[jobID]; ok {
		s.cron.Remove(cur.id)
		delete(s.entries, jobID)
	}
}

// Next returns the next fire time of jobID. It is only known once the
// scheduler is running.
func (s *Scheduler) Next(jobID string) (time.Time, bool) {
	s.mu.Lock()
	cur, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(cur.id).Next
	return next, !next.IsZero()
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts firing and waits for running fires until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) fire(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	log := s.log.WithJob(jobID)
	run, err := s.starter.Start(ctx, jobID, engine.StartOptions{Trigger: engine.TriggerSchedule})
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		s.metrics.ScheduleFired("skipped")
		log.Info("Scheduled run skipped, job is already running")
	case err != nil:
		s.metrics.ScheduleFired("rejected")
		log.WithError(err).Warn("Scheduled run failed to start")
	default:
		s.metrics.ScheduleFired("started")
		log.WithRun(run.ID).Info("Scheduled run started")
	}
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).Error(msg, keysAndValues...)
}
