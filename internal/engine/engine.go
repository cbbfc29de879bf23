// Package engine admits, runs and finishes transfer executions: one active
// run per job, each supervised on its own goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"r2clone/internal/events"
	"r2clone/internal/executor"
	"r2clone/internal/ledger"
	"r2clone/internal/logging"
	"r2clone/internal/metrics"
	"r2clone/internal/models"
	"r2clone/internal/preflight"
	"r2clone/internal/storage"
	"r2clone/internal/transfer"
)

// Triggers recorded on runs.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

var (
	// ErrNothingToStop is returned by Stop when the job has no active execution.
	ErrNothingToStop = errors.New("nothing to stop")
	// ErrStoppedBeforeStart is returned by Start when a stop arrived during preflight.
	ErrStoppedBeforeStart = errors.New("stopped before the transfer started")
)

// persistTimeout bounds ledger writes made after the requester is gone.
const persistTimeout = 30 * time.Second

// Broadcaster fans the events of one execution out to observers. events is
// closed after the terminal event.
type Broadcaster interface {
	Attach(jobID string, events <-chan events.Event)
}

// StartOptions are the per-start overrides an observer or API call may send.
type StartOptions struct {
	Trigger        string `json:"-"`
	SubPath        string `json:"subPath,omitempty"`
	DryRun         bool   `json:"dryRun,omitempty"`
	BandwidthLimit string `json:"bandwidthLimit,omitempty"`
	Transfers      int    `json:"transfers,omitempty"`
}

func (o StartOptions) copyOptions() transfer.CopyOptions {
	return transfer.CopyOptions{
		DryRun:         o.DryRun,
		BandwidthLimit: o.BandwidthLimit,
		Transfers:      o.Transfers,
	}
}

// Config wires the engine to its collaborators.
type Config struct {
	Ledger      *ledger.Ledger
	Storage     *storage.Storage
	Tool        *transfer.Tool
	Preflight   *preflight.Estimator
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	KillGrace   time.Duration
}

// Engine is the single entry point for starting and stopping runs.
type Engine struct {
	ledger      *ledger.Ledger
	storage     *storage.Storage
	tool        *transfer.Tool
	preflight   *preflight.Estimator
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	log         *logging.Logger
	killGrace   time.Duration
	registry    *Registry

	// ctx bounds subprocess lifetimes; cancelled only when shutdown gives up
	// waiting for graceful exits.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine.
func New(cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = executor.DefaultKillGrace
	}
	return &Engine{
		ledger:      cfg.Ledger,
		storage:     cfg.Storage,
		tool:        cfg.Tool,
		preflight:   cfg.Preflight,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.Named("engine"),
		killGrace:   grace,
		registry:    NewRegistry(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Recover marks runs left running by a previous process as stopped. Call it
// once before the first Start.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	return e.ledger.SweepInterrupted(ctx)
}

// Start admits jobID, runs preflight and launches the transfer. It returns
// once the subprocess is running; the run then finishes in the background.
// Admission and preflight failures leave no run record behind.
func (e *Engine) Start(ctx context.Context, jobID string, opts StartOptions) (*models.Run, error) {
	x, err := e.registry.TryStart(jobID)
	if err != nil {
		return nil, err
	}
	e.metrics.SetActive(e.registry.Len())

	run, err := e.launch(ctx, x, opts)
	if err != nil && run == nil {
		e.registry.Remove(jobID, x)
		e.metrics.SetActive(e.registry.Len())
	}
	return run, err
}

func (e *Engine) launch(ctx context.Context, x *Execution, opts StartOptions) (*models.Run, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	log := e.log.WithJob(x.JobID)

	job, err := e.ledger.GetJob(ctx, x.JobID)
	if err != nil {
		return nil, err
	}
	source := job.Source(opts.SubPath)

	est, err := e.preflight.Check(ctx, source, job.Destination)
	if err != nil {
		e.metrics.PreflightRejected()
		log.WithError(err).Warn("Preflight rejected start", "source", source)
		return nil, err
	}
	if x.abortRequested() {
		return nil, ErrStoppedBeforeStart
	}

	startedAt := time.Now()
	dir, err := e.storage.CreateRunDir(job.Destination, job.Name, startedAt)
	if err != nil {
		return nil, err
	}
	run := &models.Run{
		JobID:     job.ID,
		Status:    models.RunRunning,
		Trigger:   opts.Trigger,
		StartedAt: startedAt,
		Path:      dir,
	}
	if err := e.ledger.CreateRun(ctx, run); err != nil {
		e.storage.RemoveRunDir(dir)
		return nil, err
	}
	log = log.WithRun(run.ID)

	var prescanned int64
	if est.Known {
		prescanned = est.TotalBytes
	}
	parser := transfer.NewParser(prescanned)
	if est.Known && prescanned == 0 {
		parser.MarkNothingToTransfer()
	}

	e.broadcaster.Attach(job.ID, x.begin(job, run))
	e.wg.Add(1)

	sup := executor.NewSupervisor(e.tool, parser, x.send, log)
	sup.SetKillGrace(e.killGrace)
	if err := sup.Start(e.ctx, source, dir, opts.copyOptions()); err != nil {
		log.WithError(err).Error("Failed to launch transfer")
		e.metrics.RunStarted(opts.Trigger)
		e.finish(x, executor.Outcome{Status: models.RunFailed, ExitCode: -1, Error: err.Error()}, true)
		return x.snapshot(), err
	}
	stopPending := x.attach(sup)
	e.metrics.RunStarted(opts.Trigger)

	x.sendNow(events.New(events.TypeStarted, events.Started{
		RunID:      run.ID,
		Path:       dir,
		Source:     source,
		Trigger:    opts.Trigger,
		StartedAt:  startedAt,
		TotalBytes: prescanned,
	}))
	switch {
	case est.Known && prescanned > 0:
		x.sendNow(events.New(events.TypeProgress, events.Progress{
			Percentage:  0,
			Transferred: transfer.FormatIEC(0),
			Total:       transfer.FormatIEC(prescanned),
			TotalBytes:  prescanned,
		}))
	case est.Known:
		x.sendNow(events.New(events.TypeNothingToTransfer, nil))
	}
	x.markReady()
	log.Info("Transfer started", "source", source, "path", dir, "trigger", opts.Trigger, "total_bytes", prescanned)

	if stopPending {
		sup.Stop()
	}

	// The caller gets its own copy; finish publishes a new record to x.
	started := *run
	go func() {
		out := sup.Wait()
		e.finish(x, out, false)
	}()
	return &started, nil
}

// finish performs the terminal transition: counters, persist, free the
// registry slot, broadcast, then retention for completed runs.
func (e *Engine) finish(x *Execution, out executor.Outcome, spawnFailed bool) {
	defer e.wg.Done()

	x.mu.Lock()
	job, final := x.job, *x.run
	x.mu.Unlock()
	run := &final
	log := e.log.WithJob(job.ID).WithRun(run.ID)

	now := time.Now()
	run.Status = out.Status
	run.CompletedAt = &now
	run.FilesTransferred = out.Counters.FilesTransferred
	run.FilesSkipped = out.Counters.FilesSkipped
	run.TotalBytes = out.Counters.Bytes
	switch out.Status {
	case models.RunCompleted:
		if size, err := e.storage.DirSize(run.Path); err == nil {
			run.TotalBytes = size
		} else {
			log.WithError(err).Warn("Failed to measure run directory")
		}
	case models.RunFailed:
		run.ErrorMessage = out.Error
		if run.ErrorMessage == "" {
			run.ErrorMessage = executor.DescribeExit(out.ExitCode, "")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := e.ledger.FinishRun(ctx, run); err != nil {
		log.WithError(err).Error("Failed to persist run outcome")
	}
	x.setRun(run)

	e.registry.Remove(job.ID, x)
	e.metrics.SetActive(e.registry.Len())
	e.metrics.RunFinished(string(run.Status), now.Sub(run.StartedAt), run.TotalBytes, run.FilesTransferred, run.FilesSkipped)

	x.markReady()
	x.sendNow(terminalEvent(run))
	close(x.events)

	if !e.storage.HasFiles(run.Path) {
		if err := e.storage.RemoveRunDir(run.Path); err != nil {
			log.WithError(err).Warn("Failed to remove empty run directory")
		}
	}

	switch run.Status {
	case models.RunCompleted:
		log.Info("Transfer completed", "files", run.FilesTransferred, "skipped", run.FilesSkipped, "bytes", run.TotalBytes)
		purged, err := e.ledger.EnforceRetention(ctx, job)
		if err != nil {
			log.WithError(err).Warn("Retention failed")
		}
		e.metrics.Purged(len(purged))
	case models.RunStopped:
		log.Info("Transfer stopped", "files", run.FilesTransferred)
	default:
		if spawnFailed {
			return
		}
		log.Warn("Transfer failed", "error", run.ErrorMessage, "exit_code", out.ExitCode)
	}
}

func terminalEvent(run *models.Run) events.Event {
	t := events.TypeComplete
	switch run.Status {
	case models.RunFailed:
		t = events.TypeError
	case models.RunStopped:
		t = events.TypeStopped
	}
	ev := events.New(t, events.Finished{
		RunID:            run.ID,
		Status:           string(run.Status),
		FilesTransferred: run.FilesTransferred,
		FilesSkipped:     run.FilesSkipped,
		TotalBytes:       run.TotalBytes,
		Path:             run.Path,
		Error:            run.ErrorMessage,
		CompletedAt:      *run.CompletedAt,
	})
	ev.RunID = run.ID
	return ev
}

// Stop asks the active execution of jobID to stop. It returns the run ID,
// empty when the stop landed during preflight.
func (e *Engine) Stop(jobID string) (string, error) {
	x, ok := e.registry.Lookup(jobID)
	if !ok || !x.stop() {
		return "", ErrNothingToStop
	}
	e.log.WithJob(jobID).Info("Stop requested")
	return x.RunID(), nil
}

// StopAll stops every active execution and returns the affected job IDs.
func (e *Engine) StopAll() []string {
	var stopped []string
	for _, x := range e.registry.Snapshot() {
		if x.stop() {
			stopped = append(stopped, x.JobID)
		}
	}
	if len(stopped) > 0 {
		e.log.Info("Stopped all executions", "count", len(stopped))
	}
	return stopped
}

// IsActive reports whether jobID has an active execution.
func (e *Engine) IsActive(jobID string) bool {
	_, ok := e.registry.Lookup(jobID)
	return ok
}

// Lookup returns the active execution of jobID.
func (e *Engine) Lookup(jobID string) (*Execution, bool) {
	return e.registry.Lookup(jobID)
}

// Active lists the active executions.
func (e *Engine) Active() []Info {
	snap := e.registry.Snapshot()
	out := make([]Info, 0, len(snap))
	for _, x := range snap {
		out = append(out, x.Info())
	}
	return out
}

// Shutdown stops every execution and waits for them to finish. When ctx
// expires first the remaining subprocesses are killed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.StopAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
