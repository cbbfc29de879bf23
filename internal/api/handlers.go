package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"r2clone/internal/engine"
	"r2clone/internal/executor"
	"r2clone/internal/ledger"
	"r2clone/internal/logging"
	"r2clone/internal/models"
	"r2clone/internal/preflight"
	"r2clone/internal/scheduler"
	"r2clone/internal/websocket"
)

// Handler contains API handlers
type Handler struct {
	ledger    *ledger.Ledger
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	hub       *websocket.Hub
	log       *logging.Logger
}

// NewHandler creates a new API handler
func NewHandler(l *ledger.Ledger, e *engine.Engine, s *scheduler.Scheduler, hub *websocket.Hub, log *logging.Logger) *Handler {
	return &Handler{
		ledger:    l,
		engine:    e,
		scheduler: s,
		hub:       hub,
		log:       log,
	}
}

// JobRequest is the body of job create and update calls.
type JobRequest struct {
	Name        string          `json:"name"`
	Remote      string          `json:"remote"`
	Bucket      string          `json:"bucket"`
	Path        string          `json:"path"`
	Destination string          `json:"destination"`
	Retention   int             `json:"retention"`
	Schedule    models.Schedule `json:"schedule"`
	Enabled     *bool           `json:"enabled"`
}

func (r *JobRequest) apply(job *models.Job) {
	job.Name = strings.TrimSpace(r.Name)
	job.Remote = strings.TrimSpace(r.Remote)
	job.Bucket = strings.TrimSpace(r.Bucket)
	job.Path = strings.TrimSpace(r.Path)
	job.Destination = strings.TrimSpace(r.Destination)
	job.Retention = r.Retention
	job.Schedule = r.Schedule
	job.Enabled = r.Enabled == nil || *r.Enabled
}

// JobView is a job with its live state.
type JobView struct {
	models.Job
	Active  bool       `json:"active"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (h *Handler) view(job models.Job) JobView {
	v := JobView{Job: job, Active: h.engine.IsActive(job.ID)}
	if h.scheduler != nil {
		if next, ok := h.scheduler.Next(job.ID); ok {
			v.NextRun = &next
		}
	}
	return v
}

// Health reports liveness plus a few gauges.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"active":    len(h.engine.Active()),
		"observers": h.hub.ClientCount(),
	})
}

// ListJobs returns every job
func (h *Handler) ListJobs(c *gin.Context) {
	jobs, err := h.ledger.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, h.view(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views, "total": len(views)})
}

// GetJob returns a single job
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.ledger.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(*job))
}

// CreateJob creates a new job
func (h *Handler) CreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &models.Job{}
	req.apply(job)
	if err := validateJob(job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ledger.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.sync(job)

	c.JSON(http.StatusCreated, h.view(*job))
}

// UpdateJob replaces a job's settings
func (h *Handler) UpdateJob(c *gin.Context) {
	job, err := h.ledger.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.apply(job)
	if err := validateJob(job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ledger.UpdateJob(c.Request.Context(), job); err != nil {
		writeError(c, err)
		return
	}
	h.sync(job)

	c.JSON(http.StatusOK, h.view(*job))
}

// DeleteJob removes a job that is not running
func (h *Handler) DeleteJob(c *gin.Context) {
	jobID := c.Param("id")
	if h.engine.IsActive(jobID) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is running, stop it first"})
		return
	}
	if err := h.ledger.DeleteJob(c.Request.Context(), jobID); err != nil {
		writeError(c, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Remove(jobID)
	}
	c.Status(http.StatusNoContent)
}

// StartJob starts a run of a job
func (h *Handler) StartJob(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := decodeStartOptions(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts.Trigger = engine.TriggerAPI

	run, err := h.engine.Start(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		if run != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run": run})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// StopJob asks the active run of a job to stop
func (h *Handler) StopJob(c *gin.Context) {
	jobID := c.Param("id")
	runID, err := h.engine.Stop(jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "run_id": runID})
}

// StopAll stops every active run
func (h *Handler) StopAll(c *gin.Context) {
	stopped := h.engine.StopAll()
	if stopped == nil {
		stopped = []string{}
	}
	c.JSON(http.StatusAccepted, gin.H{"stopped": stopped})
}

// ListActive returns the active executions
func (h *Handler) ListActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": h.engine.Active()})
}

// ListRuns returns the run history of a job, newest first
func (h *Handler) ListRuns(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")
	if _, err := h.ledger.GetJob(ctx, jobID); err != nil {
		writeError(c, err)
		return
	}

	var statuses []models.RunStatus
	if q := c.Query("status"); q != "" {
		for _, s := range strings.Split(q, ",") {
			status := models.RunStatus(strings.TrimSpace(s))
			if status != models.RunRunning && !status.Terminal() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
				return
			}
			statuses = append(statuses, status)
		}
	}

	runs, err := h.ledger.ListRuns(ctx, jobID, statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// GetRun returns a single run
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.ledger.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) sync(job *models.Job) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Sync(job); err != nil {
		h.log.WithJob(job.ID).WithError(err).Error("Failed to schedule job")
	}
}

// validateJob checks the fields and that a scheduled job's spec parses.
func validateJob(job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Schedule.IsManual() {
		return nil
	}
	_, err := scheduler.NextAfter(job.Schedule, time.Now())
	return err
}

// writeError maps engine and ledger errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrJobNotFound), errors.Is(err, ledger.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNothingToStop),
		errors.Is(err, engine.ErrStoppedBeforeStart):
		status = http.StatusConflict
	case errors.Is(err, preflight.ErrInsufficientSpace):
		status = http.StatusInsufficientStorage
	case errors.Is(err, executor.ErrSpawn):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
