package engine

import (
	"sync"
	"time"

	"r2clone/internal/events"
	"r2clone/internal/executor"
	"r2clone/internal/models"
)

// eventBuffer bounds how far a supervisor may run ahead of the broadcaster.
const eventBuffer = 256

// Execution is the live state of one run. It exists from admission until the
// terminal transition and is owned by its registry slot.
type Execution struct {
	JobID string

	mu            sync.Mutex
	job           *models.Job
	run           *models.Run
	supervisor    *executor.Supervisor
	stopRequested bool

	events    chan events.Event
	ready     chan struct{} // closed once started has been queued
	readyOnce sync.Once
}

// Info is a point-in-time view of an execution.
type Info struct {
	JobID            string           `json:"jobId"`
	JobName          string           `json:"jobName,omitempty"`
	RunID            string           `json:"runId,omitempty"`
	Trigger          string           `json:"trigger,omitempty"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	Path             string           `json:"path,omitempty"`
	State            string           `json:"state"`
	FilesTransferred int64            `json:"filesTransferred"`
	FilesSkipped     int64            `json:"filesSkipped"`
	Progress         *events.Progress `json:"progress,omitempty"`
}

func newExecution(jobID string) *Execution {
	return &Execution{
		JobID: jobID,
		ready: make(chan struct{}),
	}
}

// RunID returns the run of this execution, empty while still in preflight.
func (x *Execution) RunID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.run == nil {
		return ""
	}
	return x.run.ID
}

// snapshot returns a copy of the current run record.
func (x *Execution) snapshot() *models.Run {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.run == nil {
		return nil
	}
	run := *x.run
	return &run
}

// setRun publishes the terminal record. run must not be written afterwards.
func (x *Execution) setRun(run *models.Run) {
	x.mu.Lock()
	x.run = run
	x.mu.Unlock()
}

// Info returns a snapshot for status listings.
func (x *Execution) Info() Info {
	x.mu.Lock()
	defer x.mu.Unlock()

	info := Info{JobID: x.JobID, State: "preflight"}
	if x.job != nil {
		info.JobName = x.job.Name
	}
	if x.run != nil {
		started := x.run.StartedAt
		info.RunID = x.run.ID
		info.Trigger = x.run.Trigger
		info.StartedAt = &started
		info.Path = x.run.Path
		info.State = string(executor.StateStarting)
	}
	if x.supervisor != nil {
		info.State = string(x.supervisor.State())
		c := x.supervisor.Counters()
		info.FilesTransferred = c.FilesTransferred
		info.FilesSkipped = c.FilesSkipped
		if p, ok := x.supervisor.LastProgress(); ok {
			info.Progress = &p
		}
	}
	if x.stopRequested {
		info.State = "stopping"
	}
	return info
}

func (x *Execution) begin(job *models.Job, run *models.Run) <-chan events.Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.job = job
	x.run = run
	x.events = make(chan events.Event, eventBuffer)
	return x.events
}

// attach installs the running supervisor and reports whether a stop arrived
// before it existed.
func (x *Execution) attach(s *executor.Supervisor) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.supervisor = s
	return x.stopRequested
}

// abortRequested reports whether a stop arrived during preflight.
func (x *Execution) abortRequested() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopRequested
}

func (x *Execution) stop() bool {
	x.mu.Lock()
	s := x.supervisor
	if s == nil {
		// Still in preflight or spawning; the start path picks this up.
		already := x.stopRequested
		x.stopRequested = true
		x.mu.Unlock()
		return !already
	}
	x.stopRequested = true
	x.mu.Unlock()
	return s.Stop()
}

// send queues an event for the broadcaster. Supervisor output waits until the
// started event is queued so observers always see started first.
func (x *Execution) send(ev events.Event) {
	<-x.ready
	x.sendNow(ev)
}

func (x *Execution) sendNow(ev events.Event) {
	ev.JobID = x.JobID
	if ev.RunID == "" {
		ev.RunID = x.RunID()
	}
	x.events <- ev
}

func (x *Execution) markReady() {
	x.readyOnce.Do(func() { close(x.ready) })
}
