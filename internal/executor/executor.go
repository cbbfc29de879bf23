package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"r2clone/internal/events"
	"r2clone/internal/logging"
	"r2clone/internal/models"
	"r2clone/internal/transfer"
)

// ErrSpawn wraps failures to launch the transfer tool.
var ErrSpawn = errors.New("failed to launch transfer tool")

// DefaultKillGrace is how long a stopped subprocess gets before it is killed.
const DefaultKillGrace = 15 * time.Second

// State is the supervisor lifecycle position.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// Counters accumulate over one run. Bytes is advisory: it comes from parsed
// progress lines, not from the files on disk.
type Counters struct {
	FilesTransferred int64
	FilesSkipped     int64
	Bytes            int64
}

// Outcome is the terminal result of one subprocess.
type Outcome struct {
	Status   models.RunStatus
	ExitCode int
	Error    string
	Counters Counters
}

// Supervisor owns the transfer subprocess of one run.
type Supervisor struct {
	tool      *transfer.Tool
	parser    *transfer.Parser
	emit      func(events.Event)
	log       *logging.Logger
	killGrace time.Duration

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	stopping bool   // stop() was called
	fatal    string // unrecoverable error line seen
	lastErr  string
	counters Counters
	progress *events.Progress

	done    chan struct{}
	outcome Outcome
}

// NewSupervisor creates a supervisor. emit receives every parsed event in
// output order, from a single goroutine.
func NewSupervisor(tool *transfer.Tool, parser *transfer.Parser, emit func(events.Event), log *logging.Logger) *Supervisor {
	return &Supervisor{
		tool:      tool,
		parser:    parser,
		emit:      emit,
		log:       log,
		killGrace: DefaultKillGrace,
		state:     StateStarting,
		done:      make(chan struct{}),
	}
}

// SetKillGrace changes how long Stop waits before killing the subprocess.
func (s *Supervisor) SetKillGrace(d time.Duration) {
	s.mu.Lock()
	s.killGrace = d
	s.mu.Unlock()
}

// Start launches the tool copying source into dest. stdout and stderr are
// merged and parsed line by line until the process exits.
func (s *Supervisor) Start(ctx context.Context, source, dest string, opts transfer.CopyOptions) error {
	cmd := s.tool.Command(ctx, s.tool.CopyArgs(source, dest, opts)...)

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	s.mu.Lock()
	if err := cmd.Start(); err != nil {
		s.state = StateFinished
		s.mu.Unlock()
		r.Close()
		w.Close()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	s.cmd = cmd
	s.state = StateRunning
	s.mu.Unlock()

	// The child holds its own copy of the write end.
	w.Close()

	s.log.Debug("Transfer started", "pid", cmd.Process.Pid, "source", source, "dest", dest)
	go s.supervise(r)
	return nil
}

func (s *Supervisor) supervise(r *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if ev, ok := s.parser.ParseLine(scanner.Text()); ok {
			s.handle(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Warn("Reading transfer output failed")
	}
	r.Close()

	waitErr := s.cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	out := Outcome{ExitCode: exitCode, Counters: s.counters}
	switch {
	case s.stopping:
		out.Status = models.RunStopped
	case s.fatal != "":
		out.Status = models.RunFailed
		out.Error = s.fatal
	case waitErr == nil:
		out.Status = models.RunCompleted
	default:
		out.Status = models.RunFailed
		out.Error = DescribeExit(exitCode, s.lastErr)
	}
	s.state = StateFinished
	s.outcome = out
	s.mu.Unlock()

	close(s.done)
}

func (s *Supervisor) handle(ev events.Event) {
	s.mu.Lock()
	switch ev.Type {
	case events.TypeProgress:
		p := ev.Payload.(events.Progress)
		s.counters.Bytes = p.TransferredBytes
		s.progress = &p
	case events.TypeFileTransferred:
		s.counters.FilesTransferred++
	case events.TypeFileSkipped:
		s.counters.FilesSkipped++
	case events.TypeLog:
		l := ev.Payload.(events.Log)
		switch l.Level {
		case transfer.LevelError:
			s.lastErr = l.Message
		case transfer.LevelFatal:
			s.lastErr = l.Message
			if s.fatal == "" {
				s.fatal = l.Message
				s.terminate()
			}
		}
	}
	s.mu.Unlock()

	s.emit(ev)
}

// Stop asks the subprocess to exit gracefully and returns immediately; the
// stopped outcome is reported once it actually exits. Stop reports false
// when there was nothing left to stop.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return false
	}
	if s.stopping {
		return true
	}
	s.stopping = true
	s.terminate()
	return true
}

// terminate signals the process; callers hold s.mu.
func (s *Supervisor) terminate() {
	p := s.cmd.Process
	if err := p.Signal(syscall.SIGTERM); err != nil {
		// No SIGTERM on windows.
		p.Kill()
		return
	}
	grace := s.killGrace
	done := s.done
	time.AfterFunc(grace, func() {
		select {
		case <-done:
		default:
			p.Kill()
		}
	})
}

// Done is closed once the outcome is known.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the subprocess has exited and its output is drained.
func (s *Supervisor) Wait() Outcome {
	<-s.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// State returns the lifecycle position.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counters returns a snapshot of the running counters.
func (s *Supervisor) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// LastProgress returns the most recent progress sample, if any.
func (s *Supervisor) LastProgress() (events.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress == nil {
		return events.Progress{}, false
	}
	return *s.progress, true
}

// scanLines splits on \n, \r\n and bare \r, which the tool uses to redraw
// stats lines in place.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
