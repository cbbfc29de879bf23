package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"r2clone/internal/events"
	"r2clone/internal/executor"
	"r2clone/internal/ledger"
	"r2clone/internal/logging"
	"r2clone/internal/models"
	"r2clone/internal/preflight"
	"r2clone/internal/storage"
	"r2clone/internal/transfer"
	"r2clone/internal/transfer/transfertest"
)

func TestHelperProcess(t *testing.T) {
	transfertest.Main()
}

const plenty = 1 << 40

type fixedSpace uint64

func (f fixedSpace) FreeSpace(context.Context, string) (uint64, error) {
	return uint64(f), nil
}

// recorder is a Broadcaster that keeps every event and notes what the ledger
// and registry looked like when each terminal event arrived.
type recorder struct {
	mu       sync.Mutex
	events   []events.Event
	terminal chan events.Event

	ledger *ledger.Ledger
	engine *Engine
	seen   map[string]models.RunStatus // run id -> persisted status at broadcast
	active map[string]bool             // run id -> job still registered at broadcast
}

func newRecorder(l *ledger.Ledger) *recorder {
	return &recorder{
		terminal: make(chan events.Event, 16),
		ledger:   l,
		seen:     make(map[string]models.RunStatus),
		active:   make(map[string]bool),
	}
}

func (r *recorder) Attach(jobID string, ch <-chan events.Event) {
	go func() {
		for ev := range ch {
			if ev.JobID != jobID {
				panic("event for " + ev.JobID + " on channel of " + jobID)
			}
			if ev.Type.Terminal() {
				run, err := r.ledger.GetRun(context.Background(), ev.RunID)
				r.mu.Lock()
				if err == nil {
					r.seen[ev.RunID] = run.Status
				}
				r.active[ev.RunID] = r.engine.IsActive(jobID)
				r.mu.Unlock()
			}
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			if ev.Type.Terminal() {
				r.terminal <- ev
			}
		}
	}()
}

func (r *recorder) types(jobID string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) waitTerminal(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-r.terminal:
		return ev
	case <-time.After(20 * time.Second):
		t.Fatal("no terminal event")
		return events.Event{}
	}
}

type harness struct {
	engine  *Engine
	ledger  *ledger.Ledger
	storage *storage.Storage
	rec     *recorder
}

type options struct {
	mode  string
	size  string
	free  uint64
	tool  *transfer.Tool
	sizer preflight.Sizer
}

func newHarness(t *testing.T, o options) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	log := logging.Discard()
	st := storage.NewStorage()
	l := ledger.New(db, st, log)

	tool := o.tool
	if tool == nil {
		tool = transfertest.Tool(o.mode, o.size)
	}
	var sizer preflight.Sizer = tool
	if o.sizer != nil {
		sizer = o.sizer
	}
	free := o.free
	if free == 0 {
		free = plenty
	}

	rec := newRecorder(l)
	e := New(Config{
		Ledger:      l,
		Storage:     st,
		Tool:        tool,
		Preflight:   preflight.NewEstimator(sizer, fixedSpace(free), preflight.DefaultMargin, log),
		Broadcaster: rec,
		Logger:      log,
		KillGrace:   5 * time.Second,
	})
	rec.engine = e
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return &harness{engine: e, ledger: l, storage: st, rec: rec}
}

func (h *harness) job(t *testing.T, retention int) *models.Job {
	t.Helper()
	job := &models.Job{
		Name:        "photos",
		Remote:      "r2",
		Bucket:      "photos",
		Destination: t.TempDir(),
		Retention:   retention,
	}
	require.NoError(t, h.ledger.CreateJob(context.Background(), job))
	return job
}

func (h *harness) idle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.engine.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("executions did not finish")
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "3072"})
	job := h.job(t, 0)

	run, err := h.engine.Start(context.Background(), job.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, TriggerManual, run.Trigger)
	assert.DirExists(t, run.Path)

	ev := h.rec.waitTerminal(t)
	h.idle(t)
	assert.Equal(t, events.TypeComplete, ev.Type)
	assert.Equal(t, run.ID, ev.RunID)

	types := h.rec.types(job.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeStarted, types[0])
	assert.Equal(t, events.TypeProgress, types[1])
	assert.Equal(t, events.TypeComplete, types[len(types)-1])

	got, err := h.ledger.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(2), got.FilesTransferred)
	assert.Equal(t, int64(1), got.FilesSkipped)
	assert.Equal(t, int64(3072), got.TotalBytes)
	assert.Empty(t, got.ErrorMessage)

	// Persisted and unregistered before the terminal broadcast.
	assert.Equal(t, models.RunCompleted, h.rec.seen[run.ID])
	assert.False(t, h.rec.active[run.ID])
	assert.False(t, h.engine.IsActive(job.ID))
}

func TestSyntheticProgressUsesPrescannedTotal(t *testing.T) {
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "3072"})
	job := h.job(t, 0)

	_, err := h.engine.Start(context.Background(), job.ID, StartOptions{})
	require.NoError(t, err)
	h.rec.waitTerminal(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	started := h.rec.events[0].Payload.(events.Started)
	assert.Equal(t, int64(3072), started.TotalBytes)

	p := h.rec.events[1].Payload.(events.Progress)
	assert.Equal(t, 0, p.Percentage)
	assert.Equal(t, "3.00 KiB", p.Total)

	var last events.Progress
	for _, ev := range h.rec.events {
		if ev.Type == events.TypeProgress {
			cur := ev.Payload.(events.Progress)
			assert.GreaterOrEqual(t, cur.Percentage, last.Percentage)
			last = cur
		}
	}
	assert.Equal(t, 100, last.Percentage)
}

func TestUnknownTotalSkipsSyntheticProgress(t *testing.T) {
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "fail"})
	job := h.job(t, 0)

	_, err := h.engine.Start(context.Background(), job.ID, StartOptions{})
	require.NoError(t, err)
	h.rec.waitTerminal(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, int64(0), h.rec.events[0].Payload.(events.Started).TotalBytes)
	// First progress comes from the tool itself.
	p := h.rec.events[1].Payload.(events.Progress)
	assert.Equal(t, "3 KiB", p.Total)
}

func TestZeroTotalReportsNothingToTransferOnce(t *testing.T) {
	h := newHarness(t, options{mode: transfertest.ModeNothing, size: "0"})
	job := h.job(t, 0)

	run, err := h.engine.Start(context.Background(), job.ID, StartOptions{})
	require.NoError(t, err)
	ev := h.rec.waitTerminal(t)
	assert.Equal(t, events.TypeComplete, ev.Type)

	assert.Equal(t, []events.Type{
		events.TypeStarted,
		events.TypeNothingToTransfer,
		events.TypeComplete,
	}, h.rec.types(job.ID))

	h.idle(t)
	assert.NoDirExists(t, run.Path)
}

func TestStartReturnsCallerOwnedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeFail, size: "fail"})
	job := h.job(t, 0)

	run, err := h.engine.Start(ctx, job.ID, StartOptions{})
	require.NoError(t, err)

	// Encode while the run fails in the background.
	deadline := time.After(20 * time.Second)
	for h.engine.IsActive(job.ID) {
		_, err := json.Marshal(run)
		require.NoError(t, err)
		select {
		case <-deadline:
			t.Fatal("run did not finish")
		default:
		}
	}
	h.rec.waitTerminal(t)
	h.idle(t)

	assert.Equal(t, models.RunRunning, run.Status)
	assert.Nil(t, run.CompletedAt)
	assert.Empty(t, run.ErrorMessage)

	got, err := h.ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.NoDirExists(t, run.Path)
}

func TestRetentionAfterCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "3072"})
	job := h.job(t, 2)

	base := time.Now().Add(-72 * time.Hour)
	var prior []*models.Run
	for i := 0; i < 3; i++ {
		started := base.Add(time.Duration(i) * time.Hour)
		dir, err := h.storage.CreateRunDir(job.Destination, job.Name, started)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "old.bin"), []byte("old"), 0644))
		r := &models.Run{JobID: job.ID, StartedAt: started, Path: dir}
		require.NoError(t, h.ledger.CreateRun(ctx, r))
		r.Status = models.RunCompleted
		require.NoError(t, h.ledger.FinishRun(ctx, r))
		prior = append(prior, r)
	}

	r4, err := h.engine.Start(ctx, job.ID, StartOptions{Trigger: TriggerSchedule})
	require.NoError(t, err)
	h.rec.waitTerminal(t)
	h.idle(t)

	runs, err := h.ledger.ListRuns(ctx, job.ID, models.RunCompleted)
	require.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	// The limit counts the new run: only the newest two completed runs stay.
	assert.Equal(t, []string{r4.ID, prior[2].ID}, ids)
	assert.NoDirExists(t, prior[0].Path)
	assert.NoDirExists(t, prior[1].Path)
	assert.DirExists(t, prior[2].Path)
	assert.DirExists(t, r4.Path)
	assert.Equal(t, TriggerSchedule, runs[0].Trigger)
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeBlock, size: "3072"})
	job := h.job(t, 0)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	gate := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, err := h.engine.Start(ctx, job.ID, StartOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrAlreadyRunning):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 7, rejected)

	runs, err := h.ledger.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	started := 0
	for _, tp := range h.rec.types(job.ID) {
		if tp == events.TypeStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)

	_, err = h.engine.Stop(job.ID)
	require.NoError(t, err)
	h.rec.waitTerminal(t)
}

func TestPreflightRejectsWithoutRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "1000000", free: 1000})
	job := h.job(t, 0)

	_, err := h.engine.Start(ctx, job.ID, StartOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, preflight.ErrInsufficientSpace)

	var spaceErr *preflight.SpaceError
	require.ErrorAs(t, err, &spaceErr)
	assert.Equal(t, uint64(1050000), spaceErr.Required)

	runs, err := h.ledger.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Zero(t, h.rec.count())
	assert.False(t, h.engine.IsActive(job.ID))

	entries, err := os.ReadDir(job.Destination)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStopReportsStopped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeGraceful, size: "3072"})
	job := h.job(t, 0)

	run, err := h.engine.Start(ctx, job.ID, StartOptions{})
	require.NoError(t, err)

	runID, err := h.engine.Stop(job.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, runID)

	ev := h.rec.waitTerminal(t)
	assert.Equal(t, events.TypeStopped, ev.Type)

	got, err := h.ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	// A new start is admitted right away.
	h.idle(t)
	_, err = h.engine.Start(ctx, job.ID, StartOptions{})
	require.NoError(t, err)
	_, err = h.engine.Stop(job.ID)
	require.NoError(t, err)
	h.rec.waitTerminal(t)
}

func TestStopWithoutExecution(t *testing.T) {
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "0"})
	job := h.job(t, 0)

	_, err := h.engine.Stop(job.ID)
	assert.ErrorIs(t, err, ErrNothingToStop)
	_, err = h.engine.Stop(job.ID)
	assert.ErrorIs(t, err, ErrNothingToStop)
	assert.Empty(t, h.engine.StopAll())
	assert.Zero(t, h.rec.count())
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeBlock, size: "fail"})
	a := h.job(t, 0)
	b := h.job(t, 0)

	_, err := h.engine.Start(ctx, a.ID, StartOptions{})
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, b.ID, StartOptions{})
	require.NoError(t, err)
	assert.Len(t, h.engine.Active(), 2)

	assert.ElementsMatch(t, []string{a.ID, b.ID}, h.engine.StopAll())
	assert.Equal(t, events.TypeStopped, h.rec.waitTerminal(t).Type)
	assert.Equal(t, events.TypeStopped, h.rec.waitTerminal(t).Type)
	h.idle(t)
	assert.Empty(t, h.engine.Active())
}

func TestFailedRunCarriesMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeFail, size: "fail"})
	job := h.job(t, 1)

	run, err := h.engine.Start(ctx, job.ID, StartOptions{})
	require.NoError(t, err)

	ev := h.rec.waitTerminal(t)
	assert.Equal(t, events.TypeError, ev.Type)
	payload := ev.Payload.(events.Finished)
	assert.Contains(t, payload.Error, "AccessDenied")

	got, err := h.ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.ErrorMessage, "exit code 1")
	assert.Equal(t, models.RunFailed, h.rec.seen[run.ID])
}

func TestSpawnFailureProducesFailedRun(t *testing.T) {
	ctx := context.Background()
	tool := &transfer.Tool{Binary: filepath.Join(t.TempDir(), "missing-rclone")}
	h := newHarness(t, options{tool: tool, sizer: zeroSizer{}})
	job := h.job(t, 0)

	run, err := h.engine.Start(ctx, job.ID, StartOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrSpawn)
	require.NotNil(t, run)

	ev := h.rec.waitTerminal(t)
	assert.Equal(t, events.TypeError, ev.Type)
	assert.Equal(t, []events.Type{events.TypeError}, h.rec.types(job.ID))

	assert.Equal(t, models.RunFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)

	got, err := h.ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.False(t, h.engine.IsActive(job.ID))
	assert.NoDirExists(t, run.Path)
}

func TestStartUnknownJob(t *testing.T) {
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "0"})

	_, err := h.engine.Start(context.Background(), "does-not-exist", StartOptions{})
	assert.ErrorIs(t, err, ledger.ErrJobNotFound)
	assert.False(t, h.engine.IsActive("does-not-exist"))
}

type zeroSizer struct{}

func (zeroSizer) Size(context.Context, string) (int64, error) { return 0, nil }

type blockingSizer struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingSizer) Size(ctx context.Context, _ string) (int64, error) {
	close(b.entered)
	<-b.release
	return 1024, nil
}

func TestStopDuringPreflightAbortsStart(t *testing.T) {
	ctx := context.Background()
	sizer := blockingSizer{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, options{mode: transfertest.ModeOK, size: "1024", sizer: sizer})
	job := h.job(t, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := h.engine.Start(ctx, job.ID, StartOptions{})
		errc <- err
	}()
	<-sizer.entered

	_, err := h.engine.Start(ctx, job.ID, StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	runID, err := h.engine.Stop(job.ID)
	require.NoError(t, err)
	assert.Empty(t, runID)
	close(sizer.release)

	assert.ErrorIs(t, <-errc, ErrStoppedBeforeStart)
	runs, err := h.ledger.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.False(t, h.engine.IsActive(job.ID))
	assert.Zero(t, h.rec.count())
}

func TestRecoverSweepsInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{mode: transfertest.ModeGraceful, size: "0"})
	job := h.job(t, 0)

	stale := &models.Run{JobID: job.ID, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, h.ledger.CreateRun(ctx, stale))

	n, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := h.ledger.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, got.Status)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, h.engine.IsActive(job.ID))

	_, err = h.engine.Start(ctx, job.ID, StartOptions{})
	require.NoError(t, err)
	_, err = h.engine.Stop(job.ID)
	require.NoError(t, err)
	h.rec.waitTerminal(t)
}
