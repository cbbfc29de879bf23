package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2clone/internal/client"
	"r2clone/internal/events"
	"r2clone/internal/models"
)

func frame(t *testing.T, typ events.Type, runID string, payload interface{}) client.Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return client.Frame{Type: string(typ), JobID: "job-1", RunID: runID, Payload: data, Time: time.Now()}
}

func TestPrintFrame(t *testing.T) {
	var buf bytes.Buffer
	printFrame(&buf, frame(t, events.TypeProgress, "r1", events.Progress{
		Percentage: 50, Transferred: "1.00 KiB", Total: "2.00 KiB", Speed: "512 B/s", ETA: "2s",
	}))
	assert.Contains(t, buf.String(), "[job-1]  50% 1.00 KiB / 2.00 KiB, 512 B/s, ETA 2s")

	buf.Reset()
	printFrame(&buf, frame(t, events.TypeFileSkipped, "r1", events.File{Name: "a.txt"}))
	assert.Contains(t, buf.String(), "file-skipped a.txt")

	buf.Reset()
	printFrame(&buf, frame(t, events.TypeError, "r1", events.Finished{
		Status: string(models.RunFailed), FilesTransferred: 1, TotalBytes: 2048, Error: "exit status 1",
	}))
	assert.Contains(t, buf.String(), "failed: 1 transferred, 0 skipped, 2.0 KiB: exit status 1")
}

func TestFollowRun(t *testing.T) {
	frames := make(chan client.Frame, 4)
	frames <- frame(t, events.TypeProgress, "other", events.Progress{Percentage: 10})
	frames <- frame(t, events.TypeFileTransferred, "r1", events.File{Name: "a.txt"})
	frames <- frame(t, events.TypeComplete, "r1", events.Finished{Status: string(models.RunCompleted)})

	var buf bytes.Buffer
	require.NoError(t, followRun(t.Context(), &buf, frames, "r1"))
	assert.NotContains(t, buf.String(), "10%")
	assert.Contains(t, buf.String(), "file-transferred a.txt")
	assert.Contains(t, buf.String(), "completed")
}

func TestFollowRunStopped(t *testing.T) {
	frames := make(chan client.Frame, 1)
	frames <- frame(t, events.TypeStopped, "r1", events.Finished{Status: string(models.RunStopped)})

	err := followRun(t.Context(), &bytes.Buffer{}, frames, "r1")
	assert.EqualError(t, err, "run r1 was stopped")

	closed := make(chan client.Frame)
	close(closed)
	assert.Error(t, followRun(t.Context(), &bytes.Buffer{}, closed, "r1"))
}

func TestDescribeSchedule(t *testing.T) {
	assert.Equal(t, "manual", describeSchedule(models.Schedule{}))
	assert.Equal(t, "CRON_TZ=UTC 30 2 * * *", describeSchedule(models.Schedule{Kind: models.ScheduleDaily, Hour: 2, Minute: 30}))
	assert.Equal(t, "invalid", describeSchedule(models.Schedule{Kind: "yearly"}))
}
