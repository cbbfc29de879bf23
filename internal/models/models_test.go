package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobSource(t *testing.T) {
	j := &Job{Remote: "r2", Bucket: "photos"}
	assert.Equal(t, "r2:photos", j.Source(""))

	j.Path = "/2024/"
	assert.Equal(t, "r2:photos/2024", j.Source(""))
	assert.Equal(t, "r2:photos/2024/march", j.Source("march/"))
}

func TestJobValidate(t *testing.T) {
	j := &Job{Name: "photos", Remote: "r2", Bucket: "photos", Destination: "/backups"}
	assert.NoError(t, j.Validate())
	assert.True(t, j.Unlimited())

	j.Retention = 3
	assert.False(t, j.Unlimited())

	j.Retention = -1
	assert.Error(t, j.Validate())

	j.Retention = 1
	j.Destination = ""
	assert.Error(t, j.Validate())
}

func TestScheduleValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"manual", Schedule{Kind: ScheduleManual}, false},
		{"empty kind", Schedule{}, false},
		{"hourly", Schedule{Kind: ScheduleHourly, Minute: 15}, false},
		{"daily bad hour", Schedule{Kind: ScheduleDaily, Hour: 24}, true},
		{"weekly", Schedule{Kind: ScheduleWeekly, Weekday: time.Friday, Hour: 2, Minute: 30, Timezone: "Europe/Berlin"}, false},
		{"weekly bad tz", Schedule{Kind: ScheduleWeekly, Timezone: "Mars/Olympus"}, true},
		{"cron without expr", Schedule{Kind: ScheduleCron}, true},
		{"unknown", Schedule{Kind: "yearly"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunStopped.Terminal())
}
