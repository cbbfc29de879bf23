package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Job is a persistent backup configuration: one remote bucket tree copied into
// a destination root, optionally on a schedule.
type Job struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name        string    `gorm:"not null;type:varchar(255)" json:"name"`
	Remote      string    `gorm:"not null;type:varchar(255)" json:"remote"` // rclone remote name
	Bucket      string    `gorm:"not null;type:varchar(255)" json:"bucket"`
	Path        string    `gorm:"type:varchar(1000)" json:"path"` // optional sub-path inside the bucket
	Destination string    `gorm:"not null;type:varchar(1000)" json:"destination"`
	Retention   int       `gorm:"default:0" json:"retention"` // 0 = unlimited
	Schedule    Schedule  `gorm:"embedded;embeddedPrefix:schedule_" json:"schedule"`
	Enabled     bool      `gorm:"default:true" json:"enabled"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Source returns the remote path handed to the transfer tool, e.g. "r2:photos/2024".
func (j *Job) Source(subPath string) string {
	p := j.Bucket
	for _, part := range []string{j.Path, subPath} {
		part = strings.Trim(part, "/")
		if part != "" {
			p = path.Join(p, part)
		}
	}
	return j.Remote + ":" + p
}

// Unlimited reports whether every completed run is kept.
func (j *Job) Unlimited() bool {
	return j.Retention <= 0
}

// Validate checks the fields the engine needs to run the job.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(j.Remote) == "" {
		return fmt.Errorf("remote is required")
	}
	if strings.TrimSpace(j.Bucket) == "" {
		return fmt.Errorf("bucket is required")
	}
	if strings.TrimSpace(j.Destination) == "" {
		return fmt.Errorf("destination is required")
	}
	if j.Retention < 0 {
		return fmt.Errorf("retention must be >= 0 (0 means unlimited)")
	}
	return j.Schedule.Validate()
}
