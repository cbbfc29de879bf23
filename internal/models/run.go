package models

import (
	"time"
)

// RunStatus is the lifecycle state of one execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// Run is one execution attempt of a Job.
type Run struct {
	ID               string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobID            string     `gorm:"not null;type:varchar(36);index" json:"job_id"`
	Status           RunStatus  `gorm:"not null;type:varchar(20);default:'running';index" json:"status"`
	Trigger          string     `gorm:"type:varchar(20)" json:"trigger"` // manual, schedule, api
	StartedAt        time.Time  `gorm:"not null;index" json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	FilesTransferred int64      `gorm:"default:0" json:"files_transferred"`
	FilesSkipped     int64      `gorm:"default:0" json:"files_skipped"`
	TotalBytes       int64      `gorm:"default:0" json:"total_bytes"`
	Path             string     `gorm:"type:varchar(1000)" json:"path"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Run) TableName() string {
	return "runs"
}
