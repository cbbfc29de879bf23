package models

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // timezones must resolve on hosts without zoneinfo
)

// ScheduleKind tags the Schedule variant.
type ScheduleKind string

const (
	ScheduleManual ScheduleKind = "manual"
	ScheduleHourly ScheduleKind = "hourly"
	ScheduleDaily  ScheduleKind = "daily"
	ScheduleWeekly ScheduleKind = "weekly"
	ScheduleCron   ScheduleKind = "cron"
)

// Schedule is a tagged variant. Which fields matter depends on Kind:
//
//	manual: none
//	hourly: Minute
//	daily:  Hour, Minute
//	weekly: Weekday, Hour, Minute
//	cron:   Expr
//
// Every scheduled kind fires in Timezone (IANA name, UTC when empty).
type Schedule struct {
	Kind     ScheduleKind `gorm:"type:varchar(20);default:'manual'" json:"kind"`
	Minute   int          `gorm:"default:0" json:"minute,omitempty"`
	Hour     int          `gorm:"default:0" json:"hour,omitempty"`
	Weekday  time.Weekday `gorm:"default:0" json:"weekday,omitempty"`
	Expr     string       `gorm:"type:varchar(255)" json:"expr,omitempty"`
	Timezone string       `gorm:"type:varchar(64)" json:"timezone,omitempty"`
}

// Validate checks ranges for the selected variant.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "", ScheduleManual:
		return nil
	case ScheduleHourly, ScheduleDaily, ScheduleWeekly:
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("schedule minute out of range: %d", s.Minute)
		}
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("schedule hour out of range: %d", s.Hour)
		}
		if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
			return fmt.Errorf("schedule weekday out of range: %d", s.Weekday)
		}
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule needs an expression")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// IsManual reports whether the job only runs on request.
func (s Schedule) IsManual() bool {
	return s.Kind == "" || s.Kind == ScheduleManual
}
