package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

const (
	// DefaultNumberOfPeriods applies when a school has not set its daily period count.
	DefaultNumberOfPeriods = 8
)

// DefaultDaysOfWeek is the standard five-day school week.
var DefaultDaysOfWeek = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}

// IntervalSlot is a break placed after a given period.
type IntervalSlot struct {
	AfterPeriod int `json:"afterPeriod"`
	Duration    int `json:"duration"`
}

// ScheduleConfig is the single per-school timetable shape.
type ScheduleConfig struct {
	SchoolID        string         `db:"school_id" json:"school_id"`
	NumberOfPeriods int            `db:"number_of_periods" json:"number_of_periods"`
	IntervalSlots   types.JSONText `db:"interval_slots" json:"interval_slots"`
	DaysOfWeek      pq.StringArray `db:"days_of_week" json:"days_of_week"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Intervals decodes the stored interval slots.
func (c ScheduleConfig) Intervals() ([]IntervalSlot, error) {
	if len(c.IntervalSlots) == 0 {
		return []IntervalSlot{}, nil
	}
	var slots []IntervalSlot
	if err := json.Unmarshal(c.IntervalSlots, &slots); err != nil {
		return nil, fmt.Errorf("decode interval slots: %w", err)
	}
	if slots == nil {
		slots = []IntervalSlot{}
	}
	return slots, nil
}

// Periods returns the configured period count or the default.
func (c ScheduleConfig) Periods() int {
	if c.NumberOfPeriods <= 0 {
		return DefaultNumberOfPeriods
	}
	return c.NumberOfPeriods
}

// Days returns the configured weekdays or the default five-day week.
func (c ScheduleConfig) Days() []string {
	if len(c.DaysOfWeek) == 0 {
		days := make([]string, len(DefaultDaysOfWeek))
		copy(days, DefaultDaysOfWeek)
		return days
	}
	days := make([]string, len(c.DaysOfWeek))
	copy(days, c.DaysOfWeek)
	return days
}
