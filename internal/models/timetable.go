package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// TimetableVersion is a named, independently persisted generation result.
type TimetableVersion struct {
	ID              string         `db:"id" json:"id"`
	SchoolID        string         `db:"school_id" json:"school_id"`
	Name            string         `db:"name" json:"name"`
	IsSaved         bool           `db:"is_saved" json:"is_saved"`
	IsPublished     bool           `db:"is_published" json:"is_published"`
	AdminNote       *string        `db:"admin_note" json:"admin_note,omitempty"`
	UnplacedLessons types.JSONText `db:"unplaced_lessons" json:"unplaced_lessons"`
	ResultBundle    types.JSONText `db:"result_bundle" json:"-"`
	JobID           *string        `db:"job_id" json:"job_id,omitempty"`
	Revision        int            `db:"revision" json:"revision"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// TimetableSlot is one placed lesson occurrence for a class on a day and period.
type TimetableSlot struct {
	ID            string    `db:"id" json:"id"`
	SchoolID      string    `db:"school_id" json:"school_id"`
	VersionID     string    `db:"version_id" json:"version_id"`
	ClassID       string    `db:"class_id" json:"class_id"`
	LessonID      string    `db:"lesson_id" json:"lesson_id"`
	Day           string    `db:"day" json:"day"`
	PeriodNumber  int       `db:"period_number" json:"period_number"`
	IsDoubleStart bool      `db:"is_double_start" json:"is_double_start"`
	IsDoubleEnd   bool      `db:"is_double_end" json:"is_double_end"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TimetableSlotDetail joins a slot with display names for exports.
type TimetableSlotDetail struct {
	TimetableSlot
	ClassName  string `db:"class_name" json:"class_name"`
	LessonName string `db:"lesson_name" json:"lesson_name"`
}
