package models

import (
	"time"

	"github.com/lib/pq"
)

// LessonStatus tags whether a lesson takes part in generation.
type LessonStatus string

const (
	LessonStatusEnabled  LessonStatus = "enabled"
	LessonStatusDisabled LessonStatus = "disabled"
)

// Lesson is a teachable unit linking subjects, teachers and classes with a weekly demand.
type Lesson struct {
	ID              string         `db:"id" json:"id"`
	SchoolID        string         `db:"school_id" json:"school_id"`
	LessonName      string         `db:"lesson_name" json:"lesson_name"`
	SubjectIDs      pq.StringArray `db:"subject_ids" json:"subject_ids"`
	TeacherIDs      pq.StringArray `db:"teacher_ids" json:"teacher_ids"`
	ClassIDs        pq.StringArray `db:"class_ids" json:"class_ids"`
	NumberOfSingles int            `db:"number_of_singles" json:"number_of_singles"`
	NumberOfDoubles int            `db:"number_of_doubles" json:"number_of_doubles"`
	Status          *string        `db:"status" json:"status,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// IsEligible reports whether the lesson should be sent to the solver. Only an
// explicit "disabled" status excludes it; a missing or unknown status keeps the
// lesson schedulable.
func (l Lesson) IsEligible() bool {
	return IsEligibleStatus(l.Status)
}

// IsEligibleStatus applies the eligibility rule to a raw status value. The match
// is exact: "Disabled" or " disabled " stay eligible.
func IsEligibleStatus(status *string) bool {
	return status == nil || *status != string(LessonStatusDisabled)
}

// HasTeacher reports whether teacherID is referenced by the lesson.
func (l Lesson) HasTeacher(teacherID string) bool {
	for _, id := range l.TeacherIDs {
		if id == teacherID {
			return true
		}
	}
	return false
}
