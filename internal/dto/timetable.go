package dto

import "time"

// GenerateTimetableRequest starts a solver run for the current school.
type GenerateTimetableRequest struct {
	VersionName     string `json:"versionName" validate:"required,max=120"`
	MaxTimeLimit    int    `json:"maxTimeLimit" validate:"omitempty,min=1,max=7200"`
	AllowRelaxation *bool  `json:"allowRelaxation"`
	AutoCommit      bool   `json:"autoCommit"`
}

// GenerateTimetableResponse acknowledges an accepted solver job.
type GenerateTimetableResponse struct {
	JobID       string `json:"jobId"`
	State       string `json:"state"`
	VersionName string `json:"versionName"`
	AutoCommit  bool   `json:"autoCommit"`
	Lessons     int    `json:"lessons"`
}

// JobStatusResponse reports the tracked state of a solver job.
type JobStatusResponse struct {
	JobID       string             `json:"jobId"`
	State       string             `json:"state"`
	Reason      string             `json:"reason,omitempty"`
	VersionName string             `json:"versionName,omitempty"`
	Result      *ResultSummary     `json:"result,omitempty"`
	AutoCommit  *AutoCommitOutcome `json:"autoCommit,omitempty"`
}

// AutoCommitOutcome reports what a background run did with a finished job.
type AutoCommitOutcome struct {
	Status string                 `json:"status"`
	Error  string                 `json:"error,omitempty"`
	Commit *CommitTimetableResult `json:"commit,omitempty"`
}

// ResultSummary condenses a completed solver result for polling clients.
type ResultSummary struct {
	SlotsPlaced        int     `json:"slotsPlaced"`
	UnplacedLessons    int     `json:"unplacedLessons"`
	Conflicts          int     `json:"conflicts"`
	SolvingTimeSeconds float64 `json:"solvingTimeSeconds"`
}

// CommitTimetableRequest persists a completed job under a version name.
type CommitTimetableRequest struct {
	JobID            string `json:"-" validate:"required"`
	VersionName      string `json:"versionName" validate:"required,max=120"`
	ExpectedRevision *int   `json:"expectedRevision" validate:"omitempty,min=0"`
}

// CommitTimetableResult reports what a commit wrote.
type CommitTimetableResult struct {
	VersionID          string   `json:"versionId"`
	VersionName        string   `json:"versionName"`
	Revision           int      `json:"revision"`
	SlotsPlaced        int      `json:"slotsPlaced"`
	SlotsDeleted       int64    `json:"slotsDeleted"`
	Conflicts          int      `json:"conflicts"`
	SolvingTimeSeconds float64  `json:"solvingTimeSeconds"`
	UnplacedLessons    []string `json:"unplacedLessons"`
}

// UpdateVersionRequest toggles publication and the admin note of a version.
type UpdateVersionRequest struct {
	IsPublished *bool   `json:"isPublished"`
	AdminNote   *string `json:"adminNote" validate:"omitempty,max=2000"`
}

// TimetableVersionSummary is the landing-view projection of a version.
type TimetableVersionSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IsSaved         bool      `json:"isSaved"`
	IsPublished     bool      `json:"isPublished"`
	AdminNote       *string   `json:"adminNote,omitempty"`
	Revision        int       `json:"revision"`
	UnplacedLessons []string  `json:"unplacedLessons"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DeleteTeacherResult reports the impact of a teacher removal.
type DeleteTeacherResult struct {
	TeacherID      string  `json:"teacherId"`
	ReplacementID  *string `json:"replacementId,omitempty"`
	LessonsUpdated int     `json:"lessonsUpdated"`
}

// TeacherImpactResponse previews how many lessons reference a teacher.
type TeacherImpactResponse struct {
	TeacherID string `json:"teacherId"`
	Lessons   int    `json:"lessons"`
}
