package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SolverLesson is the solver-facing projection of an eligible lesson.
type SolverLesson struct {
	ID              string   `json:"_id"`
	LessonName      string   `json:"lessonName"`
	SubjectIDs      []string `json:"subjectIds"`
	TeacherIDs      []string `json:"teacherIds"`
	ClassIDs        []string `json:"classIds"`
	NumberOfSingles int      `json:"numberOfSingles"`
	NumberOfDoubles int      `json:"numberOfDoubles"`
}

// SolverClass is the solver-facing projection of a class.
type SolverClass struct {
	ID    string `json:"_id"`
	Name  string `json:"className"`
	Grade string `json:"grade,omitempty"`
}

// SolverTeacher is the solver-facing projection of a teacher.
type SolverTeacher struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName,omitempty"`
}

// SolverSubject is the solver-facing projection of a subject.
type SolverSubject struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// SolverIntervalSlot is a break after a period.
type SolverIntervalSlot struct {
	AfterPeriod int `json:"afterPeriod"`
	Duration    int `json:"duration"`
}

// SolverSchoolConfig describes the weekly grid the solver fills.
type SolverSchoolConfig struct {
	NumberOfPeriods int                  `json:"numberOfPeriods"`
	IntervalSlots   []SolverIntervalSlot `json:"intervalSlots"`
	DaysOfWeek      []string             `json:"daysOfWeek"`
}

// SolverRequest is the body of POST /start-solve.
type SolverRequest struct {
	Lessons         []SolverLesson     `json:"lessons"`
	Classes         []SolverClass      `json:"classes"`
	Teachers        []SolverTeacher    `json:"teachers"`
	Subjects        []SolverSubject    `json:"subjects"`
	SchoolConfig    SolverSchoolConfig `json:"schoolConfig"`
	VersionName     string             `json:"versionName"`
	MaxTimeLimit    int                `json:"maxTimeLimit"`
	AllowRelaxation bool               `json:"allowRelaxation"`
}

// SolverSubmitResponse is the body returned by POST /start-solve.
type SolverSubmitResponse struct {
	JobID FlexibleID `json:"jobId"`
}

// SolverSlot is one placement echoed by the solver.
type SolverSlot struct {
	ClassID       FlexibleID `json:"classId"`
	LessonID      FlexibleID `json:"lessonId"`
	Day           string     `json:"day"`
	PeriodNumber  int        `json:"periodNumber"`
	IsDoubleStart bool       `json:"isDoubleStart"`
	IsDoubleEnd   bool       `json:"isDoubleEnd"`
}

// UnplacedTask is a lesson occurrence the solver could not place. The solver
// may send either a bare lesson reference or an object.
type UnplacedTask struct {
	LessonID   FlexibleID `json:"lessonId"`
	LessonName string     `json:"lessonName,omitempty"`
	ClassID    FlexibleID `json:"classId,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// UnmarshalJSON accepts a bare identity or an object.
func (u *UnplacedTask) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		if _, ok := raw["$oid"]; ok {
			return u.LessonID.UnmarshalJSON(trimmed)
		}
		type alias UnplacedTask
		var out alias
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return err
		}
		if out.LessonID == "" {
			if v, ok := raw["_id"]; ok {
				if err := out.LessonID.UnmarshalJSON(v); err != nil {
					return err
				}
			}
		}
		*u = UnplacedTask(out)
		return nil
	}
	return u.LessonID.UnmarshalJSON(trimmed)
}

// SolverResult is the bundle attached to a completed job.
type SolverResult struct {
	Slots         []SolverSlot   `json:"slots"`
	UnplacedTasks []UnplacedTask `json:"unplacedTasks"`
	Conflicts     int            `json:"conflicts"`
	SolvingTime   float64        `json:"solvingTime"`
}

// SolverJobStatus is the body returned by GET /job-status/{jobId}.
type SolverJobStatus struct {
	Status string        `json:"status"`
	Result *SolverResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// FlexibleID is an entity identity normalised to its string form whatever JSON
// shape the solver used: string, number, or an {"$oid": "..."} object.
type FlexibleID string

// String returns the identity token.
func (f FlexibleID) String() string {
	return string(f)
}

// UnmarshalJSON normalises the supported identity encodings.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		for _, key := range []string{"$oid", "_id", "id"} {
			if inner, ok := obj[key]; ok {
				return f.UnmarshalJSON(inner)
			}
		}
		return fmt.Errorf("identity object has no $oid, _id or id field")
	default:
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("unsupported identity encoding %s", string(trimmed))
		}
		if i, err := n.Int64(); err == nil {
			*f = FlexibleID(strconv.FormatInt(i, 10))
			return nil
		}
		*f = FlexibleID(n.String())
		return nil
	}
}
