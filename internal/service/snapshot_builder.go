package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type scheduleConfigReader interface {
	GetBySchool(ctx context.Context, schoolID string) (*models.ScheduleConfig, error)
}

type lessonLister interface {
	ListBySchool(ctx context.Context, schoolID string) ([]models.Lesson, error)
}

type classLister interface {
	ListBySchool(ctx context.Context, schoolID string) ([]models.Class, error)
}

type teacherLister interface {
	ListBySchool(ctx context.Context, schoolID string) ([]models.Teacher, error)
}

type subjectLister interface {
	ListBySchool(ctx context.Context, schoolID string) ([]models.Subject, error)
}

// SnapshotOptions are the run parameters copied into the solver request.
type SnapshotOptions struct {
	VersionName     string
	MaxTimeLimit    int
	AllowRelaxation *bool
}

// SnapshotDefaults fill options the caller left unset.
type SnapshotDefaults struct {
	MaxTimeLimit    int
	AllowRelaxation bool
}

// SnapshotBuilder turns a school's relational data into a solver request.
type SnapshotBuilder struct {
	configs  scheduleConfigReader
	lessons  lessonLister
	classes  classLister
	teachers teacherLister
	subjects subjectLister
	defaults SnapshotDefaults
	logger   *zap.Logger
}

// NewSnapshotBuilder wires snapshot dependencies.
func NewSnapshotBuilder(
	configs scheduleConfigReader,
	lessons lessonLister,
	classes classLister,
	teachers teacherLister,
	subjects subjectLister,
	defaults SnapshotDefaults,
	logger *zap.Logger,
) *SnapshotBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.MaxTimeLimit <= 0 {
		defaults.MaxTimeLimit = 300
	}
	return &SnapshotBuilder{
		configs:  configs,
		lessons:  lessons,
		classes:  classes,
		teachers: teachers,
		subjects: subjects,
		defaults: defaults,
		logger:   logger,
	}
}

// Build reads the school's data and projects it. It has no side effects and may be called repeatedly.
func (b *SnapshotBuilder) Build(ctx context.Context, schoolID string, opts SnapshotOptions) (*dto.SolverRequest, error) {
	if strings.TrimSpace(schoolID) == "" {
		return nil, appErrors.Clone(appErrors.ErrConfigurationMissing, "school is not set for the current user")
	}

	cfg, err := b.configs.GetBySchool(ctx, schoolID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrConfigurationMissing
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule configuration")
	}
	intervals, err := cfg.Intervals()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "schedule configuration has malformed interval slots")
	}

	var (
		lessons  []models.Lesson
		classes  []models.Class
		teachers []models.Teacher
		subjects []models.Subject
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		lessons, err = b.lessons.ListBySchool(gctx, schoolID)
		return err
	})
	g.Go(func() (err error) {
		classes, err = b.classes.ListBySchool(gctx, schoolID)
		return err
	})
	g.Go(func() (err error) {
		teachers, err = b.teachers.ListBySchool(gctx, schoolID)
		return err
	})
	g.Go(func() (err error) {
		subjects, err = b.subjects.ListBySchool(gctx, schoolID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load scheduling data")
	}

	classIDs := make(map[string]struct{}, len(classes))
	solverClasses := make([]dto.SolverClass, 0, len(classes))
	for _, class := range classes {
		classIDs[class.ID] = struct{}{}
		solverClasses = append(solverClasses, dto.SolverClass{ID: class.ID, Name: class.Name, Grade: class.Grade})
	}
	teacherIDs := make(map[string]struct{}, len(teachers))
	solverTeachers := make([]dto.SolverTeacher, 0, len(teachers))
	for _, teacher := range teachers {
		teacherIDs[teacher.ID] = struct{}{}
		solverTeachers = append(solverTeachers, dto.SolverTeacher{ID: teacher.ID, Name: teacher.FullName, ShortName: teacher.Abbreviation()})
	}
	subjectIDs := make(map[string]struct{}, len(subjects))
	solverSubjects := make([]dto.SolverSubject, 0, len(subjects))
	for _, subject := range subjects {
		subjectIDs[subject.ID] = struct{}{}
		solverSubjects = append(solverSubjects, dto.SolverSubject{ID: subject.ID, Name: subject.Name, Code: subject.Code})
	}

	solverLessons := make([]dto.SolverLesson, 0, len(lessons))
	disabled := 0
	for _, lesson := range lessons {
		if !lesson.IsEligible() {
			disabled++
			continue
		}
		projected := dto.SolverLesson{
			ID:              lesson.ID,
			LessonName:      lesson.LessonName,
			SubjectIDs:      b.resolve(lesson, "subject", lesson.SubjectIDs, subjectIDs),
			TeacherIDs:      b.resolve(lesson, "teacher", lesson.TeacherIDs, teacherIDs),
			ClassIDs:        b.resolve(lesson, "class", lesson.ClassIDs, classIDs),
			NumberOfSingles: lesson.NumberOfSingles,
			NumberOfDoubles: lesson.NumberOfDoubles,
		}
		if len(projected.SubjectIDs) == 0 || len(projected.TeacherIDs) == 0 || len(projected.ClassIDs) == 0 {
			b.logger.Warn("lesson skipped: unresolved references",
				zap.String("school_id", schoolID),
				zap.String("lesson_id", lesson.ID),
				zap.Int("subjects", len(projected.SubjectIDs)),
				zap.Int("teachers", len(projected.TeacherIDs)),
				zap.Int("classes", len(projected.ClassIDs)),
			)
			continue
		}
		solverLessons = append(solverLessons, projected)
	}
	if len(solverLessons) == 0 {
		return nil, appErrors.ErrNoEligibleLessons
	}

	solverIntervals := make([]dto.SolverIntervalSlot, 0, len(intervals))
	for _, slot := range intervals {
		solverIntervals = append(solverIntervals, dto.SolverIntervalSlot{AfterPeriod: slot.AfterPeriod, Duration: slot.Duration})
	}

	maxTime := opts.MaxTimeLimit
	if maxTime <= 0 {
		maxTime = b.defaults.MaxTimeLimit
	}
	relax := b.defaults.AllowRelaxation
	if opts.AllowRelaxation != nil {
		relax = *opts.AllowRelaxation
	}

	b.logger.Info("solver snapshot built",
		zap.String("school_id", schoolID),
		zap.String("version", opts.VersionName),
		zap.Int("lessons", len(solverLessons)),
		zap.Int("disabled_lessons", disabled),
		zap.Int("classes", len(solverClasses)),
		zap.Int("teachers", len(solverTeachers)),
		zap.Int("subjects", len(solverSubjects)),
	)

	return &dto.SolverRequest{
		Lessons:  solverLessons,
		Classes:  solverClasses,
		Teachers: solverTeachers,
		Subjects: solverSubjects,
		SchoolConfig: dto.SolverSchoolConfig{
			NumberOfPeriods: cfg.Periods(),
			IntervalSlots:   solverIntervals,
			DaysOfWeek:      cfg.Days(),
		},
		VersionName:     opts.VersionName,
		MaxTimeLimit:    maxTime,
		AllowRelaxation: relax,
	}, nil
}

// resolve keeps the references that point at loaded records, in order and without duplicates.
func (b *SnapshotBuilder) resolve(lesson models.Lesson, kind string, refs []string, known map[string]struct{}) []string {
	out := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		if _, ok := known[ref]; !ok {
			b.logger.Warn("dangling lesson reference dropped",
				zap.String("lesson_id", lesson.ID),
				zap.String("kind", kind),
				zap.String("ref", ref),
			)
			continue
		}
		out = append(out, ref)
	}
	return out
}
