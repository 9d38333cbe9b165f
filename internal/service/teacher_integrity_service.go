package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type teacherRecordStore interface {
	FindByID(ctx context.Context, schoolID, id string) (*models.Teacher, error)
	Delete(ctx context.Context, schoolID, id string) error
}

type lessonReferenceStore interface {
	ListByTeacher(ctx context.Context, schoolID, teacherID string) ([]models.Lesson, error)
	CountByTeacher(ctx context.Context, schoolID, teacherID string) (int, error)
	UpdateTeachers(ctx context.Context, schoolID, lessonID string, teacherIDs []string) error
}

type viewInvalidator interface {
	InvalidateViews(ctx context.Context, schoolID string, views ...string) error
}

// TeacherIntegrityService removes teachers without leaving lessons pointing at them.
type TeacherIntegrityService struct {
	teachers teacherRecordStore
	lessons  lessonReferenceStore
	cache    viewInvalidator
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewTeacherIntegrityService constructs the service. cache may be nil.
func NewTeacherIntegrityService(teachers teacherRecordStore, lessons lessonReferenceStore, cache viewInvalidator, metrics *MetricsService, logger *zap.Logger) *TeacherIntegrityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeacherIntegrityService{teachers: teachers, lessons: lessons, cache: cache, metrics: metrics, logger: logger}
}

// CountLessonsForTeacher previews how many lessons a deletion would touch.
func (s *TeacherIntegrityService) CountLessonsForTeacher(ctx context.Context, schoolID, teacherID string) (*dto.TeacherImpactResponse, error) {
	teacherID, err := parseTeacherID(teacherID, "teacher id")
	if err != nil {
		return nil, err
	}
	if _, err := s.findTeacher(ctx, schoolID, teacherID, "teacher not found"); err != nil {
		return nil, err
	}
	total, err := s.lessons.CountByTeacher(ctx, schoolID, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count teacher lessons")
	}
	return &dto.TeacherImpactResponse{TeacherID: teacherID, Lessons: total}, nil
}

// DeleteTeacher dereferences the teacher from every lesson, substituting the
// replacement when given, and deletes the teacher record last. Lessons are
// updated one at a time so a failure reports exactly how many were rewritten.
func (s *TeacherIntegrityService) DeleteTeacher(ctx context.Context, schoolID, teacherID string, replacementID *string) (*dto.DeleteTeacherResult, error) {
	teacherID, err := parseTeacherID(teacherID, "teacher id")
	if err != nil {
		return nil, err
	}
	var replacement string
	if replacementID != nil && strings.TrimSpace(*replacementID) != "" {
		replacement, err = parseTeacherID(*replacementID, "replacement teacher id")
		if err != nil {
			return nil, err
		}
		if replacement == teacherID {
			return nil, appErrors.Clone(appErrors.ErrValidation, "replacement teacher must differ from the deleted teacher")
		}
	}

	if _, err := s.findTeacher(ctx, schoolID, teacherID, "teacher not found"); err != nil {
		return nil, err
	}
	if replacement != "" {
		if _, err := s.findTeacher(ctx, schoolID, replacement, "replacement teacher not found"); err != nil {
			return nil, err
		}
	}

	logger := s.logger.With(zap.String("school_id", schoolID), zap.String("teacher_id", teacherID), zap.String("replacement_id", replacement))

	lessons, err := s.lessons.ListByTeacher(ctx, schoolID, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher lessons")
	}

	updated := 0
	for _, lesson := range lessons {
		next := reassignTeacher(lesson.TeacherIDs, teacherID, replacement)
		if err := s.lessons.UpdateTeachers(ctx, schoolID, lesson.ID, next); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				logger.Warn("lesson vanished during teacher removal", zap.String("lesson_id", lesson.ID))
				continue
			}
			s.afterLessonsChanged(ctx, schoolID, updated)
			logger.Error("teacher removal stopped", zap.String("lesson_id", lesson.ID), zap.Int("lessons_updated", updated), zap.Error(err))
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lesson teachers").
				WithDetails(map[string]any{"lessonsUpdated": updated, "lessonId": lesson.ID})
		}
		updated++
	}

	if err := s.teachers.Delete(ctx, schoolID, teacherID); err != nil {
		s.afterLessonsChanged(ctx, schoolID, updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "teacher not found").WithDetails(map[string]any{"lessonsUpdated": updated})
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete teacher").
			WithDetails(map[string]any{"lessonsUpdated": updated})
	}

	s.afterLessonsChanged(ctx, schoolID, updated)
	logger.Info("teacher deleted", zap.Int("lessons_updated", updated))

	result := &dto.DeleteTeacherResult{TeacherID: teacherID, LessonsUpdated: updated}
	if replacement != "" {
		result.ReplacementID = &replacement
	}
	return result, nil
}

func (s *TeacherIntegrityService) findTeacher(ctx context.Context, schoolID, id, notFound string) (*models.Teacher, error) {
	teacher, err := s.teachers.FindByID(ctx, schoolID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, notFound)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	return teacher, nil
}

func (s *TeacherIntegrityService) afterLessonsChanged(ctx context.Context, schoolID string, updated int) {
	if updated == 0 {
		return
	}
	s.metrics.RecordLessonsReassigned(updated)
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateViews(ctx, schoolID, ViewLessons); err != nil {
		s.logger.Warn("lessons view invalidation failed", zap.String("school_id", schoolID), zap.Error(err))
	}
}

func parseTeacherID(raw, field string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "invalid "+field)
	}
	return id.String(), nil
}

// reassignTeacher drops removed from refs and puts replacement in its place
// unless already present. Order is kept and duplicates are collapsed.
func reassignTeacher(refs []string, removed, replacement string) []string {
	present := make(map[string]struct{}, len(refs)+1)
	for _, ref := range refs {
		if ref != removed {
			present[ref] = struct{}{}
		}
	}
	out := make([]string, 0, len(refs))
	emitted := make(map[string]struct{}, len(refs)+1)
	for _, ref := range refs {
		if ref == removed {
			if replacement == "" {
				continue
			}
			if _, ok := present[replacement]; ok {
				continue
			}
			ref = replacement
		}
		if _, dup := emitted[ref]; dup {
			continue
		}
		emitted[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
