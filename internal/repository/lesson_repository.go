package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

const lessonColumns = `id, school_id, lesson_name, subject_ids, teacher_ids, class_ids, number_of_singles, number_of_doubles, status, created_at, updated_at`

// LessonRepository manages persistence for lessons.
type LessonRepository struct {
	db *sqlx.DB
}

// NewLessonRepository constructs a LessonRepository.
func NewLessonRepository(db *sqlx.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

// ListBySchool returns every lesson of a school ordered by name.
func (r *LessonRepository) ListBySchool(ctx context.Context, schoolID string) ([]models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE school_id = $1 ORDER BY lesson_name ASC, id ASC`
	var lessons []models.Lesson
	if err := r.db.SelectContext(ctx, &lessons, query, schoolID); err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, nil
}

// ListByTeacher returns lessons of a school referencing the teacher.
func (r *LessonRepository) ListByTeacher(ctx context.Context, schoolID, teacherID string) ([]models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE school_id = $1 AND $2 = ANY(teacher_ids) ORDER BY id ASC`
	var lessons []models.Lesson
	if err := r.db.SelectContext(ctx, &lessons, query, schoolID, teacherID); err != nil {
		return nil, fmt.Errorf("list lessons by teacher: %w", err)
	}
	return lessons, nil
}

// CountByTeacher counts lessons of a school referencing the teacher.
func (r *LessonRepository) CountByTeacher(ctx context.Context, schoolID, teacherID string) (int, error) {
	const query = `SELECT COUNT(*) FROM lessons WHERE school_id = $1 AND $2 = ANY(teacher_ids)`
	var total int
	if err := r.db.GetContext(ctx, &total, query, schoolID, teacherID); err != nil {
		return 0, fmt.Errorf("count lessons by teacher: %w", err)
	}
	return total, nil
}

// UpdateTeachers replaces the teacher reference set of one lesson.
func (r *LessonRepository) UpdateTeachers(ctx context.Context, schoolID, lessonID string, teacherIDs []string) error {
	const query = `UPDATE lessons SET teacher_ids = $1, updated_at = $2 WHERE id = $3 AND school_id = $4`
	if teacherIDs == nil {
		teacherIDs = []string{}
	}
	result, err := r.db.ExecContext(ctx, query, pq.Array(teacherIDs), time.Now().UTC(), lessonID, schoolID)
	if err != nil {
		return fmt.Errorf("update lesson teachers: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lesson teachers rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
