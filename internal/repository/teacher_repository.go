package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

// TeacherRepository manages persistence for teachers.
type TeacherRepository struct {
	db *sqlx.DB
}

// NewTeacherRepository constructs a TeacherRepository.
func NewTeacherRepository(db *sqlx.DB) *TeacherRepository {
	return &TeacherRepository{db: db}
}

// ListBySchool returns the teachers of a school.
func (r *TeacherRepository) ListBySchool(ctx context.Context, schoolID string) ([]models.Teacher, error) {
	const query = `SELECT id, school_id, full_name, short_name, email, active, created_at, updated_at FROM teachers WHERE school_id = $1 ORDER BY full_name ASC`
	var teachers []models.Teacher
	if err := r.db.SelectContext(ctx, &teachers, query, schoolID); err != nil {
		return nil, fmt.Errorf("list teachers: %w", err)
	}
	return teachers, nil
}

// FindByID fetches a teacher of a school by ID.
func (r *TeacherRepository) FindByID(ctx context.Context, schoolID, id string) (*models.Teacher, error) {
	const query = `SELECT id, school_id, full_name, short_name, email, active, created_at, updated_at FROM teachers WHERE id = $1 AND school_id = $2`
	var teacher models.Teacher
	if err := r.db.GetContext(ctx, &teacher, query, id, schoolID); err != nil {
		return nil, err
	}
	return &teacher, nil
}

// Delete removes a teacher record.
func (r *TeacherRepository) Delete(ctx context.Context, schoolID, id string) error {
	const query = `DELETE FROM teachers WHERE id = $1 AND school_id = $2`
	result, err := r.db.ExecContext(ctx, query, id, schoolID)
	if err != nil {
		return fmt.Errorf("delete teacher: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("teacher rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
