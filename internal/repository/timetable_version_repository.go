package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

const timetableVersionColumns = `id, school_id, name, is_saved, is_published, admin_note, unplaced_lessons, result_bundle, job_id, revision, created_at, updated_at`

// TimetableVersionRepository manages timetable versions.
type TimetableVersionRepository struct {
	db *sqlx.DB
}

// NewTimetableVersionRepository constructs a TimetableVersionRepository.
func NewTimetableVersionRepository(db *sqlx.DB) *TimetableVersionRepository {
	return &TimetableVersionRepository{db: db}
}

func (r *TimetableVersionRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Upsert creates the version for (school, name) or overwrites its saved result,
// bumping the revision. When expectedRevision is set and an existing row carries a
// different revision, nothing is written and sql.ErrNoRows is returned.
func (r *TimetableVersionRepository) Upsert(ctx context.Context, exec sqlx.ExtContext, version *models.TimetableVersion, expectedRevision *int) error {
	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	query := `
INSERT INTO timetable_versions (id, school_id, name, is_saved, is_published, unplaced_lessons, result_bundle, job_id, revision, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, FALSE, $4, $5, $6, 1, $7, $7)
ON CONFLICT (school_id, name) DO UPDATE
SET is_saved = TRUE,
    unplaced_lessons = EXCLUDED.unplaced_lessons,
    result_bundle = EXCLUDED.result_bundle,
    job_id = EXCLUDED.job_id,
    revision = timetable_versions.revision + 1,
    updated_at = EXCLUDED.updated_at
WHERE $8::int IS NULL OR timetable_versions.revision = $8
RETURNING ` + timetableVersionColumns

	var saved models.TimetableVersion
	err := sqlx.GetContext(ctx, r.exec(exec), &saved, query,
		version.ID, version.SchoolID, version.Name,
		version.UnplacedLessons, version.ResultBundle, version.JobID,
		now, expectedRevision,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("upsert timetable version: %w", err)
	}
	*version = saved
	return nil
}

// FindByName fetches a version of a school by name.
func (r *TimetableVersionRepository) FindByName(ctx context.Context, exec sqlx.ExtContext, schoolID, name string) (*models.TimetableVersion, error) {
	query := `SELECT ` + timetableVersionColumns + ` FROM timetable_versions WHERE school_id = $1 AND name = $2`
	var version models.TimetableVersion
	if err := sqlx.GetContext(ctx, r.exec(exec), &version, query, schoolID, name); err != nil {
		return nil, err
	}
	return &version, nil
}

// ListBySchool returns the versions of a school, most recently updated first.
func (r *TimetableVersionRepository) ListBySchool(ctx context.Context, schoolID string) ([]models.TimetableVersion, error) {
	query := `SELECT ` + timetableVersionColumns + ` FROM timetable_versions WHERE school_id = $1 ORDER BY updated_at DESC, name ASC`
	var versions []models.TimetableVersion
	if err := r.db.SelectContext(ctx, &versions, query, schoolID); err != nil {
		return nil, fmt.Errorf("list timetable versions: %w", err)
	}
	return versions, nil
}

// UpdatePublication sets the published flag and admin note of a version.
func (r *TimetableVersionRepository) UpdatePublication(ctx context.Context, schoolID, name string, published bool, note *string) (*models.TimetableVersion, error) {
	query := `UPDATE timetable_versions SET is_published = $1, admin_note = COALESCE($2, admin_note), updated_at = $3
WHERE school_id = $4 AND name = $5
RETURNING ` + timetableVersionColumns
	var version models.TimetableVersion
	if err := r.db.GetContext(ctx, &version, query, published, note, time.Now().UTC(), schoolID, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("update timetable version publication: %w", err)
	}
	return &version, nil
}

// Delete removes a version row.
func (r *TimetableVersionRepository) Delete(ctx context.Context, exec sqlx.ExtContext, schoolID, id string) error {
	const query = `DELETE FROM timetable_versions WHERE id = $1 AND school_id = $2`
	result, err := r.exec(exec).ExecContext(ctx, query, id, schoolID)
	if err != nil {
		return fmt.Errorf("delete timetable version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("timetable version rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
