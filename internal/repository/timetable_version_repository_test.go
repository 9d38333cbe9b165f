package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

func newTimetableRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var versionColumns = []string{"id", "school_id", "name", "is_saved", "is_published", "admin_note", "unplaced_lessons", "result_bundle", "job_id", "revision", "created_at", "updated_at"}

func TestTimetableVersionRepositoryUpsertReturnsRevision(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableVersionRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO timetable_versions")).
		WithArgs(sqlmock.AnyArg(), "school-1", "Draft A", sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1", sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows(versionColumns).
			AddRow("ver-1", "school-1", "Draft A", true, false, nil, `["l9"]`, `{}`, "job-1", 2, now, now))

	jobID := "job-1"
	version := &models.TimetableVersion{
		SchoolID:        "school-1",
		Name:            "Draft A",
		UnplacedLessons: types.JSONText(`["l9"]`),
		ResultBundle:    types.JSONText(`{}`),
		JobID:           &jobID,
	}
	require.NoError(t, repo.Upsert(context.Background(), nil, version, nil))
	assert.Equal(t, "ver-1", version.ID)
	assert.Equal(t, 2, version.Revision)
	assert.True(t, version.IsSaved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableVersionRepositoryUpsertStaleRevision(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableVersionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (school_id, name) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "school-1", "Draft A", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), 3).
		WillReturnRows(sqlmock.NewRows(versionColumns))

	expected := 3
	version := &models.TimetableVersion{SchoolID: "school-1", Name: "Draft A", UnplacedLessons: types.JSONText(`[]`), ResultBundle: types.JSONText(`{}`)}
	err := repo.Upsert(context.Background(), nil, version, &expected)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableVersionRepositoryFindByName(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableVersionRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM timetable_versions WHERE school_id = $1 AND name = $2")).
		WithArgs("school-1", "Final").
		WillReturnRows(sqlmock.NewRows(versionColumns).
			AddRow("ver-2", "school-1", "Final", true, true, "approved", `[]`, `{"slots":[]}`, nil, 4, now, now))

	version, err := repo.FindByName(context.Background(), nil, "school-1", "Final")
	require.NoError(t, err)
	assert.Equal(t, 4, version.Revision)
	require.NotNil(t, version.AdminNote)
	assert.Equal(t, "approved", *version.AdminNote)
	assert.Nil(t, version.JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableVersionRepositoryDeleteMissing(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableVersionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetable_versions WHERE id = $1 AND school_id = $2")).
		WithArgs("ver-x", "school-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), nil, "school-1", "ver-x")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
