package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type timetableEvents struct {
	names []string
}

func (e *timetableEvents) add(name string) { e.names = append(e.names, name) }

type versionStoreStub struct {
	events    *timetableEvents
	byName    map[string]*models.TimetableVersion
	upsertErr error
	upserts   int
}

func newVersionStoreStub(events *timetableEvents) *versionStoreStub {
	return &versionStoreStub{events: events, byName: map[string]*models.TimetableVersion{}}
}

func (s *versionStoreStub) Upsert(ctx context.Context, exec sqlx.ExtContext, version *models.TimetableVersion, expected *int) error {
	s.upserts++
	s.events.add("upsert")
	if s.upsertErr != nil {
		return s.upsertErr
	}
	key := version.SchoolID + "/" + version.Name
	existing, ok := s.byName[key]
	if !ok {
		version.ID = uuid.NewString()
		version.Revision = 1
		version.IsSaved = true
		stored := *version
		s.byName[key] = &stored
		return nil
	}
	if expected != nil && existing.Revision != *expected {
		return sql.ErrNoRows
	}
	existing.Revision++
	existing.IsSaved = true
	existing.UnplacedLessons = version.UnplacedLessons
	existing.ResultBundle = version.ResultBundle
	existing.JobID = version.JobID
	*version = *existing
	return nil
}

func (s *versionStoreStub) FindByName(ctx context.Context, exec sqlx.ExtContext, schoolID, name string) (*models.TimetableVersion, error) {
	version, ok := s.byName[schoolID+"/"+name]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *version
	return &clone, nil
}

func (s *versionStoreStub) ListBySchool(ctx context.Context, schoolID string) ([]models.TimetableVersion, error) {
	var out []models.TimetableVersion
	for _, v := range s.byName {
		if v.SchoolID == schoolID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *versionStoreStub) UpdatePublication(ctx context.Context, schoolID, name string, published bool, note *string) (*models.TimetableVersion, error) {
	version, ok := s.byName[schoolID+"/"+name]
	if !ok {
		return nil, sql.ErrNoRows
	}
	version.IsPublished = published
	if note != nil {
		version.AdminNote = note
	}
	clone := *version
	return &clone, nil
}

func (s *versionStoreStub) Delete(ctx context.Context, exec sqlx.ExtContext, schoolID, id string) error {
	for key, v := range s.byName {
		if v.ID == id && v.SchoolID == schoolID {
			delete(s.byName, key)
			s.events.add("delete_version")
			return nil
		}
	}
	return sql.ErrNoRows
}

type slotStoreStub struct {
	events    *timetableEvents
	byVersion map[string][]models.TimetableSlot
	insertErr error
	deleteErr error
}

func newSlotStoreStub(events *timetableEvents) *slotStoreStub {
	return &slotStoreStub{events: events, byVersion: map[string][]models.TimetableSlot{}}
}

func (s *slotStoreStub) DeleteByVersion(ctx context.Context, exec sqlx.ExtContext, schoolID, versionID string) (int64, error) {
	s.events.add("delete_slots")
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	n := int64(len(s.byVersion[versionID]))
	delete(s.byVersion, versionID)
	return n, nil
}

func (s *slotStoreStub) InsertBatch(ctx context.Context, exec sqlx.ExtContext, slots []models.TimetableSlot) (int64, error) {
	s.events.add("insert_slots")
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	for _, slot := range slots {
		s.byVersion[slot.VersionID] = append(s.byVersion[slot.VersionID], slot)
	}
	return int64(len(slots)), nil
}

func (s *slotStoreStub) ListDetailedByVersion(ctx context.Context, schoolID, versionID string) ([]models.TimetableSlotDetail, error) {
	var out []models.TimetableSlotDetail
	for _, slot := range s.byVersion[versionID] {
		out = append(out, models.TimetableSlotDetail{TimetableSlot: slot, ClassName: "X-A", LessonName: "Math"})
	}
	return out, nil
}

type observerStub map[string]*JobObservation

func (s observerStub) Observe(ctx context.Context, schoolID, jobID string) (*JobObservation, error) {
	obs, ok := s[jobID]
	if !ok || obs.Record.SchoolID != schoolID {
		return nil, appErrors.ErrJobNotFound
	}
	return obs, nil
}

type viewCacheStub struct {
	events      *timetableEvents
	store       map[string]interface{}
	invalidated []string
	failInvalid bool
}

func (c *viewCacheStub) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	value, ok := c.store[key]
	if !ok {
		return false, nil
	}
	switch d := dest.(type) {
	case *[]dto.TimetableVersionSummary:
		*d = value.([]dto.TimetableVersionSummary)
	case *[]models.TimetableSlotDetail:
		*d = value.([]models.TimetableSlotDetail)
	}
	return true, nil
}

func (c *viewCacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.store == nil {
		c.store = map[string]interface{}{}
	}
	c.store[key] = value
	return nil
}

func (c *viewCacheStub) InvalidateViews(ctx context.Context, schoolID string, views ...string) error {
	c.events.add("invalidate")
	c.invalidated = append(c.invalidated, views...)
	for _, view := range views {
		for key := range c.store {
			if len(key) >= len(view) && key[:len(view)] == view {
				delete(c.store, key)
			}
		}
	}
	if c.failInvalid {
		return errors.New("redis down")
	}
	return nil
}

type timetableFixture struct {
	service  *TimetableService
	events   *timetableEvents
	versions *versionStoreStub
	slots    *slotStoreStub
	cache    *viewCacheStub
	jobs     observerStub
}

func newTimetableFixture(t *testing.T, transactional bool, tx txBeginner) *timetableFixture {
	t.Helper()
	events := &timetableEvents{}
	f := &timetableFixture{
		events:   events,
		versions: newVersionStoreStub(events),
		slots:    newSlotStoreStub(events),
		cache:    &viewCacheStub{events: events},
		jobs:     observerStub{},
	}
	f.service = NewTimetableService(f.versions, f.slots, f.jobs, tx, f.cache, nil, nil, nil, TimetableServiceConfig{Transactional: transactional})
	return f
}

func (f *timetableFixture) completeJob(jobID string, slots ...dto.SolverSlot) {
	f.jobs[jobID] = &JobObservation{
		Record: models.SolverJobRecord{JobID: jobID, SchoolID: "school-1", State: models.JobStateCompleted},
		Result: &dto.SolverResult{
			Slots:         slots,
			UnplacedTasks: []dto.UnplacedTask{{LessonID: "lesson-9", LessonName: "Art"}},
			Conflicts:     2,
			SolvingTime:   12.5,
		},
	}
}

func slot(classID, lessonID string, period int) dto.SolverSlot {
	return dto.SolverSlot{ClassID: dto.FlexibleID(classID), LessonID: dto.FlexibleID(lessonID), Day: "Monday", PeriodNumber: period}
}

func TestTimetableCommitSequential(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot(" class-1 ", "lesson-1", 1), slot("class-1", "lesson-2", 2))

	result, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SlotsPlaced)
	assert.Equal(t, 2, result.Conflicts)
	assert.Equal(t, 12.5, result.SolvingTimeSeconds)
	assert.Equal(t, []string{"lesson-9"}, result.UnplacedLessons)
	assert.Equal(t, 1, result.Revision)

	stored := f.slots.byVersion[result.VersionID]
	require.Len(t, stored, 2)
	assert.Equal(t, "class-1", stored[0].ClassID)
	assert.Equal(t, "school-1", stored[0].SchoolID)
	assert.Equal(t, result.VersionID, stored[0].VersionID)

	assert.Equal(t, []string{"upsert", "delete_slots", "insert_slots", "invalidate"}, f.events.names)
	assert.ElementsMatch(t, []string{ViewTimetable, ViewLessons, ViewLanding}, f.cache.invalidated)
}

func TestTimetableCommitIsIdempotentPerVersionName(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1), slot("class-1", "lesson-2", 2), slot("class-2", "lesson-3", 1))

	first, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)

	f.completeJob("job-1", slot("class-1", "lesson-4", 3))
	second, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)

	assert.Len(t, f.versions.byName, 1)
	assert.Equal(t, first.VersionID, second.VersionID)
	assert.Equal(t, 2, second.Revision)
	assert.Equal(t, int64(3), second.SlotsDeleted)
	stored := f.slots.byVersion[second.VersionID]
	require.Len(t, stored, 1)
	assert.Equal(t, "lesson-4", stored[0].LessonID)
}

func TestTimetableCommitRejectsUnfinishedJobs(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.jobs["running"] = &JobObservation{Record: models.SolverJobRecord{JobID: "running", SchoolID: "school-1", State: models.JobStateRunning}}
	f.jobs["failed"] = &JobObservation{Record: models.SolverJobRecord{JobID: "failed", SchoolID: "school-1", State: models.JobStateFailed, Reason: "infeasible"}}
	f.jobs["gone"] = &JobObservation{Record: models.SolverJobRecord{JobID: "gone", SchoolID: "school-1", State: models.JobStateNotFound}}

	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "running", VersionName: "Draft"})
	assert.ErrorIs(t, err, appErrors.ErrJobNotReady)

	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "failed", VersionName: "Draft"})
	assert.ErrorIs(t, err, appErrors.ErrJobFailed)
	assert.Contains(t, err.Error(), "infeasible")

	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "gone", VersionName: "Draft"})
	assert.ErrorIs(t, err, appErrors.ErrJobNotFound)

	_, err = f.service.Commit(context.Background(), "school-2", dto.CommitTimetableRequest{JobID: "running", VersionName: "Draft"})
	assert.ErrorIs(t, err, appErrors.ErrJobNotFound)

	assert.Empty(t, f.events.names)
	assert.Zero(t, f.versions.upserts)
}

func TestTimetableCommitValidation(t *testing.T) {
	f := newTimetableFixture(t, false, nil)

	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "   "})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestTimetableCommitPartialCommit(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)
	f.events.names = nil

	f.slots.insertErr = errors.New("connection lost")
	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrPartialCommit)

	appErr := appErrors.FromError(err)
	assert.Equal(t, int64(1), appErr.Details["slotsDeleted"])
	assert.NotContains(t, f.events.names, "invalidate")
}

func TestTimetableCommitDeleteFailureKeepsOldSlots(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	f.slots.deleteErr = errors.New("lock timeout")

	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInternal)
	assert.NotContains(t, f.events.names, "insert_slots")
}

func TestTimetableCommitDeleteFailureReportsAdvancedRevision(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	first, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)

	f.slots.deleteErr = errors.New("lock timeout")
	expected := first.Revision
	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft", ExpectedRevision: &expected})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErr.Code)
	assert.Equal(t, 2, appErr.Details["revision"])
	assert.Equal(t, first.VersionID, appErr.Details["versionId"])
	require.Len(t, f.slots.byVersion[first.VersionID], 1)

	f.slots.deleteErr = nil
	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft", ExpectedRevision: &expected})
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	advanced := 2
	result, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft", ExpectedRevision: &advanced})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Revision)
}

func TestTimetableCommitStaleRevision(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)
	f.events.names = nil

	stale := 0
	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft", ExpectedRevision: &stale})
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, []string{"upsert"}, f.events.names)

	current := 1
	result, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft", ExpectedRevision: &current})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Revision)
}

func TestTimetableCommitInvalidationFailureDoesNotFail(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.cache.failInvalid = true
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))

	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	assert.NoError(t, err)
}

func newTxMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestTimetableCommitTransactional(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	f := newTimetableFixture(t, true, db)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))

	result, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SlotsPlaced)
	assert.Equal(t, []string{"upsert", "delete_slots", "insert_slots", "invalidate"}, f.events.names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableCommitTransactionalRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	f := newTimetableFixture(t, true, db)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	f.slots.insertErr = errors.New("constraint violation")

	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInternal)
	assert.False(t, appErrors.HasCode(err, appErrors.ErrPartialCommit.Code))
	assert.NotContains(t, f.events.names, "invalidate")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableReconcileReplaysStoredResult(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1), slot("class-1", "lesson-2", 2))
	committed, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)

	delete(f.slots.byVersion, committed.VersionID)
	delete(f.jobs, "job-1")

	result, err := f.service.Reconcile(context.Background(), "school-1", "Draft")
	require.NoError(t, err)
	assert.Equal(t, 2, result.SlotsPlaced)
	assert.Equal(t, committed.Revision, result.Revision)
	assert.Len(t, f.slots.byVersion[committed.VersionID], 2)
	assert.Equal(t, []string{"lesson-9"}, result.UnplacedLessons)
}

func TestTimetableReconcileWithoutBundle(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.versions.byName["school-1/Legacy"] = &models.TimetableVersion{ID: "ver-1", SchoolID: "school-1", Name: "Legacy"}

	_, err := f.service.Reconcile(context.Background(), "school-1", "Legacy")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.service.Reconcile(context.Background(), "school-1", "Missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestTimetableViewsAreCachedUntilCommit(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	_, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)

	versions, err := f.service.ListVersions(context.Background(), "school-1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, []string{"lesson-9"}, versions[0].UnplacedLessons)
	assert.Contains(t, f.cache.store, ViewKey(ViewLanding, "school-1", "versions"))

	slots, err := f.service.GetSlots(context.Background(), "school-1", "Draft")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Contains(t, f.cache.store, ViewKey(ViewTimetable, "school-1", "Draft"))

	_, err = f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)
	assert.Empty(t, f.cache.store)
}

func TestTimetableSetPublication(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.versions.byName["school-1/Final"] = &models.TimetableVersion{ID: "ver-1", SchoolID: "school-1", Name: "Final", UnplacedLessons: types.JSONText(`[]`)}

	published := true
	note := "approved by principal"
	summary, err := f.service.SetPublication(context.Background(), "school-1", "Final", dto.UpdateVersionRequest{IsPublished: &published, AdminNote: &note})
	require.NoError(t, err)
	assert.True(t, summary.IsPublished)
	require.NotNil(t, summary.AdminNote)
	assert.Equal(t, note, *summary.AdminNote)

	_, err = f.service.SetPublication(context.Background(), "school-1", "Final", dto.UpdateVersionRequest{})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestTimetableDeleteVersionRemovesSlotsFirst(t *testing.T) {
	f := newTimetableFixture(t, false, nil)
	f.completeJob("job-1", slot("class-1", "lesson-1", 1))
	committed, err := f.service.Commit(context.Background(), "school-1", dto.CommitTimetableRequest{JobID: "job-1", VersionName: "Draft"})
	require.NoError(t, err)
	f.events.names = nil

	require.NoError(t, f.service.DeleteVersion(context.Background(), "school-1", "Draft"))
	assert.Equal(t, []string{"delete_slots", "delete_version", "invalidate"}, f.events.names)
	assert.Empty(t, f.slots.byVersion[committed.VersionID])
	assert.Empty(t, f.versions.byName)

	err = f.service.DeleteVersion(context.Background(), "school-1", "Draft")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
