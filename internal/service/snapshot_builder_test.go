package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type configReaderStub struct {
	cfg *models.ScheduleConfig
	err error
}

func (s configReaderStub) GetBySchool(ctx context.Context, schoolID string) (*models.ScheduleConfig, error) {
	return s.cfg, s.err
}

type lessonListerStub struct {
	lessons []models.Lesson
	err     error
	calls   int
}

func (s *lessonListerStub) ListBySchool(ctx context.Context, schoolID string) ([]models.Lesson, error) {
	s.calls++
	return s.lessons, s.err
}

type classListerStub []models.Class

func (s classListerStub) ListBySchool(ctx context.Context, schoolID string) ([]models.Class, error) {
	return s, nil
}

type teacherListerStub []models.Teacher

func (s teacherListerStub) ListBySchool(ctx context.Context, schoolID string) ([]models.Teacher, error) {
	return s, nil
}

type subjectListerStub []models.Subject

func (s subjectListerStub) ListBySchool(ctx context.Context, schoolID string) ([]models.Subject, error) {
	return s, nil
}

func stringPtr(v string) *string { return &v }

func newSnapshotFixture(cfg *models.ScheduleConfig, lessons []models.Lesson) (*SnapshotBuilder, *lessonListerStub) {
	lessonStub := &lessonListerStub{lessons: lessons}
	builder := NewSnapshotBuilder(
		configReaderStub{cfg: cfg},
		lessonStub,
		classListerStub{{ID: "class-1", Name: "X-A", Grade: "10"}},
		teacherListerStub{{ID: "teacher-1", FullName: "Siti Rahma"}, {ID: "teacher-2", FullName: "Budi Santoso"}},
		subjectListerStub{{ID: "subject-1", Name: "Mathematics", Code: "MTK"}},
		SnapshotDefaults{MaxTimeLimit: 120, AllowRelaxation: true},
		nil,
	)
	return builder, lessonStub
}

func lessonFixture(id string, status *string) models.Lesson {
	return models.Lesson{
		ID:              id,
		SchoolID:        "school-1",
		LessonName:      "Lesson " + id,
		SubjectIDs:      pq.StringArray{"subject-1"},
		TeacherIDs:      pq.StringArray{"teacher-1"},
		ClassIDs:        pq.StringArray{"class-1"},
		NumberOfSingles: 2,
		NumberOfDoubles: 1,
		Status:          status,
	}
}

func TestSnapshotBuilderExcludesOnlyDisabledLessons(t *testing.T) {
	builder, _ := newSnapshotFixture(&models.ScheduleConfig{SchoolID: "school-1", NumberOfPeriods: 6}, []models.Lesson{
		lessonFixture("l-nil", nil),
		lessonFixture("l-enabled", stringPtr("enabled")),
		lessonFixture("l-other", stringPtr("archived")),
		lessonFixture("l-disabled", stringPtr("disabled")),
		lessonFixture("l-disabled-upper", stringPtr(" Disabled ")),
		lessonFixture("l-disabled-caps", stringPtr("DISABLED")),
	})

	req, err := builder.Build(context.Background(), "school-1", SnapshotOptions{VersionName: "Draft"})
	require.NoError(t, err)

	ids := make([]string, 0, len(req.Lessons))
	for _, lesson := range req.Lessons {
		ids = append(ids, lesson.ID)
	}
	assert.Equal(t, []string{"l-nil", "l-enabled", "l-other", "l-disabled-upper", "l-disabled-caps"}, ids)
	assert.Equal(t, 6, req.SchoolConfig.NumberOfPeriods)
	assert.Equal(t, "Draft", req.VersionName)
	assert.Equal(t, 120, req.MaxTimeLimit)
	assert.True(t, req.AllowRelaxation)
}

func TestSnapshotBuilderOneEligibleOneDisabled(t *testing.T) {
	builder, _ := newSnapshotFixture(&models.ScheduleConfig{SchoolID: "school-1"}, []models.Lesson{
		lessonFixture("eligible", nil),
		lessonFixture("off", stringPtr("disabled")),
	})

	req, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	require.NoError(t, err)
	require.Len(t, req.Lessons, 1)
	assert.Equal(t, "eligible", req.Lessons[0].ID)
}

func TestSnapshotBuilderAppliesScheduleDefaults(t *testing.T) {
	builder, _ := newSnapshotFixture(&models.ScheduleConfig{SchoolID: "school-1"}, []models.Lesson{lessonFixture("l1", nil)})

	relax := false
	req, err := builder.Build(context.Background(), "school-1", SnapshotOptions{MaxTimeLimit: 30, AllowRelaxation: &relax})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultNumberOfPeriods, req.SchoolConfig.NumberOfPeriods)
	assert.Equal(t, models.DefaultDaysOfWeek, req.SchoolConfig.DaysOfWeek)
	assert.NotNil(t, req.SchoolConfig.IntervalSlots)
	assert.Equal(t, 30, req.MaxTimeLimit)
	assert.False(t, req.AllowRelaxation)
}

func TestSnapshotBuilderDecodesIntervals(t *testing.T) {
	cfg := &models.ScheduleConfig{
		SchoolID:      "school-1",
		IntervalSlots: types.JSONText(`[{"afterPeriod":4,"duration":30}]`),
		DaysOfWeek:    pq.StringArray{"Monday", "Saturday"},
	}
	builder, _ := newSnapshotFixture(cfg, []models.Lesson{lessonFixture("l1", nil)})

	req, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	require.NoError(t, err)
	require.Len(t, req.SchoolConfig.IntervalSlots, 1)
	assert.Equal(t, 4, req.SchoolConfig.IntervalSlots[0].AfterPeriod)
	assert.Equal(t, []string{"Monday", "Saturday"}, req.SchoolConfig.DaysOfWeek)
}

func TestSnapshotBuilderDropsDanglingReferences(t *testing.T) {
	dangling := lessonFixture("l1", nil)
	dangling.TeacherIDs = pq.StringArray{"teacher-gone", "teacher-2", "teacher-2"}
	orphan := lessonFixture("l2", nil)
	orphan.ClassIDs = pq.StringArray{"class-gone"}

	builder, _ := newSnapshotFixture(&models.ScheduleConfig{SchoolID: "school-1"}, []models.Lesson{dangling, orphan})

	req, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	require.NoError(t, err)
	require.Len(t, req.Lessons, 1)
	assert.Equal(t, []string{"teacher-2"}, req.Lessons[0].TeacherIDs)
}

func TestSnapshotBuilderNoEligibleLessons(t *testing.T) {
	builder, _ := newSnapshotFixture(&models.ScheduleConfig{SchoolID: "school-1"}, []models.Lesson{lessonFixture("off", stringPtr("disabled"))})

	_, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	assert.ErrorIs(t, err, appErrors.ErrNoEligibleLessons)
}

func TestSnapshotBuilderConfigurationMissing(t *testing.T) {
	lessons := &lessonListerStub{}
	builder := NewSnapshotBuilder(configReaderStub{err: sql.ErrNoRows}, lessons, classListerStub{}, teacherListerStub{}, subjectListerStub{}, SnapshotDefaults{}, nil)

	_, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	assert.ErrorIs(t, err, appErrors.ErrConfigurationMissing)
	assert.Zero(t, lessons.calls)

	_, err = builder.Build(context.Background(), "", SnapshotOptions{})
	assert.ErrorIs(t, err, appErrors.ErrConfigurationMissing)
}

func TestSnapshotBuilderPropagatesLoadFailure(t *testing.T) {
	lessons := &lessonListerStub{err: errors.New("connection reset")}
	builder := NewSnapshotBuilder(configReaderStub{cfg: &models.ScheduleConfig{}}, lessons, classListerStub{}, teacherListerStub{}, subjectListerStub{}, SnapshotDefaults{}, nil)

	_, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal.Code))
}

func TestSnapshotBuilderIsRepeatable(t *testing.T) {
	builder, lessons := newSnapshotFixture(&models.ScheduleConfig{SchoolID: "school-1"}, []models.Lesson{lessonFixture("l1", nil)})

	first, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	require.NoError(t, err)
	second, err := builder.Build(context.Background(), "school-1", SnapshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, lessons.calls)
	assert.Equal(t, pq.StringArray{"teacher-1"}, lessons.lessons[0].TeacherIDs)
}
