package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type timetableVersionStore interface {
	Upsert(ctx context.Context, exec sqlx.ExtContext, version *models.TimetableVersion, expectedRevision *int) error
	FindByName(ctx context.Context, exec sqlx.ExtContext, schoolID, name string) (*models.TimetableVersion, error)
	ListBySchool(ctx context.Context, schoolID string) ([]models.TimetableVersion, error)
	UpdatePublication(ctx context.Context, schoolID, name string, published bool, note *string) (*models.TimetableVersion, error)
	Delete(ctx context.Context, exec sqlx.ExtContext, schoolID, id string) error
}

type timetableSlotStore interface {
	DeleteByVersion(ctx context.Context, exec sqlx.ExtContext, schoolID, versionID string) (int64, error)
	InsertBatch(ctx context.Context, exec sqlx.ExtContext, slots []models.TimetableSlot) (int64, error)
	ListDetailedByVersion(ctx context.Context, schoolID, versionID string) ([]models.TimetableSlotDetail, error)
}

type jobObserver interface {
	Observe(ctx context.Context, schoolID, jobID string) (*JobObservation, error)
}

type viewCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	InvalidateViews(ctx context.Context, schoolID string, views ...string) error
}

type txBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// TimetableServiceConfig governs commit behaviour.
type TimetableServiceConfig struct {
	// Transactional wraps upsert, slot delete and slot insert in one transaction.
	Transactional bool
	CacheTTL      time.Duration
}

// TimetableService persists solver results as timetable versions.
type TimetableService struct {
	versions  timetableVersionStore
	slots     timetableSlotStore
	jobs      jobObserver
	tx        txBeginner
	cache     viewCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       TimetableServiceConfig
}

// NewTimetableService wires persistence dependencies. cache may be nil.
func NewTimetableService(
	versions timetableVersionStore,
	slots timetableSlotStore,
	jobs jobObserver,
	tx txBeginner,
	cache viewCache,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg TimetableServiceConfig,
) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimetableService{
		versions:  versions,
		slots:     slots,
		jobs:      jobs,
		tx:        tx,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Commit saves a completed job's result under req.VersionName, replacing the
// version's previous slot set. Views are invalidated only after the new slots are written.
func (s *TimetableService) Commit(ctx context.Context, schoolID string, req dto.CommitTimetableRequest) (*dto.CommitTimetableResult, error) {
	req.VersionName = strings.TrimSpace(req.VersionName)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid commit payload")
	}

	obs, err := s.jobs.Observe(ctx, schoolID, req.JobID)
	if err != nil {
		return nil, err
	}
	if err := readyForCommit(obs); err != nil {
		return nil, err
	}
	result := obs.Result

	bundle, err := json.Marshal(result)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode solver result")
	}
	unplaced := unplacedLessonIDs(result.UnplacedTasks)
	unplacedJSON, err := json.Marshal(unplaced)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode unplaced lessons")
	}

	jobID := req.JobID
	version := &models.TimetableVersion{
		SchoolID:        schoolID,
		Name:            req.VersionName,
		UnplacedLessons: types.JSONText(unplacedJSON),
		ResultBundle:    types.JSONText(bundle),
		JobID:           &jobID,
	}

	logger := s.logger.With(zap.String("school_id", schoolID), zap.String("job_id", req.JobID), zap.String("version", req.VersionName))

	var deleted int64
	if s.cfg.Transactional {
		deleted, err = s.commitTx(ctx, version, req.ExpectedRevision, result.Slots, logger)
	} else {
		deleted, err = s.commitSequential(ctx, version, req.ExpectedRevision, result.Slots, logger)
	}
	if err != nil {
		s.metrics.RecordCommit(commitOutcome(err), 0)
		return nil, err
	}

	s.metrics.RecordCommit("success", len(result.Slots))
	s.invalidate(ctx, schoolID, ViewTimetable, ViewLessons, ViewLanding)
	logger.Info("timetable committed",
		zap.String("version_id", version.ID),
		zap.Int("revision", version.Revision),
		zap.Int("slots_placed", len(result.Slots)),
		zap.Int64("slots_deleted", deleted),
	)

	return &dto.CommitTimetableResult{
		VersionID:          version.ID,
		VersionName:        version.Name,
		Revision:           version.Revision,
		SlotsPlaced:        len(result.Slots),
		SlotsDeleted:       deleted,
		Conflicts:          result.Conflicts,
		SolvingTimeSeconds: result.SolvingTime,
		UnplacedLessons:    unplaced,
	}, nil
}

func (s *TimetableService) commitTx(ctx context.Context, version *models.TimetableVersion, expected *int, solverSlots []dto.SolverSlot, logger *zap.Logger) (deleted int64, err error) {
	if s.tx == nil {
		return 0, appErrors.Clone(appErrors.ErrInternal, "transaction provider missing")
	}
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.upsertVersion(ctx, tx, version, expected); err != nil {
		return 0, err
	}
	logger.Debug("version upserted", zap.String("version_id", version.ID), zap.Int("revision", version.Revision))

	deleted, err = s.replaceSlots(ctx, tx, version.SchoolID, version.ID, solverSlots)
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit timetable")
	}
	return deleted, nil
}

func (s *TimetableService) commitSequential(ctx context.Context, version *models.TimetableVersion, expected *int, solverSlots []dto.SolverSlot, logger *zap.Logger) (int64, error) {
	if err := s.upsertVersion(ctx, nil, version, expected); err != nil {
		return 0, err
	}
	logger.Debug("version upserted", zap.String("version_id", version.ID), zap.Int("revision", version.Revision))

	deleted, err := s.replaceSlots(ctx, nil, version.SchoolID, version.ID, solverSlots)
	if err == nil {
		return deleted, nil
	}
	if appErrors.HasCode(err, appErrors.ErrPartialCommit.Code) {
		logger.Error("partial timetable commit: previous slots removed, new slots not written",
			zap.String("version_id", version.ID),
			zap.Int64("slots_deleted", deleted),
			zap.Error(err),
		)
	} else {
		logger.Warn("timetable slots not replaced; version row already advanced",
			zap.String("version_id", version.ID),
			zap.Int("revision", version.Revision),
			zap.Error(err),
		)
	}
	// The version row is already saved; callers retry against this revision.
	return deleted, appErrors.FromError(err).WithDetails(map[string]any{
		"versionId": version.ID,
		"revision":  version.Revision,
	})
}

func (s *TimetableService) upsertVersion(ctx context.Context, exec sqlx.ExtContext, version *models.TimetableVersion, expected *int) error {
	start := time.Now()
	err := s.versions.Upsert(ctx, exec, version, expected)
	s.metrics.ObserveDBQuery("timetable_version_upsert", time.Since(start))
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		details := map[string]any{"versionName": version.Name}
		if expected != nil {
			details["expectedRevision"] = *expected
		}
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("timetable version %q was saved by another commit", version.Name)).WithDetails(details)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save timetable version")
}

// replaceSlots deletes the version's slots and inserts the new set. An insert
// failure after a successful delete is reported as PartialCommit; inside a
// transaction the caller's rollback restores the old slots.
func (s *TimetableService) replaceSlots(ctx context.Context, exec sqlx.ExtContext, schoolID, versionID string, solverSlots []dto.SolverSlot) (int64, error) {
	start := time.Now()
	deleted, err := s.slots.DeleteByVersion(ctx, exec, schoolID, versionID)
	s.metrics.ObserveDBQuery("timetable_slots_delete", time.Since(start))
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove previous timetable slots")
	}

	slots := buildSlots(schoolID, versionID, solverSlots)
	start = time.Now()
	inserted, err := s.slots.InsertBatch(ctx, exec, slots)
	s.metrics.ObserveDBQuery("timetable_slots_insert", time.Since(start))
	if err != nil {
		if exec != nil {
			return deleted, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write timetable slots")
		}
		return deleted, appErrors.Wrap(err, appErrors.ErrPartialCommit.Code, appErrors.ErrPartialCommit.Status, appErrors.ErrPartialCommit.Message).
			WithDetails(map[string]any{
				"versionId":     versionID,
				"slotsDeleted":  deleted,
				"slotsInserted": inserted,
				"slotsExpected": len(slots),
			})
	}
	return deleted, nil
}

// Reconcile rewrites a version's slots from its stored result bundle. It repairs
// a PartialCommit without contacting the solver and leaves the revision untouched.
func (s *TimetableService) Reconcile(ctx context.Context, schoolID, versionName string) (*dto.CommitTimetableResult, error) {
	version, err := s.findVersion(ctx, schoolID, versionName)
	if err != nil {
		return nil, err
	}
	var result dto.SolverResult
	if len(version.ResultBundle) == 0 || string(version.ResultBundle) == "null" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "timetable version has no stored result to replay")
	}
	if err := json.Unmarshal(version.ResultBundle, &result); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode stored solver result")
	}

	logger := s.logger.With(zap.String("school_id", schoolID), zap.String("version", versionName), zap.String("version_id", version.ID))

	var deleted int64
	if s.cfg.Transactional && s.tx != nil {
		deleted, err = s.reconcileTx(ctx, version, result.Slots)
	} else {
		deleted, err = s.replaceSlots(ctx, nil, schoolID, version.ID, result.Slots)
	}
	if err != nil {
		logger.Error("timetable reconcile failed", zap.Error(err))
		return nil, err
	}

	s.invalidate(ctx, schoolID, ViewTimetable, ViewLessons, ViewLanding)
	logger.Info("timetable reconciled", zap.Int("slots_placed", len(result.Slots)), zap.Int64("slots_deleted", deleted))

	return &dto.CommitTimetableResult{
		VersionID:          version.ID,
		VersionName:        version.Name,
		Revision:           version.Revision,
		SlotsPlaced:        len(result.Slots),
		SlotsDeleted:       deleted,
		Conflicts:          result.Conflicts,
		SolvingTimeSeconds: result.SolvingTime,
		UnplacedLessons:    unplacedLessonIDs(result.UnplacedTasks),
	}, nil
}

func (s *TimetableService) reconcileTx(ctx context.Context, version *models.TimetableVersion, solverSlots []dto.SolverSlot) (deleted int64, err error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	deleted, err = s.replaceSlots(ctx, tx, version.SchoolID, version.ID, solverSlots)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit reconcile")
	}
	return deleted, nil
}

// ListVersions returns the landing view of a school's versions.
func (s *TimetableService) ListVersions(ctx context.Context, schoolID string) ([]dto.TimetableVersionSummary, error) {
	key := ViewKey(ViewLanding, schoolID, "versions")
	var cached []dto.TimetableVersionSummary
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	versions, err := s.versions.ListBySchool(ctx, schoolID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list timetable versions")
	}
	summaries := make([]dto.TimetableVersionSummary, 0, len(versions))
	for i := range versions {
		summaries = append(summaries, summarizeVersion(&versions[i]))
	}
	s.writeCache(ctx, key, summaries)
	return summaries, nil
}

// GetSlots returns the timetable view of one version.
func (s *TimetableService) GetSlots(ctx context.Context, schoolID, versionName string) ([]models.TimetableSlotDetail, error) {
	key := ViewKey(ViewTimetable, schoolID, versionName)
	var cached []models.TimetableSlotDetail
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	version, err := s.findVersion(ctx, schoolID, versionName)
	if err != nil {
		return nil, err
	}
	slots, err := s.slots.ListDetailedByVersion(ctx, schoolID, version.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable slots")
	}
	if slots == nil {
		slots = []models.TimetableSlotDetail{}
	}
	s.writeCache(ctx, key, slots)
	return slots, nil
}

// SetPublication updates the published flag and note of a version.
func (s *TimetableService) SetPublication(ctx context.Context, schoolID, versionName string, req dto.UpdateVersionRequest) (*dto.TimetableVersionSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid version update payload")
	}
	if req.IsPublished == nil && req.AdminNote == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "nothing to update")
	}
	current, err := s.findVersion(ctx, schoolID, versionName)
	if err != nil {
		return nil, err
	}
	published := current.IsPublished
	if req.IsPublished != nil {
		published = *req.IsPublished
	}
	updated, err := s.versions.UpdatePublication(ctx, schoolID, versionName, published, req.AdminNote)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable version not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update timetable version")
	}
	s.invalidate(ctx, schoolID, ViewLanding, ViewTimetable)
	summary := summarizeVersion(updated)
	return &summary, nil
}

// DeleteVersion removes a version's slots and then the version itself.
func (s *TimetableService) DeleteVersion(ctx context.Context, schoolID, versionName string) error {
	version, err := s.findVersion(ctx, schoolID, versionName)
	if err != nil {
		return err
	}

	remove := func(exec sqlx.ExtContext) error {
		if _, err := s.slots.DeleteByVersion(ctx, exec, schoolID, version.ID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove timetable slots")
		}
		if err := s.versions.Delete(ctx, exec, schoolID, version.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "timetable version not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete timetable version")
		}
		return nil
	}

	if s.cfg.Transactional && s.tx != nil {
		tx, err := s.tx.BeginTxx(ctx, nil)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
		}
		if err := remove(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit version delete")
		}
	} else if err := remove(nil); err != nil {
		return err
	}

	s.invalidate(ctx, schoolID, ViewTimetable, ViewLessons, ViewLanding)
	s.logger.Info("timetable version deleted", zap.String("school_id", schoolID), zap.String("version", versionName), zap.String("version_id", version.ID))
	return nil
}

func (s *TimetableService) findVersion(ctx context.Context, schoolID, versionName string) (*models.TimetableVersion, error) {
	versionName = strings.TrimSpace(versionName)
	if versionName == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "version name is required")
	}
	version, err := s.versions.FindByName(ctx, nil, schoolID, versionName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable version not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable version")
	}
	return version, nil
}

func (s *TimetableService) readCache(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dest)
	return err == nil && hit
}

func (s *TimetableService) writeCache(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, key, value, s.cfg.CacheTTL)
}

func (s *TimetableService) invalidate(ctx context.Context, schoolID string, views ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateViews(ctx, schoolID, views...); err != nil {
		s.logger.Warn("view invalidation failed", zap.String("school_id", schoolID), zap.Strings("views", views), zap.Error(err))
	}
}

func readyForCommit(obs *JobObservation) error {
	switch obs.Record.State {
	case models.JobStateCompleted:
		if obs.Result == nil {
			return appErrors.Clone(appErrors.ErrJobFailed, "solver job has no result")
		}
		return nil
	case models.JobStateFailed:
		msg := "solver job failed"
		if obs.Record.Reason != "" {
			msg += ": " + obs.Record.Reason
		}
		return appErrors.Clone(appErrors.ErrJobFailed, msg)
	case models.JobStateNotFound:
		return appErrors.Clone(appErrors.ErrJobNotFound, "solver no longer knows job "+obs.Record.JobID)
	default:
		return appErrors.Clone(appErrors.ErrJobNotReady, fmt.Sprintf("solver job %s is %s", obs.Record.JobID, obs.Record.State))
	}
}

func commitOutcome(err error) string {
	switch {
	case appErrors.HasCode(err, appErrors.ErrPartialCommit.Code):
		return "partial"
	case appErrors.HasCode(err, appErrors.ErrConflict.Code):
		return "conflict"
	default:
		return "error"
	}
}

// buildSlots stamps solver placements with the school and version and keeps
// class and lesson identities in their string form.
func buildSlots(schoolID, versionID string, solverSlots []dto.SolverSlot) []models.TimetableSlot {
	slots := make([]models.TimetableSlot, 0, len(solverSlots))
	for _, placed := range solverSlots {
		slots = append(slots, models.TimetableSlot{
			SchoolID:      schoolID,
			VersionID:     versionID,
			ClassID:       strings.TrimSpace(placed.ClassID.String()),
			LessonID:      strings.TrimSpace(placed.LessonID.String()),
			Day:           placed.Day,
			PeriodNumber:  placed.PeriodNumber,
			IsDoubleStart: placed.IsDoubleStart,
			IsDoubleEnd:   placed.IsDoubleEnd,
		})
	}
	return slots
}

func unplacedLessonIDs(tasks []dto.UnplacedTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if id := task.LessonID.String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func summarizeVersion(version *models.TimetableVersion) dto.TimetableVersionSummary {
	unplaced := []string{}
	if len(version.UnplacedLessons) > 0 {
		_ = json.Unmarshal(version.UnplacedLessons, &unplaced)
		if unplaced == nil {
			unplaced = []string{}
		}
	}
	return dto.TimetableVersionSummary{
		ID:              version.ID,
		Name:            version.Name,
		IsSaved:         version.IsSaved,
		IsPublished:     version.IsPublished,
		AdminNote:       version.AdminNote,
		Revision:        version.Revision,
		UnplacedLessons: unplaced,
		UpdatedAt:       version.UpdatedAt,
	}
}
