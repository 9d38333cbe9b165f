package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type solverGateway interface {
	Submit(ctx context.Context, req *dto.SolverRequest) (string, error)
	Poll(ctx context.Context, jobID string) (*dto.SolverJobStatus, error)
}

// JobObservation is the tracked state of a job plus its result once completed.
type JobObservation struct {
	Record models.SolverJobRecord
	Result *dto.SolverResult
}

// MapSolverStatus maps a solver status string onto a tracker state.
func MapSolverStatus(raw string) (models.JobState, string) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "queued", "pending", "submitted":
		return models.JobStateRunning, ""
	case "completed", "succeeded", "done":
		return models.JobStateCompleted, ""
	case "failed", "error", "cancelled":
		return models.JobStateFailed, ""
	default:
		return models.JobStateFailed, "unrecognized solver status: " + raw
	}
}

// JobTracker follows solver jobs on behalf of the schools that submitted them.
// It holds no timers; every transition happens inside Observe.
type JobTracker struct {
	gateway  solverGateway
	registry *jobRegistry
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// NewJobTracker constructs a tracker. Records older than ttl are forgotten.
func NewJobTracker(gateway solverGateway, ttl time.Duration, metrics *MetricsService, logger *zap.Logger) *JobTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &JobTracker{
		gateway:  gateway,
		registry: newJobRegistry(ttl),
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit sends the request to the solver and tracks the accepted job.
func (t *JobTracker) Submit(ctx context.Context, schoolID string, req *dto.SolverRequest) (models.SolverJobRecord, error) {
	start := time.Now()
	jobID, err := t.gateway.Submit(ctx, req)
	t.metrics.ObserveSolverCall("submit", err, time.Since(start))
	if err != nil {
		t.logger.Warn("solver submit failed", zap.String("school_id", schoolID), zap.String("version", req.VersionName), zap.Error(err))
		return models.SolverJobRecord{}, err
	}
	return t.Track(schoolID, jobID, req.VersionName), nil
}

// Track registers a job as submitted for the school.
func (t *JobTracker) Track(schoolID, jobID, versionName string) models.SolverJobRecord {
	now := t.now()
	record := models.SolverJobRecord{
		JobID:       jobID,
		SchoolID:    schoolID,
		VersionName: versionName,
		State:       models.JobStateSubmitted,
		SubmittedAt: now,
		ObservedAt:  now,
	}
	t.registry.Save(trackedJob{record: record})
	t.logger.Info("solver job tracked", zap.String("school_id", schoolID), zap.String("job_id", jobID), zap.String("version", versionName))
	return record
}

// Observe polls the solver once for a job tracked by the school. Jobs unknown to
// the school are reported as JobNotFound. Terminal states are returned without polling.
func (t *JobTracker) Observe(ctx context.Context, schoolID, jobID string) (*JobObservation, error) {
	tracked, ok := t.registry.Get(jobID)
	if !ok || tracked.record.SchoolID != schoolID {
		return nil, appErrors.Clone(appErrors.ErrJobNotFound, "solver job "+jobID+" is not tracked for this school")
	}
	if tracked.record.State.Terminal() {
		return &JobObservation{Record: tracked.record, Result: tracked.result}, nil
	}

	observation, err := t.poll(ctx, tracked.record)
	if err != nil {
		return nil, err
	}
	t.registry.Save(trackedJob{record: observation.Record, result: observation.Result})
	if observation.Record.State != tracked.record.State {
		t.logger.Info("solver job state changed",
			zap.String("school_id", schoolID),
			zap.String("job_id", jobID),
			zap.String("from", string(tracked.record.State)),
			zap.String("to", string(observation.Record.State)),
			zap.String("reason", observation.Record.Reason),
		)
	}
	return observation, nil
}

// Inspect polls a job without tenant scoping or registration. Operator tooling only.
func (t *JobTracker) Inspect(ctx context.Context, jobID string) (*JobObservation, error) {
	return t.poll(ctx, models.SolverJobRecord{JobID: jobID, State: models.JobStateSubmitted})
}

func (t *JobTracker) poll(ctx context.Context, record models.SolverJobRecord) (*JobObservation, error) {
	start := time.Now()
	status, err := t.gateway.Poll(ctx, record.JobID)
	t.metrics.ObserveSolverCall("poll", err, time.Since(start))
	record.ObservedAt = t.now()
	if err != nil {
		if errors.Is(err, appErrors.ErrJobNotFound) {
			record.State = models.JobStateNotFound
			record.Reason = "solver does not know this job"
			return &JobObservation{Record: record}, nil
		}
		return nil, err
	}

	state, reason := MapSolverStatus(status.Status)
	if state == models.JobStateFailed && reason == "" {
		reason = strings.TrimSpace(status.Error)
		if reason == "" {
			reason = "solver reported failure"
		}
	}
	if state == models.JobStateCompleted && status.Result == nil {
		state, reason = models.JobStateFailed, "solver reported completion without a result"
	}
	record.State = state
	record.Reason = reason

	observation := &JobObservation{Record: record}
	if state == models.JobStateCompleted {
		observation.Result = status.Result
	}
	return observation, nil
}

// Summarize condenses an observation for polling clients.
func Summarize(obs *JobObservation) dto.JobStatusResponse {
	resp := dto.JobStatusResponse{
		JobID:       obs.Record.JobID,
		State:       string(obs.Record.State),
		Reason:      obs.Record.Reason,
		VersionName: obs.Record.VersionName,
	}
	if obs.Result != nil {
		resp.Result = &dto.ResultSummary{
			SlotsPlaced:        len(obs.Result.Slots),
			UnplacedLessons:    len(obs.Result.UnplacedTasks),
			Conflicts:          obs.Result.Conflicts,
			SolvingTimeSeconds: obs.Result.SolvingTime,
		}
	}
	return resp
}

type trackedJob struct {
	record models.SolverJobRecord
	result *dto.SolverResult
}

type jobRegistry struct {
	ttl   time.Duration
	mu    sync.RWMutex
	items map[string]trackedJob
}

func newJobRegistry(ttl time.Duration) *jobRegistry {
	return &jobRegistry{
		ttl:   ttl,
		items: make(map[string]trackedJob),
	}
}

func (r *jobRegistry) Save(job trackedJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[job.record.JobID] = job
	r.sweepLocked()
}

func (r *jobRegistry) Get(id string) (trackedJob, bool) {
	r.mu.RLock()
	job, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return trackedJob{}, false
	}
	if time.Since(job.record.SubmittedAt) > r.ttl {
		r.Delete(id)
		return trackedJob{}, false
	}
	return job, true
}

func (r *jobRegistry) Delete(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

func (r *jobRegistry) sweepLocked() {
	for id, job := range r.items {
		if time.Since(job.record.SubmittedAt) > r.ttl {
			delete(r.items, id)
		}
	}
}
