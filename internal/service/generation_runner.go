package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/jobs"
)

const generationJobType = "timetable_generation"

type snapshotSource interface {
	Build(ctx context.Context, schoolID string, opts SnapshotOptions) (*dto.SolverRequest, error)
}

type jobSupervisor interface {
	Submit(ctx context.Context, schoolID string, req *dto.SolverRequest) (models.SolverJobRecord, error)
	Observe(ctx context.Context, schoolID, jobID string) (*JobObservation, error)
}

type timetableCommitter interface {
	Commit(ctx context.Context, schoolID string, req dto.CommitTimetableRequest) (*dto.CommitTimetableResult, error)
}

// GenerationRunnerConfig sets the poll cadence and the overall deadline of a background run.
type GenerationRunnerConfig struct {
	PollInterval time.Duration
	RunDeadline  time.Duration
	Workers      int
	OutcomeTTL   time.Duration
}

type generationRun struct {
	SchoolID    string
	JobID       string
	VersionName string
}

// GenerationRunner submits solver jobs and, on request, follows them to a commit in the background.
type GenerationRunner struct {
	snapshots snapshotSource
	jobs      jobSupervisor
	committer timetableCommitter
	queue     *jobs.Queue
	cfg       GenerationRunnerConfig
	validator *validator.Validate
	logger    *zap.Logger

	mu       sync.RWMutex
	outcomes map[string]storedOutcome
	now      func() time.Time
}

type storedOutcome struct {
	outcome  dto.AutoCommitOutcome
	storedAt time.Time
}

// NewGenerationRunner wires the runner and its worker pool. Call Start before submitting auto-commit runs.
func NewGenerationRunner(snapshots snapshotSource, supervisor jobSupervisor, committer timetableCommitter, validate *validator.Validate, logger *zap.Logger, cfg GenerationRunnerConfig) *GenerationRunner {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = 15 * time.Minute
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = 2 * time.Hour
	}
	r := &GenerationRunner{
		snapshots: snapshots,
		jobs:      supervisor,
		committer: committer,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		outcomes:  make(map[string]storedOutcome),
		now:       time.Now,
	}
	r.queue = jobs.NewQueue("timetable-generation", r.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: jobs.NoRetries,
		JobTimeout: cfg.RunDeadline,
		Logger:     logger,
	})
	return r
}

// Start launches the background workers.
func (r *GenerationRunner) Start(ctx context.Context) {
	r.queue.Start(ctx)
}

// Stop cancels running background runs and waits for workers to exit.
func (r *GenerationRunner) Stop() {
	r.queue.Stop()
}

// Generate builds the snapshot, submits it and tracks the job. With AutoCommit the
// job is then polled and committed by a background worker.
func (r *GenerationRunner) Generate(ctx context.Context, schoolID string, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error) {
	req.VersionName = strings.TrimSpace(req.VersionName)
	if err := r.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid generation payload")
	}

	snapshot, err := r.snapshots.Build(ctx, schoolID, SnapshotOptions{
		VersionName:     req.VersionName,
		MaxTimeLimit:    req.MaxTimeLimit,
		AllowRelaxation: req.AllowRelaxation,
	})
	if err != nil {
		return nil, err
	}

	record, err := r.jobs.Submit(ctx, schoolID, snapshot)
	if err != nil {
		return nil, err
	}

	resp := &dto.GenerateTimetableResponse{
		JobID:       record.JobID,
		State:       string(record.State),
		VersionName: req.VersionName,
		Lessons:     len(snapshot.Lessons),
	}
	if !req.AutoCommit {
		return resp, nil
	}

	run := generationRun{SchoolID: schoolID, JobID: record.JobID, VersionName: req.VersionName}
	if err := r.queue.Enqueue(jobs.Job{ID: record.JobID, Type: generationJobType, Payload: run}); err != nil {
		r.logger.Warn("auto-commit not scheduled; commit manually",
			zap.String("school_id", schoolID),
			zap.String("job_id", record.JobID),
			zap.Error(err),
		)
		return resp, nil
	}
	r.setOutcome(record.JobID, dto.AutoCommitOutcome{Status: "pending"})
	resp.AutoCommit = true
	return resp, nil
}

// Status observes a job and attaches the background run outcome when there is one.
func (r *GenerationRunner) Status(ctx context.Context, schoolID, jobID string) (*dto.JobStatusResponse, error) {
	obs, err := r.jobs.Observe(ctx, schoolID, jobID)
	if err != nil {
		return nil, err
	}
	resp := Summarize(obs)
	if outcome, ok := r.Outcome(jobID); ok {
		resp.AutoCommit = &outcome
	}
	return &resp, nil
}

// Outcome returns the background run outcome for a job. Outcomes expire
// OutcomeTTL after their last update.
func (r *GenerationRunner) Outcome(jobID string) (dto.AutoCommitOutcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.outcomes[jobID]
	if !ok || r.expired(stored) {
		return dto.AutoCommitOutcome{}, false
	}
	return stored.outcome, true
}

func (r *GenerationRunner) setOutcome(jobID string, outcome dto.AutoCommitOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, stored := range r.outcomes {
		if r.expired(stored) {
			delete(r.outcomes, id)
		}
	}
	r.outcomes[jobID] = storedOutcome{outcome: outcome, storedAt: r.now()}
}

func (r *GenerationRunner) expired(stored storedOutcome) bool {
	return r.now().Sub(stored.storedAt) > r.cfg.OutcomeTTL
}

func (r *GenerationRunner) handle(ctx context.Context, job jobs.Job) error {
	run, ok := job.Payload.(generationRun)
	if !ok {
		return fmt.Errorf("unexpected payload for job %s", job.ID)
	}
	result, err := r.follow(ctx, run)
	if err != nil {
		r.setOutcome(run.JobID, dto.AutoCommitOutcome{Status: "failed", Error: err.Error()})
		return err
	}
	r.setOutcome(run.JobID, dto.AutoCommitOutcome{Status: "committed", Commit: result})
	return nil
}

// follow polls at a fixed interval until the job is terminal or ctx expires, then commits.
func (r *GenerationRunner) follow(ctx context.Context, run generationRun) (*dto.CommitTimetableResult, error) {
	logger := r.logger.With(zap.String("school_id", run.SchoolID), zap.String("job_id", run.JobID), zap.String("version", run.VersionName))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		obs, err := r.jobs.Observe(ctx, run.SchoolID, run.JobID)
		switch {
		case err != nil && appErrors.HasCode(err, appErrors.ErrSolverUnavailable.Code):
			logger.Warn("solver poll failed, will poll again", zap.Error(err))
		case err != nil:
			return nil, err
		case obs.Record.State == models.JobStateCompleted:
			result, err := r.committer.Commit(ctx, run.SchoolID, dto.CommitTimetableRequest{JobID: run.JobID, VersionName: run.VersionName})
			if err != nil {
				return nil, err
			}
			logger.Info("auto-commit finished", zap.Int("slots_placed", result.SlotsPlaced), zap.Int("revision", result.Revision))
			return result, nil
		case obs.Record.State.Terminal():
			return nil, readyForCommit(obs)
		}

		select {
		case <-ctx.Done():
			logger.Warn("generation run abandoned at deadline", zap.Error(ctx.Err()))
			return nil, appErrors.Wrap(ctx.Err(), appErrors.ErrJobNotReady.Code, appErrors.ErrJobNotReady.Status, "solver job did not finish before the run deadline")
		case <-ticker.C:
		}
	}
}
