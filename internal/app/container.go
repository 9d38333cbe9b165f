// Package app assembles repositories, services and handlers from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/repository"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	"github.com/noah-isme/sma-timetable-api/pkg/cache"
	"github.com/noah-isme/sma-timetable-api/pkg/config"
	"github.com/noah-isme/sma-timetable-api/pkg/database"
	"github.com/noah-isme/sma-timetable-api/pkg/solver"
)

// Container holds the long lived services of the process.
type Container struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sqlx.DB
	Redis  *redis.Client

	Metrics    *service.MetricsService
	Cache      *service.CacheService
	Auth       *service.AuthService
	Snapshots  *service.SnapshotBuilder
	Tracker    *service.JobTracker
	Timetables *service.TimetableService
	Teachers   *service.TeacherIntegrityService
	Runner     *service.GenerationRunner
	Exporter   *service.ExportService
}

// New opens the database and cache connections and wires every service.
func New(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient, err := cache.NewRedis(cfg.Redis, cfg.Cache)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	c := &Container{Config: cfg, Logger: logger, DB: db, Redis: redisClient}
	c.wire()
	return c, nil
}

func (c *Container) wire() {
	cfg := c.Config
	validate := validator.New()

	c.Metrics = service.NewMetricsService()

	var cacheRepo service.CacheRepository
	if c.Redis != nil {
		cacheRepo = repository.NewCacheRepository(c.Redis, c.Logger.Named("cache"))
	}
	c.Cache = service.NewCacheService(cacheRepo, c.Metrics, cfg.Cache.TTL, c.Logger.Named("cache"), cfg.Cache.Enabled)

	c.Auth = service.NewAuthService(c.Logger.Named("auth"), service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiry,
		Issuer:            cfg.JWT.Issuer,
	})

	lessons := repository.NewLessonRepository(c.DB)
	teachers := repository.NewTeacherRepository(c.DB)

	c.Snapshots = service.NewSnapshotBuilder(
		repository.NewScheduleConfigRepository(c.DB),
		lessons,
		repository.NewClassRepository(c.DB),
		teachers,
		repository.NewSubjectRepository(c.DB),
		service.SnapshotDefaults{
			MaxTimeLimit:    cfg.Solver.MaxTimeLimit,
			AllowRelaxation: cfg.Solver.AllowRelaxation,
		},
		c.Logger.Named("snapshot"),
	)

	gateway := solver.NewClient(solver.Config{
		BaseURL:       cfg.Solver.BaseURL,
		SubmitTimeout: cfg.Solver.SubmitTimeout,
		PollTimeout:   cfg.Solver.PollTimeout,
		Logger:        c.Logger.Named("solver"),
	})
	c.Tracker = service.NewJobTracker(gateway, cfg.Scheduler.JobTTL, c.Metrics, c.Logger.Named("jobs"))

	c.Timetables = service.NewTimetableService(
		repository.NewTimetableVersionRepository(c.DB),
		repository.NewTimetableSlotRepository(c.DB),
		c.Tracker,
		c.DB,
		c.Cache,
		c.Metrics,
		validate,
		c.Logger.Named("timetable"),
		service.TimetableServiceConfig{
			Transactional: cfg.Scheduler.TransactionalCommit,
			CacheTTL:      cfg.Cache.TTL,
		},
	)

	c.Teachers = service.NewTeacherIntegrityService(teachers, lessons, c.Cache, c.Metrics, c.Logger.Named("teachers"))

	c.Runner = service.NewGenerationRunner(c.Snapshots, c.Tracker, c.Timetables, validate, c.Logger.Named("generation"), service.GenerationRunnerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		RunDeadline:  cfg.Scheduler.RunDeadline,
		Workers:      cfg.Scheduler.Workers,
		OutcomeTTL:   cfg.Scheduler.JobTTL,
	})

	c.Exporter = service.NewExportService(c.Timetables, nil, nil, cfg.Scheduler.ExportTitle, c.Logger.Named("export"))
}

// Start launches background workers.
func (c *Container) Start(ctx context.Context) {
	c.Runner.Start(ctx)
}

// Close stops workers and releases connections.
func (c *Container) Close() {
	if c.Runner != nil {
		c.Runner.Stop()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("close redis", zap.Error(err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("close postgres", zap.Error(err))
		}
	}
}
