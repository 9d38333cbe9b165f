package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/handler"
	"github.com/noah-isme/sma-timetable-api/internal/middleware"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	"github.com/noah-isme/sma-timetable-api/pkg/config"
	"github.com/noah-isme/sma-timetable-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-timetable-api/pkg/middleware/requestid"
)

// Handlers groups the HTTP handlers mounted by the router.
type Handlers struct {
	Timetables *handler.TimetableHandler
	Teachers   *handler.TeacherHandler
	Metrics    *handler.MetricsHandler
}

// HandlersFrom builds handlers over the container services.
func HandlersFrom(c *Container) Handlers {
	return Handlers{
		Timetables: handler.NewTimetableHandler(c.Runner, c.Timetables, c.Exporter),
		Teachers:   handler.NewTeacherHandler(c.Teachers),
		Metrics:    handler.NewMetricsHandler(c.Metrics),
	}
}

// NewRouter mounts every route under the configured API prefix.
func NewRouter(cfg *config.Config, auth middleware.TokenValidator, metrics *service.MetricsService, h Handlers, logr *zap.Logger) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", h.Metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(auth))

	admins := middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)
	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin, models.RoleTeacher)

	api.GET("/metrics/summary", admins, h.Metrics.Summary)

	timetables := api.Group("/timetables")
	timetables.POST("/generate", admins, h.Timetables.Generate)
	timetables.GET("/jobs/:jobId", admins, h.Timetables.JobStatus)
	timetables.POST("/jobs/:jobId/commit", admins, h.Timetables.Commit)
	timetables.GET("/versions", staff, h.Timetables.ListVersions)
	timetables.GET("/versions/:name/slots", staff, h.Timetables.Slots)
	timetables.GET("/versions/:name/export", staff, h.Timetables.Export)
	timetables.PATCH("/versions/:name", admins, h.Timetables.UpdateVersion)
	timetables.DELETE("/versions/:name", admins, h.Timetables.DeleteVersion)
	timetables.POST("/versions/:name/reconcile", admins, h.Timetables.Reconcile)

	teachers := api.Group("/teachers")
	teachers.GET("/:id/lessons/count", admins, h.Teachers.LessonCount)
	teachers.DELETE("/:id", admins, h.Teachers.Delete)

	return r
}
