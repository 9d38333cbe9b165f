package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/response"
)

type timetableGenerator interface {
	Generate(ctx context.Context, schoolID string, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error)
	Status(ctx context.Context, schoolID, jobID string) (*dto.JobStatusResponse, error)
}

type timetableStore interface {
	Commit(ctx context.Context, schoolID string, req dto.CommitTimetableRequest) (*dto.CommitTimetableResult, error)
	Reconcile(ctx context.Context, schoolID, versionName string) (*dto.CommitTimetableResult, error)
	ListVersions(ctx context.Context, schoolID string) ([]dto.TimetableVersionSummary, error)
	GetSlots(ctx context.Context, schoolID, versionName string) ([]models.TimetableSlotDetail, error)
	SetPublication(ctx context.Context, schoolID, versionName string, req dto.UpdateVersionRequest) (*dto.TimetableVersionSummary, error)
	DeleteVersion(ctx context.Context, schoolID, versionName string) error
}

type timetableExporter interface {
	ExportVersion(ctx context.Context, schoolID, versionName string, format service.ExportFormat) (*service.ExportDocument, error)
}

// TimetableHandler exposes generation, commit and version endpoints.
type TimetableHandler struct {
	runner   timetableGenerator
	store    timetableStore
	exporter timetableExporter
}

// NewTimetableHandler constructs the handler.
func NewTimetableHandler(runner *service.GenerationRunner, store *service.TimetableService, exporter *service.ExportService) *TimetableHandler {
	return &TimetableHandler{runner: runner, store: store, exporter: exporter}
}

// Generate godoc
// @Summary Submit a timetable generation job
// @Description Builds a school snapshot and submits it to the solver. With autoCommit the result is persisted in the background.
// @Tags Timetables
// @Accept json
// @Produce json
// @Param payload body dto.GenerateTimetableRequest true "Generation payload"
// @Success 202 {object} response.Envelope
// @Router /timetables/generate [post]
func (h *TimetableHandler) Generate(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.GenerateTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid generate payload"))
		return
	}
	result, err := h.runner.Generate(c.Request.Context(), schoolID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, result)
}

// JobStatus godoc
// @Summary Get solver job status
// @Tags Timetables
// @Produce json
// @Param jobId path string true "Solver job ID"
// @Success 200 {object} response.Envelope
// @Router /timetables/jobs/{jobId} [get]
func (h *TimetableHandler) JobStatus(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	status, err := h.runner.Status(c.Request.Context(), schoolID, c.Param("jobId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status)
}

// Commit godoc
// @Summary Commit a completed solver job as a timetable version
// @Tags Timetables
// @Accept json
// @Produce json
// @Param jobId path string true "Solver job ID"
// @Param payload body dto.CommitTimetableRequest true "Commit payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /timetables/jobs/{jobId}/commit [post]
func (h *TimetableHandler) Commit(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.CommitTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid commit payload"))
		return
	}
	req.JobID = c.Param("jobId")
	result, err := h.store.Commit(c.Request.Context(), schoolID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// ListVersions godoc
// @Summary List timetable versions
// @Tags Timetables
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /timetables/versions [get]
func (h *TimetableHandler) ListVersions(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	versions, err := h.store.ListVersions(c.Request.Context(), schoolID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, versions, map[string]interface{}{"total": len(versions)})
}

// Slots godoc
// @Summary Get the slots of a timetable version
// @Tags Timetables
// @Produce json
// @Param name path string true "Version name"
// @Success 200 {object} response.Envelope
// @Router /timetables/versions/{name}/slots [get]
func (h *TimetableHandler) Slots(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	slots, err := h.store.GetSlots(c.Request.Context(), schoolID, c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slots)
}

// UpdateVersion godoc
// @Summary Publish, unpublish or annotate a timetable version
// @Tags Timetables
// @Accept json
// @Produce json
// @Param name path string true "Version name"
// @Param payload body dto.UpdateVersionRequest true "Publication payload"
// @Success 200 {object} response.Envelope
// @Router /timetables/versions/{name} [patch]
func (h *TimetableHandler) UpdateVersion(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.UpdateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid version payload"))
		return
	}
	summary, err := h.store.SetPublication(c.Request.Context(), schoolID, c.Param("name"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary)
}

// DeleteVersion godoc
// @Summary Delete a timetable version and its slots
// @Tags Timetables
// @Param name path string true "Version name"
// @Success 204
// @Router /timetables/versions/{name} [delete]
func (h *TimetableHandler) DeleteVersion(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.store.DeleteVersion(c.Request.Context(), schoolID, c.Param("name")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Reconcile godoc
// @Summary Rewrite the slots of a version from its stored solver result
// @Tags Timetables
// @Produce json
// @Param name path string true "Version name"
// @Success 200 {object} response.Envelope
// @Router /timetables/versions/{name}/reconcile [post]
func (h *TimetableHandler) Reconcile(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.store.Reconcile(c.Request.Context(), schoolID, c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Export godoc
// @Summary Export a timetable version
// @Tags Timetables
// @Produce text/csv
// @Produce application/pdf
// @Param name path string true "Version name"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /timetables/versions/{name}/export [get]
func (h *TimetableHandler) Export(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	format, err := service.ParseExportFormat(c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	doc, err := h.exporter.ExportVersion(c.Request.Context(), schoolID, c.Param("name"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, doc.Filename, doc.ContentType, doc.Content)
}
