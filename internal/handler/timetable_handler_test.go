package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	internalmiddleware "github.com/noah-isme/sma-timetable-api/internal/middleware"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
)

type generatorMock struct {
	schoolID string
	captured dto.GenerateTimetableRequest
	status   *dto.JobStatusResponse
	err      error
}

func (m *generatorMock) Generate(ctx context.Context, schoolID string, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error) {
	m.schoolID = schoolID
	m.captured = req
	if m.err != nil {
		return nil, m.err
	}
	return &dto.GenerateTimetableResponse{JobID: "job-1", State: "submitted", VersionName: req.VersionName}, nil
}

func (m *generatorMock) Status(ctx context.Context, schoolID, jobID string) (*dto.JobStatusResponse, error) {
	m.schoolID = schoolID
	if m.err != nil {
		return nil, m.err
	}
	return m.status, nil
}

type timetableStoreMock struct {
	schoolID   string
	version    string
	commitReq  dto.CommitTimetableRequest
	updateReq  dto.UpdateVersionRequest
	deleted    bool
	reconciled bool
	err        error
}

func (m *timetableStoreMock) Commit(ctx context.Context, schoolID string, req dto.CommitTimetableRequest) (*dto.CommitTimetableResult, error) {
	m.schoolID = schoolID
	m.commitReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &dto.CommitTimetableResult{VersionID: "v-1", VersionName: req.VersionName, Revision: 1, SlotsPlaced: 3}, nil
}

func (m *timetableStoreMock) Reconcile(ctx context.Context, schoolID, versionName string) (*dto.CommitTimetableResult, error) {
	m.reconciled = true
	m.version = versionName
	return &dto.CommitTimetableResult{VersionName: versionName}, m.err
}

func (m *timetableStoreMock) ListVersions(ctx context.Context, schoolID string) ([]dto.TimetableVersionSummary, error) {
	m.schoolID = schoolID
	return []dto.TimetableVersionSummary{{ID: "v-1", Name: "draft"}}, m.err
}

func (m *timetableStoreMock) GetSlots(ctx context.Context, schoolID, versionName string) ([]models.TimetableSlotDetail, error) {
	m.version = versionName
	return nil, m.err
}

func (m *timetableStoreMock) SetPublication(ctx context.Context, schoolID, versionName string, req dto.UpdateVersionRequest) (*dto.TimetableVersionSummary, error) {
	m.version = versionName
	m.updateReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &dto.TimetableVersionSummary{Name: versionName, IsPublished: req.IsPublished != nil && *req.IsPublished}, nil
}

func (m *timetableStoreMock) DeleteVersion(ctx context.Context, schoolID, versionName string) error {
	m.deleted = true
	m.version = versionName
	return m.err
}

type exporterMock struct {
	format service.ExportFormat
}

func (m *exporterMock) ExportVersion(ctx context.Context, schoolID, versionName string, format service.ExportFormat) (*service.ExportDocument, error) {
	m.format = format
	return &service.ExportDocument{Content: []byte("Class\n"), ContentType: "text/csv", Filename: "timetable-draft.csv"}, nil
}

func newTimetableRouter(h *TimetableHandler, claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if claims != nil {
			c.Set(internalmiddleware.ContextUserKey, claims)
		}
		c.Next()
	})
	router.POST("/timetables/generate", h.Generate)
	router.GET("/timetables/jobs/:jobId", h.JobStatus)
	router.POST("/timetables/jobs/:jobId/commit", h.Commit)
	router.GET("/timetables/versions", h.ListVersions)
	router.GET("/timetables/versions/:name/slots", h.Slots)
	router.PATCH("/timetables/versions/:name", h.UpdateVersion)
	router.DELETE("/timetables/versions/:name", h.DeleteVersion)
	router.POST("/timetables/versions/:name/reconcile", h.Reconcile)
	router.GET("/timetables/versions/:name/export", h.Export)
	return router
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "u-1", SchoolID: "school-1", Role: models.RoleAdmin}
}

func perform(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTimetableGenerateAccepted(t *testing.T) {
	runner := &generatorMock{}
	router := newTimetableRouter(&TimetableHandler{runner: runner}, adminClaims())

	w := perform(router, http.MethodPost, "/timetables/generate", []byte(`{"versionName":"draft","autoCommit":true}`))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "school-1", runner.schoolID)
	assert.Equal(t, "draft", runner.captured.VersionName)
	assert.True(t, runner.captured.AutoCommit)
	assert.Contains(t, w.Body.String(), `"jobId":"job-1"`)
}

func TestTimetableGenerateRejectsMalformedJSON(t *testing.T) {
	router := newTimetableRouter(&TimetableHandler{runner: &generatorMock{}}, adminClaims())
	w := perform(router, http.MethodPost, "/timetables/generate", []byte(`{"versionName":`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimetableRequiresSchoolClaims(t *testing.T) {
	router := newTimetableRouter(&TimetableHandler{store: &timetableStoreMock{}}, nil)
	w := perform(router, http.MethodGet, "/timetables/versions", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	router = newTimetableRouter(&TimetableHandler{store: &timetableStoreMock{}}, &models.JWTClaims{UserID: "u-1", Role: models.RoleAdmin})
	w = perform(router, http.MethodGet, "/timetables/versions", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestTimetableJobStatusMapsErrors(t *testing.T) {
	runner := &generatorMock{err: appErrors.Clone(appErrors.ErrJobNotFound, "job job-9 not found")}
	router := newTimetableRouter(&TimetableHandler{runner: runner}, adminClaims())

	w := perform(router, http.MethodGet, "/timetables/jobs/job-9", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrJobNotFound.Code)
}

func TestTimetableJobStatusSuccess(t *testing.T) {
	runner := &generatorMock{status: &dto.JobStatusResponse{JobID: "job-1", State: "running"}}
	router := newTimetableRouter(&TimetableHandler{runner: runner}, adminClaims())

	w := perform(router, http.MethodGet, "/timetables/jobs/job-1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data dto.JobStatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "running", envelope.Data.State)
}

func TestTimetableCommitUsesPathJobID(t *testing.T) {
	store := &timetableStoreMock{}
	router := newTimetableRouter(&TimetableHandler{store: store}, adminClaims())

	w := perform(router, http.MethodPost, "/timetables/jobs/job-7/commit", []byte(`{"versionName":"draft","expectedRevision":2}`))

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "job-7", store.commitReq.JobID)
	require.NotNil(t, store.commitReq.ExpectedRevision)
	assert.Equal(t, 2, *store.commitReq.ExpectedRevision)
}

func TestTimetableCommitConflictAndPartial(t *testing.T) {
	store := &timetableStoreMock{err: appErrors.Clone(appErrors.ErrConflict, "stale revision")}
	router := newTimetableRouter(&TimetableHandler{store: store}, adminClaims())
	w := perform(router, http.MethodPost, "/timetables/jobs/job-7/commit", []byte(`{"versionName":"draft"}`))
	require.Equal(t, http.StatusConflict, w.Code)

	store.err = appErrors.Clone(appErrors.ErrPartialCommit, "").WithDetails(map[string]any{"slotsDeleted": 4})
	w = perform(router, http.MethodPost, "/timetables/jobs/job-7/commit", []byte(`{"versionName":"draft"}`))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"slotsDeleted":4`)
}

func TestTimetableVersionEndpoints(t *testing.T) {
	store := &timetableStoreMock{}
	router := newTimetableRouter(&TimetableHandler{store: store}, adminClaims())

	w := perform(router, http.MethodGet, "/timetables/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = perform(router, http.MethodPatch, "/timetables/versions/draft", []byte(`{"isPublished":true}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "draft", store.version)
	require.NotNil(t, store.updateReq.IsPublished)

	w = perform(router, http.MethodPost, "/timetables/versions/draft/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, store.reconciled)

	w = perform(router, http.MethodDelete, "/timetables/versions/draft", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, store.deleted)
}

func TestTimetableExportStreamsAttachment(t *testing.T) {
	exporter := &exporterMock{}
	router := newTimetableRouter(&TimetableHandler{exporter: exporter}, adminClaims())

	w := perform(router, http.MethodGet, "/timetables/versions/draft/export?format=csv", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.ExportFormatCSV, exporter.format)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "timetable-draft.csv")
	assert.Equal(t, "Class\n", w.Body.String())
}

func TestTimetableExportRejectsUnknownFormat(t *testing.T) {
	router := newTimetableRouter(&TimetableHandler{exporter: &exporterMock{}}, adminClaims())
	w := perform(router, http.MethodGet, "/timetables/versions/draft/export?format=docx", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
