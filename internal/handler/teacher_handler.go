package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	"github.com/noah-isme/sma-timetable-api/pkg/response"
)

type teacherIntegrity interface {
	CountLessonsForTeacher(ctx context.Context, schoolID, teacherID string) (*dto.TeacherImpactResponse, error)
	DeleteTeacher(ctx context.Context, schoolID, teacherID string, replacementID *string) (*dto.DeleteTeacherResult, error)
}

// TeacherHandler exposes teacher removal with lesson reassignment.
type TeacherHandler struct {
	integrity teacherIntegrity
}

// NewTeacherHandler constructs a new TeacherHandler.
func NewTeacherHandler(integrity *service.TeacherIntegrityService) *TeacherHandler {
	return &TeacherHandler{integrity: integrity}
}

// LessonCount godoc
// @Summary Count lessons referencing a teacher
// @Tags Teachers
// @Produce json
// @Param id path string true "Teacher ID"
// @Success 200 {object} response.Envelope
// @Router /teachers/{id}/lessons/count [get]
func (h *TeacherHandler) LessonCount(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	impact, err := h.integrity.CountLessonsForTeacher(c.Request.Context(), schoolID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, impact)
}

// Delete godoc
// @Summary Delete a teacher
// @Description Lessons referencing the teacher are reassigned to replacementId or have the reference removed.
// @Tags Teachers
// @Produce json
// @Param id path string true "Teacher ID"
// @Param replacementId query string false "Replacement teacher ID"
// @Success 200 {object} response.Envelope
// @Router /teachers/{id} [delete]
func (h *TeacherHandler) Delete(c *gin.Context) {
	schoolID, err := schoolFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var replacement *string
	if raw := strings.TrimSpace(c.Query("replacementId")); raw != "" {
		replacement = &raw
	}
	result, err := h.integrity.DeleteTeacher(c.Request.Context(), schoolID, c.Param("id"), replacement)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}
