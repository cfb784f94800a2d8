package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sigap-cbt/sigap-backend/internal/middleware"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	"github.com/sigap-cbt/sigap-backend/internal/response"
	"github.com/sigap-cbt/sigap-backend/internal/service"
	"github.com/sigap-cbt/sigap-backend/internal/validator"
)

// StudentPortalHandler handles student-facing endpoints (lobby, joining,
// paper download, attempt resume).
type StudentPortalHandler struct {
	attemptService *service.AttemptService
	examService    *service.ExamService
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(
	attemptService *service.AttemptService,
	examService *service.ExamService,
) *StudentPortalHandler {
	return &StudentPortalHandler{
		attemptService: attemptService,
		examService:    examService,
	}
}

// GetLobby godoc
// GET /api/v1/student/lobby
// Returns published exams the student may join.
func (h *StudentPortalHandler) GetLobby(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	exams, err := h.examService.ListPublished(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// Entry tokens are checked at join time, never listed.
	lobby := make([]gin.H, 0, len(exams))
	for _, e := range exams {
		lobby = append(lobby, gin.H{
			"id":               e.ID,
			"title":            e.Title,
			"duration_minutes": e.DurationMinutes,
			"question_count":   e.QuestionCount,
		})
	}

	response.Success(c, http.StatusOK, gin.H{"exams": lobby})
}

// JoinExam godoc
// POST /api/v1/student/exams/:exam_id/join
// Validates the entry token and creates an attempt (idempotent).
func (h *StudentPortalHandler) JoinExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.JoinExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attempt, err := h.attemptService.JoinExam(c.Request.Context(), examID, claims.UserID, req.EntryToken)
	if err != nil {
		switch err.Error() {
		case "invalid entry token":
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidEntryToken)
		case "exam is not available for joining":
			response.Fail(c, http.StatusBadRequest, response.ErrExamNotAvailable)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}

// GetExamPaper godoc
// GET /api/v1/student/attempts/:attempt_id/paper
// Returns the cached exam payload (questions without answer keys).
func (h *StudentPortalHandler) GetExamPaper(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership check keeps students from downloading papers they never joined.
	attempt, err := h.attemptService.GetOwnedAttempt(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	paper, err := h.examService.GetPaper(c.Request.Context(), attempt.ExamID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrExamNotAvailable)
		return
	}

	response.Success(c, http.StatusOK, paper)
}

// GetAttemptState godoc
// GET /api/v1/student/attempts/:attempt_id/state
// Resume payload for a reloaded client: buffered answers + remaining seconds.
func (h *StudentPortalHandler) GetAttemptState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attemptService.GetOwnedAttempt(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	state, err := h.attemptService.GetState(c.Request.Context(), attempt)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// GetResults godoc
// GET /api/v1/student/results
// Returns the student's past attempts with scores.
func (h *StudentPortalHandler) GetResults(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempts, err := h.attemptService.ListByStudent(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if attempts == nil {
		attempts = []model.Attempt{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}
