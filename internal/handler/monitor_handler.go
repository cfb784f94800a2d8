package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/config"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	"github.com/sigap-cbt/sigap-backend/internal/repository"
	"github.com/sigap-cbt/sigap-backend/internal/response"
	"github.com/sigap-cbt/sigap-backend/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler exposes the teacher monitoring surface: participant lists
// with derived connection status, the live SSE stream, and force-submit.
type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	violationRepo  *repository.ViolationRepository
	log            zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	rdb *redis.Client,
	monitorService *service.MonitorService,
	violationRepo *repository.ViolationRepository,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		violationRepo:  violationRepo,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// ListExams godoc
// GET /api/v1/teacher/exams?active=true
// Exam summaries for the monitoring index.
func (h *MonitorHandler) ListExams(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	exams, err := h.monitorService.ListExams(c.Request.Context(), activeOnly)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if exams == nil {
		exams = []model.MonitoredExam{}
	}

	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// GetParticipants godoc
// GET /api/v1/teacher/exams/:exam_id/participants
// Every attempt on the exam with identity, progress, violation count, and
// derived connection status.
func (h *MonitorHandler) GetParticipants(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	participants, err := h.monitorService.GetExamParticipants(c.Request.Context(), examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Participant query failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, participants)
}

// GetViolations godoc
// GET /api/v1/teacher/attempts/:attempt_id/violations
// The full violation log of one attempt, oldest first.
func (h *MonitorHandler) GetViolations(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	violations, err := h.violationRepo.ListByAttempt(c.Request.Context(), attemptID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if violations == nil {
		violations = []model.Violation{}
	}

	response.Success(c, http.StatusOK, gin.H{"violations": violations})
}

// ForceSubmit godoc
// POST /api/v1/teacher/attempts/:attempt_id/force-submit
// Closes a student's attempt from the monitoring view. Grades the persisted
// answers with no penalty and records a pre-reviewed FORCE_SUBMIT violation.
func (h *MonitorHandler) ForceSubmit(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	score, err := h.monitorService.ForceSubmit(c.Request.Context(), attemptID)
	if err != nil {
		if errors.Is(err, service.ErrAlreadySubmitted) {
			response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
			return
		}
		h.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Force submit failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"attempt_id": attemptID,
		"score":      score,
	})
}

// MonitorExamSSE godoc
// GET /api/v1/teacher/exams/:exam_id/monitor
// Live monitoring stream: an initial participant snapshot, then raw session
// events forwarded from the Redis pub/sub channel, with periodic refreshes.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	if _, err := h.monitorService.GetExamParticipants(reqCtx, examID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, examID)

	channelName := config.CacheKey.ExamMonitorChannel(examID.String())
	pubsub := h.rdb.Subscribe(reqCtx, channelName)
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Teacher attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Teacher disconnected from live monitor SSE")
			return

		case msg := <-ch:
			// Forward raw JSON directly, no deserialization needed.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-refreshTicker.C:
			h.sendSnapshot(c, reqCtx, examID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendSnapshot queries the full participant view and writes it as one SSE
// event. Connection status is derived fresh on every call, so a silent
// student drifts online -> idle -> offline across refreshes without any
// session event arriving.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, examID uuid.UUID) {
	// Scoped timeout prevents a slow query from stalling the SSE loop.
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	participants, err := h.monitorService.GetExamParticipants(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch participants for snapshot")
		return
	}

	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": participants,
	})
	c.Writer.Flush()
}
