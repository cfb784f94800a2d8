package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/middleware"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	"github.com/sigap-cbt/sigap-backend/internal/service"
	ws "github.com/sigap-cbt/sigap-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler is the server end of the exam session stream: autosave,
// heartbeat, violation reports, and the finalize call, multiplexed over one
// WebSocket per attempt.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream
// Upgrades to WebSocket for the duration of one exam attempt.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt ID"})
		return
	}

	attempt, err := h.attemptService.GetOwnedAttempt(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "attempt not found or not owned"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// A closed attempt gets the finalize result semantics immediately, so a
	// reconnecting client learns it is done instead of hanging.
	if attempt.Status.Terminal() {
		ws.WriteErrorCode(conn, ws.CodeAlreadySubmitted, "attempt already submitted")
		return
	}

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, attempt, &msg)
		case ws.ActionHeartbeat:
			h.handleHeartbeat(conn, attempt, &msg)
		case ws.ActionViolation:
			h.handleViolation(conn, attempt, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, attempt)
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			ws.WriteError(conn, "unknown action: "+string(msg.Action))
		}
	}
}

func (h *WSHandler) handleAutosave(conn *websocket.Conn, attempt *model.Attempt, msg *ws.RequestPayload) {
	ctx := context.Background()

	if msg.QID == "" || msg.Value == "" {
		ws.WriteError(conn, "q_id and value are required")
		return
	}

	// QID must be a well-formed UUID to keep Redis keys clean.
	questionID, err := uuid.Parse(msg.QID)
	if err != nil {
		ws.WriteError(conn, "invalid q_id format")
		return
	}

	if err := h.attemptService.SaveAnswer(ctx, attempt.ExamID, attempt.ID, questionID, msg.Value); err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownQuestion):
			ws.WriteError(conn, "unknown question")
		case errors.Is(err, service.ErrAttemptNotActive):
			// Closed out-of-band (teacher force-submit) while this
			// connection was still open.
			ws.WriteErrorCode(conn, ws.CodeAlreadySubmitted, "attempt already submitted")
		default:
			h.log.Error().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Autosave error")
			ws.WriteError(conn, "save failed")
		}
		return
	}

	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "saved"})
}

func (h *WSHandler) handleHeartbeat(conn *websocket.Conn, attempt *model.Attempt, msg *ws.RequestPayload) {
	if err := h.attemptService.Heartbeat(context.Background(), attempt.ID, msg.Answered); err != nil {
		ws.WriteError(conn, "heartbeat failed")
		return
	}
	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "alive"})
}

func (h *WSHandler) handleViolation(conn *websocket.Conn, attempt *model.Attempt, msg *ws.RequestPayload) {
	vtype := model.ViolationType(msg.Type)
	if !vtype.Valid() || vtype == model.ViolationForceSubmit {
		// FORCE_SUBMIT is synthesized server-side only.
		ws.WriteError(conn, "invalid violation type")
		return
	}

	if err := h.attemptService.ReportViolation(context.Background(), attempt.ExamID, attempt.ID, vtype, msg.Detail); err != nil {
		ws.WriteError(conn, "report failed")
		return
	}
	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "recorded"})
}

func (h *WSHandler) handleSubmit(conn *websocket.Conn, wsLog zerolog.Logger, attempt *model.Attempt) {
	score, err := h.attemptService.FinishAttempt(context.Background(), attempt)
	if err != nil {
		if errors.Is(err, service.ErrAlreadySubmitted) {
			ws.WriteErrorCode(conn, ws.CodeAlreadySubmitted, "attempt already submitted")
			return
		}
		wsLog.Error().Err(err).Msg("Finalize error")
		ws.WriteError(conn, "submit failed")
		return
	}

	wsLog.Info().Float64("score", score).Msg("Attempt submitted and graded")
	ws.WriteTyped(conn, ws.GradedResponse{Event: ws.EventGraded, Status: "completed", Score: score})
}
