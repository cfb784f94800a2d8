package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/config"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	"github.com/sigap-cbt/sigap-backend/internal/repository"
)

// Connection status thresholds. Fixed policy, kept as named constants so the
// derivation stays testable.
const (
	OnlineWithin = 60 * time.Second
	IdleWithin   = 180 * time.Second
)

// ConnectionStatus is derived at read time and never persisted.
type ConnectionStatus string

const (
	StatusOnline  ConnectionStatus = "online"
	StatusIdle    ConnectionStatus = "idle"
	StatusOffline ConnectionStatus = "offline"
)

// DeriveConnectionStatus classifies a participant from their last activity.
// A terminal attempt is always offline — a finished student is never shown
// "online" no matter how recent their last heartbeat was.
func DeriveConnectionStatus(status model.AttemptStatus, lastActivityAt, now time.Time) ConnectionStatus {
	if status.Terminal() {
		return StatusOffline
	}
	delta := now.Sub(lastActivityAt)
	switch {
	case delta < OnlineWithin:
		return StatusOnline
	case delta < IdleWithin:
		return StatusIdle
	default:
		return StatusOffline
	}
}

// Participant is one row of the teacher monitoring view.
type Participant struct {
	repository.ParticipantRow
	ConnectionStatus ConnectionStatus `json:"connection_status"`
}

// ExamParticipants is the full monitoring payload for one exam.
type ExamParticipants struct {
	Exam         model.Exam    `json:"exam"`
	Participants []Participant `json:"participants"`
}

// MonitorService gives teachers a near-real-time derived view of concurrent
// attempts. It is stateless: every call is a fresh read-compute-return, safe
// under any number of concurrent polling teachers.
type MonitorService struct {
	monitorRepo   *repository.MonitorRepository
	attemptRepo   *repository.AttemptRepository
	answerRepo    *repository.AnswerRepository
	violationRepo *repository.ViolationRepository
	examRepo      *repository.ExamRepository
	rdb           *redis.Client
	log           zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(
	monitorRepo *repository.MonitorRepository,
	attemptRepo *repository.AttemptRepository,
	answerRepo *repository.AnswerRepository,
	violationRepo *repository.ViolationRepository,
	examRepo *repository.ExamRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		monitorRepo:   monitorRepo,
		attemptRepo:   attemptRepo,
		answerRepo:    answerRepo,
		violationRepo: violationRepo,
		examRepo:      examRepo,
		rdb:           rdb,
		log:           log.With().Str("component", "monitor_service").Logger(),
	}
}

// ListExams returns exam summaries for the monitoring index.
func (s *MonitorService) ListExams(ctx context.Context, activeOnly bool) ([]model.MonitoredExam, error) {
	return s.monitorRepo.ListMonitoredExams(ctx, activeOnly)
}

// GetExamParticipants returns every attempt on the exam with identity,
// progress, violation count, and derived connection status.
func (s *MonitorService) GetExamParticipants(ctx context.Context, examID uuid.UUID) (*ExamParticipants, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	rows, err := s.monitorRepo.ListParticipants(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	now := time.Now()
	participants := make([]Participant, 0, len(rows))
	for _, row := range rows {
		participants = append(participants, Participant{
			ParticipantRow:   row,
			ConnectionStatus: DeriveConnectionStatus(row.Status, row.LastActivityAt, now),
		})
	}

	return &ExamParticipants{Exam: *exam, Participants: participants}, nil
}

// ForceSubmit closes an attempt out-of-band from the student's own session.
// The score is fraction-correct × 100 over the exam's question count, same as
// the student path — no penalty. It also appends a synthetic, pre-reviewed
// FORCE_SUBMIT violation, distinguishing this path from a student finalize.
// Already-terminal attempts yield ErrAlreadySubmitted.
func (s *MonitorService) ForceSubmit(ctx context.Context, attemptID uuid.UUID) (float64, error) {
	attempt, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		return 0, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Status.Terminal() {
		return 0, ErrAlreadySubmitted
	}

	exam, err := s.examRepo.GetByID(ctx, attempt.ExamID)
	if err != nil {
		return 0, fmt.Errorf("get exam: %w", err)
	}

	correct, err := s.answerRepo.CountCorrect(ctx, attemptID)
	if err != nil {
		return 0, fmt.Errorf("count correct: %w", err)
	}
	score := ComputeScore(correct, exam.QuestionCount)

	closed, err := s.attemptRepo.Complete(ctx, attemptID, score, time.Now())
	if err != nil {
		return 0, fmt.Errorf("complete attempt: %w", err)
	}
	if !closed {
		// The student's own finalize won the race.
		return 0, ErrAlreadySubmitted
	}

	violation := &model.Violation{
		AttemptID:  attemptID,
		Type:       model.ViolationForceSubmit,
		Detail:     "closed by teacher from monitoring",
		Status:     model.ReviewReviewed,
		RecordedAt: time.Now(),
	}
	if err := s.violationRepo.Insert(ctx, violation); err != nil {
		// The attempt is already closed; log instead of failing the command.
		s.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to record force-submit violation")
	}

	// Drop the Redis answer buffer and mark the attempt closed; the student's
	// still-open session may keep autosaving, and those writes must bounce.
	_ = s.rdb.Set(ctx, config.CacheKey.AttemptClosedKey(attemptID.String()), 1, closedMarkerTTL).Err()
	_ = s.rdb.Del(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Err()

	event, _ := json.Marshal(map[string]interface{}{
		"type":       "force_submit",
		"attempt_id": attemptID.String(),
		"score":      score,
	})
	_ = s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(attempt.ExamID.String()), event).Err()

	return score, nil
}
