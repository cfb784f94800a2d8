package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/config"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	"github.com/sigap-cbt/sigap-backend/internal/repository"
)

// Attempt lifecycle errors, surfaced as expected conditions rather than faults.
var (
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrAttemptNotActive = errors.New("attempt is not active")
	ErrUnknownQuestion  = errors.New("question does not belong to exam")
)

// closedMarkerTTL keeps the finalized-attempt marker around long enough to
// outlive any straggling client, without accumulating keys forever.
const closedMarkerTTL = 24 * time.Hour

// AttemptService is the server side of the exam session store. It keeps the
// hot answer buffer in Redis, queues durable writes for the workers, and owns
// the guarded student-path finalize.
type AttemptService struct {
	attemptRepo *repository.AttemptRepository
	answerRepo  *repository.AnswerRepository
	examService *ExamService
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attemptRepo *repository.AttemptRepository,
	answerRepo *repository.AnswerRepository,
	examService *ExamService,
	rdb *redis.Client,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attemptRepo: attemptRepo,
		answerRepo:  answerRepo,
		examService: examService,
		rdb:         rdb,
		log:         log.With().Str("component", "attempt_service").Logger(),
	}
}

// JoinExam validates the entry token and creates an attempt for the student.
// Joining twice returns the existing attempt (refresh, second device).
func (s *AttemptService) JoinExam(ctx context.Context, examID uuid.UUID, studentID int, entryToken string) (*model.Attempt, error) {
	exam, err := s.examService.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	if exam.Status != model.ExamStatusPublished {
		return nil, errors.New("exam is not available for joining")
	}
	if exam.EntryToken != entryToken {
		return nil, errors.New("invalid entry token")
	}

	existing, err := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	attempt := &model.Attempt{
		ExamID:          examID,
		StudentID:       studentID,
		DurationSeconds: exam.DurationMinutes * 60,
		Status:          model.AttemptStatusInProgress,
	}
	if err := s.attemptRepo.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent join hit the unique constraint; fetch the winner.
			existing, fetchErr := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent join detected, but fetch failed: %w", fetchErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.publishMonitor(ctx, examID, map[string]interface{}{
		"type":       "join",
		"attempt_id": attempt.ID.String(),
		"student_id": studentID,
	})

	return attempt, nil
}

// GetOwnedAttempt fetches an attempt and verifies the student owns it.
func (s *AttemptService) GetOwnedAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.Attempt, error) {
	attempt, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.StudentID != studentID {
		return nil, errors.New("attempt does not belong to student")
	}
	return attempt, nil
}

// GetState returns the resume payload: the buffered answers and remaining
// seconds, so a reloaded client can rebuild its session controller.
func (s *AttemptService) GetState(ctx context.Context, attempt *model.Attempt) (*model.AttemptState, error) {
	answers, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attempt.ID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get buffered answers: %w", err)
	}

	deadline := attempt.StartedAt.Add(time.Duration(attempt.DurationSeconds) * time.Second)
	remaining := time.Until(deadline)
	if remaining < 0 || attempt.Status.Terminal() {
		remaining = 0
	}

	return &model.AttemptState{
		AttemptID:        attempt.ID,
		ExamID:           attempt.ExamID,
		Status:           attempt.Status,
		AutosavedAnswers: answers,
		RemainingSeconds: remaining.Seconds(),
	}, nil
}

// SaveAnswer writes one answer into the Redis buffer and queues it for durable
// persistence. Last write wins; the buffer is authoritative until the attempt
// is finalized. The question must belong to the exam: an unvalidated ID would
// both inflate the answered count past the question total and poison the
// persist queue with rows the answers FK rejects.
func (s *AttemptService) SaveAnswer(ctx context.Context, examID, attemptID uuid.UUID, questionID uuid.UUID, value string) error {
	closed, err := s.rdb.Exists(ctx, config.CacheKey.AttemptClosedKey(attemptID.String())).Result()
	if err == nil && closed > 0 {
		return ErrAttemptNotActive
	}

	answerKey, err := s.examService.GetAnswerKey(ctx, examID)
	if err != nil {
		return fmt.Errorf("get answer key: %w", err)
	}
	if _, ok := answerKey[questionID.String()]; !ok {
		return ErrUnknownQuestion
	}

	answersKey := config.CacheKey.AttemptAnswersKey(attemptID.String())
	if err := s.rdb.HSet(ctx, answersKey, questionID.String(), value).Err(); err != nil {
		return fmt.Errorf("buffer answer: %w", err)
	}

	answered, err := s.rdb.HLen(ctx, answersKey).Result()
	if err != nil {
		answered = 0 // count is best-effort, the worker recomputes it
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"attempt_id":  attemptID.String(),
		"question_id": questionID.String(),
		"value":       value,
		"answered":    answered,
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue answer: %w", err)
	}

	s.publishMonitor(ctx, examID, map[string]interface{}{
		"type":       "answer",
		"attempt_id": attemptID.String(),
		"answered":   answered,
	})
	return nil
}

// Heartbeat refreshes the attempt's last activity timestamp. A failure here is
// non-fatal for the exam; callers log and move on.
func (s *AttemptService) Heartbeat(ctx context.Context, attemptID uuid.UUID, answeredCount int) error {
	return s.attemptRepo.Touch(ctx, attemptID, answeredCount)
}

// ReportViolation queues one violation log entry and notifies the monitor
// channel. Entries are append-only; the batched worker persists them.
func (s *AttemptService) ReportViolation(ctx context.Context, examID, attemptID uuid.UUID, vtype model.ViolationType, detail string) error {
	if !vtype.Valid() {
		return fmt.Errorf("unknown violation type %q", vtype)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"attempt_id": attemptID.String(),
		"type":       string(vtype),
		"detail":     detail,
		"timestamp":  time.Now().Unix(),
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue violation: %w", err)
	}

	s.publishMonitor(ctx, examID, map[string]interface{}{
		"type":       "violation",
		"attempt_id": attemptID.String(),
		"violation":  string(vtype),
	})
	return nil
}

// FinishAttempt closes the attempt on the student path: grade the buffered
// answers in RAM, flip IN_PROGRESS → SUBMITTED with a guarded check-and-set,
// queue the score for the scoring worker, and notify the monitor channel.
// A second call — or a call racing a teacher force-submit — gets
// ErrAlreadySubmitted, never a double score.
func (s *AttemptService) FinishAttempt(ctx context.Context, attempt *model.Attempt) (float64, error) {
	answerKey, err := s.examService.GetAnswerKey(ctx, attempt.ExamID)
	if err != nil {
		return 0, fmt.Errorf("get answer key: %w", err)
	}

	answers, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attempt.ID.String())).Result()
	if err != nil || len(answers) == 0 {
		// Buffer gone (eviction, Redis restart) — fall back to persisted rows.
		answers, err = s.answerRepo.MapByAttempt(ctx, attempt.ID)
		if err != nil {
			return 0, fmt.Errorf("load answers: %w", err)
		}
	}

	score := GradeAnswers(answerKey, answers)

	closed, err := s.attemptRepo.MarkSubmitted(ctx, attempt.ID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("mark submitted: %w", err)
	}
	if !closed {
		return 0, ErrAlreadySubmitted
	}

	// Stragglers on an old connection hit this marker before any write.
	_ = s.rdb.Set(ctx, config.CacheKey.AttemptClosedKey(attempt.ID.String()), 1, closedMarkerTTL).Err()

	payload, _ := json.Marshal(map[string]interface{}{
		"attempt_id": attempt.ID.String(),
		"score":      score,
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistScoresQueue, payload).Err(); err != nil {
		// The attempt is closed; losing the queue write must not resurrect it.
		s.log.Error().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to queue score")
	}

	s.publishMonitor(ctx, attempt.ExamID, map[string]interface{}{
		"type":       "submit",
		"attempt_id": attempt.ID.String(),
		"score":      score,
	})

	return score, nil
}

// ListByStudent returns the student's attempts, newest first.
func (s *AttemptService) ListByStudent(ctx context.Context, studentID int) ([]model.Attempt, error) {
	return s.attemptRepo.ListByStudent(ctx, studentID)
}

func (s *AttemptService) publishMonitor(ctx context.Context, examID uuid.UUID, event map[string]interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), payload).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Monitor publish failed")
	}
}
