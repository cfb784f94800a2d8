package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/config"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	"github.com/sigap-cbt/sigap-backend/internal/repository"
)

// ExamService handles exam reads and the Redis hot-path caches (answer key,
// duration, student-facing paper). Caches are write-through with a PostgreSQL
// fallback plus self-heal, so an evicted key never breaks a running exam.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID returns the exam row.
func (s *ExamService) GetByID(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, examID)
}

// ListPublished returns exams students may join.
func (s *ExamService) ListPublished(ctx context.Context) ([]model.Exam, error) {
	return s.examRepo.ListPublished(ctx)
}

// CacheExam loads an exam's answer key, duration, and student paper into Redis.
func (s *ExamService) CacheExam(ctx context.Context, exam *model.Exam) error {
	questions, err := s.examRepo.GetQuestions(ctx, exam.ID)
	if err != nil {
		return fmt.Errorf("get questions: %w", err)
	}

	examID := exam.ID.String()
	durationSeconds := exam.DurationMinutes * 60

	key := make(map[string]string, len(questions))
	forStudents := make([]model.QuestionForStudent, 0, len(questions))
	for _, q := range questions {
		key[q.ID.String()] = q.CorrectOption
		forStudents = append(forStudents, model.QuestionForStudent{
			ID:           q.ID,
			QuestionText: q.QuestionText,
			Options:      q.Options,
			OrderNum:     q.OrderNum,
		})
	}

	paper, err := json.Marshal(model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		DurationSeconds: durationSeconds,
		Questions:       forStudents,
	})
	if err != nil {
		return fmt.Errorf("marshal paper: %w", err)
	}

	pipe := s.rdb.Pipeline()
	if len(key) > 0 {
		pipe.Del(ctx, config.CacheKey.ExamAnswerKey(examID))
		pipe.HSet(ctx, config.CacheKey.ExamAnswerKey(examID), key)
	}
	pipe.Set(ctx, config.CacheKey.ExamDurationKey(examID), durationSeconds, 0)
	pipe.Set(ctx, config.CacheKey.ExamPaperKey(examID), paper, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache exam: %w", err)
	}
	return nil
}

// PrewarmAllCaches loads every published exam into Redis. Run before accepting
// traffic so lazy loading never races a thundering herd of joining students.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published: %w", err)
	}

	for i := range exams {
		if err := s.CacheExam(ctx, &exams[i]); err != nil {
			s.log.Warn().Err(err).Str("exam_id", exams[i].ID.String()).Msg("Prewarm failed for exam")
			continue
		}
	}

	s.log.Info().Int("count", len(exams)).Msg("Exam caches prewarmed")
	return nil
}

// GetAnswerKey returns question_id → correct option from Redis, falling back
// to PostgreSQL (and self-healing the cache) on a miss.
func (s *ExamService) GetAnswerKey(ctx context.Context, examID uuid.UUID) (map[string]string, error) {
	cached, err := s.rdb.HGetAll(ctx, config.CacheKey.ExamAnswerKey(examID.String())).Result()
	if err == nil && len(cached) > 0 {
		return cached, nil
	}

	key, dbErr := s.examRepo.GetAnswerKey(ctx, examID)
	if dbErr != nil {
		return nil, fmt.Errorf("answer key fallback: %w", dbErr)
	}

	if len(key) > 0 {
		_ = s.rdb.HSet(ctx, config.CacheKey.ExamAnswerKey(examID.String()), key).Err()
	}
	return key, nil
}

// GetPaper returns the cached student-facing exam paper.
func (s *ExamService) GetPaper(ctx context.Context, examID uuid.UUID) (json.RawMessage, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamPaperKey(examID.String())).Bytes()
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get paper: %w", err)
	}

	// Cache miss, rebuild from PostgreSQL.
	exam, dbErr := s.examRepo.GetByID(ctx, examID)
	if dbErr != nil {
		return nil, fmt.Errorf("paper fallback: %w", dbErr)
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, errors.New("exam is not published")
	}
	if err := s.CacheExam(ctx, exam); err != nil {
		return nil, err
	}
	return s.rdb.Get(ctx, config.CacheKey.ExamPaperKey(examID.String())).Bytes()
}

// GetDurationSeconds returns the exam duration from Redis with a DB fallback.
func (s *ExamService) GetDurationSeconds(ctx context.Context, examID uuid.UUID) (int, error) {
	val, err := s.rdb.Get(ctx, config.CacheKey.ExamDurationKey(examID.String())).Result()
	if err == nil {
		seconds, convErr := strconv.Atoi(val)
		if convErr != nil {
			return 0, fmt.Errorf("invalid duration format in cache: %w", convErr)
		}
		return seconds, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("get duration: %w", err)
	}

	exam, dbErr := s.examRepo.GetByID(ctx, examID)
	if dbErr != nil {
		return 0, fmt.Errorf("duration fallback: %w", dbErr)
	}
	seconds := exam.DurationMinutes * 60
	_ = s.rdb.Set(ctx, config.CacheKey.ExamDurationKey(examID.String()), seconds, 0).Err()
	return seconds, nil
}
