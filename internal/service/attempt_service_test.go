package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigap-cbt/sigap-backend/internal/config"
	"github.com/sigap-cbt/sigap-backend/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

// newTestAttemptService wires an AttemptService against miniredis only. The
// exam answer key cache must be seeded (seedAnswerKey) so membership checks
// never fall through to the nil repository.
func newTestAttemptService(t *testing.T) (*miniredis.Miniredis, *AttemptService) {
	t.Helper()
	server, client := newTestRedis(t)
	examSvc := NewExamService(nil, client, zerolog.Nop())
	return server, NewAttemptService(nil, nil, examSvc, client, zerolog.Nop())
}

func seedAnswerKey(server *miniredis.Miniredis, examID uuid.UUID, questionIDs ...uuid.UUID) {
	for _, qid := range questionIDs {
		server.HSet(config.CacheKey.ExamAnswerKey(examID.String()), qid.String(), "1")
	}
}

func TestSaveAnswerBuffersAndQueues(t *testing.T) {
	server, svc := newTestAttemptService(t)

	ctx := context.Background()
	examID := uuid.New()
	attemptID := uuid.New()
	q1 := uuid.New()
	q2 := uuid.New()
	seedAnswerKey(server, examID, q1, q2)

	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, q1, "A"))
	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, q2, "C"))

	answersKey := config.CacheKey.AttemptAnswersKey(attemptID.String())
	assert.Equal(t, "A", server.HGet(answersKey, q1.String()))
	assert.Equal(t, "C", server.HGet(answersKey, q2.String()))

	queued, err := server.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	var payload struct {
		AttemptID  string `json:"attempt_id"`
		QuestionID string `json:"question_id"`
		Value      string `json:"value"`
		Answered   int64  `json:"answered"`
	}
	require.NoError(t, json.Unmarshal([]byte(queued[1]), &payload))
	assert.Equal(t, attemptID.String(), payload.AttemptID)
	assert.Equal(t, q2.String(), payload.QuestionID)
	assert.Equal(t, "C", payload.Value)
	assert.Equal(t, int64(2), payload.Answered)
}

func TestSaveAnswerLastWriteWins(t *testing.T) {
	server, svc := newTestAttemptService(t)

	ctx := context.Background()
	examID := uuid.New()
	attemptID := uuid.New()
	qID := uuid.New()
	seedAnswerKey(server, examID, qID)

	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, qID, "A"))
	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, qID, "B"))
	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, qID, "D"))

	answersKey := config.CacheKey.AttemptAnswersKey(attemptID.String())
	assert.Equal(t, "D", server.HGet(answersKey, qID.String()))

	// Reselecting the same question must not inflate the answered count.
	var payload struct {
		Answered int64 `json:"answered"`
	}
	queued, err := server.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(queued[len(queued)-1]), &payload))
	assert.Equal(t, int64(1), payload.Answered)
}

func TestSaveAnswerRejectsForeignQuestion(t *testing.T) {
	server, svc := newTestAttemptService(t)

	ctx := context.Background()
	examID := uuid.New()
	attemptID := uuid.New()
	known := uuid.New()
	seedAnswerKey(server, examID, known)

	err := svc.SaveAnswer(ctx, examID, attemptID, uuid.New(), "A")
	require.ErrorIs(t, err, ErrUnknownQuestion)

	// Nothing buffered, nothing queued: the persist pipeline never sees an
	// ID the answers table would reject.
	assert.False(t, server.Exists(config.CacheKey.AttemptAnswersKey(attemptID.String())))
	_, listErr := server.List(config.WorkerKey.PersistAnswersQueue)
	assert.Error(t, listErr)

	// A known question still goes through.
	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, known, "B"))
}

func TestSaveAnswerRejectsClosedAttempt(t *testing.T) {
	server, svc := newTestAttemptService(t)

	ctx := context.Background()
	examID := uuid.New()
	attemptID := uuid.New()
	qID := uuid.New()
	seedAnswerKey(server, examID, qID)

	require.NoError(t, svc.SaveAnswer(ctx, examID, attemptID, qID, "A"))

	// Force-submit marks the attempt closed and drops its buffer; a still
	// connected client keeps autosaving against the same attempt.
	server.Set(config.CacheKey.AttemptClosedKey(attemptID.String()), "1")
	server.Del(config.CacheKey.AttemptAnswersKey(attemptID.String()))

	err := svc.SaveAnswer(ctx, examID, attemptID, qID, "B")
	require.ErrorIs(t, err, ErrAttemptNotActive)
	assert.False(t, server.Exists(config.CacheKey.AttemptAnswersKey(attemptID.String())))
}

func TestReportViolationQueuesPayload(t *testing.T) {
	server, client := newTestRedis(t)
	svc := NewAttemptService(nil, nil, nil, client, zerolog.Nop())

	ctx := context.Background()
	examID := uuid.New()
	attemptID := uuid.New()

	before := time.Now().Unix()
	require.NoError(t, svc.ReportViolation(ctx, examID, attemptID, model.ViolationTabSwitch, "visibilitychange"))

	queued, err := server.List(config.WorkerKey.PersistViolationsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var payload struct {
		AttemptID string `json:"attempt_id"`
		Type      string `json:"type"`
		Detail    string `json:"detail"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &payload))
	assert.Equal(t, attemptID.String(), payload.AttemptID)
	assert.Equal(t, string(model.ViolationTabSwitch), payload.Type)
	assert.Equal(t, "visibilitychange", payload.Detail)
	assert.GreaterOrEqual(t, payload.Timestamp, before)
}

func TestReportViolationRejectsUnknownType(t *testing.T) {
	server, client := newTestRedis(t)
	svc := NewAttemptService(nil, nil, nil, client, zerolog.Nop())

	err := svc.ReportViolation(context.Background(), uuid.New(), uuid.New(), model.ViolationType("SNEEZED"), "")
	assert.Error(t, err)

	_, listErr := server.List(config.WorkerKey.PersistViolationsQueue)
	assert.Error(t, listErr, "nothing should be queued")
}

func TestGetStateReturnsBufferAndRemaining(t *testing.T) {
	server, client := newTestRedis(t)
	svc := NewAttemptService(nil, nil, nil, client, zerolog.Nop())

	attempt := &model.Attempt{
		ID:              uuid.New(),
		ExamID:          uuid.New(),
		StartedAt:       time.Now().Add(-30 * time.Second),
		DurationSeconds: 90,
		Status:          model.AttemptStatusInProgress,
	}
	q1 := uuid.New().String()
	server.HSet(config.CacheKey.AttemptAnswersKey(attempt.ID.String()), q1, "B")

	state, err := svc.GetState(context.Background(), attempt)
	require.NoError(t, err)

	assert.Equal(t, attempt.ID, state.AttemptID)
	assert.Equal(t, map[string]string{q1: "B"}, state.AutosavedAnswers)
	assert.InDelta(t, 60.0, state.RemainingSeconds, 2.0)
}

func TestGetStateClampsExpiredAndTerminal(t *testing.T) {
	_, client := newTestRedis(t)
	svc := NewAttemptService(nil, nil, nil, client, zerolog.Nop())

	t.Run("deadline passed", func(t *testing.T) {
		attempt := &model.Attempt{
			ID:              uuid.New(),
			StartedAt:       time.Now().Add(-10 * time.Minute),
			DurationSeconds: 60,
			Status:          model.AttemptStatusInProgress,
		}
		state, err := svc.GetState(context.Background(), attempt)
		require.NoError(t, err)
		assert.Equal(t, 0.0, state.RemainingSeconds)
	})

	t.Run("terminal attempt", func(t *testing.T) {
		attempt := &model.Attempt{
			ID:              uuid.New(),
			StartedAt:       time.Now(),
			DurationSeconds: 3600,
			Status:          model.AttemptStatusSubmitted,
		}
		state, err := svc.GetState(context.Background(), attempt)
		require.NoError(t, err)
		assert.Equal(t, 0.0, state.RemainingSeconds)
	})
}
