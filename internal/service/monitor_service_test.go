package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sigap-cbt/sigap-backend/internal/model"
)

func TestDeriveConnectionStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		status         model.AttemptStatus
		lastActivityAt time.Time
		want           ConnectionStatus
	}{
		{
			name:           "just active is online",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now,
			want:           StatusOnline,
		},
		{
			name:           "under a minute is online",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now.Add(-59 * time.Second),
			want:           StatusOnline,
		},
		{
			name:           "exactly one minute is idle",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now.Add(-OnlineWithin),
			want:           StatusIdle,
		},
		{
			name:           "ninety seconds is idle",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now.Add(-90 * time.Second),
			want:           StatusIdle,
		},
		{
			name:           "exactly three minutes is offline",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now.Add(-IdleWithin),
			want:           StatusOffline,
		},
		{
			name:           "long silence is offline",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now.Add(-time.Hour),
			want:           StatusOffline,
		},
		{
			name:           "submitted attempt is offline despite fresh activity",
			status:         model.AttemptStatusSubmitted,
			lastActivityAt: now,
			want:           StatusOffline,
		},
		{
			name:           "completed attempt is offline despite fresh activity",
			status:         model.AttemptStatusCompleted,
			lastActivityAt: now,
			want:           StatusOffline,
		},
		{
			name:           "future activity from clock skew is online",
			status:         model.AttemptStatusInProgress,
			lastActivityAt: now.Add(5 * time.Second),
			want:           StatusOnline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveConnectionStatus(tt.status, tt.lastActivityAt, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeScore(t *testing.T) {
	assert.Equal(t, 60.0, ComputeScore(6, 10))
	assert.Equal(t, 100.0, ComputeScore(10, 10))
	assert.Equal(t, 0.0, ComputeScore(0, 10))
	assert.InDelta(t, 33.333, ComputeScore(1, 3), 0.001)

	// An exam with no questions grades to zero, never a division fault.
	assert.Equal(t, 0.0, ComputeScore(0, 0))
	assert.Equal(t, 0.0, ComputeScore(5, 0))
	assert.Equal(t, 0.0, ComputeScore(5, -1))
}

func TestGradeAnswers(t *testing.T) {
	answerKey := map[string]string{
		"q1": "A",
		"q2": "B",
		"q3": "C",
		"q4": "D",
	}

	t.Run("all correct", func(t *testing.T) {
		score := GradeAnswers(answerKey, map[string]string{
			"q1": "A", "q2": "B", "q3": "C", "q4": "D",
		})
		assert.Equal(t, 100.0, score)
	})

	t.Run("partial with unanswered counting as wrong", func(t *testing.T) {
		score := GradeAnswers(answerKey, map[string]string{
			"q1": "A", "q2": "B", "q3": "A",
		})
		assert.Equal(t, 50.0, score)
	})

	t.Run("unknown question ids are ignored", func(t *testing.T) {
		score := GradeAnswers(answerKey, map[string]string{
			"q1": "A", "q9": "A",
		})
		assert.Equal(t, 25.0, score)
	})

	t.Run("empty answers", func(t *testing.T) {
		assert.Equal(t, 0.0, GradeAnswers(answerKey, map[string]string{}))
	})

	t.Run("empty key", func(t *testing.T) {
		assert.Equal(t, 0.0, GradeAnswers(map[string]string{}, map[string]string{"q1": "A"}))
	})
}
