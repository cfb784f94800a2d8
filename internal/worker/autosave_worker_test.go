package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigap-cbt/sigap-backend/internal/config"
)

func TestAutosaveRequeueBoundsRetries(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	w := NewAutosaveWorker(nil, client, zerolog.Nop())
	w.retryBackoff = 0
	cause := errors.New("insert failed")
	ctx := context.Background()

	payload := &answerPayload{
		AttemptID:  "a2b26e10-6a32-4b45-9886-524a98f9f1f3",
		QuestionID: "6f0e1f3e-9a8d-4a6b-9f2e-3f4f2b8e1c55",
		Value:      "A",
	}

	// Each failure bumps the retry count and puts the item back on the
	// work queue.
	for want := 1; want <= maxPersistRetries; want++ {
		w.requeue(ctx, payload, cause)

		queued, err := server.List(config.WorkerKey.PersistAnswersQueue)
		require.NoError(t, err)
		require.Len(t, queued, want)

		var got answerPayload
		require.NoError(t, json.Unmarshal([]byte(queued[want-1]), &got))
		assert.Equal(t, want, got.Retries)
	}

	// The next failure parks it on the dead letter queue instead.
	w.requeue(ctx, payload, cause)

	dead, err := server.List(config.WorkerKey.DeadLetterQueue)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	var parked answerPayload
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &parked))
	assert.Equal(t, payload.AttemptID, parked.AttemptID)
	assert.Equal(t, maxPersistRetries, parked.Retries)

	// And never returns to the work queue.
	queued, err := server.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	assert.Len(t, queued, maxPersistRetries)
}
