package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/config"
)

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to
// PostgreSQL. It also refreshes the attempt's activity columns, so the
// monitoring view tracks autosave traffic without a dedicated write path.
type AutosaveWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger

	retryBackoff time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		pool:         pool,
		rdb:          rdb,
		log:          log.With().Str("component", "autosave_worker").Logger(),
		retryBackoff: 5 * time.Second,
	}
}

type answerPayload struct {
	AttemptID  string `json:"attempt_id"`
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	Answered   int64  `json:"answered"`
	// Retries counts requeues so a permanently failing item cannot cycle
	// through the queue forever.
	Retries int `json:"retries,omitempty"`
}

// maxPersistRetries bounds requeues before an item moves to the dead letter
// queue for manual inspection.
const maxPersistRetries = 3

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var payload answerPayload
	if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.persistAnswer(ctx, &payload); err != nil {
		w.requeue(ctx, &payload, err)
	}
}

// requeue pushes a failed payload back for another pass, or parks it on the
// dead letter queue once its retries are spent. Without the bound, one
// payload that can never persist would block the shared queue with a retry
// sleep on every cycle.
func (w *AutosaveWorker) requeue(ctx context.Context, p *answerPayload, cause error) {
	if p.Retries >= maxPersistRetries {
		raw, _ := json.Marshal(p)
		w.rdb.RPush(ctx, config.WorkerKey.DeadLetterQueue, raw)
		w.log.Error().Err(cause).
			Str("attempt_id", p.AttemptID).
			Str("question_id", p.QuestionID).
			Int("retries", p.Retries).
			Msg("Retries exhausted, moved to dead letter queue")
		return
	}

	p.Retries++
	raw, _ := json.Marshal(p)
	w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
	w.log.Error().Err(cause).
		Str("attempt_id", p.AttemptID).
		Int("retries", p.Retries).
		Msg("Persist error, requeued")
	time.Sleep(w.retryBackoff)
}

func (w *AutosaveWorker) persistAnswer(ctx context.Context, p *answerPayload) error {
	attemptID, err := uuid.Parse(p.AttemptID)
	if err != nil {
		return err
	}

	questionID, err := uuid.Parse(p.QuestionID)
	if err != nil {
		return err
	}

	// UPSERT the answer. Last write wins. The EXISTS guard makes a late
	// queue item for a closed attempt a no-op instead of a spurious row:
	// grading already happened from the Redis buffer.
	_, err = w.pool.Exec(ctx,
		`INSERT INTO answers (attempt_id, question_id, value)
		 SELECT $1, $2, $3
		 WHERE EXISTS (SELECT 1 FROM attempts WHERE id = $1 AND status = 'IN_PROGRESS')
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET value = EXCLUDED.value, updated_at = NOW()`,
		attemptID, questionID, p.Value,
	)
	if err != nil {
		return err
	}

	// Autosave doubles as liveness: an answering student is an active one.
	// GREATEST absorbs out-of-order queue items; the status guard keeps
	// late writes from touching a closed attempt.
	_, err = w.pool.Exec(ctx,
		`UPDATE attempts
		 SET last_activity_at = NOW(),
		     answered_count = GREATEST(answered_count, $2)
		 WHERE id = $1 AND status = 'IN_PROGRESS'`,
		attemptID, p.Answered,
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var payload answerPayload
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persistAnswer(ctx, &payload); err != nil {
			w.requeue(ctx, &payload, err)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
