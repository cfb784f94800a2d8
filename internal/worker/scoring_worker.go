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

const (
	ScoreBatchSize    = 50
	ScoreBatchTimeout = 2 * time.Second
	ScorePollTimeout  = 1 * time.Second
)

// ScoringWorker promotes SUBMITTED attempts to COMPLETED with their graded
// score. The student-path finalize already closed the attempt and computed
// the score; this worker only makes the result durable, in batches.
type ScoringWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewScoringWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ScoringWorker {
	return &ScoringWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "scoring_worker").Logger(),
	}
}

type scorePayload struct {
	AttemptID string  `json:"attempt_id"`
	Score     float64 `json:"score"`
}

func (w *ScoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoringWorker started")

	batch := make([]*scorePayload, 0, ScoreBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || time.Since(lastFlush) >= ScoreBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, ScorePollTimeout, config.WorkerKey.PersistScoresQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p scorePayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

func (w *ScoringWorker) flushSafe(ctx context.Context, batch []*scorePayload) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkUpdateScores(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("Bulk score update failed, using fallback")

		for _, p := range batch {
			if err := w.persistSingle(ctx, p); err != nil {
				w.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Single update failed, requeueing")
				raw, _ := json.Marshal(p)
				w.rdb.RPush(ctx, config.WorkerKey.PersistScoresQueue, raw)
			}
		}
		return
	}

	// The graded answers are durable; the hot buffers can go.
	w.bulkClearAnswerBuffers(ctx, batch)
}

// bulkUpdateScores promotes a whole batch in one UPDATE via UNNEST. The
// SUBMITTED guard keeps a replayed queue item from overwriting an attempt a
// teacher force-completed in the meantime.
func (w *ScoringWorker) bulkUpdateScores(ctx context.Context, batch []*scorePayload) error {
	n := len(batch)

	attemptIDs := make([]uuid.UUID, 0, n)
	scores := make([]float64, 0, n)

	for _, p := range batch {
		aID, err := uuid.Parse(p.AttemptID)
		if err != nil {
			return err
		}
		attemptIDs = append(attemptIDs, aID)
		scores = append(scores, p.Score)
	}

	query := `
		UPDATE attempts AS a
		SET status = 'COMPLETED',
		    score = t.score,
		    original_score = t.score
		FROM (
			SELECT u.attempt_id, u.score
			FROM UNNEST($1::uuid[], $2::float8[]) AS u (attempt_id, score)
		) AS t
		WHERE a.id = t.attempt_id
		  AND a.status = 'SUBMITTED'
	`

	_, err := w.pool.Exec(ctx, query, attemptIDs, scores)
	return err
}

func (w *ScoringWorker) bulkClearAnswerBuffers(ctx context.Context, batch []*scorePayload) {
	pipe := w.rdb.Pipeline()

	for _, p := range batch {
		pipe.Del(ctx, config.CacheKey.AttemptAnswersKey(p.AttemptID))
		pipe.Del(ctx, config.CacheKey.AttemptStartKey(p.AttemptID))
	}

	_, _ = pipe.Exec(ctx)
}

func (w *ScoringWorker) persistSingle(ctx context.Context, p *scorePayload) error {
	aID, err := uuid.Parse(p.AttemptID)
	if err != nil {
		return err
	}

	_, err = w.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = 'COMPLETED',
		     score = $1,
		     original_score = $1
		 WHERE id = $2 AND status = 'SUBMITTED'`,
		p.Score, aID,
	)
	return err
}
