package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRepository handles persisted answer data access. Answers are upserted
// by the autosave pipeline and only ever counted by the monitoring side.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert creates or overwrites the answer for (attempt, question).
func (r *AnswerRepository) Upsert(ctx context.Context, attemptID, questionID uuid.UUID, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO answers (attempt_id, question_id, value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET value = EXCLUDED.value, updated_at = NOW()`,
		attemptID, questionID, value)
	return err
}

// CountByAttempt returns the number of stored answers for an attempt.
func (r *AnswerRepository) CountByAttempt(ctx context.Context, attemptID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM answers WHERE attempt_id = $1`, attemptID).Scan(&n)
	return n, err
}

// CountCorrect returns how many stored answers match the question's correct option.
func (r *AnswerRepository) CountCorrect(ctx context.Context, attemptID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM answers a
		 JOIN questions q ON q.id = a.question_id
		 WHERE a.attempt_id = $1 AND a.value = q.correct_option`,
		attemptID).Scan(&n)
	return n, err
}

// MapByAttempt returns question_id → value for all stored answers of an attempt.
// Used as the grading fallback when the Redis buffer is gone.
func (r *AnswerRepository) MapByAttempt(ctx context.Context, attemptID uuid.UUID) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, value FROM answers WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make(map[string]string)
	for rows.Next() {
		var qid uuid.UUID
		var value string
		if err := rows.Scan(&qid, &value); err != nil {
			return nil, err
		}
		answers[qid.String()] = value
	}
	return answers, rows.Err()
}
