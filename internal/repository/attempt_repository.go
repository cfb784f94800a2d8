package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sigap-cbt/sigap-backend/internal/model"
)

const attemptColumns = `id, exam_id, student_id, started_at, finished_at,
	duration_seconds, answered_count, last_activity_at, status, score, original_score`

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row interface{ Scan(...any) error }) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &a.FinishedAt,
		&a.DurationSeconds, &a.AnsweredCount, &a.LastActivityAt, &a.Status,
		&a.Score, &a.OriginalScore)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt by its id.
func (r *AttemptRepository) GetByID(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, attemptID))
}

// GetByExamAndStudent retrieves the attempt for a specific exam-student combination.
func (r *AttemptRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID))
}

// Create inserts a new attempt (student joins the exam). DurationSeconds is
// copied from the exam at this point and never changes for the attempt.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, duration_seconds, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at, last_activity_at`,
		a.ExamID, a.StudentID, a.DurationSeconds, model.AttemptStatusInProgress,
	).Scan(&a.ID, &a.StartedAt, &a.LastActivityAt)
}

// Touch refreshes last_activity_at and raises answered_count. The GREATEST
// keeps answered_count monotonic even if heartbeats arrive out of order.
func (r *AttemptRepository) Touch(ctx context.Context, attemptID uuid.UUID, answeredCount int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET last_activity_at = NOW(),
		     answered_count = GREATEST(answered_count, $2)
		 WHERE id = $1 AND status = $3`,
		attemptID, answeredCount, model.AttemptStatusInProgress)
	return err
}

// MarkSubmitted is the guarded check-and-set closing an attempt on the student
// path. It only succeeds while the attempt is still IN_PROGRESS, so a racing
// force-submit or duplicate finalize sees false and must treat the attempt as
// already submitted. finished_at is set in the same statement, keeping the
// end-time-iff-terminal invariant.
func (r *AttemptRepository) MarkSubmitted(ctx context.Context, attemptID uuid.UUID, finishedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $2, finished_at = $3
		 WHERE id = $1 AND status = $4`,
		attemptID, model.AttemptStatusSubmitted, finishedAt, model.AttemptStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Complete closes an attempt with its score in one guarded step. Used by
// force-submit, which grades synchronously. Returns false if the attempt was
// already terminal.
func (r *AttemptRepository) Complete(ctx context.Context, attemptID uuid.UUID, score float64, finishedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $2, score = $3, original_score = $3, finished_at = $4
		 WHERE id = $1 AND status = $5`,
		attemptID, model.AttemptStatusCompleted, score, finishedAt, model.AttemptStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByStudent retrieves all attempts for a given student.
func (r *AttemptRepository) ListByStudent(ctx context.Context, studentID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE student_id = $1
		 ORDER BY started_at DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
