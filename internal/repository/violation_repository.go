package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sigap-cbt/sigap-backend/internal/model"
)

// ViolationRepository handles the append-only violation log.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// Insert appends a single violation. Most violations arrive through the
// batched worker; this direct path is used for the synthetic force-submit
// entry, which must land together with the attempt closing.
func (r *ViolationRepository) Insert(ctx context.Context, v *model.Violation) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO violations (attempt_id, type, detail, status, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		v.AttemptID, v.Type, v.Detail, v.Status, v.RecordedAt,
	).Scan(&v.ID)
}

// ListByAttempt retrieves all violations for an attempt, oldest first.
func (r *ViolationRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, type, detail, status, recorded_at
		 FROM violations
		 WHERE attempt_id = $1
		 ORDER BY recorded_at ASC`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []model.Violation
	for rows.Next() {
		var v model.Violation
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.Type, &v.Detail, &v.Status, &v.RecordedAt); err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}
