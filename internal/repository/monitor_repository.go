package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sigap-cbt/sigap-backend/internal/model"
)

// ParticipantRow joins an attempt with its student and violation count for
// the teacher monitoring view. Connection status is derived later, at read
// time, by the monitor service.
type ParticipantRow struct {
	AttemptID      uuid.UUID           `json:"attempt_id"`
	StudentID      int                 `json:"student_id"`
	Name           string              `json:"name"`
	NISN           string              `json:"nisn"`
	ClassName      string              `json:"class_name"`
	Status         model.AttemptStatus `json:"status"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
	AnsweredCount  int                 `json:"answered_count"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	Score          *float64            `json:"score,omitempty"`
	ViolationCount int64               `json:"violation_count"`
}

// MonitorRepository provides data access for live exam monitoring.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListParticipants returns every attempt on the exam joined with student
// identity and violation count, one fresh read per call.
func (r *MonitorRepository) ListParticipants(ctx context.Context, examID uuid.UUID) ([]ParticipantRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.student_id, s.name, s.nisn, s.class_name,
		        a.status, a.started_at, a.finished_at,
		        a.answered_count, a.last_activity_at, a.score,
		        COALESCE(v.cnt, 0)
		 FROM attempts a
		 JOIN students s ON s.id = a.student_id
		 LEFT JOIN (
		     SELECT attempt_id, COUNT(*) AS cnt
		     FROM violations
		     GROUP BY attempt_id
		 ) v ON v.attempt_id = a.id
		 WHERE a.exam_id = $1
		 ORDER BY s.class_name ASC, s.name ASC`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []ParticipantRow
	for rows.Next() {
		var p ParticipantRow
		if err := rows.Scan(&p.AttemptID, &p.StudentID, &p.Name, &p.NISN, &p.ClassName,
			&p.Status, &p.StartedAt, &p.FinishedAt,
			&p.AnsweredCount, &p.LastActivityAt, &p.Score,
			&p.ViolationCount); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// ListMonitoredExams returns exam summaries with attempt counts. activeOnly
// restricts the list to exams that still have an IN_PROGRESS attempt.
func (r *MonitorRepository) ListMonitoredExams(ctx context.Context, activeOnly bool) ([]model.MonitoredExam, error) {
	query := `
		SELECT e.id, e.title, e.author_id, e.duration_minutes, e.question_count,
		       e.status, e.created_at, e.updated_at,
		       COUNT(a.id), COUNT(a.id) FILTER (WHERE a.status = 'IN_PROGRESS')
		FROM exams e
		LEFT JOIN attempts a ON a.exam_id = e.id
		WHERE e.status <> 'DRAFT'
		GROUP BY e.id`
	if activeOnly {
		query += `
		HAVING COUNT(a.id) FILTER (WHERE a.status = 'IN_PROGRESS') > 0`
	}
	query += `
		ORDER BY e.created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.MonitoredExam
	for rows.Next() {
		var e model.MonitoredExam
		if err := rows.Scan(&e.ID, &e.Title, &e.AuthorID, &e.DurationMinutes, &e.QuestionCount,
			&e.Status, &e.CreatedAt, &e.UpdatedAt,
			&e.AttemptCount, &e.InProgressCount); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}
