package model

import (
	"time"

	"github.com/google/uuid"
)

// Answer is one upserted answer per (attempt, question). Last write wins —
// there is no conflict resolution beyond overwrite-by-latest.
type Answer struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Value      string    `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}
