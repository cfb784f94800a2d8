package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	// AttemptStatusSubmitted means the attempt is closed and its score is
	// queued for persistence. The scoring worker promotes it to COMPLETED.
	AttemptStatusSubmitted AttemptStatus = "SUBMITTED"
	AttemptStatusCompleted AttemptStatus = "COMPLETED"
)

// Terminal reports whether the status is a closed state. A terminal attempt
// never accepts answers, heartbeats, or another finalize.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusCompleted
}

// Attempt represents one student's single timed run through one exam.
// FinishedAt is non-nil exactly when Status is terminal.
type Attempt struct {
	ID              uuid.UUID     `json:"id"`
	ExamID          uuid.UUID     `json:"exam_id"`
	StudentID       int           `json:"student_id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	AnsweredCount   int           `json:"answered_count"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	Status          AttemptStatus `json:"status"`
	Score           *float64      `json:"score,omitempty"`
	// OriginalScore preserves the auto-graded value even if Score is later
	// adjusted by a teacher. Never written again after finalize.
	OriginalScore *float64 `json:"original_score,omitempty"`
}

// AttemptState is the resume payload for a reloaded client: the autosaved
// answers plus the remaining seconds, so the session controller can be rebuilt.
type AttemptState struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	ExamID           uuid.UUID         `json:"exam_id"`
	Status           AttemptStatus     `json:"status"`
	AutosavedAnswers map[string]string `json:"autosaved_answers"`
	RemainingSeconds float64           `json:"remaining_seconds"`
}

// JoinExamRequest is the payload for a student joining an exam.
type JoinExamRequest struct {
	EntryToken string `json:"entry_token" binding:"required,min=4,max=20"`
}
