package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType enumerates integrity-suspect events recorded during an attempt.
type ViolationType string

const (
	ViolationTabSwitch      ViolationType = "TAB_SWITCH"
	ViolationFullscreenExit ViolationType = "FULLSCREEN_EXIT"
	ViolationCopy           ViolationType = "COPY"
	ViolationPaste          ViolationType = "PASTE"
	ViolationRightClick     ViolationType = "RIGHT_CLICK"
	// ViolationForceSubmit is written once, synthetically, when a teacher
	// force-closes an attempt. It is created pre-reviewed.
	ViolationForceSubmit ViolationType = "FORCE_SUBMIT"
)

// Valid reports whether t is one of the known violation types.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationCopy,
		ViolationPaste, ViolationRightClick, ViolationForceSubmit:
		return true
	}
	return false
}

// ReviewStatus is the teacher-facing review state of a violation.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "UNREVIEWED"
	ReviewReviewed   ReviewStatus = "REVIEWED"
)

// Violation is an append-only log entry. The session side never mutates one
// after creation; only review status may change later, by a teacher.
type Violation struct {
	ID         int64         `json:"id"`
	AttemptID  uuid.UUID     `json:"attempt_id"`
	Type       ViolationType `json:"type"`
	Detail     string        `json:"detail,omitempty"`
	Status     ReviewStatus  `json:"status"`
	RecordedAt time.Time     `json:"recorded_at"`
}
