package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sigap-cbt/sigap-backend/internal/model"
)

// ErrAlreadySubmitted is returned by Store.FinishAttempt when the attempt was
// already closed, by an earlier finalize or by a teacher force-submit. It is
// an expected condition: the controller treats it as a completed submission.
var ErrAlreadySubmitted = errors.New("attempt already submitted")

// Store is the session store a controller persists through. Implementations
// are bound to a single attempt. All methods may block on the network; the
// controller never calls them on its event loop.
type Store interface {
	// SubmitAnswer persists one answer. Last write wins.
	SubmitAnswer(ctx context.Context, questionID uuid.UUID, value string) error
	// Heartbeat refreshes the attempt's last-activity timestamp. Best effort.
	Heartbeat(ctx context.Context, answeredCount int) error
	// ReportViolation appends one violation log entry.
	ReportViolation(ctx context.Context, vtype model.ViolationType, detail string) error
	// FinishAttempt finalizes the attempt and returns the score. The server
	// guards idempotence; a repeat call returns ErrAlreadySubmitted.
	FinishAttempt(ctx context.Context) (float64, error)
}

// Notifier receives user-facing callbacks from a controller. Implementations
// drive whatever surface the student sees (UI, simulation log). Callbacks run
// on the controller's event loop and must not block.
type Notifier interface {
	// ViolationWarning fires on every counted violation with the running count.
	ViolationWarning(count, limit int)
	// ConfirmSubmit asks the student to acknowledge that unanswered questions
	// count as wrong. The answer comes back through Controller.ConfirmSubmit.
	ConfirmSubmit(unanswered int)
	// SubmitFailed reports that finalize retries were exhausted. The session
	// stays in a visible failure state instead of pretending it submitted.
	SubmitFailed(err error)
	// Finalized reports that the attempt is closed, with its score.
	Finalized(score float64)
}

// NopNotifier discards all callbacks.
type NopNotifier struct{}

func (NopNotifier) ViolationWarning(int, int) {}
func (NopNotifier) ConfirmSubmit(int)         {}
func (NopNotifier) SubmitFailed(error)        {}
func (NopNotifier) Finalized(float64)         {}
