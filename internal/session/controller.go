package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/model"
)

// State is the controller's submission state.
type State string

const (
	StateRunning    State = "RUNNING"
	StateSubmitting State = "SUBMITTING"
	StateFinalized  State = "FINALIZED"
)

const (
	// TabSwitchLimit is the hard escalation ceiling: the fifth tab switch
	// force-finalizes the attempt. Not configurable per exam.
	TabSwitchLimit = 5

	// TickInterval drives the countdown.
	TickInterval = time.Second
	// HeartbeatInterval paces the liveness ping to the store.
	HeartbeatInterval = 30 * time.Second

	// FinalizeRetries bounds the finalize retry loop. Submission is the one
	// call that cannot be silently dropped; exhaustion surfaces SubmitFailed.
	FinalizeRetries = 5

	answerRetries = 2
)

// ─── Events ─────────────────────────────────────────────────────────
//
// Everything the controller reacts to is an event applied on one serialized
// loop: timer ticks, student input, detector firings, and async I/O results.
// There is no locking because there is no parallelism — only interleaving.

type event interface{ isEvent() }

type tickEvent struct{}
type heartbeatEvent struct{}
type answerEvent struct {
	questionID uuid.UUID
	value      string
}
type flagEvent struct{ questionID uuid.UUID }
type violationEvent struct {
	vtype  model.ViolationType
	detail string
}
type submitRequestedEvent struct{}
type confirmEvent struct{ accepted bool }
type finalizeResultEvent struct {
	score float64
	err   error
}

func (tickEvent) isEvent()            {}
func (heartbeatEvent) isEvent()       {}
func (answerEvent) isEvent()          {}
func (flagEvent) isEvent()            {}
func (violationEvent) isEvent()       {}
func (submitRequestedEvent) isEvent() {}
func (confirmEvent) isEvent()         {}
func (finalizeResultEvent) isEvent()  {}

// Config constructs a Controller for one attempt.
type Config struct {
	AttemptID       uuid.UUID
	TotalQuestions  int
	DurationSeconds int
	// ResumeAnswers seeds the local buffer when rebuilding after a reload.
	ResumeAnswers map[uuid.UUID]string
	// RemainingSeconds overrides the countdown on resume. Zero means use
	// DurationSeconds.
	RemainingSeconds int
	Store            Store
	Notifier         Notifier
	Logger           zerolog.Logger
}

// Controller runs a single timed attempt to a safe, exactly-once submission.
// One instance per attempt; constructed at session start, discarded at end.
// All state is owned by the event loop — callers interact only through the
// input methods, which enqueue events.
type Controller struct {
	attemptID      uuid.UUID
	totalQuestions int
	remaining      int

	answers    map[uuid.UUID]string
	flagged    map[uuid.UUID]bool
	violations int

	state           State
	finalizing      bool
	awaitingConfirm bool
	submitErr       error
	score           float64

	store    Store
	notifier Notifier
	log      zerolog.Logger

	events chan event
	done   chan struct{}

	ctx        context.Context
	tick       *time.Ticker
	heartbeats *time.Ticker

	// spawn and deliver are the seams between the serialized loop and
	// suspending I/O: spawn runs a store call off-loop, deliver routes its
	// result back onto the loop. Tests replace both to run synchronously.
	spawn      func(func())
	deliver    func(event)
	retryDelay time.Duration
}

// NewController creates a controller in RUNNING state.
func NewController(cfg Config) *Controller {
	remaining := cfg.DurationSeconds
	if cfg.RemainingSeconds > 0 {
		remaining = cfg.RemainingSeconds
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}

	c := &Controller{
		attemptID:      cfg.AttemptID,
		totalQuestions: cfg.TotalQuestions,
		remaining:      remaining,
		answers:        make(map[uuid.UUID]string),
		flagged:        make(map[uuid.UUID]bool),
		state:          StateRunning,
		store:          cfg.Store,
		notifier:       notifier,
		log:            cfg.Logger.With().Str("component", "session_controller").Str("attempt_id", cfg.AttemptID.String()).Logger(),
		events:         make(chan event, 64),
		done:           make(chan struct{}),
		ctx:            context.Background(),
		retryDelay:     2 * time.Second,
	}
	for qid, value := range cfg.ResumeAnswers {
		c.answers[qid] = value
	}
	c.spawn = func(fn func()) { go fn() }
	c.deliver = func(ev event) {
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}
	return c
}

// ─── Inputs ─────────────────────────────────────────────────────────

// AnswerSelect records a chosen option for a question.
func (c *Controller) AnswerSelect(questionID uuid.UUID, value string) {
	c.deliver(answerEvent{questionID: questionID, value: value})
}

// ToggleFlag marks or unmarks a question for review. Flags are local only and
// never persisted.
func (c *Controller) ToggleFlag(questionID uuid.UUID) {
	c.deliver(flagEvent{questionID: questionID})
}

// VisibilityHidden reports a loss of tab focus. Counts toward escalation.
func (c *Controller) VisibilityHidden() {
	c.deliver(violationEvent{vtype: model.ViolationTabSwitch, detail: "visibility hidden"})
}

// ReportViolation records a non-escalating detector firing (clipboard,
// fullscreen exit, right click).
func (c *Controller) ReportViolation(vtype model.ViolationType, detail string) {
	c.deliver(violationEvent{vtype: vtype, detail: detail})
}

// RequestSubmit starts a manual submission. With unanswered questions it asks
// for confirmation first; otherwise it finalizes directly. After a failed
// finalize it retries.
func (c *Controller) RequestSubmit() {
	c.deliver(submitRequestedEvent{})
}

// ConfirmSubmit answers a pending submission confirmation.
func (c *Controller) ConfirmSubmit(accepted bool) {
	c.deliver(confirmEvent{accepted: accepted})
}

// Done is closed once the attempt reaches FINALIZED.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run drives the controller until the attempt finalizes or ctx is cancelled.
// It owns the countdown and heartbeat timers and serializes every event.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	c.tick = time.NewTicker(TickInterval)
	c.heartbeats = time.NewTicker(HeartbeatInterval)
	defer c.tick.Stop()
	defer c.heartbeats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.tick.C:
			c.apply(tickEvent{})
		case <-c.heartbeats.C:
			c.apply(heartbeatEvent{})
		case ev := <-c.events:
			c.apply(ev)
		}
	}
}

// ─── Transitions ────────────────────────────────────────────────────

// apply is the single serialized dispatch. Handlers check state first: once
// the controller has left RUNNING, no input may produce a mutating call.
func (c *Controller) apply(ev event) {
	switch e := ev.(type) {
	case tickEvent:
		c.onTick()
	case heartbeatEvent:
		c.onHeartbeat()
	case answerEvent:
		c.onAnswer(e)
	case flagEvent:
		c.onFlag(e)
	case violationEvent:
		c.onViolation(e)
	case submitRequestedEvent:
		c.onSubmitRequested()
	case confirmEvent:
		c.onConfirm(e)
	case finalizeResultEvent:
		c.onFinalizeResult(e)
	}
}

func (c *Controller) onTick() {
	if c.state != StateRunning {
		return
	}
	c.remaining--
	if c.remaining <= 0 {
		// Hard deadline: no confirmation, even if a dialog is open.
		c.beginFinalize("timeout")
	}
}

func (c *Controller) onHeartbeat() {
	if c.state != StateRunning {
		return
	}
	answered := len(c.answers)
	c.spawn(func() {
		if err := c.store.Heartbeat(c.ctx, answered); err != nil {
			// Non-fatal: monitoring goes stale, the exam continues.
			c.log.Debug().Err(err).Msg("Heartbeat failed")
		}
	})
}

func (c *Controller) onAnswer(e answerEvent) {
	if c.state != StateRunning {
		return
	}
	// Optimistic: the local buffer updates before the persist is dispatched,
	// so the student never sees a stale answer while a write is in flight.
	c.answers[e.questionID] = e.value
	c.spawn(func() { c.persistAnswer(e.questionID, e.value) })
}

func (c *Controller) persistAnswer(questionID uuid.UUID, value string) {
	var err error
	for attempt := 0; attempt <= answerRetries; attempt++ {
		if err = c.store.SubmitAnswer(c.ctx, questionID, value); err == nil {
			return
		}
		time.Sleep(c.retryDelay)
	}
	// Local state stays authoritative until the next successful sync.
	c.log.Warn().Err(err).Str("question_id", questionID.String()).Msg("Answer persist failed")
}

func (c *Controller) onFlag(e flagEvent) {
	if c.state != StateRunning {
		return
	}
	if c.flagged[e.questionID] {
		delete(c.flagged, e.questionID)
	} else {
		c.flagged[e.questionID] = true
	}
}

func (c *Controller) onViolation(e violationEvent) {
	if c.state != StateRunning {
		return
	}

	vtype, detail := e.vtype, e.detail
	c.spawn(func() {
		if err := c.store.ReportViolation(c.ctx, vtype, detail); err != nil {
			c.log.Warn().Err(err).Str("type", string(vtype)).Msg("Violation report failed")
		}
	})

	// Only tab switches escalate; other detectors are logged evidence.
	if e.vtype != model.ViolationTabSwitch {
		return
	}
	c.violations++
	c.notifier.ViolationWarning(c.violations, TabSwitchLimit)
	if c.violations >= TabSwitchLimit {
		c.beginFinalize("violation limit")
	}
}

func (c *Controller) onSubmitRequested() {
	if c.state == StateSubmitting && c.submitErr != nil {
		// Retry after an exhausted finalize.
		c.submitErr = nil
		c.spawn(c.runFinalize)
		return
	}
	if c.state != StateRunning || c.finalizing {
		return
	}

	unanswered := c.totalQuestions - len(c.answers)
	if unanswered > 0 {
		// Blanks count as wrong; the student must acknowledge before closing.
		c.awaitingConfirm = true
		c.notifier.ConfirmSubmit(unanswered)
		return
	}
	c.beginFinalize("manual submit")
}

func (c *Controller) onConfirm(e confirmEvent) {
	if c.state != StateRunning || !c.awaitingConfirm {
		return
	}
	c.awaitingConfirm = false
	if e.accepted {
		c.beginFinalize("confirmed submit")
	}
}

// beginFinalize collapses every trigger path (timeout, escalation, confirmed
// manual submit) into a single transition and a single finish call. The
// finalizing flag absorbs a timer firing the same tick the student clicks
// submit; server-side idempotence holds regardless.
func (c *Controller) beginFinalize(reason string) {
	if c.finalizing {
		return
	}
	c.finalizing = true
	c.awaitingConfirm = false
	c.state = StateSubmitting
	c.stopTimers()
	c.log.Info().Str("reason", reason).Msg("Finalizing attempt")
	c.spawn(c.runFinalize)
}

func (c *Controller) runFinalize() {
	var (
		score float64
		err   error
	)
	for attempt := 0; attempt < FinalizeRetries; attempt++ {
		score, err = c.store.FinishAttempt(c.ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrAlreadySubmitted) {
			// A previous request landed; treat as success without a score.
			err = nil
			break
		}
		time.Sleep(c.retryDelay)
	}
	c.deliver(finalizeResultEvent{score: score, err: err})
}

func (c *Controller) onFinalizeResult(e finalizeResultEvent) {
	if c.state != StateSubmitting {
		return
	}
	if e.err != nil {
		// Exhausted retries. Stay in SUBMITTING so the attempt cannot be
		// mutated further; a new RequestSubmit retries the finish call.
		c.submitErr = e.err
		c.log.Error().Err(e.err).Msg("Finalize failed after retries")
		c.notifier.SubmitFailed(e.err)
		return
	}
	c.score = e.score
	c.state = StateFinalized
	c.log.Info().Float64("score", e.score).Msg("Attempt finalized")
	c.notifier.Finalized(e.score)
	close(c.done)
}

func (c *Controller) stopTimers() {
	if c.tick != nil {
		c.tick.Stop()
	}
	if c.heartbeats != nil {
		c.heartbeats.Stop()
	}
}

// State reports the current submission state. Safe only from the loop's own
// callbacks or after Done is closed; external polling races with the loop.
func (c *Controller) State() State {
	return c.state
}

// Score returns the graded score once FINALIZED.
func (c *Controller) Score() float64 {
	return c.score
}

// Remaining returns the seconds left on the countdown.
func (c *Controller) Remaining() int {
	return c.remaining
}

// AnsweredCount returns the number of locally buffered answers.
func (c *Controller) AnsweredCount() int {
	return len(c.answers)
}

// Flagged reports whether a question is marked for review.
func (c *Controller) Flagged(questionID uuid.UUID) bool {
	return c.flagged[questionID]
}
