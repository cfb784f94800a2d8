package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigap-cbt/sigap-backend/internal/model"
)

type fakeStore struct {
	answers       map[uuid.UUID]string
	answerCalls   int
	answerErrs    int
	heartbeats    int
	violations    []model.ViolationType
	finishCalls   int
	finishOKs     int
	finishErrs    []error
	finishedScore float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{answers: make(map[uuid.UUID]string), finishedScore: 80}
}

func (f *fakeStore) SubmitAnswer(_ context.Context, questionID uuid.UUID, value string) error {
	f.answerCalls++
	if f.answerErrs > 0 {
		f.answerErrs--
		return errors.New("network down")
	}
	f.answers[questionID] = value
	return nil
}

func (f *fakeStore) Heartbeat(_ context.Context, _ int) error {
	f.heartbeats++
	return nil
}

func (f *fakeStore) ReportViolation(_ context.Context, vtype model.ViolationType, _ string) error {
	f.violations = append(f.violations, vtype)
	return nil
}

func (f *fakeStore) FinishAttempt(_ context.Context) (float64, error) {
	f.finishCalls++
	if len(f.finishErrs) > 0 {
		err := f.finishErrs[0]
		f.finishErrs = f.finishErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.finishOKs++
	return f.finishedScore, nil
}

type fakeNotifier struct {
	warnings  []int
	confirms  []int
	failures  []error
	finalized []float64
}

func (f *fakeNotifier) ViolationWarning(count, _ int) { f.warnings = append(f.warnings, count) }
func (f *fakeNotifier) ConfirmSubmit(unanswered int)  { f.confirms = append(f.confirms, unanswered) }
func (f *fakeNotifier) SubmitFailed(err error)        { f.failures = append(f.failures, err) }
func (f *fakeNotifier) Finalized(score float64)       { f.finalized = append(f.finalized, score) }

// newTestController wires a controller for synchronous, deterministic tests:
// spawned work runs inline and delivered events are applied immediately, so
// every input method returns with all its consequences settled.
func newTestController(store *fakeStore, notifier *fakeNotifier, totalQuestions, durationSeconds int) *Controller {
	c := NewController(Config{
		AttemptID:       uuid.New(),
		TotalQuestions:  totalQuestions,
		DurationSeconds: durationSeconds,
		Store:           store,
		Notifier:        notifier,
		Logger:          zerolog.Nop(),
	})
	c.spawn = func(fn func()) { fn() }
	c.deliver = func(ev event) { c.apply(ev) }
	c.retryDelay = 0
	return c
}

func TestController_TimeoutAutoSubmitsExactlyOnce(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 10, 60)

	for i := 0; i < 61; i++ {
		c.apply(tickEvent{})
	}

	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, store.finishCalls)
	assert.Equal(t, []float64{80}, notifier.finalized)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel should be closed after finalize")
	}
}

func TestController_TabSwitchLimitForcesSubmit(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 10, 600)

	for i := 0; i < TabSwitchLimit; i++ {
		c.VisibilityHidden()
	}

	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, store.finishCalls)
	assert.Len(t, store.violations, TabSwitchLimit)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, notifier.warnings)
}

func TestController_NonTabViolationsNeverEscalate(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 10, 600)

	for i := 0; i < TabSwitchLimit*2; i++ {
		c.ReportViolation(model.ViolationCopy, "ctrl+c")
	}

	assert.Equal(t, StateRunning, c.State())
	assert.Zero(t, store.finishCalls)
	assert.Len(t, store.violations, TabSwitchLimit*2)
	assert.Empty(t, notifier.warnings)
}

func TestController_SubmitWithUnansweredRequiresConfirmation(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 3, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.AnswerSelect(uuid.New(), "b")

	c.RequestSubmit()
	assert.Equal(t, StateRunning, c.State())
	assert.Zero(t, store.finishCalls)
	assert.Equal(t, []int{1}, notifier.confirms)

	c.ConfirmSubmit(false)
	assert.Equal(t, StateRunning, c.State())
	assert.Zero(t, store.finishCalls)

	c.RequestSubmit()
	c.ConfirmSubmit(true)
	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, store.finishCalls)
}

func TestController_SubmitAllAnsweredSkipsConfirmation(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 2, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.AnswerSelect(uuid.New(), "c")
	c.RequestSubmit()

	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, store.finishCalls)
	assert.Empty(t, notifier.confirms)
}

func TestController_TimeoutWinsOverOpenConfirmation(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 5, 2)

	c.RequestSubmit()
	require.Equal(t, []int{5}, notifier.confirms)

	c.apply(tickEvent{})
	c.apply(tickEvent{})
	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, store.finishCalls)

	// A late confirmation of the stale dialog must not resubmit.
	c.ConfirmSubmit(true)
	assert.Equal(t, 1, store.finishCalls)
}

func TestController_AlreadySubmittedCountsAsFinalized(t *testing.T) {
	store := newFakeStore()
	store.finishErrs = []error{ErrAlreadySubmitted}
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 1, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.RequestSubmit()

	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, store.finishCalls)
	assert.Empty(t, notifier.failures)
}

func TestController_FinalizeRetriesTransientErrors(t *testing.T) {
	store := newFakeStore()
	store.finishErrs = []error{errors.New("timeout"), errors.New("timeout")}
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 1, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.RequestSubmit()

	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 3, store.finishCalls)
	assert.Equal(t, []float64{80}, notifier.finalized)
}

func TestController_FinalizeExhaustionStaysSubmittingAndRetries(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < FinalizeRetries; i++ {
		store.finishErrs = append(store.finishErrs, errors.New("server unreachable"))
	}
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 1, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.RequestSubmit()

	assert.Equal(t, StateSubmitting, c.State())
	assert.Equal(t, FinalizeRetries, store.finishCalls)
	require.Len(t, notifier.failures, 1)

	// Inputs are frozen while stuck; only a new submit request retries.
	c.AnswerSelect(uuid.New(), "b")
	c.VisibilityHidden()
	assert.Equal(t, 1, c.AnsweredCount())
	assert.Empty(t, store.violations)

	c.RequestSubmit()
	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, FinalizeRetries+1, store.finishCalls)
}

func TestController_NoMutationsAfterFinalized(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 1, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.RequestSubmit()
	require.Equal(t, StateFinalized, c.State())

	answerCalls := store.answerCalls
	c.AnswerSelect(uuid.New(), "d")
	c.VisibilityHidden()
	c.apply(heartbeatEvent{})
	c.RequestSubmit()

	assert.Equal(t, answerCalls, store.answerCalls)
	assert.Empty(t, store.violations)
	assert.Zero(t, store.heartbeats)
	assert.Equal(t, 1, store.finishCalls)
}

func TestController_AnswerSelectIsOptimisticAndRetries(t *testing.T) {
	store := newFakeStore()
	store.answerErrs = 1
	notifier := &fakeNotifier{}
	c := newTestController(store, notifier, 2, 600)

	qid := uuid.New()
	c.AnswerSelect(qid, "b")

	assert.Equal(t, 1, c.AnsweredCount())
	assert.Equal(t, 2, store.answerCalls)
	assert.Equal(t, "b", store.answers[qid])
}

func TestController_LastAnswerWins(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store, &fakeNotifier{}, 2, 600)

	qid := uuid.New()
	c.AnswerSelect(qid, "a")
	c.AnswerSelect(qid, "c")

	assert.Equal(t, 1, c.AnsweredCount())
	assert.Equal(t, "c", store.answers[qid])
}

func TestController_FlagsAreLocalOnly(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store, &fakeNotifier{}, 2, 600)

	qid := uuid.New()
	c.ToggleFlag(qid)
	assert.True(t, c.Flagged(qid))
	c.ToggleFlag(qid)
	assert.False(t, c.Flagged(qid))

	assert.Zero(t, store.answerCalls)
	assert.Zero(t, store.heartbeats)
	assert.Empty(t, store.violations)
}

func TestController_ResumeRestoresBufferAndClock(t *testing.T) {
	qid := uuid.New()
	store := newFakeStore()
	c := NewController(Config{
		AttemptID:        uuid.New(),
		TotalQuestions:   2,
		DurationSeconds:  600,
		RemainingSeconds: 42,
		ResumeAnswers:    map[uuid.UUID]string{qid: "b"},
		Store:            store,
		Logger:           zerolog.Nop(),
	})

	assert.Equal(t, 42, c.Remaining())
	assert.Equal(t, 1, c.AnsweredCount())
}

func TestController_HeartbeatReportsAnsweredCount(t *testing.T) {
	store := newFakeStore()
	c := newTestController(store, &fakeNotifier{}, 3, 600)

	c.AnswerSelect(uuid.New(), "a")
	c.apply(heartbeatEvent{})

	assert.Equal(t, 1, store.heartbeats)
}

// TestController_RandomSequencesHoldLifecycleInvariants throws random event
// interleavings at the controller and checks the lifecycle invariants after
// every single event: the state only moves forward, the done channel is
// closed exactly when the state is FINALIZED, the store sees at most one
// successful finish, and the answer buffer freezes once the attempt closes.
func TestController_RandomSequencesHoldLifecycleInvariants(t *testing.T) {
	stateRank := map[State]int{StateRunning: 0, StateSubmitting: 1, StateFinalized: 2}

	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))

		store := newFakeStore()
		c := newTestController(store, &fakeNotifier{}, 4, 20)

		// Some runs hit transient finalize failures first.
		for i := rng.Intn(3); i > 0; i-- {
			store.finishErrs = append(store.finishErrs, errors.New("store down"))
		}

		questions := make([]uuid.UUID, 4)
		for i := range questions {
			questions[i] = uuid.New()
		}

		doneClosed := func() bool {
			select {
			case <-c.Done():
				return true
			default:
				return false
			}
		}

		prevRank := 0
		frozenAnswers := -1
		for step := 0; step < 120; step++ {
			switch rng.Intn(9) {
			case 0, 1:
				c.apply(tickEvent{})
			case 2:
				c.apply(heartbeatEvent{})
			case 3:
				c.AnswerSelect(questions[rng.Intn(len(questions))], "A")
			case 4:
				c.ToggleFlag(questions[rng.Intn(len(questions))])
			case 5:
				c.VisibilityHidden()
			case 6:
				c.ReportViolation(model.ViolationCopy, "copy")
			case 7:
				c.RequestSubmit()
			case 8:
				c.ConfirmSubmit(rng.Intn(2) == 0)
			}

			rank := stateRank[c.State()]
			require.GreaterOrEqual(t, rank, prevRank, "seed %d step %d: state moved backwards", seed, step)
			prevRank = rank

			require.Equal(t, c.State() == StateFinalized, doneClosed(),
				"seed %d step %d: done channel out of sync with state", seed, step)
			require.LessOrEqual(t, store.finishOKs, 1,
				"seed %d step %d: more than one successful finish", seed, step)

			if c.State() == StateFinalized {
				if frozenAnswers == -1 {
					frozenAnswers = c.AnsweredCount()
				}
				require.Equal(t, frozenAnswers, c.AnsweredCount(),
					"seed %d step %d: answers mutated after finalize", seed, step)
			}
		}
	}
}
