package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sigap-cbt/sigap-backend/internal/config"
	"github.com/sigap-cbt/sigap-backend/internal/logger"
	"github.com/sigap-cbt/sigap-backend/internal/session"
)

// simulate drives one full exam session against a running server: login,
// join, open the WebSocket, then answer questions through the session
// controller until it finalizes. Useful for load checks and for watching the
// monitoring view move.
func main() {
	var (
		server      = flag.String("server", "http://localhost:8080", "Server base URL")
		nisn        = flag.String("nisn", "", "Student NISN")
		password    = flag.String("password", "", "Student password")
		examIDStr   = flag.String("exam", "", "Exam ID (UUID)")
		entryToken  = flag.String("entry", "", "Exam entry token")
		interval    = flag.Duration("interval", 3*time.Second, "Delay between answers")
		tabSwitches = flag.Int("tab-switches", 0, "Tab switch violations to fire mid-exam")
	)
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if *nisn == "" || *password == "" || *examIDStr == "" || *entryToken == "" {
		log.Fatal().Msg("nisn, password, exam and entry are required")
	}
	examID, err := uuid.Parse(*examIDStr)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid exam ID")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Hour)
	defer cancel()

	client := &apiClient{base: *server, http: &http.Client{Timeout: 15 * time.Second}}

	// ─── Login ─────────────────────────────────────────────────────────
	token, err := client.login(ctx, *nisn, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}
	client.token = token
	log.Info().Str("nisn", *nisn).Msg("Logged in")

	// ─── Join ──────────────────────────────────────────────────────────
	attempt, err := client.join(ctx, examID, *entryToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Join failed")
	}
	log.Info().Str("attempt_id", attempt.ID).Msg("Joined exam")

	// ─── Paper + resume state ──────────────────────────────────────────
	paper, err := client.paper(ctx, attempt.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Paper download failed")
	}
	state, err := client.state(ctx, attempt.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("State fetch failed")
	}
	log.Info().
		Int("questions", len(paper.Questions)).
		Float64("remaining_seconds", state.RemainingSeconds).
		Msg("Paper loaded")

	// ─── Open session socket ───────────────────────────────────────────
	wsEndpoint := strings.Replace(*server, "http", "ws", 1) +
		fmt.Sprintf("/ws/v1/attempts/%s/stream", attempt.ID)
	store, err := session.DialWSStore(ctx, wsEndpoint, token)
	if err != nil {
		log.Fatal().Err(err).Msg("Socket dial failed")
	}
	defer store.Close()

	resume := make(map[uuid.UUID]string, len(state.AutosavedAnswers))
	for qid, value := range state.AutosavedAnswers {
		if id, err := uuid.Parse(qid); err == nil {
			resume[id] = value
		}
	}

	notifier := &cliNotifier{log: log}
	ctrl := session.NewController(session.Config{
		AttemptID:        uuid.MustParse(attempt.ID),
		TotalQuestions:   len(paper.Questions),
		DurationSeconds:  paper.DurationSeconds,
		RemainingSeconds: int(state.RemainingSeconds),
		ResumeAnswers:    resume,
		Store:            store,
		Notifier:         notifier,
		Logger:           log,
	})
	notifier.ctrl = ctrl

	go ctrl.Run(ctx)

	// ─── Drive the session ─────────────────────────────────────────────
	options := []string{"a", "b", "c", "d"}
	switchesLeft := *tabSwitches

	for i, q := range paper.Questions {
		select {
		case <-ctrl.Done():
			log.Info().Msg("Controller finalized before all answers were sent")
			return
		case <-time.After(*interval):
		}

		ctrl.AnswerSelect(q.ID, options[rand.Intn(len(options))])

		// Sprinkle violations through the middle of the run.
		if switchesLeft > 0 && i%3 == 2 {
			ctrl.VisibilityHidden()
			switchesLeft--
		}
	}

	ctrl.RequestSubmit()

	select {
	case <-ctrl.Done():
		log.Info().Float64("score", ctrl.Score()).Msg("Session finalized")
	case <-ctx.Done():
		log.Error().Msg("Timed out waiting for finalize")
	}
}

// cliNotifier auto-confirms submissions and logs controller callbacks.
type cliNotifier struct {
	ctrl *session.Controller
	log  zerolog.Logger
}

func (n *cliNotifier) ViolationWarning(count, limit int) {
	n.log.Warn().Int("count", count).Int("limit", limit).Msg("Violation warning")
}

func (n *cliNotifier) ConfirmSubmit(unanswered int) {
	n.log.Info().Int("unanswered", unanswered).Msg("Confirming submit with unanswered questions")
	n.ctrl.ConfirmSubmit(true)
}

func (n *cliNotifier) SubmitFailed(err error) {
	n.log.Error().Err(err).Msg("Submit failed, retrying")
	n.ctrl.RequestSubmit()
}

func (n *cliNotifier) Finalized(score float64) {
	n.log.Info().Float64("score", score).Msg("Finalized")
}

// ─── Minimal API client over the response envelope ──────────────────

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %s (%s)", path, env.Error.Message, env.Error.Code)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *apiClient) login(ctx context.Context, nisn, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/student/login",
		map[string]string{"nisn": nisn, "password": password}, &out)
	return out.Token, err
}

type joinedAttempt struct {
	ID string `json:"id"`
}

func (c *apiClient) join(ctx context.Context, examID uuid.UUID, entryToken string) (*joinedAttempt, error) {
	var out struct {
		Attempt joinedAttempt `json:"attempt"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/student/exams/"+examID.String()+"/join",
		map[string]string{"entry_token": entryToken}, &out)
	return &out.Attempt, err
}

type paperPayload struct {
	DurationSeconds int `json:"duration_seconds"`
	Questions       []struct {
		ID uuid.UUID `json:"id"`
	} `json:"questions"`
}

func (c *apiClient) paper(ctx context.Context, attemptID string) (*paperPayload, error) {
	var out paperPayload
	err := c.do(ctx, http.MethodGet, "/api/v1/student/attempts/"+attemptID+"/paper", nil, &out)
	return &out, err
}

type statePayload struct {
	AutosavedAnswers map[string]string `json:"autosaved_answers"`
	RemainingSeconds float64           `json:"remaining_seconds"`
}

func (c *apiClient) state(ctx context.Context, attemptID string) (*statePayload, error) {
	var out statePayload
	err := c.do(ctx, http.MethodGet, "/api/v1/student/attempts/"+attemptID+"/state", nil, &out)
	return &out, err
}
