package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/sigap-cbt/sigap-backend/internal/model"
	ws "github.com/sigap-cbt/sigap-backend/internal/websocket"
)

// WSStore is a Store over the exam WebSocket. Each call is one request and
// one reply; a mutex serializes the roundtrips because the protocol has no
// message correlation.
type WSStore struct {
	mu   sync.Mutex
	conn *gws.Conn
}

// DialWSStore connects to the exam WebSocket endpoint. The token carries
// attempt ownership; the server rejects connections without an active attempt.
func DialWSStore(ctx context.Context, endpoint, token string) (*WSStore, error) {
	url := fmt.Sprintf("%s?token=%s", endpoint, token)
	conn, _, err := gws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial exam socket: %w", err)
	}
	return &WSStore{conn: conn}, nil
}

func (s *WSStore) Close() error {
	return s.conn.Close()
}

// reply is a superset decode target for every server event type.
type reply struct {
	Event  ws.Event `json:"event"`
	Status string   `json:"status"`
	Code   string   `json:"code"`
	Error  string   `json:"error"`
	Score  float64  `json:"score"`
}

func (s *WSStore) roundtrip(payload ws.RequestPayload) (reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r reply
	if err := ws.WriteTyped(s.conn, payload); err != nil {
		return r, fmt.Errorf("write %s: %w", payload.Action, err)
	}
	if err := ws.ReadJSON(s.conn, &r); err != nil {
		return r, fmt.Errorf("read %s reply: %w", payload.Action, err)
	}
	if r.Event == ws.EventError {
		if r.Code == ws.CodeAlreadySubmitted {
			return r, ErrAlreadySubmitted
		}
		return r, fmt.Errorf("%s rejected: %s", payload.Action, r.Error)
	}
	return r, nil
}

func (s *WSStore) SubmitAnswer(_ context.Context, questionID uuid.UUID, value string) error {
	_, err := s.roundtrip(ws.RequestPayload{
		Action: ws.ActionAutosave,
		QID:    questionID.String(),
		Value:  value,
	})
	return err
}

func (s *WSStore) Heartbeat(_ context.Context, answeredCount int) error {
	_, err := s.roundtrip(ws.RequestPayload{
		Action:   ws.ActionHeartbeat,
		Answered: answeredCount,
	})
	return err
}

func (s *WSStore) ReportViolation(_ context.Context, vtype model.ViolationType, detail string) error {
	_, err := s.roundtrip(ws.RequestPayload{
		Action: ws.ActionViolation,
		Type:   string(vtype),
		Detail: detail,
	})
	return err
}

func (s *WSStore) FinishAttempt(_ context.Context) (float64, error) {
	r, err := s.roundtrip(ws.RequestPayload{Action: ws.ActionSubmit})
	if err != nil {
		return 0, err
	}
	return r.Score, nil
}
