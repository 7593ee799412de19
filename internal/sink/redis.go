package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ahoum/outreach-backend/internal/models"
)

// streamMaxLen bounds each conversation stream; trimming is approximate so
// XADD stays O(1)
const streamMaxLen = 1000

// StreamSink pushes every turn into a Redis Stream for live monitoring.
//
// Key pattern:
//
//	convo:<room_name>          - ordered stream of turns
//	convo:<room_name>:archive  - full JSON history written at session end
type StreamSink struct {
	rdb *redis.Client
}

// NewStreamSink creates a sink over an existing Redis client
func NewStreamSink(rdb *redis.Client) *StreamSink {
	return &StreamSink{rdb: rdb}
}

// NewStreamSinkFromURL connects using a redis:// URL
func NewStreamSinkFromURL(url string) (*StreamSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &StreamSink{rdb: redis.NewClient(opts)}, nil
}

func (s *StreamSink) key(session *models.CallSession) string {
	return "convo:" + session.RoomName
}

func (s *StreamSink) SessionStarted(ctx context.Context, session *models.CallSession) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(session),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"cid":   session.RoomName,
			"sid":   session.SessionID,
			"event": "session_started",
			"uid":   session.ContactPhone,
			"ts":    session.StartedAt.UnixMilli(),
		},
	}).Err()
}

func (s *StreamSink) TurnAdded(ctx context.Context, session *models.CallSession, turn *models.ConversationTurn) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(session),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"cid":  session.RoomName,
			"sid":  session.SessionID,
			"uid":  session.ContactPhone,
			"role": string(turn.Speaker),
			"text": turn.Text,
			"ts":   turn.SpokenAt.UnixMilli(),
		},
	}).Err()
}

// archivedTurn is the JSON shape of one turn in the archive blob
type archivedTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

func (s *StreamSink) SessionEnded(ctx context.Context, session *models.CallSession, turns []*models.ConversationTurn) error {
	history := make([]archivedTurn, 0, len(turns))
	for _, t := range turns {
		history = append(history, archivedTurn{Speaker: string(t.Speaker), Text: t.Text})
	}

	blob, err := json.Marshal(map[string]interface{}{
		"uid":          session.ContactPhone,
		"session_id":   session.SessionID,
		"status":       session.Status,
		"outcome":      session.Outcome,
		"started_at":   session.StartedAt,
		"ended_at":     session.EndedAt,
		"conversation": history,
	})
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	return s.rdb.Set(ctx, s.key(session)+":archive", blob, 0).Err()
}
