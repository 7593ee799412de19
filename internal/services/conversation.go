package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ahoum/outreach-backend/internal/models"
	"github.com/ahoum/outreach-backend/internal/sink"
)

// ContactActions is the orchestrator's mutation interface. Tool calls from
// the model reach the contact list only through these methods.
type ContactActions interface {
	TakeNote(phone, text string) error
	ScheduleCallback(phone string, at time.Time) error
	MarkNotInterested(phone string) error
}

// defaultPersona is the fixed agent instruction block sent as the system
// prompt on every turn.
const defaultPersona = `You are Aditi, a friendly onboarding specialist calling facilitators
on behalf of Ahoum. Your goal is to walk the facilitator through joining the
platform, answer their questions, and capture anything important about the
conversation.

Guidelines:
- You are on a voice call. Keep replies short, conversational, and free of
  emojis or formatting.
- If the facilitator wants to be called at another time, use the
  schedule_callback tool with an RFC3339 timestamp.
- If they are clearly not interested, use the mark_not_interested tool and
  end the conversation politely.
- Use the take_note tool to record details worth keeping (availability,
  concerns, follow-ups).
- Never make medical, legal, or financial claims.`

// ConversationDriver runs the turn-taking loop for one active call session
type ConversationDriver struct {
	model   ChatModel
	records sink.Sink
	actions ContactActions
	source  TranscriptSource
	replies ReplyPublisher

	persona     string
	maxTurns    int
	maxDuration time.Duration

	nowFn func() time.Time
}

// DriverOption configures the conversation driver
type DriverOption func(*ConversationDriver)

// WithPersona replaces the default agent instruction block
func WithPersona(persona string) DriverOption {
	return func(d *ConversationDriver) { d.persona = persona }
}

// WithTurnLimits bounds the conversation length
func WithTurnLimits(maxTurns int, maxDuration time.Duration) DriverOption {
	return func(d *ConversationDriver) {
		d.maxTurns = maxTurns
		d.maxDuration = maxDuration
	}
}

// WithNowFunc overrides the driver clock (tests only)
func WithNowFunc(fn func() time.Time) DriverOption {
	return func(d *ConversationDriver) { d.nowFn = fn }
}

// NewConversationDriver wires the driver to its collaborators
func NewConversationDriver(model ChatModel, records sink.Sink, actions ContactActions, source TranscriptSource, replies ReplyPublisher, opts ...DriverOption) *ConversationDriver {
	d := &ConversationDriver{
		model:       model,
		records:     records,
		actions:     actions,
		source:      source,
		replies:     replies,
		persona:     defaultPersona,
		maxTurns:    40,
		maxDuration: 10 * time.Minute,
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the conversation for session until the call leg disconnects
// (done closes), the turn or duration limit trips, or the model times out.
// It returns the outcome classification and the ordered turns it recorded.
func (d *ConversationDriver) Run(ctx context.Context, session *models.CallSession, done <-chan struct{}) (string, []*models.ConversationTurn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	utterances, err := d.source.Utterances(ctx, session.RoomName)
	if err != nil {
		return models.OutcomeFailed, nil, fmt.Errorf("open transcript source: %w", err)
	}

	var (
		turns   []*models.ConversationTurn
		history = []ChatMessage{{Role: "system", Content: d.persona}}
		outcome = models.OutcomeInterested
	)

	deadline := time.NewTimer(d.maxDuration)
	defer deadline.Stop()

	appendTurn := func(speaker models.Speaker, text string) error {
		turn := &models.ConversationTurn{
			SessionID: session.SessionID,
			Seq:       len(turns),
			Speaker:   speaker,
			Text:      text,
			SpokenAt:  d.nowFn(),
		}
		if err := d.records.TurnAdded(ctx, session, turn); err != nil {
			return err
		}
		turns = append(turns, turn)
		return nil
	}

	reply := func(prompt string) (string, error) {
		if prompt != "" {
			history = append(history, ChatMessage{Role: "user", Content: prompt})
		}
		r, err := d.model.Chat(ctx, history)
		if err != nil {
			return "", err
		}
		for _, tc := range r.ToolCalls {
			if o := d.dispatchTool(session, tc); o != "" {
				outcome = o
			}
		}
		if r.Content != "" {
			history = append(history, ChatMessage{Role: "assistant", Content: r.Content})
		}
		return r.Content, nil
	}

	// opening greeting before the contact says anything
	greeting, err := reply("")
	if err != nil {
		return d.classifyModelFailure(err, outcome), turns, err
	}
	if greeting != "" {
		if err := appendTurn(models.SpeakerAgent, greeting); err != nil {
			return outcome, turns, err
		}
		if err := d.replies.PublishReply(ctx, session.RoomName, greeting); err != nil {
			log.Printf("⚠️  Could not publish agent reply: %v", err)
		}
	}

	for {
		if len(turns) >= d.maxTurns {
			log.Printf("⏰ Session %s hit turn limit (%d) - ending call", session.SessionID, d.maxTurns)
			return models.OutcomeTimeout, turns, nil
		}

		select {
		case <-done:
			// call leg disconnected; outcome reflects any tool decisions
			return outcome, turns, nil

		case <-ctx.Done():
			return outcome, turns, ctx.Err()

		case <-deadline.C:
			log.Printf("⏰ Session %s hit duration limit - ending call", session.SessionID)
			return models.OutcomeTimeout, turns, nil

		case utterance, ok := <-utterances:
			if !ok {
				return outcome, turns, nil
			}
			if err := appendTurn(models.SpeakerContact, utterance); err != nil {
				return outcome, turns, err
			}

			answer, err := reply(utterance)
			if err != nil {
				return d.classifyModelFailure(err, outcome), turns, err
			}
			if answer == "" {
				continue
			}
			if err := appendTurn(models.SpeakerAgent, answer); err != nil {
				return outcome, turns, err
			}
			if err := d.replies.PublishReply(ctx, session.RoomName, answer); err != nil {
				log.Printf("⚠️  Could not publish agent reply: %v", err)
			}
		}
	}
}

// classifyModelFailure keeps tool-derived outcomes but maps model timeouts
// to the timeout classification.
func (d *ConversationDriver) classifyModelFailure(err error, current string) string {
	var timeout *ModelTimeoutError
	if errors.As(err, &timeout) {
		return models.OutcomeTimeout
	}
	if current != models.OutcomeInterested {
		return current
	}
	return models.OutcomeFailed
}

// dispatchTool executes one side-effect tool call and returns the outcome
// classification it implies, if any.
func (d *ConversationDriver) dispatchTool(session *models.CallSession, tc ToolCall) string {
	switch tc.Name {
	case "take_note":
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(tc.Arguments, &args); err != nil || args.Text == "" {
			log.Printf("⚠️  take_note with bad arguments: %s", tc.Arguments)
			return ""
		}
		if err := d.actions.TakeNote(session.ContactPhone, args.Text); err != nil {
			log.Printf("⚠️  take_note failed: %v", err)
		}
		return ""

	case "schedule_callback":
		var args struct {
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			log.Printf("⚠️  schedule_callback with bad arguments: %s", tc.Arguments)
			return ""
		}
		at, err := time.Parse(time.RFC3339, args.Timestamp)
		if err != nil {
			log.Printf("⚠️  schedule_callback with bad timestamp %q: %v", args.Timestamp, err)
			return ""
		}
		if err := d.actions.ScheduleCallback(session.ContactPhone, at); err != nil {
			log.Printf("⚠️  schedule_callback failed: %v", err)
			return ""
		}
		session.CallbackRequested = true
		session.CallbackAt = &at
		return models.OutcomeCallbackRequested

	case "mark_not_interested":
		if err := d.actions.MarkNotInterested(session.ContactPhone); err != nil {
			log.Printf("⚠️  mark_not_interested failed: %v", err)
			return ""
		}
		return models.OutcomeNotInterested

	default:
		log.Printf("⚠️  Unknown tool call %q ignored", tc.Name)
		return ""
	}
}
