// Package sink dual-writes call lifecycle events and transcript turns to a
// fast Redis Stream (live monitoring) and a durable relational store
// (historical query).
package sink

import (
	"context"
	"log"

	"github.com/ahoum/outreach-backend/internal/models"
)

// Sink receives the lifecycle of a call session as it happens
type Sink interface {
	SessionStarted(ctx context.Context, session *models.CallSession) error
	TurnAdded(ctx context.Context, session *models.CallSession, turn *models.ConversationTurn) error
	SessionEnded(ctx context.Context, session *models.CallSession, turns []*models.ConversationTurn) error
}

// DualSink writes to the fast stream sink first and the durable sink second.
// Stream failures are logged and swallowed: live monitoring is best-effort.
// Durable failures propagate, and the caller treats them as fatal.
type DualSink struct {
	stream  Sink // may be nil when no stream backend is configured
	durable Sink
}

// NewDualSink creates a write-through sink over the two backends
func NewDualSink(stream, durable Sink) *DualSink {
	return &DualSink{stream: stream, durable: durable}
}

func (d *DualSink) SessionStarted(ctx context.Context, session *models.CallSession) error {
	if d.stream != nil {
		if err := d.stream.SessionStarted(ctx, session); err != nil {
			log.Printf("⚠️  Stream sink error (session %s): %v", session.SessionID, err)
		}
	}
	return d.durable.SessionStarted(ctx, session)
}

func (d *DualSink) TurnAdded(ctx context.Context, session *models.CallSession, turn *models.ConversationTurn) error {
	if d.stream != nil {
		if err := d.stream.TurnAdded(ctx, session, turn); err != nil {
			log.Printf("⚠️  Stream sink error (session %s turn %d): %v", session.SessionID, turn.Seq, err)
		}
	}
	return d.durable.TurnAdded(ctx, session, turn)
}

func (d *DualSink) SessionEnded(ctx context.Context, session *models.CallSession, turns []*models.ConversationTurn) error {
	if d.stream != nil {
		if err := d.stream.SessionEnded(ctx, session, turns); err != nil {
			log.Printf("⚠️  Stream sink error (session %s): %v", session.SessionID, err)
		}
	}
	return d.durable.SessionEnded(ctx, session, turns)
}
