package sink

import (
	"context"

	"github.com/ahoum/outreach-backend/internal/models"
	"github.com/ahoum/outreach-backend/internal/storage"
)

// StoreSink persists call records through the durable storage layer
type StoreSink struct {
	store storage.Store
}

// NewStoreSink creates the durable sink over a Store
func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) SessionStarted(ctx context.Context, session *models.CallSession) error {
	return s.store.CreateCallSession(session)
}

func (s *StoreSink) TurnAdded(ctx context.Context, session *models.CallSession, turn *models.ConversationTurn) error {
	return s.store.AppendTurn(turn)
}

func (s *StoreSink) SessionEnded(ctx context.Context, session *models.CallSession, turns []*models.ConversationTurn) error {
	// turns were already appended individually; only the session row changes
	return s.store.UpdateCallSession(session)
}
