package storage

import (
	"fmt"

	"github.com/ahoum/outreach-backend/internal/models"
)

// PersistenceError wraps a failed store write. Persistence failures are fatal
// to an orchestration run: the caller must not continue with divergent state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store defines the interface for call record storage operations
type Store interface {
	// Call session operations
	CreateCallSession(session *models.CallSession) error
	GetCallSession(sessionID string) (*models.CallSession, error)
	UpdateCallSession(session *models.CallSession) error
	GetSessionsByStatus(status models.SessionStatus) ([]*models.CallSession, error)
	GetRecentSessions(limit int) ([]*models.CallSession, error)

	// Conversation turn operations
	AppendTurn(turn *models.ConversationTurn) error
	GetTurns(sessionID string) ([]*models.ConversationTurn, error)

	// Dashboard aggregates
	GetSessionStats() (*models.SessionStats, error)
}
