package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahoum/outreach-backend/internal/models"
)

// MemoryStore holds all call records in memory for testing and dry runs
type MemoryStore struct {
	sessionMu sync.RWMutex
	turnMu    sync.RWMutex

	sessions map[string]*models.CallSession
	order    []string // creation order, for recent-session listing
	turns    map[string][]*models.ConversationTurn
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.CallSession),
		turns:    make(map[string][]*models.ConversationTurn),
	}
}

func (m *MemoryStore) CreateCallSession(session *models.CallSession) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if _, exists := m.sessions[session.SessionID]; exists {
		return &PersistenceError{Op: "create session", Err: fmt.Errorf("session %s already exists", session.SessionID)}
	}
	cp := *session
	m.sessions[session.SessionID] = &cp
	m.order = append(m.order, session.SessionID)
	return nil
}

func (m *MemoryStore) GetCallSession(sessionID string) (*models.CallSession, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session not found")
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) UpdateCallSession(session *models.CallSession) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if _, exists := m.sessions[session.SessionID]; !exists {
		return &PersistenceError{Op: "update session", Err: fmt.Errorf("session %s not found", session.SessionID)}
	}
	cp := *session
	m.sessions[session.SessionID] = &cp
	return nil
}

func (m *MemoryStore) GetSessionsByStatus(status models.SessionStatus) ([]*models.CallSession, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	var out []*models.CallSession
	for _, id := range m.order {
		if s := m.sessions[id]; s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRecentSessions(limit int) ([]*models.CallSession, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	var out []*models.CallSession
	for i := len(m.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *m.sessions[m.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AppendTurn(turn *models.ConversationTurn) error {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	existing := m.turns[turn.SessionID]
	for _, t := range existing {
		if t.Seq == turn.Seq {
			return &PersistenceError{Op: "append turn", Err: fmt.Errorf("duplicate seq %d for session %s", turn.Seq, turn.SessionID)}
		}
	}
	cp := *turn
	m.turns[turn.SessionID] = append(existing, &cp)
	return nil
}

func (m *MemoryStore) GetTurns(sessionID string) ([]*models.ConversationTurn, error) {
	m.turnMu.RLock()
	defer m.turnMu.RUnlock()

	out := make([]*models.ConversationTurn, 0, len(m.turns[sessionID]))
	for _, t := range m.turns[sessionID] {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) GetSessionStats() (*models.SessionStats, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	stats := &models.SessionStats{}
	var totalDuration float64
	for _, s := range m.sessions {
		stats.Total++
		switch s.Status {
		case models.SessionInProgress:
			stats.InProgress++
		case models.SessionCompleted:
			stats.Completed++
			totalDuration += float64(s.DurationSeconds)
		case models.SessionNoAnswer:
			stats.NoAnswer++
		case models.SessionBusy:
			stats.Busy++
		case models.SessionFailed:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	if stats.Completed > 0 {
		stats.AvgDurationSeconds = totalDuration / float64(stats.Completed)
	}
	return stats, nil
}
