package storage

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ahoum/outreach-backend/internal/models"
)

// DatabaseStore persists call records in PostgreSQL via GORM
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a store backed by the given GORM connection
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (d *DatabaseStore) CreateCallSession(session *models.CallSession) error {
	if err := d.db.Create(session).Error; err != nil {
		return &PersistenceError{Op: "create session", Err: err}
	}
	return nil
}

func (d *DatabaseStore) GetCallSession(sessionID string) (*models.CallSession, error) {
	var session models.CallSession
	err := d.db.Where("session_id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (d *DatabaseStore) UpdateCallSession(session *models.CallSession) error {
	err := d.db.Model(&models.CallSession{}).
		Where("session_id = ?", session.SessionID).
		Select("Status", "Outcome", "FailReason", "CallSID", "EndedAt",
			"DurationSeconds", "CallbackRequested", "CallbackAt").
		Updates(session).Error
	if err != nil {
		return &PersistenceError{Op: "update session", Err: err}
	}
	return nil
}

func (d *DatabaseStore) GetSessionsByStatus(status models.SessionStatus) ([]*models.CallSession, error) {
	var sessions []*models.CallSession
	err := d.db.Where("status = ?", status).Order("started_at DESC").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (d *DatabaseStore) GetRecentSessions(limit int) ([]*models.CallSession, error) {
	var sessions []*models.CallSession
	q := d.db.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (d *DatabaseStore) AppendTurn(turn *models.ConversationTurn) error {
	if err := d.db.Create(turn).Error; err != nil {
		return &PersistenceError{Op: "append turn", Err: err}
	}
	return nil
}

func (d *DatabaseStore) GetTurns(sessionID string) ([]*models.ConversationTurn, error) {
	var turns []*models.ConversationTurn
	err := d.db.Where("session_id = ?", sessionID).Order("seq ASC").Find(&turns).Error
	if err != nil {
		return nil, err
	}
	return turns, nil
}

func (d *DatabaseStore) GetSessionStats() (*models.SessionStats, error) {
	stats := &models.SessionStats{}

	counts := []struct {
		status models.SessionStatus
		dest   *int64
	}{
		{models.SessionInProgress, &stats.InProgress},
		{models.SessionCompleted, &stats.Completed},
		{models.SessionNoAnswer, &stats.NoAnswer},
		{models.SessionBusy, &stats.Busy},
		{models.SessionFailed, &stats.Failed},
	}

	if err := d.db.Model(&models.CallSession{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		if err := d.db.Model(&models.CallSession{}).Where("status = ?", c.status).Count(c.dest).Error; err != nil {
			return nil, err
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	if stats.Completed > 0 {
		var avg float64
		err := d.db.Model(&models.CallSession{}).
			Where("status = ?", models.SessionCompleted).
			Select("AVG(duration_seconds)").Scan(&avg).Error
		if err != nil {
			return nil, err
		}
		stats.AvgDurationSeconds = avg
	}

	return stats, nil
}
