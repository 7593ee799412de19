package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of one placed call.
// All non in_progress states are terminal.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionNoAnswer   SessionStatus = "no_answer"
	SessionBusy       SessionStatus = "busy"
	SessionFailed     SessionStatus = "failed"
)

// IsTerminal reports whether no further automatic transition can occur
func (s SessionStatus) IsTerminal() bool {
	return s != SessionInProgress && s != ""
}

// Outcome classifications surfaced on the dashboard
const (
	OutcomeInterested        = "interested"
	OutcomeNotInterested     = "not_interested"
	OutcomeCallbackRequested = "callback_requested"
	OutcomeNoAnswer          = "no_answer"
	OutcomeTimeout           = "timeout"
	OutcomeFailed            = "failed"
)

// CallSession records a single placed-call attempt and its outcome
type CallSession struct {
	gorm.Model

	SessionID         string        `json:"session_id" gorm:"uniqueIndex"`
	ContactPhone      string        `json:"contact_phone" gorm:"index"`
	ContactName       string        `json:"contact_name"`
	RoomName          string        `json:"room_name"`
	CallSID           string        `json:"call_sid"`
	Status            SessionStatus `json:"status" gorm:"default:in_progress"`
	Outcome           string        `json:"outcome"`
	FailReason        string        `json:"fail_reason"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at"`
	DurationSeconds   int           `json:"duration_seconds"`
	CallbackRequested bool          `json:"callback_requested" gorm:"default:false"`
	CallbackAt        *time.Time    `json:"callback_at"`
}

// Finish marks the session terminal exactly once. Returns false if the
// session already reached a terminal state (duplicate event delivery).
func (s *CallSession) Finish(status SessionStatus, at time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	s.Status = status
	s.EndedAt = &at
	s.DurationSeconds = int(at.Sub(s.StartedAt).Seconds())
	return true
}

// Speaker identifies which party produced a conversation turn
type Speaker string

const (
	SpeakerAgent   Speaker = "agent"
	SpeakerContact Speaker = "contact"
)

// ConversationTurn is one utterance within a call session. Turns are
// append-only and strictly ordered by Seq starting at zero.
type ConversationTurn struct {
	gorm.Model

	SessionID string    `json:"session_id" gorm:"index:idx_session_seq,unique"`
	Seq       int       `json:"seq" gorm:"index:idx_session_seq,unique"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	SpokenAt  time.Time `json:"spoken_at"`
}
