package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// ContactStatus tracks where a contact is in the onboarding pipeline
type ContactStatus string

const (
	ContactPending           ContactStatus = "pending"
	ContactInProgress        ContactStatus = "in_progress"
	ContactCompleted         ContactStatus = "completed"
	ContactFailed            ContactStatus = "failed"
	ContactCallbackScheduled ContactStatus = "callback_scheduled"
	ContactNotInterested     ContactStatus = "not_interested"
)

// IsValid reports whether s is one of the known contact statuses
func (s ContactStatus) IsValid() bool {
	switch s {
	case ContactPending, ContactInProgress, ContactCompleted,
		ContactFailed, ContactCallbackScheduled, ContactNotInterested:
		return true
	}
	return false
}

// Priority is the calling-order tier for a contact
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort weight of a priority tier (lower is called first)
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func (p Priority) IsValid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Contact represents one person on the calling list
type Contact struct {
	gorm.Model

	Name              string        `json:"name"`
	Phone             string        `json:"phone_number" gorm:"uniqueIndex"` // E.164 - unique key
	Status            ContactStatus `json:"status" gorm:"default:pending"`
	Priority          Priority      `json:"priority" gorm:"default:medium"`
	Attempts          int           `json:"attempts" gorm:"default:0"`
	LastAttemptAt     *time.Time    `json:"last_contacted"`
	NextEligibleAt    *time.Time    `json:"next_eligible_at"` // backoff / cooldown gate
	Notes             string        `json:"notes"`
	CallbackAt        *time.Time    `json:"callback_at"`
	ContactPreference string        `json:"contact_preference"`
	Timezone          string        `json:"timezone"`
}

// BeforeCreate hook to normalize data before a contact row is written
func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	c.Phone = NormalizePhone(c.Phone)

	if c.Status == "" {
		c.Status = ContactPending
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	return nil
}

// NormalizePhone strips spaces and ensures a leading + on the number
func NormalizePhone(phone string) string {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	if phone == "" {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}

// Callable reports whether the contact may still be selected for dialing,
// ignoring cooldown timestamps. Permanently closed statuses are excluded.
func (c *Contact) Callable() bool {
	return c.Status == ContactPending || c.Status == ContactCallbackScheduled
}

// Eligible reports whether the contact can be dialed right now
func (c *Contact) Eligible(now time.Time) bool {
	if !c.Callable() {
		return false
	}
	if c.NextEligibleAt != nil && c.NextEligibleAt.After(now) {
		return false
	}
	return true
}

// AppendNote adds a timestamped line to the contact's free-text notes
func (c *Contact) AppendNote(now time.Time, note string) {
	if note == "" {
		return
	}
	line := now.Format("2006-01-02 15:04") + ": " + note
	if c.Notes == "" {
		c.Notes = line
		return
	}
	c.Notes = c.Notes + "\n" + line
}
