package orchestrator

import (
	"fmt"
	"log"
	"time"

	"github.com/ahoum/outreach-backend/internal/models"
)

// The orchestrator is the only writer of contact status. These methods are
// the mutation surface handed to the conversation driver as
// services.ContactActions.

// TakeNote appends a timestamped note to the contact record
func (o *Orchestrator) TakeNote(phone, text string) error {
	c, ok := o.book.Get(phone)
	if !ok {
		return fmt.Errorf("contact %s not found", phone)
	}
	c.AppendNote(o.nowFn(), text)
	if err := o.book.Update(c); err != nil {
		return err
	}
	log.Printf("📝 Note for %s: %s", phone, text)
	return nil
}

// ScheduleCallback marks the contact callback_scheduled and makes the
// callback time its next-eligible gate, overriding any retry backoff.
// The scheduling action itself never consumes an attempt.
func (o *Orchestrator) ScheduleCallback(phone string, at time.Time) error {
	c, ok := o.book.Get(phone)
	if !ok {
		return fmt.Errorf("contact %s not found", phone)
	}

	c.Status = models.ContactCallbackScheduled
	at = at.UTC()
	c.CallbackAt = &at
	c.NextEligibleAt = &at
	c.AppendNote(o.nowFn(), "callback requested for "+at.Format(time.RFC3339))
	if err := o.book.Update(c); err != nil {
		return err
	}
	log.Printf("📅 Callback scheduled for %s at %s", phone, at.Format(time.RFC3339))
	return nil
}

// MarkNotInterested permanently removes the contact from selection
func (o *Orchestrator) MarkNotInterested(phone string) error {
	c, ok := o.book.Get(phone)
	if !ok {
		return fmt.Errorf("contact %s not found", phone)
	}

	c.Status = models.ContactNotInterested
	c.NextEligibleAt = nil
	c.AppendNote(o.nowFn(), "marked not interested")
	if err := o.book.Update(c); err != nil {
		return err
	}
	log.Printf("🚫 %s marked not interested", phone)
	return nil
}
