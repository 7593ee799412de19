// Package orchestrator runs the outbound calling loop: contact selection,
// pacing, the per-call lifecycle, and the retry/backoff policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahoum/outreach-backend/internal/contacts"
	"github.com/ahoum/outreach-backend/internal/models"
	"github.com/ahoum/outreach-backend/internal/services"
	"github.com/ahoum/outreach-backend/internal/sink"
	"github.com/ahoum/outreach-backend/internal/storage"
)

// Bridge is the telephony bridge surface the orchestrator drives
type Bridge interface {
	StartCall(ctx context.Context, contact *models.Contact) (*models.CallSession, *services.JoinCredentials, error)
	WaitForOutcome(ctx context.Context, sessionID string, timeout time.Duration) (*models.CallSession, error)
	Done(sessionID string) <-chan struct{}
	Hangup(sessionID string) error
	Release(sessionID string)
}

// Driver runs the conversation for one bridged call
type Driver interface {
	Run(ctx context.Context, session *models.CallSession, done <-chan struct{}) (string, []*models.ConversationTurn, error)
}

// Summary is the end-of-run report printed by the CLI
type Summary struct {
	Placed    int
	Completed int
	Failed    int
	Stats     models.ContactStats
}

// Orchestrator owns all contact status transitions. The conversation driver
// requests mutations only through the ContactActions methods below.
type Orchestrator struct {
	book    *contacts.Book
	bridge  Bridge
	driver  Driver
	records sink.Sink
	cfg     Config

	mu       sync.Mutex
	inflight map[string]string // phone -> session id, the one-call-per-contact guard
	runErr   error

	slotFree chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	nowFn   func() time.Time
	sleepFn func(d time.Duration, cancel <-chan struct{})
}

// New wires an orchestrator over its collaborators
func New(book *contacts.Book, bridge Bridge, driver Driver, records sink.Sink, cfg Config) *Orchestrator {
	return &Orchestrator{
		book:     book,
		bridge:   bridge,
		driver:   driver,
		records:  records,
		cfg:      cfg.withDefaults(),
		inflight: make(map[string]string),
		slotFree: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
		sleepFn:  interruptibleSleep,
	}
}

// SetDriver installs the conversation driver. The driver is built after the
// orchestrator because it talks back through the ContactActions surface.
func (o *Orchestrator) SetDriver(d Driver) { o.driver = d }

// SetNowFunc overrides the orchestrator clock (tests only)
func (o *Orchestrator) SetNowFunc(fn func() time.Time) { o.nowFn = fn }

// SetSleepFunc overrides the pacing sleep (tests only)
func (o *Orchestrator) SetSleepFunc(fn func(d time.Duration, cancel <-chan struct{})) {
	o.sleepFn = fn
}

func interruptibleSleep(d time.Duration, cancel <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cancel:
	}
}

// Stop halts new call placement. In-flight calls drain to completion.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		log.Println("🛑 Stop requested - no new calls will be placed")
		close(o.stopCh)
	})
}

func (o *Orchestrator) stopped() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// fatal records the first persistence failure and stops the run
func (o *Orchestrator) fatal(err error) {
	o.mu.Lock()
	if o.runErr == nil {
		o.runErr = err
	}
	o.mu.Unlock()
	o.Stop()
}

// backoff returns the cooldown after the given attempt count. It doubles
// from the configured base and never exceeds the cap.
func (o *Orchestrator) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := o.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.cfg.BackoffCap {
			return o.cfg.BackoffCap
		}
	}
	if d > o.cfg.BackoffCap {
		return o.cfg.BackoffCap
	}
	return d
}

// selectNext picks the next eligible contact, skipping any with a call in
// flight. Returns nil when nothing qualifies right now.
func (o *Orchestrator) selectNext(now time.Time) *models.Contact {
	if o.cfg.TargetPhone != "" {
		c, ok := o.book.Get(o.cfg.TargetPhone)
		if !ok || !c.Eligible(now) {
			return nil
		}
		o.mu.Lock()
		_, busy := o.inflight[c.Phone]
		o.mu.Unlock()
		if busy {
			return nil
		}
		return c
	}

	// NextEligible never returns a contact marked in_progress, and the
	// inflight map guards the window before the status write lands.
	c := o.book.NextEligible(now)
	if c == nil {
		return nil
	}
	o.mu.Lock()
	_, busy := o.inflight[c.Phone]
	o.mu.Unlock()
	if busy {
		return nil
	}
	return c
}

func (o *Orchestrator) inflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Run executes one calling session and blocks until every in-flight call
// has drained. Only persistence failures abort the run early.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	log.Println("=== Starting Outbound Calling Session ===")
	if o.cfg.DryRun {
		log.Println("🧪 Dry-run mode: no calls will actually be dialed")
	}
	log.Printf("Initial stats: %+v", o.book.Stats())

	summary := &Summary{}
	var sumMu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, o.cfg.Concurrency)
	var lastPlacement time.Time

	for summary.Placed < o.cfg.MaxCalls {
		if o.stopped() || ctx.Err() != nil {
			break
		}

		contact := o.selectNext(o.nowFn())
		if contact == nil {
			if o.inflightCount() == 0 {
				// a retried contact may still become eligible after its
				// backoff cooldown
				wake := o.book.NextWakeTime(o.nowFn())
				if o.cfg.TargetPhone != "" {
					wake = nil
					if c, ok := o.book.Get(o.cfg.TargetPhone); ok && c.Callable() && c.NextEligibleAt != nil && c.NextEligibleAt.After(o.nowFn()) {
						wake = c.NextEligibleAt
					}
				}
				if wake == nil {
					log.Println("No more contacts eligible to call")
					break
				}
				if d := wake.Sub(o.nowFn()); d > 0 {
					log.Printf("Next contact eligible at %s - waiting %v", wake.Format(time.RFC3339), d.Round(time.Second))
					o.sleepFn(d, o.stopCh)
				}
				if o.stopped() {
					break
				}
				continue
			}
			// a draining call may revert its contact to pending
			select {
			case <-o.slotFree:
			case <-o.stopCh:
			case <-ctx.Done():
			}
			continue
		}

		// pacing: lower bound between successive placements
		if summary.Placed > 0 && o.cfg.CallInterval > 0 {
			if wait := o.cfg.CallInterval - o.nowFn().Sub(lastPlacement); wait > 0 {
				log.Printf("Waiting %v before next call...", wait)
				o.sleepFn(wait, o.stopCh)
			}
			if o.stopped() {
				break
			}
		}

		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-o.stopCh:
		case <-ctx.Done():
		}
		if !acquired {
			break
		}
		// a draining call may have raised a fatal error while we waited
		if o.stopped() || ctx.Err() != nil {
			<-sem
			break
		}

		// one attempt is consumed at placement time, whatever the outcome
		now := o.nowFn()
		contact.Status = models.ContactInProgress
		contact.Attempts++
		contact.LastAttemptAt = &now
		contact.NextEligibleAt = nil
		if err := o.book.Update(contact); err != nil {
			o.fatal(&storage.PersistenceError{Op: "mark contact in progress", Err: err})
			<-sem
			break
		}

		o.mu.Lock()
		o.inflight[contact.Phone] = ""
		o.mu.Unlock()

		summary.Placed++
		lastPlacement = o.nowFn()
		log.Printf("[%d/%d] Calling %s at %s", summary.Placed, o.cfg.MaxCalls, contact.Name, contact.Phone)

		wg.Add(1)
		go func(c *models.Contact) {
			defer wg.Done()
			defer func() {
				<-sem
				o.mu.Lock()
				delete(o.inflight, c.Phone)
				o.mu.Unlock()
				select {
				case o.slotFree <- struct{}{}:
				default:
				}
			}()

			ok, err := o.runCall(ctx, c)
			sumMu.Lock()
			if ok {
				summary.Completed++
			} else {
				summary.Failed++
			}
			sumMu.Unlock()
			if err != nil {
				var pe *storage.PersistenceError
				if errors.As(err, &pe) {
					o.fatal(err)
					return
				}
				log.Printf("❌ Call to %s failed: %v", c.Name, err)
			}
		}(contact)
	}

	wg.Wait()

	if err := o.book.SaveAll(); err != nil {
		o.fatal(&storage.PersistenceError{Op: "final contact save", Err: err})
	}

	summary.Stats = o.book.Stats()
	log.Println("=== Calling Session Complete ===")
	log.Printf("Total calls attempted: %d", summary.Placed)
	log.Printf("Successful calls: %d", summary.Completed)
	log.Printf("Failed calls: %d", summary.Failed)
	log.Printf("Final stats: %+v", summary.Stats)

	o.mu.Lock()
	err := o.runErr
	o.mu.Unlock()
	return summary, err
}

// runCall executes one placed call end to end and applies the resulting
// contact transition. It reports whether the call completed.
func (o *Orchestrator) runCall(ctx context.Context, contact *models.Contact) (bool, error) {
	if o.cfg.DryRun {
		return o.runDryCall(ctx, contact)
	}

	session, _, err := o.bridge.StartCall(ctx, contact)
	if err != nil {
		// placement and bridge rejections consume the attempt like any
		// other failed terminal status
		if session != nil {
			if serr := o.records.SessionStarted(ctx, session); serr != nil {
				return false, serr
			}
			if serr := o.records.SessionEnded(ctx, session, nil); serr != nil {
				return false, serr
			}
		}
		if rerr := o.applyRetry(contact.Phone, classifyStartError(err)); rerr != nil {
			return false, rerr
		}
		return false, err
	}

	if err := o.records.SessionStarted(ctx, session); err != nil {
		return false, err
	}

	done := o.bridge.Done(session.SessionID)

	type driverResult struct {
		outcome string
		turns   []*models.ConversationTurn
		err     error
	}
	driverCh := make(chan driverResult, 1)
	go func() {
		outcome, turns, derr := o.driver.Run(ctx, session, done)
		driverCh <- driverResult{outcome, turns, derr}
	}()

	drv := <-driverCh
	if drv.outcome == models.OutcomeTimeout || drv.err != nil {
		// the conversation gave up before the platform hung up
		if herr := o.bridge.Hangup(session.SessionID); herr != nil {
			log.Printf("⚠️  Hangup of session %s failed: %v", session.SessionID, herr)
		}
	}

	final, err := o.bridge.WaitForOutcome(ctx, session.SessionID, o.cfg.OutcomeTimeout)
	if err != nil {
		return false, fmt.Errorf("wait for outcome of %s: %w", session.SessionID, err)
	}
	o.bridge.Release(session.SessionID)

	// fold the conversation result into the terminal session record
	final.CallbackRequested = session.CallbackRequested
	final.CallbackAt = session.CallbackAt
	final.Outcome = classifyOutcome(final.Status, drv.outcome)
	if drv.outcome == models.OutcomeTimeout {
		final.Outcome = models.OutcomeTimeout
	}

	if err := o.records.SessionEnded(ctx, final, drv.turns); err != nil {
		return false, err
	}
	if drv.err != nil && !errors.Is(drv.err, context.Canceled) {
		log.Printf("⚠️  Conversation for session %s ended with error: %v", session.SessionID, drv.err)
	}

	return o.applyFinal(contact.Phone, final)
}

// runDryCall performs the same state transitions as a real call but
// synthesizes an immediately completed session instead of dialing.
func (o *Orchestrator) runDryCall(ctx context.Context, contact *models.Contact) (bool, error) {
	now := o.nowFn()
	session := &models.CallSession{
		SessionID:    uuid.NewString(),
		ContactPhone: contact.Phone,
		ContactName:  contact.Name,
		RoomName:     services.RoomNameFor(contact.Phone, now),
		Status:       models.SessionInProgress,
		StartedAt:    now,
	}
	if err := o.records.SessionStarted(ctx, session); err != nil {
		return false, err
	}

	session.Finish(models.SessionCompleted, o.nowFn())
	session.Outcome = models.OutcomeInterested
	if err := o.records.SessionEnded(ctx, session, nil); err != nil {
		return false, err
	}

	return o.applyFinal(contact.Phone, session)
}

// classifyStartError maps a StartCall failure to the reason recorded on the
// contact.
func classifyStartError(err error) string {
	var placement *services.PlacementError
	if errors.As(err, &placement) {
		return "placement_rejected"
	}
	var bridge *services.BridgeError
	if errors.As(err, &bridge) {
		return "bridge_unavailable"
	}
	return "call_failed"
}

// classifyOutcome picks the dashboard outcome for a terminal session
func classifyOutcome(status models.SessionStatus, driverOutcome string) string {
	switch status {
	case models.SessionCompleted:
		if driverOutcome == "" {
			return models.OutcomeInterested
		}
		return driverOutcome
	case models.SessionNoAnswer:
		return models.OutcomeNoAnswer
	case models.SessionBusy:
		return models.OutcomeFailed
	default:
		return models.OutcomeFailed
	}
}

// applyFinal transitions the contact after a terminal session. Tool-driven
// transitions (callback, disinterest) set during the call take precedence.
func (o *Orchestrator) applyFinal(phone string, session *models.CallSession) (bool, error) {
	fresh, ok := o.book.Get(phone)
	if !ok {
		return false, fmt.Errorf("contact %s disappeared mid-call", phone)
	}

	switch fresh.Status {
	case models.ContactCallbackScheduled, models.ContactNotInterested:
		// already decided by a tool call during the conversation
		return true, nil
	}

	if session.Status == models.SessionCompleted && session.Outcome != models.OutcomeTimeout {
		now := o.nowFn()
		fresh.Status = models.ContactCompleted
		fresh.NextEligibleAt = nil
		fresh.AppendNote(now, "onboarding call completed ("+session.Outcome+")")
		if err := o.book.Update(fresh); err != nil {
			return false, &storage.PersistenceError{Op: "complete contact", Err: err}
		}
		log.Printf("✅ Call to %s completed (%s)", fresh.Name, session.Outcome)
		return true, nil
	}

	reason := session.FailReason
	if reason == "" {
		reason = string(session.Status)
	}
	if session.Outcome == models.OutcomeTimeout {
		reason = models.OutcomeTimeout
	}
	if err := o.applyRetry(phone, reason); err != nil {
		return false, err
	}
	return false, nil
}

// applyRetry reverts the contact to pending with a backoff cooldown, or
// marks it permanently failed once attempts are exhausted.
func (o *Orchestrator) applyRetry(phone, reason string) error {
	fresh, ok := o.book.Get(phone)
	if !ok {
		return fmt.Errorf("contact %s disappeared mid-call", phone)
	}

	switch fresh.Status {
	case models.ContactCallbackScheduled, models.ContactNotInterested:
		return nil
	}

	now := o.nowFn()
	if fresh.Attempts >= o.cfg.MaxAttempts {
		fresh.Status = models.ContactFailed
		fresh.NextEligibleAt = nil
		fresh.AppendNote(now, fmt.Sprintf("giving up after %d attempts (%s)", fresh.Attempts, reason))
		log.Printf("❌ %s exhausted %d attempts (%s)", fresh.Phone, fresh.Attempts, reason)
	} else {
		delay := o.backoff(fresh.Attempts)
		next := now.Add(delay)
		fresh.Status = models.ContactPending
		fresh.NextEligibleAt = &next
		fresh.AppendNote(now, fmt.Sprintf("attempt %d failed (%s), retry after %s", fresh.Attempts, reason, next.Format(time.RFC3339)))
		log.Printf("🔁 %s attempt %d failed (%s), retry in %v", fresh.Phone, fresh.Attempts, reason, delay)
	}

	if err := o.book.Update(fresh); err != nil {
		return &storage.PersistenceError{Op: "apply retry", Err: err}
	}
	return nil
}
