package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahoum/outreach-backend/internal/models"
)

// CallPlacer places and tears down the telephony leg of a bridged call
type CallPlacer interface {
	PlaceCall(to, roomName, sessionID string) (string, error)
	EndCall(callSID string) error
}

// RoomCreator sets up the media room and mints join credentials
type RoomCreator interface {
	CreateRoom(ctx context.Context, name, metadata string) (*Room, error)
	JoinTokens(roomName, contactIdentity string) (*JoinCredentials, error)
}

// liveSession tracks one in-flight call inside the bridge
type liveSession struct {
	session *models.CallSession
	creds   *JoinCredentials
	done    chan struct{} // closed when the session reaches a terminal state
}

// CallBridge wraps call placement and room creation into a single
// start-a-bridged-call operation and absorbs the asynchronous status
// callbacks from the telephony platform.
type CallBridge struct {
	telephony CallPlacer
	rooms     RoomCreator

	mu       sync.Mutex
	sessions map[string]*liveSession

	nowFn func() time.Time
}

// NewCallBridge creates the bridge over the two external services
func NewCallBridge(telephony CallPlacer, rooms RoomCreator) *CallBridge {
	return &CallBridge{
		telephony: telephony,
		rooms:     rooms,
		sessions:  make(map[string]*liveSession),
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the bridge clock (tests only)
func (b *CallBridge) SetNowFunc(fn func() time.Time) {
	b.nowFn = fn
}

// RoomNameFor builds the per-call room name the media agent joins
func RoomNameFor(phone string, at time.Time) string {
	digits := strings.TrimPrefix(phone, "+")
	return fmt.Sprintf("onboarding-%s-%d", digits, at.Unix())
}

// StartCall creates the media room, mints join credentials for both legs,
// and places the outbound call. The returned session is in_progress on
// success and already terminal (failed) when the room could not be created.
func (b *CallBridge) StartCall(ctx context.Context, contact *models.Contact) (*models.CallSession, *JoinCredentials, error) {
	now := b.nowFn()
	session := &models.CallSession{
		SessionID:    uuid.NewString(),
		ContactPhone: contact.Phone,
		ContactName:  contact.Name,
		RoomName:     RoomNameFor(contact.Phone, now),
		Status:       models.SessionInProgress,
		StartedAt:    now,
	}

	room, err := b.rooms.CreateRoom(ctx, session.RoomName, "Outbound call to "+contact.Name)
	if err != nil {
		session.Finish(models.SessionFailed, b.nowFn())
		session.FailReason = "bridge_unavailable"
		session.Outcome = models.OutcomeFailed
		return session, nil, err
	}
	log.Printf("🏠 Room %s ready for call to %s", room.Name, contact.Phone)

	creds, err := b.rooms.JoinTokens(session.RoomName, "contact-"+strings.TrimPrefix(contact.Phone, "+"))
	if err != nil {
		session.Finish(models.SessionFailed, b.nowFn())
		session.FailReason = "bridge_unavailable"
		session.Outcome = models.OutcomeFailed
		return session, nil, &BridgeError{Room: session.RoomName, Err: err}
	}

	callSID, err := b.telephony.PlaceCall(contact.Phone, session.RoomName, session.SessionID)
	if err != nil {
		session.Finish(models.SessionFailed, b.nowFn())
		session.FailReason = "placement_rejected"
		session.Outcome = models.OutcomeFailed
		return session, nil, err
	}
	session.CallSID = callSID

	b.mu.Lock()
	b.sessions[session.SessionID] = &liveSession{
		session: session,
		creds:   creds,
		done:    make(chan struct{}),
	}
	b.mu.Unlock()

	return session, creds, nil
}

// terminalStatusFor maps a platform event to a terminal session status.
// Non-terminal events return the empty string.
func terminalStatusFor(event string) models.SessionStatus {
	switch event {
	case "completed", "answered":
		return models.SessionCompleted
	case "no-answer":
		return models.SessionNoAnswer
	case "busy":
		return models.SessionBusy
	case "failed", "canceled":
		return models.SessionFailed
	default:
		return ""
	}
}

// OnStatusEvent absorbs an asynchronous status callback. Events for unknown
// or already-terminal sessions are logged and discarded, so duplicate
// delivery is harmless.
func (b *CallBridge) OnStatusEvent(sessionID, event string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls, ok := b.sessions[sessionID]
	if !ok {
		log.Printf("⚠️  Status event %q for unknown session %s - discarded", event, sessionID)
		return
	}

	status := terminalStatusFor(event)
	if status == "" {
		log.Printf("📶 Session %s: %s", sessionID, event)
		return
	}

	if !ls.session.Finish(status, b.nowFn()) {
		log.Printf("⚠️  Duplicate terminal event %q for session %s - discarded", event, sessionID)
		return
	}
	log.Printf("🏁 Session %s terminal: %s", sessionID, status)
	close(ls.done)
}

// Session returns a copy of a tracked session
func (b *CallBridge) Session(sessionID string) (*models.CallSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls, ok := b.sessions[sessionID]
	if !ok {
		return nil, false
	}
	cp := *ls.session
	return &cp, true
}

// Done exposes the terminal-state signal for a session. The channel is
// closed when the session ends; a nil channel is returned for unknown ids.
func (b *CallBridge) Done(sessionID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ls, ok := b.sessions[sessionID]; ok {
		return ls.done
	}
	return nil
}

// Hangup asks the platform to end a live call. Already-terminal and
// unknown sessions are a no-op; the terminal status still arrives through
// the normal status callback.
func (b *CallBridge) Hangup(sessionID string) error {
	b.mu.Lock()
	ls, ok := b.sessions[sessionID]
	var callSID string
	if ok && !ls.session.Status.IsTerminal() {
		callSID = ls.session.CallSID
	}
	b.mu.Unlock()

	if callSID == "" {
		return nil
	}
	log.Printf("📴 Hanging up session %s (call %s)", sessionID, callSID)
	return b.telephony.EndCall(callSID)
}

// WaitForOutcome blocks until the session reaches a terminal state, the
// timeout fires, or ctx is cancelled. On timeout the session is forced to
// failed with reason status_timeout so it can never be resolved twice.
func (b *CallBridge) WaitForOutcome(ctx context.Context, sessionID string, timeout time.Duration) (*models.CallSession, error) {
	b.mu.Lock()
	ls, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ls.done:
	case <-timer.C:
		b.mu.Lock()
		if ls.session.Finish(models.SessionFailed, b.nowFn()) {
			ls.session.FailReason = "status_timeout"
			close(ls.done)
			log.Printf("⏰ Session %s timed out waiting for terminal status", sessionID)
		}
		b.mu.Unlock()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	cp := *ls.session
	b.mu.Unlock()
	return &cp, nil
}

// Release drops a finished session from the registry. Later status events
// for it are treated as unknown and discarded.
func (b *CallBridge) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
