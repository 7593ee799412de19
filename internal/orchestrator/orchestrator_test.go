package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahoum/outreach-backend/internal/contacts"
	"github.com/ahoum/outreach-backend/internal/models"
	"github.com/ahoum/outreach-backend/internal/services"
	"github.com/ahoum/outreach-backend/internal/sink"
	"github.com/ahoum/outreach-backend/internal/storage"
)

// fakeClock drives the orchestrator deterministically: sleeps jump the
// clock forward instead of waiting.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration, _ <-chan struct{}) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedCall is one pre-planned result for a contact's next placed call
type scriptedCall struct {
	startErr error
	status   models.SessionStatus
}

// fakeBridge plays back scripted call results and records concurrency
type fakeBridge struct {
	mu      sync.Mutex
	clock   *fakeClock
	scripts map[string][]scriptedCall
	pending map[string]models.SessionStatus
	results map[string]*models.CallSession

	started       int
	seq           int
	active        map[string]int
	maxActive     int
	maxPerContact int
	hangups       []string
}

func newFakeBridge(clock *fakeClock) *fakeBridge {
	return &fakeBridge{
		clock:   clock,
		scripts: make(map[string][]scriptedCall),
		pending: make(map[string]models.SessionStatus),
		results: make(map[string]*models.CallSession),
		active:  make(map[string]int),
	}
}

func (f *fakeBridge) script(phone string, calls ...scriptedCall) {
	f.scripts[phone] = append(f.scripts[phone], calls...)
}

func (f *fakeBridge) StartCall(_ context.Context, c *models.Contact) (*models.CallSession, *services.JoinCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started++
	f.seq++
	sc := scriptedCall{status: models.SessionCompleted}
	if q := f.scripts[c.Phone]; len(q) > 0 {
		sc = q[0]
		f.scripts[c.Phone] = q[1:]
	}

	now := f.clock.Now()
	session := &models.CallSession{
		SessionID:    fmt.Sprintf("sess-%d", f.seq),
		ContactPhone: c.Phone,
		ContactName:  c.Name,
		RoomName:     fmt.Sprintf("room-%d", f.seq),
		Status:       models.SessionInProgress,
		StartedAt:    now,
	}
	if sc.startErr != nil {
		session.Finish(models.SessionFailed, now)
		session.FailReason = "placement_rejected"
		session.Outcome = models.OutcomeFailed
		return session, nil, sc.startErr
	}

	f.active[c.Phone]++
	if f.active[c.Phone] > f.maxPerContact {
		f.maxPerContact = f.active[c.Phone]
	}
	total := 0
	for _, n := range f.active {
		total += n
	}
	if total > f.maxActive {
		f.maxActive = total
	}

	f.results[session.SessionID] = session
	f.pending[session.SessionID] = sc.status
	return session, &services.JoinCredentials{RoomName: session.RoomName}, nil
}

func (f *fakeBridge) WaitForOutcome(_ context.Context, sessionID string, _ time.Duration) (*models.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.results[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	s.Finish(f.pending[sessionID], f.clock.Now())
	f.active[s.ContactPhone]--
	cp := *s
	return &cp, nil
}

func (f *fakeBridge) Done(string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakeBridge) Hangup(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sessionID)
	return nil
}

func (f *fakeBridge) Release(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.results, sessionID)
}

// fakeDriver returns a scripted outcome, optionally performing contact
// actions first the way a tool call would.
type fakeDriver struct {
	mu      sync.Mutex
	delay   time.Duration
	respond func(session *models.CallSession) string
	runs    int
}

func (f *fakeDriver) Run(_ context.Context, session *models.CallSession, _ <-chan struct{}) (string, []*models.ConversationTurn, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(session), nil, nil
	}
	return models.OutcomeInterested, nil, nil
}

func newTestBook(t *testing.T, phones ...string) *contacts.Book {
	t.Helper()
	book, err := contacts.Load(filepath.Join(t.TempDir(), "contacts.csv"))
	require.NoError(t, err)
	for i, p := range phones {
		require.NoError(t, book.Add(fmt.Sprintf("Contact %d", i+1), p))
	}
	return book
}

func newTestOrchestrator(t *testing.T, book *contacts.Book, bridge Bridge, driver Driver, store storage.Store, cfg Config) (*Orchestrator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	o := New(book, bridge, driver, sink.NewDualSink(nil, sink.NewStoreSink(store)), cfg)
	o.SetNowFunc(clock.Now)
	o.SetSleepFunc(clock.Sleep)
	return o, clock
}

func TestRetryUntilAttemptsExhausted(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	bridge.script("+911000000001",
		scriptedCall{status: models.SessionNoAnswer},
		scriptedCall{status: models.SessionNoAnswer},
		scriptedCall{status: models.SessionNoAnswer},
	)
	store := storage.NewMemoryStore()

	o := New(book, bridge, &fakeDriver{}, sink.NewDualSink(nil, sink.NewStoreSink(store)), Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	o.SetNowFunc(clock.Now)
	o.SetSleepFunc(clock.Sleep)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, bridge.started)
	assert.Equal(t, 3, summary.Placed)
	assert.Equal(t, 0, summary.Completed)
	assert.Equal(t, 3, summary.Failed)

	c, ok := book.Get("+911000000001")
	require.True(t, ok)
	assert.Equal(t, models.ContactFailed, c.Status)
	assert.Equal(t, 3, c.Attempts)
	assert.Nil(t, c.NextEligibleAt)
	assert.Contains(t, c.Notes, "giving up after 3 attempts")

	// every placement left a terminal session record
	sessions, err := store.GetRecentSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.Equal(t, models.SessionNoAnswer, s.Status)
		assert.NotNil(t, s.EndedAt)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	o := New(nil, nil, nil, nil, Config{BackoffBase: 5 * time.Minute, BackoffCap: time.Hour})

	assert.Equal(t, 5*time.Minute, o.backoff(0))
	assert.Equal(t, 5*time.Minute, o.backoff(1))
	assert.Equal(t, 10*time.Minute, o.backoff(2))
	assert.Equal(t, 20*time.Minute, o.backoff(3))
	assert.Equal(t, 40*time.Minute, o.backoff(4))
	assert.Equal(t, time.Hour, o.backoff(5))
	assert.Equal(t, time.Hour, o.backoff(12))

	// monotone non-decreasing
	prev := time.Duration(0)
	for i := 1; i <= 12; i++ {
		d := o.backoff(i)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		prev = d
	}
}

func TestRetryCooldownRecordedOnContact(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	bridge.script("+911000000001", scriptedCall{status: models.SessionBusy})
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{
		MaxCalls:    1,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Minute,
		BackoffCap:  time.Hour,
	})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactPending, c.Status)
	assert.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.NextEligibleAt)
	require.NotNil(t, c.LastAttemptAt)
	assert.Equal(t, 5*time.Minute, c.NextEligibleAt.Sub(*c.LastAttemptAt))
}

func TestAttemptsMatchPlacedCalls(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	bridge.script("+911000000001",
		scriptedCall{status: models.SessionNoAnswer},
		scriptedCall{status: models.SessionCompleted},
	)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactCompleted, c.Status)
	assert.Equal(t, summary.Placed, c.Attempts)
	assert.Equal(t, 2, bridge.started)
	assert.Equal(t, 1, summary.Completed)
}

func TestPlacementRejectionConsumesAttempt(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	bridge.script("+911000000001",
		scriptedCall{startErr: &services.PlacementError{Phone: "+911000000001", Err: fmt.Errorf("invalid number")}},
		scriptedCall{status: models.SessionCompleted},
	)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactCompleted, c.Status)
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, 2, summary.Placed)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, c.Notes, "placement_rejected")

	// the rejected placement still produced a terminal session record
	sessions, err := store.GetRecentSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestCallbackScheduledByToolCall(t *testing.T) {
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, nil, store, Config{
		MaxCalls:    1,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	o.SetDriver(&fakeDriver{respond: func(session *models.CallSession) string {
		require.NoError(t, o.ScheduleCallback(session.ContactPhone, at))
		session.CallbackRequested = true
		session.CallbackAt = &at
		return models.OutcomeCallbackRequested
	}})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactCallbackScheduled, c.Status)
	assert.Equal(t, 1, c.Attempts, "scheduling a callback never consumes an extra attempt")
	require.NotNil(t, c.CallbackAt)
	assert.True(t, c.CallbackAt.Equal(at))
	require.NotNil(t, c.NextEligibleAt)
	assert.True(t, c.NextEligibleAt.Equal(at), "the callback time is the next-eligible gate")

	sessions, err := store.GetRecentSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].CallbackRequested)
	assert.Equal(t, models.OutcomeCallbackRequested, sessions[0].Outcome)
}

func TestCallbackOverridesRetryBackoff(t *testing.T) {
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	// the call leg drops after the tool call fires
	bridge.script("+911000000001", scriptedCall{status: models.SessionFailed})
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, nil, store, Config{
		MaxCalls:    1,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	o.SetDriver(&fakeDriver{respond: func(session *models.CallSession) string {
		require.NoError(t, o.ScheduleCallback(session.ContactPhone, at))
		return models.OutcomeCallbackRequested
	}})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactCallbackScheduled, c.Status, "tool decision wins over the retry path")
	assert.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.NextEligibleAt)
	assert.True(t, c.NextEligibleAt.Equal(at))
}

func TestNotInterestedClosesContact(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, nil, store, Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	o.SetDriver(&fakeDriver{respond: func(session *models.CallSession) string {
		require.NoError(t, o.MarkNotInterested(session.ContactPhone))
		return models.OutcomeNotInterested
	}})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Placed, "a closed contact is never redialed")
	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactNotInterested, c.Status)
	assert.Nil(t, c.NextEligibleAt)
}

func TestDryRunPlacesNoCalls(t *testing.T) {
	book := newTestBook(t,
		"+911000000001", "+911000000002", "+911000000003",
		"+911000000004", "+911000000005",
	)
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
		DryRun:      true,
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, bridge.started, "dry run must never touch the bridge")
	assert.Equal(t, 5, summary.Placed)
	assert.Equal(t, 5, summary.Completed)

	sessions, err := store.GetRecentSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 5)
	for _, s := range sessions {
		assert.Equal(t, models.SessionCompleted, s.Status)
	}
	for _, c := range book.All() {
		assert.Equal(t, models.ContactCompleted, c.Status)
		assert.Equal(t, 1, c.Attempts)
	}
}

func TestConcurrencyBounded(t *testing.T) {
	book := newTestBook(t,
		"+911000000001", "+911000000002", "+911000000003",
		"+911000000004", "+911000000005", "+911000000006",
	)
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{delay: 20 * time.Millisecond}, store, Config{
		MaxCalls:    6,
		Concurrency: 3,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Placed)
	assert.Equal(t, 6, summary.Completed)
	assert.LessOrEqual(t, bridge.maxActive, 3)
	assert.Equal(t, 1, bridge.maxPerContact, "at most one live call per contact")
	for _, c := range book.All() {
		assert.Equal(t, 1, c.Attempts)
	}
}

func TestSingleTargetMode(t *testing.T) {
	book := newTestBook(t, "+911000000001", "+911000000002")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
		TargetPhone: "+911000000002",
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Placed)
	c1, _ := book.Get("+911000000001")
	c2, _ := book.Get("+911000000002")
	assert.Equal(t, models.ContactPending, c1.Status)
	assert.Equal(t, models.ContactCompleted, c2.Status)
}

func TestModelTimeoutHangsUpAndRetries(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, nil, store, Config{
		MaxCalls:    1,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	o.SetDriver(&fakeDriver{respond: func(*models.CallSession) string {
		return models.OutcomeTimeout
	}})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, bridge.hangups, 1, "a model timeout must end the call leg")

	c, _ := book.Get("+911000000001")
	assert.Equal(t, models.ContactPending, c.Status, "timeout counts as a failed attempt")
	assert.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.NextEligibleAt)

	sessions, err := store.GetRecentSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.OutcomeTimeout, sessions[0].Outcome)
}

// failingSink rejects every durable write
type failingSink struct{}

func (failingSink) SessionStarted(context.Context, *models.CallSession) error {
	return &storage.PersistenceError{Op: "create session", Err: fmt.Errorf("disk full")}
}
func (failingSink) TurnAdded(context.Context, *models.CallSession, *models.ConversationTurn) error {
	return &storage.PersistenceError{Op: "append turn", Err: fmt.Errorf("disk full")}
}
func (failingSink) SessionEnded(context.Context, *models.CallSession, []*models.ConversationTurn) error {
	return &storage.PersistenceError{Op: "update session", Err: fmt.Errorf("disk full")}
}

func TestPersistenceFailureAbortsRun(t *testing.T) {
	book := newTestBook(t, "+911000000001", "+911000000002")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)

	o := New(book, bridge, &fakeDriver{}, sink.NewDualSink(nil, failingSink{}), Config{
		MaxCalls:    10,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	o.SetNowFunc(clock.Now)
	o.SetSleepFunc(clock.Sleep)

	summary, err := o.Run(context.Background())
	require.Error(t, err)

	var pe *storage.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, summary.Placed, "the run stops at the first persistence failure")
}

func TestStopBeforeRunPlacesNothing(t *testing.T) {
	book := newTestBook(t, "+911000000001")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{MaxCalls: 10})
	o.Stop()

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Placed)
	assert.Equal(t, 0, bridge.started)
}

func TestMaxCallsBoundsTheSession(t *testing.T) {
	book := newTestBook(t, "+911000000001", "+911000000002", "+911000000003")
	clock := newFakeClock()
	bridge := newFakeBridge(clock)
	store := storage.NewMemoryStore()

	o, _ := newTestOrchestrator(t, book, bridge, &fakeDriver{}, store, Config{
		MaxCalls:    2,
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Placed)
	assert.Equal(t, 2, bridge.started)
}
