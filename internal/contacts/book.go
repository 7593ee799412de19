package contacts

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ahoum/outreach-backend/internal/models"
)

// csvHeader is the contact list exchange format
var csvHeader = []string{
	"name", "phone_number", "status", "priority", "last_contacted",
	"attempts", "notes", "contact_preference", "timezone",
}

// RowError reports a malformed contact row. Malformed rows are skipped and
// counted, never fatal to the whole load.
type RowError struct {
	Line   int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("contact row %d: %s", e.Line, e.Reason)
}

// Book is the CSV-backed contact store. All reads and writes go through the
// mutex so concurrent callers never observe a partially updated record.
type Book struct {
	mu       sync.RWMutex
	path     string
	contacts []*models.Contact
	byPhone  map[string]int
	skipped  int

	// flush to disk after this many updates to bound data loss on crash
	autosaveEvery int
	dirty         int
}

// Load reads the contact list from path. A missing file yields an empty book
// and creates the file with a header on first save.
func Load(path string) (*Book, error) {
	b := &Book{
		path:          path,
		byPhone:       make(map[string]int),
		autosaveEvery: 5,
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Printf("⚠️  Contact file %s not found - starting with empty list", path)
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open contact file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse contact file: %w", err)
	}

	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		c, err := parseRow(i+1, row)
		if err != nil {
			b.skipped++
			log.Printf("⚠️  Skipping malformed row: %v", err)
			continue
		}
		if _, dup := b.byPhone[c.Phone]; dup {
			b.skipped++
			log.Printf("⚠️  Skipping duplicate phone %s (row %d)", c.Phone, i+1)
			continue
		}
		b.byPhone[c.Phone] = len(b.contacts)
		b.contacts = append(b.contacts, c)
	}

	log.Printf("📇 Loaded %d contacts from %s (%d rows skipped)", len(b.contacts), path, b.skipped)
	return b, nil
}

func parseRow(line int, row []string) (*models.Contact, error) {
	if len(row) < 2 {
		return nil, &RowError{Line: line, Reason: "too few fields"}
	}
	// pad optional trailing columns
	for len(row) < len(csvHeader) {
		row = append(row, "")
	}

	phone := models.NormalizePhone(row[1])
	if phone == "" || phone == "+" {
		return nil, &RowError{Line: line, Reason: "missing phone number"}
	}

	status := models.ContactStatus(row[2])
	if status == "" {
		status = models.ContactPending
	}
	if !status.IsValid() {
		return nil, &RowError{Line: line, Reason: "invalid status " + row[2]}
	}

	priority := models.Priority(row[3])
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, &RowError{Line: line, Reason: "invalid priority " + row[3]}
	}

	c := &models.Contact{
		Name:              row[0],
		Phone:             phone,
		Status:            status,
		Priority:          priority,
		Notes:             row[6],
		ContactPreference: row[7],
		Timezone:          row[8],
	}

	if row[4] != "" {
		t, err := time.Parse(time.RFC3339, row[4])
		if err != nil {
			return nil, &RowError{Line: line, Reason: "invalid last_contacted timestamp"}
		}
		c.LastAttemptAt = &t
	}

	if row[5] != "" {
		n, err := strconv.Atoi(row[5])
		if err != nil || n < 0 {
			return nil, &RowError{Line: line, Reason: "invalid attempts count"}
		}
		c.Attempts = n
	}

	return c, nil
}

// Skipped returns the number of malformed rows dropped during Load
func (b *Book) Skipped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.skipped
}

// Len returns the number of loaded contacts
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.contacts)
}

// Get returns a copy of the contact with the given phone number
func (b *Book) Get(phone string) (*models.Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i, ok := b.byPhone[models.NormalizePhone(phone)]
	if !ok {
		return nil, false
	}
	cp := *b.contacts[i]
	return &cp, true
}

// All returns a snapshot of every contact
func (b *Book) All() []*models.Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.Contact, 0, len(b.contacts))
	for _, c := range b.contacts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// NextEligible returns the best contact to dial at now, or nil when none
// qualifies. Selection order: highest priority tier first, then contacts that
// have never been attempted, then earliest last attempt.
func (b *Book) NextEligible(now time.Time) *models.Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var candidates []*models.Contact
	for _, c := range b.contacts {
		if c.Eligible(now) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, z := candidates[i], candidates[j]
		if a.Priority.Rank() != z.Priority.Rank() {
			return a.Priority.Rank() < z.Priority.Rank()
		}
		// never-attempted contacts sort before attempted ones
		switch {
		case a.LastAttemptAt == nil && z.LastAttemptAt != nil:
			return true
		case a.LastAttemptAt != nil && z.LastAttemptAt == nil:
			return false
		case a.LastAttemptAt == nil && z.LastAttemptAt == nil:
			return false
		}
		return a.LastAttemptAt.Before(*z.LastAttemptAt)
	})

	cp := *candidates[0]
	return &cp
}

// NextWakeTime returns the earliest future eligibility time among callable
// contacts, or nil when no contact will ever become eligible by waiting.
func (b *Book) NextWakeTime(now time.Time) *time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var earliest *time.Time
	for _, c := range b.contacts {
		if !c.Callable() || c.NextEligibleAt == nil || !c.NextEligibleAt.After(now) {
			continue
		}
		if earliest == nil || c.NextEligibleAt.Before(*earliest) {
			t := *c.NextEligibleAt
			earliest = &t
		}
	}
	return earliest
}

// Update replaces the stored record for contact.Phone in full. Unknown phones
// are an error. The write is atomic with respect to concurrent readers.
func (b *Book) Update(contact *models.Contact) error {
	b.mu.Lock()

	i, ok := b.byPhone[contact.Phone]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("contact %s not found", contact.Phone)
	}
	cp := *contact
	b.contacts[i] = &cp
	b.dirty++
	flush := b.dirty >= b.autosaveEvery
	b.mu.Unlock()

	if flush {
		return b.SaveAll()
	}
	return nil
}

// Add appends a new pending contact to the list and persists it
func (b *Book) Add(name, phone string) error {
	phone = models.NormalizePhone(phone)
	if phone == "" || phone == "+" {
		return fmt.Errorf("missing phone number")
	}

	b.mu.Lock()
	if _, dup := b.byPhone[phone]; dup {
		b.mu.Unlock()
		return fmt.Errorf("contact %s already exists", phone)
	}
	b.byPhone[phone] = len(b.contacts)
	b.contacts = append(b.contacts, &models.Contact{
		Name:     name,
		Phone:    phone,
		Status:   models.ContactPending,
		Priority: models.PriorityMedium,
	})
	b.mu.Unlock()

	return b.SaveAll()
}

// SaveAll flushes the in-memory list to the backing file. The write goes
// through a temp file and rename so a crash never truncates the list.
func (b *Book) SaveAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tmp := b.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return fmt.Errorf("save contacts: %w", err)
	}
	for _, c := range b.contacts {
		last := ""
		if c.LastAttemptAt != nil {
			last = c.LastAttemptAt.Format(time.RFC3339)
		}
		row := []string{
			c.Name, c.Phone, string(c.Status), string(c.Priority), last,
			strconv.Itoa(c.Attempts), c.Notes, c.ContactPreference, c.Timezone,
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("save contacts: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("save contacts: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}

	b.dirty = 0
	return nil
}

// Stats returns counters over the current list
func (b *Book) Stats() models.ContactStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := models.ContactStats{Total: len(b.contacts), Skipped: b.skipped}
	for _, c := range b.contacts {
		switch c.Status {
		case models.ContactPending:
			s.Pending++
		case models.ContactInProgress:
			s.InProgress++
		case models.ContactCompleted:
			s.Completed++
		case models.ContactFailed:
			s.Failed++
		case models.ContactCallbackScheduled:
			s.CallbackScheduled++
		case models.ContactNotInterested:
			s.NotInterested++
		}
	}
	return s
}
