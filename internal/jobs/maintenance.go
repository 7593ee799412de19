package jobs

import (
	"log"
	"time"

	"github.com/ahoum/outreach-backend/internal/contacts"
	"github.com/ahoum/outreach-backend/internal/models"
)

// MaintenanceJob runs the background chores of the serve process: flushing
// the contact book and watching for due callbacks.
type MaintenanceJob struct {
	book      *contacts.Book
	isRunning bool
	stop      chan struct{}
}

// NewMaintenanceJob creates a new maintenance job scheduler
func NewMaintenanceJob(book *contacts.Book) *MaintenanceJob {
	return &MaintenanceJob{
		book: book,
		stop: make(chan struct{}),
	}
}

// Start begins all scheduled maintenance jobs
func (j *MaintenanceJob) Start() {
	if j.isRunning {
		log.Println("Maintenance jobs already running")
		return
	}
	j.isRunning = true
	log.Println("Starting scheduled maintenance jobs...")

	go j.scheduleAutosave()
	go j.scheduleCallbackScan()
}

// Stop halts all scheduled jobs
func (j *MaintenanceJob) Stop() {
	if !j.isRunning {
		return
	}
	j.isRunning = false
	close(j.stop)
	log.Println("Stopping scheduled maintenance jobs...")
}

// AUTOSAVE - flush the contact book every 5 minutes to bound data loss
func (j *MaintenanceJob) scheduleAutosave() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.book.SaveAll(); err != nil {
				log.Printf("❌ Contact autosave failed: %v", err)
			}
		case <-j.stop:
			return
		}
	}
}

// CALLBACK SCAN - every minute, surface callbacks that are now due so the
// operator knows a calling session should be started
func (j *MaintenanceJob) scheduleCallbackScan() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.reportDueCallbacks()
		case <-j.stop:
			return
		}
	}
}

func (j *MaintenanceJob) reportDueCallbacks() {
	now := time.Now()
	due := 0
	for _, c := range j.book.All() {
		if c.Status != models.ContactCallbackScheduled {
			continue
		}
		if c.CallbackAt != nil && !c.CallbackAt.After(now) {
			due++
			log.Printf("📅 Callback due: %s (%s) requested for %s",
				c.Name, c.Phone, c.CallbackAt.Format(time.RFC3339))
		}
	}
	if due > 0 {
		log.Printf("📞 %d callback(s) due - start a calling session to reach them", due)
	}
}
