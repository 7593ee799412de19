package models

// ContactStats summarizes the calling list for the stats command and dashboard
type ContactStats struct {
	Total             int `json:"total"`
	Pending           int `json:"pending"`
	InProgress        int `json:"in_progress"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	CallbackScheduled int `json:"callback_scheduled"`
	NotInterested     int `json:"not_interested"`
	Skipped           int `json:"skipped_rows"` // malformed rows dropped at load
}

// SessionStats is the aggregate view over persisted call sessions
type SessionStats struct {
	Total              int64   `json:"total"`
	InProgress         int64   `json:"in_progress"`
	Completed          int64   `json:"completed"`
	NoAnswer           int64   `json:"no_answer"`
	Busy               int64   `json:"busy"`
	Failed             int64   `json:"failed"`
	SuccessRate        float64 `json:"success_rate"`         // completed / total
	AvgDurationSeconds float64 `json:"avg_duration_seconds"` // over completed sessions
}
