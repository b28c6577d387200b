// Package scraper defines core types shared across subsystems.
package scraper

import (
	"time"
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the jobs table.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// URLStatus represents the processing state of a single URL.
type URLStatus string

// URL status values persisted in the urls table. A URL transitions
// pending -> processing -> {completed|failed} exactly once per attempt;
// re-queueing a failed URL is an operator action, never automatic.
const (
	URLStatusPending    URLStatus = "pending"
	URLStatusProcessing URLStatus = "processing"
	URLStatusCompleted  URLStatus = "completed"
	URLStatusFailed     URLStatus = "failed"
)

// JobSettings captures per-job configuration. It is persisted as a JSON
// blob on the job row for forward compatibility, but the fields are
// enumerated rather than an open-ended map.
type JobSettings struct {
	Priority string `json:"priority"`
	Origin   string `json:"origin"`
}

// DefaultJobSettings returns the settings applied when a caller provides none.
func DefaultJobSettings() JobSettings {
	return JobSettings{Priority: "normal", Origin: "api"}
}

// Job represents the metadata persisted for each scraping job.
type Job struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	CreatedBy        string      `json:"created_by"`
	TotalURLs        int         `json:"total_urls"`
	ProcessedURLs    int         `json:"processed_urls"`
	SuccessfulURLs   int         `json:"successful_urls"`
	FailedURLs       int         `json:"failed_urls"`
	TotalEmailsFound int         `json:"total_emails_found"`
	Settings         JobSettings `json:"settings"`
	Status           JobStatus   `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	LastActivity     *time.Time  `json:"last_activity,omitempty"`
}

// URLRecord is persisted for each URL belonging to a job.
type URLRecord struct {
	ID           int64      `json:"id"`
	JobID        int64      `json:"job_id"`
	URL          string     `json:"url"`
	URLHash      string     `json:"url_hash"`
	Domain       string     `json:"domain"`
	Priority     int        `json:"priority"`
	Status       URLStatus  `json:"status"`
	WorkerID     string     `json:"worker_id,omitempty"`
	ResponseCode int        `json:"response_code,omitempty"`
	ContentSize  int        `json:"content_size,omitempty"`
	EmailsFound  int        `json:"emails_found"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// EmailRecord is persisted for each validated email extracted from a page.
// Rows are immutable after insertion; duplicates on (job, email) are no-ops.
type EmailRecord struct {
	ID               int64     `json:"id"`
	JobID            int64     `json:"job_id"`
	URLID            int64     `json:"url_id"`
	SourceURL        string    `json:"source_url"`
	EmailAddress     string    `json:"email_address"`
	ConfidenceScore  float64   `json:"confidence_score"`
	ExtractionMethod string    `json:"extraction_method"`
	FoundContext     string    `json:"found_context,omitempty"`
	FoundAt          time.Time `json:"found_at"`
}

// BatchStats aggregates the outcome of one processed worker batch.
type BatchStats struct {
	Processed   int `json:"processed"`
	Successful  int `json:"successful"`
	Failed      int `json:"failed"`
	EmailsFound int `json:"emails_found"`
}

// Add accumulates another batch into the receiver.
func (b *BatchStats) Add(other BatchStats) {
	b.Processed += other.Processed
	b.Successful += other.Successful
	b.Failed += other.Failed
	b.EmailsFound += other.EmailsFound
}

// JobProgress mirrors job counters in the fast shared store for
// low-latency polling. The durable Job row wins on conflict.
type JobProgress struct {
	Processed   int       `json:"processed"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	EmailsFound int       `json:"emails_found"`
	Total       int       `json:"total"`
	Status      JobStatus `json:"status"`
	LastUpdate  time.Time `json:"last_update"`
}

// WorkerSnapshot is the ephemeral per-worker record kept in the fast
// shared store. A snapshot without a live heartbeat is stale.
type WorkerSnapshot struct {
	ID             string    `json:"id"`
	PID            int       `json:"pid"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	ProcessedCount int       `json:"processed_count"`
	ErrorCount     int       `json:"error_count"`
	EmailsFound    int       `json:"emails_found"`
	LastActivity   time.Time `json:"last_activity"`
	MemoryUsage    uint64    `json:"memory_usage"`
}

// ActivityEntry is one append-only audit row.
type ActivityEntry struct {
	JobID     int64          `json:"job_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
