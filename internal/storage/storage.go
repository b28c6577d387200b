// Package storage defines the durable persistence contract for jobs,
// URLs, extracted emails, and audit entries.
package storage

import (
	"context"
	"errors"

	"github.com/scrapekit/emailscraper/internal/scraper"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Store is the durable system of record. All implementations must make
// ClaimURLs atomic: a pending URL is handed to exactly one claimant.
type Store interface {
	// CreateJob inserts a new job in pending state and returns it.
	CreateJob(ctx context.Context, name, createdBy string, settings scraper.JobSettings) (scraper.Job, error)
	// Job returns a job by id, or ErrNotFound.
	Job(ctx context.Context, id int64) (scraper.Job, error)
	// Jobs lists jobs newest-first, returning the page and total count.
	Jobs(ctx context.Context, status scraper.JobStatus, limit, offset int) ([]scraper.Job, int, error)
	// UpdateJobStatus transitions a job to the given status if its
	// current status is one of from. It reports whether a row changed.
	// Transitioning to running stamps started_at on first entry;
	// terminal statuses stamp completed_at.
	UpdateJobStatus(ctx context.Context, id int64, to scraper.JobStatus, from ...scraper.JobStatus) (bool, error)
	// SetJobTotal records the deduplicated URL count for a job.
	SetJobTotal(ctx context.Context, id int64, totalURLs int) error
	// AddJobProgress atomically increments the job's counters and
	// returns the updated row. Safe under concurrent workers.
	AddJobProgress(ctx context.Context, id int64, delta scraper.BatchStats) (scraper.Job, error)
	// DeleteJob removes a job and, through cascade, its URLs and emails.
	DeleteJob(ctx context.Context, id int64) error

	// InsertURLs bulk-inserts normalized URLs for a job, skipping
	// duplicates on (job, hash). It returns the number actually inserted.
	InsertURLs(ctx context.Context, jobID int64, urls []scraper.NormalizedURL) (int, error)
	// ClaimURLs atomically marks up to batchSize pending URLs of running
	// jobs as processing on behalf of workerID and returns them, ordered
	// by priority.
	ClaimURLs(ctx context.Context, workerID string, batchSize int) ([]scraper.URLRecord, error)
	// MarkURLCompleted finalizes a successfully processed URL.
	MarkURLCompleted(ctx context.Context, urlID int64, responseCode, contentSize, emailsFound int) error
	// MarkURLFailed finalizes a failed URL with its error message.
	MarkURLFailed(ctx context.Context, urlID int64, errMsg string) error
	// ReleaseURLs returns a worker's in-flight URLs to pending, for
	// recovery after a crash or forced stop. It returns the count released.
	ReleaseURLs(ctx context.Context, workerID string) (int, error)

	// InsertEmails persists extracted emails, ignoring duplicates on
	// (job, address). It returns the number actually inserted.
	InsertEmails(ctx context.Context, emails []scraper.EmailRecord) (int, error)
	// EmailsForJob returns all emails stored for a job.
	EmailsForJob(ctx context.Context, jobID int64) ([]scraper.EmailRecord, error)

	// AppendActivity writes one audit log entry. Implementations should
	// treat failures here as non-fatal to the calling operation.
	AppendActivity(ctx context.Context, entry scraper.ActivityEntry) error

	// Close releases underlying resources.
	Close()
}
