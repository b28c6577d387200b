// Package jobmanager owns the job lifecycle: creation with URL intake,
// state transitions, progress aggregation, and result export.
package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/metrics"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage"
)

// Sentinel errors for lifecycle violations.
var (
	ErrNoValidURLs       = errors.New("jobmanager: no valid urls in submission")
	ErrTooManyURLs       = errors.New("jobmanager: url count exceeds per-job limit")
	ErrInvalidTransition = errors.New("jobmanager: invalid job state transition")
	ErrJobRunning        = errors.New("jobmanager: job is running")
	ErrEmptyName         = errors.New("jobmanager: job name is required")
)

// CreateReport summarizes URL intake for a new job.
type CreateReport struct {
	Submitted int `json:"submitted"`
	Accepted  int `json:"accepted"`
	Skipped   int `json:"skipped"`
}

// JobDetails combines the durable job row with the live progress mirror
// when one is available. The durable row is authoritative.
type JobDetails struct {
	Job  scraper.Job          `json:"job"`
	Live *scraper.JobProgress `json:"live,omitempty"`
}

// Manager coordinates job state across the durable store and the live store.
type Manager struct {
	store         storage.Store
	live          *livestore.Store
	log           *zap.Logger
	maxURLsPerJob int
}

// New builds a Manager. live may be a no-op store.
func New(store storage.Store, live *livestore.Store, maxURLsPerJob int, log *zap.Logger) *Manager {
	return &Manager{store: store, live: live, log: log, maxURLsPerJob: maxURLsPerJob}
}

// CreateJob normalizes and deduplicates the submitted URLs, persists the
// job in pending state, and loads its URL table. Invalid and duplicate
// URLs are skipped, not fatal; an intake with zero usable URLs is.
func (m *Manager) CreateJob(ctx context.Context, name, createdBy string, rawURLs []string, settings *scraper.JobSettings) (scraper.Job, CreateReport, error) {
	if name == "" {
		return scraper.Job{}, CreateReport{}, ErrEmptyName
	}
	if m.maxURLsPerJob > 0 && len(rawURLs) > m.maxURLsPerJob {
		return scraper.Job{}, CreateReport{}, fmt.Errorf("%w: %d > %d", ErrTooManyURLs, len(rawURLs), m.maxURLsPerJob)
	}

	normalized, _ := scraper.NormalizeBatch(rawURLs)
	if len(normalized) == 0 {
		return scraper.Job{}, CreateReport{}, ErrNoValidURLs
	}

	jobSettings := scraper.DefaultJobSettings()
	if settings != nil {
		jobSettings = *settings
	}

	job, err := m.store.CreateJob(ctx, name, createdBy, jobSettings)
	if err != nil {
		return scraper.Job{}, CreateReport{}, fmt.Errorf("create job: %w", err)
	}

	inserted, err := m.store.InsertURLs(ctx, job.ID, normalized)
	if err != nil {
		return scraper.Job{}, CreateReport{}, fmt.Errorf("load urls for job %d: %w", job.ID, err)
	}
	if err := m.store.SetJobTotal(ctx, job.ID, inserted); err != nil {
		return scraper.Job{}, CreateReport{}, fmt.Errorf("set total for job %d: %w", job.ID, err)
	}
	job.TotalURLs = inserted

	report := CreateReport{
		Submitted: len(rawURLs),
		Accepted:  inserted,
		Skipped:   len(rawURLs) - inserted,
	}

	m.logActivity(ctx, job.ID, "info", fmt.Sprintf("job created with %d urls (%d skipped)", report.Accepted, report.Skipped), "")
	metrics.ObserveJob(string(scraper.JobStatusPending))
	m.log.Info("job created",
		zap.Int64("job_id", job.ID),
		zap.String("name", name),
		zap.Int("accepted", report.Accepted),
		zap.Int("skipped", report.Skipped),
	)
	return job, report, nil
}

// StartJob moves a job to running. Starting an already running job is a
// no-op; starting a finished one is an error.
func (m *Manager) StartJob(ctx context.Context, id int64) error {
	changed, err := m.store.UpdateJobStatus(ctx, id, scraper.JobStatusRunning,
		scraper.JobStatusPending, scraper.JobStatusPaused)
	if err != nil {
		return fmt.Errorf("start job %d: %w", id, err)
	}
	if !changed {
		job, err := m.store.Job(ctx, id)
		if err != nil {
			return err
		}
		if job.Status == scraper.JobStatusRunning {
			return nil
		}
		return fmt.Errorf("%w: cannot start job in state %s", ErrInvalidTransition, job.Status)
	}

	m.live.EnqueueJob(ctx, id)
	m.mirrorProgress(ctx, id)
	m.logActivity(ctx, id, "info", "job started", "")
	metrics.ObserveJob(string(scraper.JobStatusRunning))
	m.log.Info("job started", zap.Int64("job_id", id))
	return nil
}

// PauseJob suspends a running job. Workers stop claiming its URLs; URLs
// already in flight finish normally.
func (m *Manager) PauseJob(ctx context.Context, id int64) error {
	changed, err := m.store.UpdateJobStatus(ctx, id, scraper.JobStatusPaused, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("pause job %d: %w", id, err)
	}
	if !changed {
		return m.transitionError(ctx, id, "pause")
	}
	m.mirrorProgress(ctx, id)
	m.logActivity(ctx, id, "info", "job paused", "")
	metrics.ObserveJob(string(scraper.JobStatusPaused))
	return nil
}

// CancelJob terminally stops a job from any non-terminal state.
func (m *Manager) CancelJob(ctx context.Context, id int64) error {
	changed, err := m.store.UpdateJobStatus(ctx, id, scraper.JobStatusCancelled,
		scraper.JobStatusPending, scraper.JobStatusRunning, scraper.JobStatusPaused)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", id, err)
	}
	if !changed {
		return m.transitionError(ctx, id, "cancel")
	}
	m.mirrorProgress(ctx, id)
	m.logActivity(ctx, id, "warning", "job cancelled", "")
	metrics.ObserveJob(string(scraper.JobStatusCancelled))
	m.log.Info("job cancelled", zap.Int64("job_id", id))
	return nil
}

// CompleteJob marks a job finished once every URL has been processed,
// whatever mix of successes and failures. A job paused during its final
// batch completes too; those URLs were already in flight when the pause
// landed.
func (m *Manager) CompleteJob(ctx context.Context, id int64) error {
	changed, err := m.store.UpdateJobStatus(ctx, id, scraper.JobStatusCompleted,
		scraper.JobStatusRunning, scraper.JobStatusPaused)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if !changed {
		return nil
	}
	m.mirrorProgress(ctx, id)
	m.logActivity(ctx, id, "info", "job completed", "")
	metrics.ObserveJob(string(scraper.JobStatusCompleted))
	m.log.Info("job completed", zap.Int64("job_id", id))
	return nil
}

// UpdateJobProgress folds a batch outcome into the job counters, refreshes
// the live mirror, and completes the job once everything is processed.
func (m *Manager) UpdateJobProgress(ctx context.Context, id int64, delta scraper.BatchStats) (scraper.Job, error) {
	job, err := m.store.AddJobProgress(ctx, id, delta)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("update job %d progress: %w", id, err)
	}
	m.live.SetJobProgress(ctx, id, progressOf(job))

	done := job.TotalURLs > 0 && job.ProcessedURLs >= job.TotalURLs
	if done && (job.Status == scraper.JobStatusRunning || job.Status == scraper.JobStatusPaused) {
		if err := m.CompleteJob(ctx, id); err != nil {
			return job, err
		}
		return m.store.Job(ctx, id)
	}
	return job, nil
}

// JobDetails returns the job row with the live mirror's counters
// overlaid when the mirror is present. The mirror is written on every
// batch, so it is at least as fresh as the durable row; when the mirror
// is missing the durable counters stand on their own.
func (m *Manager) JobDetails(ctx context.Context, id int64) (JobDetails, error) {
	job, err := m.store.Job(ctx, id)
	if err != nil {
		return JobDetails{}, err
	}
	details := JobDetails{Job: job}
	if live, ok := m.live.JobProgress(ctx, id); ok {
		details.Live = &live
		details.Job.ProcessedURLs = live.Processed
		details.Job.SuccessfulURLs = live.Successful
		details.Job.FailedURLs = live.Failed
		details.Job.TotalEmailsFound = live.EmailsFound
		if live.Total > 0 {
			details.Job.TotalURLs = live.Total
		}
	}
	return details, nil
}

// ListJobs pages through jobs newest-first, optionally filtered by status.
func (m *Manager) ListJobs(ctx context.Context, status scraper.JobStatus, limit, offset int) ([]scraper.Job, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.Jobs(ctx, status, limit, offset)
}

// DeleteJob removes a job and its rows. Running jobs must be cancelled first.
func (m *Manager) DeleteJob(ctx context.Context, id int64) error {
	job, err := m.store.Job(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == scraper.JobStatusRunning {
		return ErrJobRunning
	}
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	m.live.DeleteJobProgress(ctx, id)
	m.log.Info("job deleted", zap.Int64("job_id", id))
	return nil
}

func (m *Manager) transitionError(ctx context.Context, id int64, action string) error {
	job, err := m.store.Job(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s job in state %s", ErrInvalidTransition, action, job.Status)
}

func (m *Manager) mirrorProgress(ctx context.Context, id int64) {
	job, err := m.store.Job(ctx, id)
	if err != nil {
		return
	}
	m.live.SetJobProgress(ctx, id, progressOf(job))
}

func (m *Manager) logActivity(ctx context.Context, jobID int64, level, message, workerID string) {
	err := m.store.AppendActivity(ctx, scraper.ActivityEntry{
		JobID:     jobID,
		Level:     level,
		Message:   message,
		WorkerID:  workerID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		m.log.Warn("activity log write failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
}

func progressOf(job scraper.Job) scraper.JobProgress {
	return scraper.JobProgress{
		Processed:   job.ProcessedURLs,
		Successful:  job.SuccessfulURLs,
		Failed:      job.FailedURLs,
		EmailsFound: job.TotalEmailsFound,
		Total:       job.TotalURLs,
		Status:      job.Status,
		LastUpdate:  time.Now(),
	}
}
