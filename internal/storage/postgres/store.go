// Package postgres provides the Postgres-backed Store implementation.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrapekit/emailscraper/internal/dnsvalidator"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// insertChunkSize bounds how many rows go into one multi-row INSERT.
const insertChunkSize = 1000

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements storage.Store and dnsvalidator.Store on Postgres.
type Store struct {
	pool querier
}

var _ storage.Store = (*Store)(nil)
var _ dnsvalidator.Store = (*Store)(nil)

// New creates a Store backed by a pgx connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, name, created_by, status, total_urls, processed_urls,
successful_urls, failed_urls, total_emails_found, settings,
created_at, started_at, completed_at, last_activity`

func scanJob(row pgx.Row) (scraper.Job, error) {
	var (
		job         scraper.Job
		status      string
		settingsRaw []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.CreatedBy,
		&status,
		&job.TotalURLs,
		&job.ProcessedURLs,
		&job.SuccessfulURLs,
		&job.FailedURLs,
		&job.TotalEmailsFound,
		&settingsRaw,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastActivity,
	)
	if err != nil {
		return scraper.Job{}, err
	}
	job.Status = scraper.JobStatus(status)
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &job.Settings); err != nil {
			return scraper.Job{}, fmt.Errorf("decode job settings: %w", err)
		}
	}
	return job, nil
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, name, createdBy string, settings scraper.JobSettings) (scraper.Job, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("encode job settings: %w", err)
	}
	query := `INSERT INTO jobs (name, created_by, status, settings)
VALUES ($1, $2, 'pending', $3)
RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query, name, createdBy, settingsJSON))
	if err != nil {
		return scraper.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Job returns a job by id.
func (s *Store) Job(ctx context.Context, id int64) (scraper.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return scraper.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Jobs lists jobs newest-first with the matching job count. An empty
// status matches every job.
func (s *Store) Jobs(ctx context.Context, status scraper.JobStatus, limit, offset int) ([]scraper.Job, int, error) {
	var total int
	countQuery := `SELECT count(*) FROM jobs WHERE ($1 = '' OR status = $1)`
	if err := s.pool.QueryRow(ctx, countQuery, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs
WHERE ($1 = '' OR status = $1)
ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scraper.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// UpdateJobStatus performs a guarded status transition.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, to scraper.JobStatus, from ...scraper.JobStatus) (bool, error) {
	fromList := make([]string, len(from))
	for i, st := range from {
		fromList[i] = string(st)
	}
	query := `UPDATE jobs SET status = $2,
started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
completed_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN now() ELSE completed_at END,
last_activity = now()
WHERE id = $1 AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))`
	tag, err := s.pool.Exec(ctx, query, id, string(to), fromList)
	if err != nil {
		return false, fmt.Errorf("update job %d status: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetJobTotal records the deduplicated URL count.
func (s *Store) SetJobTotal(ctx context.Context, id int64, totalURLs int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET total_urls = $2, last_activity = now() WHERE id = $1`,
		id, totalURLs)
	if err != nil {
		return fmt.Errorf("set job %d total: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddJobProgress atomically bumps job counters and returns the fresh row.
func (s *Store) AddJobProgress(ctx context.Context, id int64, delta scraper.BatchStats) (scraper.Job, error) {
	query := `UPDATE jobs SET
processed_urls = processed_urls + $2,
successful_urls = successful_urls + $3,
failed_urls = failed_urls + $4,
total_emails_found = total_emails_found + $5,
last_activity = now()
WHERE id = $1
RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id, delta.Processed, delta.Successful, delta.Failed, delta.EmailsFound))
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return scraper.Job{}, fmt.Errorf("add job %d progress: %w", id, err)
	}
	return job, nil
}

// DeleteJob removes a job; URLs and emails cascade.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertURLs bulk-inserts normalized URLs in chunks, skipping rows whose
// (job_id, url_hash) already exists.
func (s *Store) InsertURLs(ctx context.Context, jobID int64, urls []scraper.NormalizedURL) (int, error) {
	inserted := 0
	for start := 0; start < len(urls); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO urls (job_id, url, url_hash, domain, priority, status) VALUES `)
		args := make([]any, 0, len(chunk)*5+1)
		args = append(args, jobID)
		for i, u := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := len(args)
			fmt.Fprintf(&sb, "($1, $%d, $%d, $%d, $%d, 'pending')", base+1, base+2, base+3, base+4)
			args = append(args, u.URL, u.Hash, u.Domain, u.Priority)
		}
		sb.WriteString(` ON CONFLICT (job_id, url_hash) DO NOTHING`)

		tag, err := s.pool.Exec(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert urls for job %d: %w", jobID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ClaimURLs atomically hands up to batchSize pending URLs of running jobs
// to workerID. SKIP LOCKED keeps concurrent claimants from blocking on or
// double-claiming the same rows.
func (s *Store) ClaimURLs(ctx context.Context, workerID string, batchSize int) ([]scraper.URLRecord, error) {
	query := `UPDATE urls SET status = 'processing', worker_id = $1, started_at = now()
WHERE id IN (
    SELECT u.id FROM urls u
    JOIN jobs j ON j.id = u.job_id
    WHERE u.status = 'pending' AND j.status = 'running'
    ORDER BY u.priority ASC, u.id ASC
    LIMIT $2
    FOR UPDATE OF u SKIP LOCKED
)
RETURNING id, job_id, url, url_hash, domain, priority`
	rows, err := s.pool.Query(ctx, query, workerID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim urls: %w", err)
	}
	defer rows.Close()

	var claimed []scraper.URLRecord
	for rows.Next() {
		rec := scraper.URLRecord{Status: scraper.URLStatusProcessing, WorkerID: workerID}
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.URL, &rec.URLHash, &rec.Domain, &rec.Priority); err != nil {
			return nil, fmt.Errorf("scan claimed url: %w", err)
		}
		claimed = append(claimed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim urls: %w", err)
	}
	return claimed, nil
}

// MarkURLCompleted finalizes a successfully processed URL.
func (s *Store) MarkURLCompleted(ctx context.Context, urlID int64, responseCode, contentSize, emailsFound int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE urls SET status = 'completed', response_code = $2, content_size = $3,
emails_found = $4, completed_at = now() WHERE id = $1`,
		urlID, responseCode, contentSize, emailsFound)
	if err != nil {
		return fmt.Errorf("complete url %d: %w", urlID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkURLFailed finalizes a failed URL.
func (s *Store) MarkURLFailed(ctx context.Context, urlID int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE urls SET status = 'failed', error_message = $2, completed_at = now() WHERE id = $1`,
		urlID, errMsg)
	if err != nil {
		return fmt.Errorf("fail url %d: %w", urlID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReleaseURLs requeues a worker's in-flight URLs after a crash or stop.
func (s *Store) ReleaseURLs(ctx context.Context, workerID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE urls SET status = 'pending', worker_id = NULL, started_at = NULL
WHERE worker_id = $1 AND status = 'processing'`,
		workerID)
	if err != nil {
		return 0, fmt.Errorf("release urls for %s: %w", workerID, err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertEmails persists extracted emails, skipping duplicates per job.
func (s *Store) InsertEmails(ctx context.Context, emails []scraper.EmailRecord) (int, error) {
	inserted := 0
	for start := 0; start < len(emails); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(emails) {
			end = len(emails)
		}
		chunk := emails[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO emails (job_id, url_id, source_url, email_address,
confidence_score, extraction_method, found_context) VALUES `)
		args := make([]any, 0, len(chunk)*7)
		for i, e := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			args = append(args, e.JobID, e.URLID, e.SourceURL, e.EmailAddress,
				e.ConfidenceScore, e.ExtractionMethod, e.FoundContext)
		}
		sb.WriteString(` ON CONFLICT (job_id, email_address) DO NOTHING`)

		tag, err := s.pool.Exec(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert emails: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// EmailsForJob returns every stored email for a job in insertion order.
func (s *Store) EmailsForJob(ctx context.Context, jobID int64) ([]scraper.EmailRecord, error) {
	query := `SELECT id, job_id, url_id, source_url, email_address,
confidence_score, extraction_method, COALESCE(found_context, ''), found_at
FROM emails WHERE job_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("emails for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var emails []scraper.EmailRecord
	for rows.Next() {
		var e scraper.EmailRecord
		if err := rows.Scan(&e.ID, &e.JobID, &e.URLID, &e.SourceURL, &e.EmailAddress,
			&e.ConfidenceScore, &e.ExtractionMethod, &e.FoundContext, &e.FoundAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("emails for job %d: %w", jobID, err)
	}
	return emails, nil
}

// AppendActivity writes one audit entry.
func (s *Store) AppendActivity(ctx context.Context, entry scraper.ActivityEntry) error {
	var contextJSON []byte
	if entry.Context != nil {
		var err error
		contextJSON, err = json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("encode activity context: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (job_id, level, message, context_data, worker_id) VALUES ($1, $2, $3, $4, $5)`,
		entry.JobID, entry.Level, entry.Message, contextJSON, entry.WorkerID)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// DomainValidation returns a cached verdict no older than notBefore.
func (s *Store) DomainValidation(ctx context.Context, domainHash string, notBefore time.Time) (dnsvalidator.Record, error) {
	query := `SELECT domain, domain_hash, has_mx_record, has_a_record, is_valid,
COALESCE(validation_error, ''), last_checked, check_count
FROM domain_validation_cache WHERE domain_hash = $1 AND last_checked > $2`
	var rec dnsvalidator.Record
	err := s.pool.QueryRow(ctx, query, domainHash, notBefore).Scan(
		&rec.Domain, &rec.DomainHash, &rec.HasMX, &rec.HasA,
		&rec.Valid, &rec.Error, &rec.CheckedAt, &rec.CheckCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return dnsvalidator.Record{}, dnsvalidator.ErrNotCached
	}
	if err != nil {
		return dnsvalidator.Record{}, fmt.Errorf("domain validation lookup: %w", err)
	}
	return rec, nil
}

// SaveDomainValidation upserts a verdict, bumping check_count on refresh.
func (s *Store) SaveDomainValidation(ctx context.Context, rec dnsvalidator.Record) error {
	query := `INSERT INTO domain_validation_cache
(domain, domain_hash, has_mx_record, has_a_record, is_valid, validation_error, last_checked, check_count)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now(), 1)
ON CONFLICT (domain_hash) DO UPDATE SET
has_mx_record = EXCLUDED.has_mx_record,
has_a_record = EXCLUDED.has_a_record,
is_valid = EXCLUDED.is_valid,
validation_error = EXCLUDED.validation_error,
last_checked = now(),
check_count = domain_validation_cache.check_count + 1`
	_, err := s.pool.Exec(ctx, query,
		rec.Domain, rec.DomainHash, rec.HasMX, rec.HasA, rec.Valid, rec.Error)
	if err != nil {
		return fmt.Errorf("save domain validation: %w", err)
	}
	return nil
}
