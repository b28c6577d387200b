// Package memory provides an in-memory Store, used in tests and for
// single-process runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scrapekit/emailscraper/internal/dnsvalidator"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage"
)

// Store keeps all rows in process memory. One mutex guards every table,
// which makes ClaimURLs naturally atomic.
type Store struct {
	mu sync.Mutex

	nextJobID   int64
	nextURLID   int64
	nextEmailID int64

	jobs     map[int64]*scraper.Job
	urls     map[int64]*scraper.URLRecord
	emails   map[int64][]scraper.EmailRecord
	activity []scraper.ActivityEntry
	domains  map[string]dnsvalidator.Record
}

var _ storage.Store = (*Store)(nil)
var _ dnsvalidator.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[int64]*scraper.Job),
		urls:    make(map[int64]*scraper.URLRecord),
		emails:  make(map[int64][]scraper.EmailRecord),
		domains: make(map[string]dnsvalidator.Record),
	}
}

func (s *Store) CreateJob(_ context.Context, name, createdBy string, settings scraper.JobSettings) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJobID++
	job := &scraper.Job{
		ID:        s.nextJobID,
		Name:      name,
		CreatedBy: createdBy,
		Settings:  settings,
		Status:    scraper.JobStatusPending,
		CreatedAt: time.Now(),
	}
	s.jobs[job.ID] = job
	return *job, nil
}

func (s *Store) Job(_ context.Context, id int64) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return scraper.Job{}, storage.ErrNotFound
	}
	return *job, nil
}

func (s *Store) Jobs(_ context.Context, status scraper.JobStatus, limit, offset int) ([]scraper.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.jobs))
	for id, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	total := len(ids)
	if offset >= len(ids) {
		return nil, total, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]scraper.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.jobs[id])
	}
	return out, total, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id int64, to scraper.JobStatus, from ...scraper.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if job.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	now := time.Now()
	job.Status = to
	job.LastActivity = &now
	if to == scraper.JobStatusRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if to == scraper.JobStatusCompleted || to == scraper.JobStatusCancelled {
		completed := now
		job.CompletedAt = &completed
	}
	return true, nil
}

func (s *Store) SetJobTotal(_ context.Context, id int64, totalURLs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	job.TotalURLs = totalURLs
	return nil
}

func (s *Store) AddJobProgress(_ context.Context, id int64, delta scraper.BatchStats) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return scraper.Job{}, storage.ErrNotFound
	}
	job.ProcessedURLs += delta.Processed
	job.SuccessfulURLs += delta.Successful
	job.FailedURLs += delta.Failed
	job.TotalEmailsFound += delta.EmailsFound
	now := time.Now()
	job.LastActivity = &now
	return *job, nil
}

func (s *Store) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.emails, id)
	for urlID, rec := range s.urls {
		if rec.JobID == id {
			delete(s.urls, urlID)
		}
	}
	return nil
}

func (s *Store) InsertURLs(_ context.Context, jobID int64, urls []scraper.NormalizedURL) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{})
	for _, rec := range s.urls {
		if rec.JobID == jobID {
			existing[rec.URLHash] = struct{}{}
		}
	}

	inserted := 0
	for _, u := range urls {
		if _, dup := existing[u.Hash]; dup {
			continue
		}
		existing[u.Hash] = struct{}{}
		s.nextURLID++
		s.urls[s.nextURLID] = &scraper.URLRecord{
			ID:       s.nextURLID,
			JobID:    jobID,
			URL:      u.URL,
			URLHash:  u.Hash,
			Domain:   u.Domain,
			Priority: u.Priority,
			Status:   scraper.URLStatusPending,
		}
		inserted++
	}
	return inserted, nil
}

// ClaimURLs hands out pending URLs of running jobs under the store lock,
// so no two claimants ever receive the same row.
func (s *Store) ClaimURLs(_ context.Context, workerID string, batchSize int) ([]scraper.URLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*scraper.URLRecord
	for _, rec := range s.urls {
		job, ok := s.jobs[rec.JobID]
		if !ok || job.Status != scraper.JobStatusRunning {
			continue
		}
		if rec.Status == scraper.URLStatusPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].ID < pending[j].ID
	})
	if batchSize > 0 && len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	now := time.Now()
	claimed := make([]scraper.URLRecord, 0, len(pending))
	for _, rec := range pending {
		rec.Status = scraper.URLStatusProcessing
		rec.WorkerID = workerID
		rec.StartedAt = &now
		claimed = append(claimed, *rec)
	}
	return claimed, nil
}

func (s *Store) MarkURLCompleted(_ context.Context, urlID int64, responseCode, contentSize, emailsFound int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.urls[urlID]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now()
	rec.Status = scraper.URLStatusCompleted
	rec.ResponseCode = responseCode
	rec.ContentSize = contentSize
	rec.EmailsFound = emailsFound
	rec.CompletedAt = &now
	return nil
}

func (s *Store) MarkURLFailed(_ context.Context, urlID int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.urls[urlID]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now()
	rec.Status = scraper.URLStatusFailed
	rec.ErrorMessage = errMsg
	rec.CompletedAt = &now
	return nil
}

func (s *Store) ReleaseURLs(_ context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, rec := range s.urls {
		if rec.WorkerID == workerID && rec.Status == scraper.URLStatusProcessing {
			rec.Status = scraper.URLStatusPending
			rec.WorkerID = ""
			rec.StartedAt = nil
			released++
		}
	}
	return released, nil
}

func (s *Store) InsertEmails(_ context.Context, emails []scraper.EmailRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range emails {
		dup := false
		for _, existing := range s.emails[e.JobID] {
			if existing.EmailAddress == e.EmailAddress {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.nextEmailID++
		e.ID = s.nextEmailID
		if e.FoundAt.IsZero() {
			e.FoundAt = time.Now()
		}
		s.emails[e.JobID] = append(s.emails[e.JobID], e)
		inserted++
	}
	return inserted, nil
}

func (s *Store) EmailsForJob(_ context.Context, jobID int64) ([]scraper.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scraper.EmailRecord(nil), s.emails[jobID]...), nil
}

func (s *Store) AppendActivity(_ context.Context, entry scraper.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.activity = append(s.activity, entry)
	return nil
}

// Activity returns a copy of the audit log, newest last.
func (s *Store) Activity() []scraper.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scraper.ActivityEntry(nil), s.activity...)
}

// URL returns a URL row by id, for test assertions.
func (s *Store) URL(id int64) (scraper.URLRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.urls[id]
	if !ok {
		return scraper.URLRecord{}, false
	}
	return *rec, true
}

func (s *Store) Close() {}

func (s *Store) DomainValidation(_ context.Context, domainHash string, notBefore time.Time) (dnsvalidator.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.domains[domainHash]
	if !ok || rec.CheckedAt.Before(notBefore) {
		return dnsvalidator.Record{}, dnsvalidator.ErrNotCached
	}
	return rec, nil
}

func (s *Store) SaveDomainValidation(_ context.Context, rec dnsvalidator.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.domains[rec.DomainHash]; ok {
		rec.CheckCount = existing.CheckCount + 1
	}
	s.domains[rec.DomainHash] = rec
	return nil
}
