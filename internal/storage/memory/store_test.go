package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage"
)

func seedRunningJob(t *testing.T, s *Store, urlCount int) scraper.Job {
	t.Helper()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "seed", "test", scraper.DefaultJobSettings())
	require.NoError(t, err)

	urls := make([]scraper.NormalizedURL, urlCount)
	for i := range urls {
		urls[i] = scraper.NormalizedURL{
			URL:      "https://acme.com/page",
			Hash:     string(rune('a' + i)),
			Domain:   "acme.com",
			Priority: 5,
		}
	}
	inserted, err := s.InsertURLs(ctx, job.ID, urls)
	require.NoError(t, err)
	require.Equal(t, urlCount, inserted)
	require.NoError(t, s.SetJobTotal(ctx, job.ID, urlCount))

	changed, err := s.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning, scraper.JobStatusPending)
	require.NoError(t, err)
	require.True(t, changed)
	return job
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "lifecycle", "ops", scraper.DefaultJobSettings())
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusPending, job.Status)

	_, err = s.Job(ctx, job.ID+100)
	require.ErrorIs(t, err, storage.ErrNotFound)

	changed, err := s.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning, scraper.JobStatusPending)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// A second guarded start must not match.
	changed, err = s.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning, scraper.JobStatusPending)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.CreateJob(ctx, "pending one", "ops", scraper.DefaultJobSettings())
	require.NoError(t, err)
	seedRunningJob(t, s, 1)

	jobs, total, err := s.Jobs(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, 2, total)

	jobs, total, err = s.Jobs(ctx, scraper.JobStatusRunning, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, total)
	require.Equal(t, scraper.JobStatusRunning, jobs[0].Status)
}

func TestInsertURLsDeduplicatesPerJob(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "dedup", "test", scraper.DefaultJobSettings())
	require.NoError(t, err)

	inserted, err := s.InsertURLs(ctx, job.ID, []scraper.NormalizedURL{
		{URL: "https://a.com/", Hash: "h1"},
		{URL: "https://a.com/", Hash: "h1"},
		{URL: "https://b.com/", Hash: "h2"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	// Same hash under a different job is a distinct row.
	other, err := s.CreateJob(ctx, "other", "test", scraper.DefaultJobSettings())
	require.NoError(t, err)
	inserted, err = s.InsertURLs(ctx, other.ID, []scraper.NormalizedURL{{URL: "https://a.com/", Hash: "h1"}})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
}

// TestConcurrentClaimsNeverOverlap drives many claimants at one pool of
// pending URLs and verifies every URL is handed out exactly once.
func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	t.Parallel()

	s := New()
	seedRunningJob(t, s, 20)

	const claimants = 8
	var wg sync.WaitGroup
	claims := make([][]scraper.URLRecord, claimants)
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = s.ClaimURLs(context.Background(), "worker", 5)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[int64]int)
	total := 0
	for _, claim := range claims {
		for _, rec := range claim {
			seen[rec.ID]++
			total++
		}
	}
	require.Equal(t, 20, total)
	for id, count := range seen {
		require.Equal(t, 1, count, "url %d claimed more than once", id)
	}
}

func TestClaimSkipsNonRunningJobs(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	job := seedRunningJob(t, s, 3)

	changed, err := s.UpdateJobStatus(ctx, job.ID, scraper.JobStatusPaused, scraper.JobStatusRunning)
	require.NoError(t, err)
	require.True(t, changed)

	claimed, err := s.ClaimURLs(ctx, "worker", 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestClaimOrdersByPriority(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "prio", "test", scraper.DefaultJobSettings())
	require.NoError(t, err)

	_, err = s.InsertURLs(ctx, job.ID, []scraper.NormalizedURL{
		{URL: "https://a.com/big.pdf", Hash: "h1", Priority: 9},
		{URL: "https://a.com/", Hash: "h2", Priority: 1},
		{URL: "https://a.com/contact", Hash: "h3", Priority: 2},
	})
	require.NoError(t, err)
	_, err = s.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning)
	require.NoError(t, err)

	claimed, err := s.ClaimURLs(ctx, "worker", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "https://a.com/", claimed[0].URL)
	require.Equal(t, "https://a.com/contact", claimed[1].URL)
}

func TestReleaseURLsRequeues(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	seedRunningJob(t, s, 4)

	claimed, err := s.ClaimURLs(ctx, "worker_a", 4)
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	released, err := s.ReleaseURLs(ctx, "worker_a")
	require.NoError(t, err)
	require.Equal(t, 4, released)

	claimed, err = s.ClaimURLs(ctx, "worker_b", 4)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
}

func TestInsertEmailsUniquePerJob(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "emails", "test", scraper.DefaultJobSettings())
	require.NoError(t, err)

	inserted, err := s.InsertEmails(ctx, []scraper.EmailRecord{
		{JobID: job.ID, EmailAddress: "sales@acme.com"},
		{JobID: job.ID, EmailAddress: "sales@acme.com"},
		{JobID: job.ID, EmailAddress: "press@acme.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	emails, err := s.EmailsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, emails, 2)
}

func TestAddJobProgressAccumulates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	job := seedRunningJob(t, s, 10)

	_, err := s.AddJobProgress(ctx, job.ID, scraper.BatchStats{Processed: 4, Successful: 3, Failed: 1, EmailsFound: 6})
	require.NoError(t, err)
	got, err := s.AddJobProgress(ctx, job.ID, scraper.BatchStats{Processed: 6, Successful: 6, EmailsFound: 2})
	require.NoError(t, err)

	require.Equal(t, 10, got.ProcessedURLs)
	require.Equal(t, 9, got.SuccessfulURLs)
	require.Equal(t, 1, got.FailedURLs)
	require.Equal(t, 8, got.TotalEmailsFound)
}
