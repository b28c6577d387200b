package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/config"
	"github.com/scrapekit/emailscraper/internal/extractor"
	"github.com/scrapekit/emailscraper/internal/fetcher"
	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/metrics"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		MaxWorkers:          2,
		BatchSize:           10,
		IdleSleepSeconds:    1,
		ErrorBackoffSeconds: 1,
		HealthCheckSeconds:  1,
	}
}

func testDeps(t *testing.T) (Deps, *memory.Store) {
	t.Helper()
	store := memory.New()
	live := livestore.Noop(zap.NewNop())
	jobs := jobmanager.New(store, live, 1000, zap.NewNop())
	f := fetcher.New(config.FetcherConfig{
		Concurrency:    5,
		TimeoutSeconds: 5,
		MaxRedirects:   3,
		MaxBodyBytes:   1 << 20,
		MaxRetries:     1,
		UserAgent:      "test-agent",
	}, zap.NewNop())
	ex := extractor.New(nil, zap.NewNop())

	return Deps{
		Store:     store,
		Live:      live,
		Jobs:      jobs,
		Fetcher:   f,
		Extractor: ex,
		Log:       zap.NewNop(),
	}, store
}

// seedJob inserts a running job whose URLs point at the test server,
// bypassing submission-time host checks that reject loopback addresses.
func seedJob(t *testing.T, store *memory.Store, urls []string) scraper.Job {
	t.Helper()
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "seed", "test", scraper.DefaultJobSettings())
	require.NoError(t, err)

	normalized := make([]scraper.NormalizedURL, len(urls))
	for i, u := range urls {
		normalized[i] = scraper.NormalizedURL{URL: u, Hash: fmt.Sprintf("h%d", i), Domain: "test", Priority: 5}
	}
	inserted, err := store.InsertURLs(ctx, job.ID, normalized)
	require.NoError(t, err)
	require.NoError(t, store.SetJobTotal(ctx, job.ID, inserted))

	changed, err := store.UpdateJobStatus(ctx, job.ID, scraper.JobStatusRunning, scraper.JobStatusPending)
	require.NoError(t, err)
	require.True(t, changed)
	return job
}

// TestWorkerProcessesJobEndToEnd runs one worker against a mix of good
// and failing URLs and expects the job to complete with per-URL
// outcomes and stored emails.
func TestWorkerProcessesJobEndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/contact":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><head><title>Contact</title></head>
<body><a href="mailto:sales@acme.com">write us</a><p>press [at] acme [dot] com</p></body></html>`)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body>nothing here</body></html>`)
		}
	}))
	defer srv.Close()

	deps, store := testDeps(t)
	job := seedJob(t, store, []string{srv.URL + "/contact", srv.URL + "/broken", srv.URL + "/plain"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(testWorkerConfig(), deps.Store, deps.Live, deps.Jobs, deps.Fetcher, deps.Extractor, deps.Log)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := store.Job(context.Background(), job.ID)
		return err == nil && got.Status == scraper.JobStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := store.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.ProcessedURLs)
	require.Equal(t, 2, got.SuccessfulURLs)
	require.Equal(t, 1, got.FailedURLs)
	require.Equal(t, 2, got.TotalEmailsFound)

	emails, err := store.EmailsForJob(context.Background(), job.ID)
	require.NoError(t, err)
	addrs := make([]string, len(emails))
	for i, e := range emails {
		addrs[i] = e.EmailAddress
	}
	require.ElementsMatch(t, []string{"sales@acme.com", "press@acme.com"}, addrs)
	for _, e := range emails {
		require.Equal(t, job.ID, e.JobID)
		require.NotZero(t, e.URLID)
	}
}

// TestWorkerFailedURLDoesNotAbortBatch covers a URL that times out:
// it ends failed while the rest of the batch completes.
func TestWorkerFailedURLDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			<-release
			return
		}
		fmt.Fprint(w, `<html><body>ok@acme.com</body></html>`)
	}))
	defer srv.Close()
	defer close(release)

	deps, store := testDeps(t)
	deps.Fetcher = fetcher.New(config.FetcherConfig{
		Concurrency:    5,
		TimeoutSeconds: 1,
		MaxRedirects:   3,
		MaxBodyBytes:   1 << 20,
		MaxRetries:     1,
		UserAgent:      "test-agent",
	}, zap.NewNop())

	job := seedJob(t, store, []string{srv.URL + "/slow", srv.URL + "/fast"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(testWorkerConfig(), deps.Store, deps.Live, deps.Jobs, deps.Fetcher, deps.Extractor, deps.Log)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := store.Job(context.Background(), job.ID)
		return err == nil && got.Status == scraper.JobStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := store.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SuccessfulURLs)
	require.Equal(t, 1, got.FailedURLs)

	var sawTimeout bool
	for id := int64(1); id <= 2; id++ {
		rec, ok := store.URL(id)
		require.True(t, ok)
		if rec.Status == scraper.URLStatusFailed {
			require.True(t, strings.Contains(rec.ErrorMessage, "timeout") ||
				strings.Contains(rec.ErrorMessage, "connection"), rec.ErrorMessage)
			sawTimeout = true
		}
	}
	require.True(t, sawTimeout)
}

// TestWorkerShutdownRequeuesInFlightURLs cancels the run while a batch
// is still fetching: aborted URLs must go back to pending with their
// attempt unspent and no failure recorded against the job.
func TestWorkerShutdownRequeuesInFlightURLs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	deps, store := testDeps(t)
	job := seedJob(t, store, []string{srv.URL + "/a", srv.URL + "/b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(testWorkerConfig(), deps.Store, deps.Live, deps.Jobs, deps.Fetcher, deps.Extractor, deps.Log)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		for id := int64(1); id <= 2; id++ {
			rec, ok := store.URL(id)
			if !ok || rec.Status != scraper.URLStatusProcessing {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for id := int64(1); id <= 2; id++ {
		rec, ok := store.URL(id)
		require.True(t, ok)
		require.Equal(t, scraper.URLStatusPending, rec.Status)
		require.Empty(t, rec.ErrorMessage)
	}

	got, err := store.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Zero(t, got.ProcessedURLs)
	require.Zero(t, got.FailedURLs)
}

// TestWorkerWakesOnQueuedJob parks a worker on a long idle interval and
// then queues a job on the live store: the worker must claim and finish
// it without waiting out the interval.
func TestWorkerWakesOnQueuedJob(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>hello@acme.com</body></html>`)
	}))
	defer srv.Close()

	deps, store := testDeps(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	deps.Live = livestore.NewWithClient(client, time.Hour, time.Hour, zap.NewNop())
	deps.Jobs = jobmanager.New(store, deps.Live, 1000, zap.NewNop())

	cfg := testWorkerConfig()
	cfg.IdleSleepSeconds = 60

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(cfg, deps.Store, deps.Live, deps.Jobs, deps.Fetcher, deps.Extractor, deps.Log)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the worker find nothing and settle into its idle wait.
	time.Sleep(1200 * time.Millisecond)

	job := seedJob(t, store, []string{srv.URL + "/contact"})
	deps.Live.EnqueueJob(ctx, job.ID)

	require.Eventually(t, func() bool {
		got, err := store.Job(context.Background(), job.ID)
		return err == nil && got.Status == scraper.JobStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerIDShape(t *testing.T) {
	t.Parallel()

	id := NewID()
	require.True(t, strings.HasPrefix(id, "worker_"))
	require.GreaterOrEqual(t, strings.Count(id, "_"), 3)
}

func TestSupervisorLifecycle(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	sup := NewSupervisor(testWorkerConfig(), deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	require.ErrorIs(t, sup.Start(ctx), ErrAlreadyStarted)

	status := sup.Status(ctx)
	require.Len(t, status.Workers, 2)
	for _, ws := range status.Workers {
		require.True(t, ws.Running)
		require.True(t, strings.HasPrefix(ws.ID, "worker_"))
	}

	sup.Stop()
	status = sup.Status(ctx)
	for _, ws := range status.Workers {
		require.False(t, ws.Running)
	}
}

func TestSupervisorStopSingleWorker(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps(t)
	cfg := testWorkerConfig()
	cfg.MaxWorkers = 1
	sup := NewSupervisor(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	id := sup.Status(ctx).Workers[0].ID
	require.NoError(t, sup.StopWorker(id))
	require.Error(t, sup.StopWorker("worker_missing"))

	require.Eventually(t, func() bool {
		ws := sup.Status(ctx).Workers
		return len(ws) == 1 && !ws[0].Running
	}, 5*time.Second, 50*time.Millisecond)

	// A deliberately stopped worker stays down across health ticks.
	time.Sleep(1500 * time.Millisecond)
	ws := sup.Status(ctx).Workers
	require.Len(t, ws, 1)
	require.False(t, ws[0].Running)

	sup.Stop()
}
