// Package worker runs the scraping loop: claim a batch of URLs, fetch
// and extract, persist outcomes, and report progress and heartbeats.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/config"
	"github.com/scrapekit/emailscraper/internal/extractor"
	"github.com/scrapekit/emailscraper/internal/fetcher"
	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/metrics"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage"
)

// ErrMemoryLimit is returned by Run when the process crosses the hard
// memory watermark and should be restarted by its supervisor.
var ErrMemoryLimit = errors.New("worker: memory limit exceeded")

// Memory watermarks as fractions of the configured limit. Crossing the
// soft one forces a GC; crossing the hard one aborts the run.
const (
	softMemoryFraction = 0.8
	hardMemoryFraction = 0.9
)

var idSeq atomic.Uint64

// NewID returns a worker id unique across hosts, processes, and restarts.
// The sequence suffix keeps ids distinct when several workers start in
// the same process.
func NewID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("worker_%s_%d_%d_%d", host, os.Getpid(), time.Now().Unix(), idSeq.Add(1))
}

// Worker processes claimed URL batches until stopped.
type Worker struct {
	id      string
	cfg     config.WorkerConfig
	store   storage.Store
	live    *livestore.Store
	jobs    *jobmanager.Manager
	fetcher *fetcher.Fetcher
	extract *extractor.Extractor
	log     *zap.Logger

	startedAt   time.Time
	processed   int
	errorCount  int
	emailsFound int
}

// New builds a Worker with a fresh id.
func New(
	cfg config.WorkerConfig,
	store storage.Store,
	live *livestore.Store,
	jobs *jobmanager.Manager,
	f *fetcher.Fetcher,
	ex *extractor.Extractor,
	log *zap.Logger,
) *Worker {
	id := NewID()
	return &Worker{
		id:      id,
		cfg:     cfg,
		store:   store,
		live:    live,
		jobs:    jobs,
		fetcher: f,
		extract: ex,
		log:     log.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// Run claims and processes batches until the context is cancelled or the
// hard memory watermark is crossed. In-flight URLs are released back to
// pending on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.startedAt = time.Now()
	w.heartbeat(ctx, "idle")
	w.live.AppendWorkerLog(ctx, w.id, "worker started")
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.shutdown()

	w.log.Info("worker running", zap.Int("batch_size", w.cfg.BatchSize))

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := w.checkMemory(); err != nil {
			w.live.AppendWorkerLog(ctx, w.id, "memory limit exceeded, restarting")
			return err
		}

		batch, err := w.store.ClaimURLs(ctx, w.id, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.errorCount++
			w.log.Error("claim failed", zap.Error(err))
			w.heartbeat(ctx, "error")
			if !w.sleep(ctx, time.Duration(w.cfg.ErrorBackoffSeconds)*time.Second) {
				return nil
			}
			continue
		}

		if len(batch) == 0 {
			w.heartbeat(ctx, "idle")
			if !w.idleWait(ctx) {
				return nil
			}
			continue
		}

		metrics.ObserveBatch(len(batch))
		w.heartbeat(ctx, "processing")
		stats := w.processBatch(ctx, batch)
		w.heartbeat(ctx, "processing")
		w.live.AppendWorkerLog(ctx, w.id, fmt.Sprintf(
			"batch done: %d processed, %d failed, %d emails",
			stats.Processed, stats.Failed, stats.EmailsFound))
	}
}

// processBatch fetches every claimed URL and records each outcome. A
// failing URL is marked failed and never aborts the rest of the batch.
// When the run context is cancelled mid-batch, outcomes that completed
// before the cancellation are still persisted on a short fresh context;
// fetches aborted by the cancellation are left untouched so shutdown's
// release returns them to pending with their attempt unspent.
func (w *Worker) processBatch(ctx context.Context, batch []scraper.URLRecord) scraper.BatchStats {
	urls := make([]string, len(batch))
	for i, rec := range batch {
		urls[i] = rec.URL
	}
	results := w.fetcher.FetchAll(ctx, urls)

	persistCtx := ctx
	interrupted := ctx.Err() != nil
	if interrupted {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	var total scraper.BatchStats
	perJob := make(map[int64]*scraper.BatchStats)
	statsFor := func(jobID int64) *scraper.BatchStats {
		if s, ok := perJob[jobID]; ok {
			return s
		}
		s := &scraper.BatchStats{}
		perJob[jobID] = s
		return s
	}

	for i, rec := range batch {
		res := results[i]
		kind := fetcher.Classify(res)
		if interrupted && kind == fetcher.ErrKindCancelled {
			continue
		}
		stats := statsFor(rec.JobID)
		stats.Processed++
		total.Processed++
		w.processed++

		if !res.OK() {
			metrics.ObserveURL(kind, res.Duration)
			w.failURL(persistCtx, rec, res, kind)
			stats.Failed++
			total.Failed++
			w.errorCount++
			continue
		}
		metrics.ObserveURL("ok", res.Duration)

		emails := w.extract.Extract(persistCtx, res.Body, rec.URL, res.Title)
		inserted := 0
		if len(emails) > 0 {
			records := make([]scraper.EmailRecord, len(emails))
			for j, e := range emails {
				records[j] = scraper.EmailRecord{
					JobID:            rec.JobID,
					URLID:            rec.ID,
					SourceURL:        rec.URL,
					EmailAddress:     e.Address,
					ConfidenceScore:  e.Confidence,
					ExtractionMethod: e.Method,
					FoundContext:     e.Context,
				}
				metrics.ObserveEmails(e.Method, 1)
			}
			var err error
			inserted, err = w.store.InsertEmails(persistCtx, records)
			if err != nil {
				w.log.Error("email insert failed",
					zap.Int64("url_id", rec.ID),
					zap.Error(err),
				)
			}
		}

		if err := w.store.MarkURLCompleted(persistCtx, rec.ID, res.StatusCode, len(res.Body), len(emails)); err != nil {
			w.log.Error("mark completed failed", zap.Int64("url_id", rec.ID), zap.Error(err))
		}
		stats.Successful++
		stats.EmailsFound += inserted
		total.Successful++
		total.EmailsFound += inserted
		w.emailsFound += inserted
	}

	for jobID, stats := range perJob {
		if _, err := w.jobs.UpdateJobProgress(persistCtx, jobID, *stats); err != nil {
			w.log.Error("progress update failed", zap.Int64("job_id", jobID), zap.Error(err))
		}
	}
	return total
}

func (w *Worker) failURL(ctx context.Context, rec scraper.URLRecord, res fetcher.Result, kind string) {
	msg := kind
	if res.Err != nil {
		msg = fmt.Sprintf("%s: %v", kind, res.Err)
	} else if res.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", kind, res.StatusCode)
	}
	if err := w.store.MarkURLFailed(ctx, rec.ID, msg); err != nil {
		w.log.Error("mark failed failed", zap.Int64("url_id", rec.ID), zap.Error(err))
	}
	w.log.Debug("url failed",
		zap.Int64("url_id", rec.ID),
		zap.String("url", rec.URL),
		zap.String("kind", kind),
	)
}

// checkMemory enforces the watermarks against the configured limit.
func (w *Worker) checkMemory() error {
	if w.cfg.MemoryLimitBytes <= 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := float64(ms.Alloc)
	limit := float64(w.cfg.MemoryLimitBytes)

	if used >= limit*hardMemoryFraction {
		w.log.Warn("hard memory watermark crossed",
			zap.Uint64("alloc", ms.Alloc),
			zap.Int64("limit", w.cfg.MemoryLimitBytes),
		)
		return ErrMemoryLimit
	}
	if used >= limit*softMemoryFraction {
		runtime.GC()
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, status string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	w.live.Heartbeat(ctx, scraper.WorkerSnapshot{
		ID:             w.id,
		PID:            os.Getpid(),
		Status:         status,
		StartedAt:      w.startedAt,
		ProcessedCount: w.processed,
		ErrorCount:     w.errorCount,
		EmailsFound:    w.emailsFound,
		LastActivity:   time.Now(),
		MemoryUsage:    ms.Alloc,
	})
}

// shutdown releases any still-claimed URLs and clears the live record.
// It uses a fresh context because the run context is usually cancelled.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := w.store.ReleaseURLs(ctx, w.id)
	if err != nil {
		w.log.Error("release urls failed", zap.Error(err))
	} else if released > 0 {
		w.log.Info("released in-flight urls", zap.Int("count", released))
	}
	w.heartbeat(ctx, "stopped")
	w.live.AppendWorkerLog(ctx, w.id, "worker stopped")
	w.live.UnregisterWorker(ctx, w.id)
	w.log.Info("worker stopped",
		zap.Int("processed", w.processed),
		zap.Int("errors", w.errorCount),
		zap.Int("emails_found", w.emailsFound),
	)
}

// idleWait sleeps out the idle interval in short slices, waking early
// when a started job lands on the live queue so its URLs are claimed
// without waiting for the next poll.
func (w *Worker) idleWait(ctx context.Context) bool {
	d := time.Duration(w.cfg.IdleSleepSeconds) * time.Second
	if d <= 0 {
		d = time.Second
	}
	deadline := time.Now().Add(d)
	for {
		if jobID, ok := w.live.DequeueJob(ctx); ok {
			w.log.Debug("queued job, claiming", zap.Int64("job_id", jobID))
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := time.Second
		if remaining < step {
			step = remaining
		}
		if !w.sleep(ctx, step) {
			return false
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
