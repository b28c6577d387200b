// Package livestore keeps fast-changing operational state in Redis:
// job progress mirrors, worker heartbeats, a capped activity feed, and
// the pending-jobs queue. Everything here is advisory; Postgres remains
// the system of record, and every write is best-effort.
package livestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/config"
	"github.com/scrapekit/emailscraper/internal/scraper"
)

// Key shapes shared with dashboards and the worker supervisor.
const (
	jobProgressKeyPrefix = "job_progress:"
	workerKeyPrefix      = "worker:"
	activeWorkersKey     = "active_workers"
	workerLogsKey        = "worker_logs"
	jobsQueueKey         = "scraping_jobs_queue"

	// workerLogsMax caps the activity feed length.
	workerLogsMax = 1000

	connectTimeout = 5 * time.Second
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("livestore: redis address is required")

// Store wraps a Redis client. A nil Store or a Store with a nil client
// is valid and turns every operation into a no-op.
type Store struct {
	client      *redis.Client
	progressTTL time.Duration
	workerTTL   time.Duration
	log         *zap.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg config.RedisConfig, progressTTL, workerTTL time.Duration, log *zap.Logger) (*Store, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("livestore: redis ping failed: %w", err)
	}

	return NewWithClient(client, progressTTL, workerTTL, log), nil
}

// NewWithClient wraps an existing client, primarily for tests.
func NewWithClient(client *redis.Client, progressTTL, workerTTL time.Duration, log *zap.Logger) *Store {
	if progressTTL <= 0 {
		progressTTL = 24 * time.Hour
	}
	if workerTTL <= 0 {
		workerTTL = time.Hour
	}
	return &Store{client: client, progressTTL: progressTTL, workerTTL: workerTTL, log: log}
}

// Noop returns a Store whose operations all succeed without doing
// anything, for running without Redis.
func Noop(log *zap.Logger) *Store {
	return &Store{log: log}
}

// Close releases the client connection.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) enabled() bool {
	return s != nil && s.client != nil
}

func (s *Store) warn(op string, err error) {
	if err == nil || s.log == nil {
		return
	}
	s.log.Warn("livestore operation failed", zap.String("op", op), zap.Error(err))
}

func jobProgressKey(jobID int64) string {
	return jobProgressKeyPrefix + strconv.FormatInt(jobID, 10)
}

func workerKey(workerID string) string {
	return workerKeyPrefix + workerID
}

// SetJobProgress mirrors job counters into the progress hash.
func (s *Store) SetJobProgress(ctx context.Context, jobID int64, p scraper.JobProgress) {
	if !s.enabled() {
		return
	}
	key := jobProgressKey(jobID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"processed":    p.Processed,
		"successful":   p.Successful,
		"failed":       p.Failed,
		"emails_found": p.EmailsFound,
		"total":        p.Total,
		"status":       string(p.Status),
		"last_update":  p.LastUpdate.Unix(),
	})
	pipe.Expire(ctx, key, s.progressTTL)
	_, err := pipe.Exec(ctx)
	s.warn("set job progress", err)
}

// JobProgress reads the mirrored counters. ok is false when the hash is
// missing, expired, or Redis is unavailable.
func (s *Store) JobProgress(ctx context.Context, jobID int64) (scraper.JobProgress, bool) {
	if !s.enabled() {
		return scraper.JobProgress{}, false
	}
	fields, err := s.client.HGetAll(ctx, jobProgressKey(jobID)).Result()
	if err != nil || len(fields) == 0 {
		s.warn("get job progress", err)
		return scraper.JobProgress{}, false
	}

	atoi := func(key string) int {
		n, _ := strconv.Atoi(fields[key])
		return n
	}
	p := scraper.JobProgress{
		Processed:   atoi("processed"),
		Successful:  atoi("successful"),
		Failed:      atoi("failed"),
		EmailsFound: atoi("emails_found"),
		Total:       atoi("total"),
		Status:      scraper.JobStatus(fields["status"]),
	}
	if ts, err := strconv.ParseInt(fields["last_update"], 10, 64); err == nil {
		p.LastUpdate = time.Unix(ts, 0)
	}
	return p, true
}

// DeleteJobProgress drops the mirror for a finished or deleted job.
func (s *Store) DeleteJobProgress(ctx context.Context, jobID int64) {
	if !s.enabled() {
		return
	}
	s.warn("delete job progress", s.client.Del(ctx, jobProgressKey(jobID)).Err())
}

// Heartbeat refreshes a worker's hash and membership in the active set.
// The hash TTL makes crashed workers disappear on their own.
func (s *Store) Heartbeat(ctx context.Context, snap scraper.WorkerSnapshot) {
	if !s.enabled() {
		return
	}
	key := workerKey(snap.ID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"pid":             snap.PID,
		"status":          snap.Status,
		"started_at":      snap.StartedAt.Unix(),
		"processed_count": snap.ProcessedCount,
		"error_count":     snap.ErrorCount,
		"emails_found":    snap.EmailsFound,
		"last_activity":   snap.LastActivity.Unix(),
		"memory_usage":    snap.MemoryUsage,
	})
	pipe.Expire(ctx, key, s.workerTTL)
	pipe.SAdd(ctx, activeWorkersKey, snap.ID)
	_, err := pipe.Exec(ctx)
	s.warn("worker heartbeat", err)
}

// UnregisterWorker removes a worker from the active set and deletes its hash.
func (s *Store) UnregisterWorker(ctx context.Context, workerID string) {
	if !s.enabled() {
		return
	}
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, activeWorkersKey, workerID)
	pipe.Del(ctx, workerKey(workerID))
	_, err := pipe.Exec(ctx)
	s.warn("unregister worker", err)
}

// ActiveWorkers lists worker ids currently in the active set. Members
// whose hash has expired are pruned as they are discovered.
func (s *Store) ActiveWorkers(ctx context.Context) []string {
	if !s.enabled() {
		return nil
	}
	members, err := s.client.SMembers(ctx, activeWorkersKey).Result()
	if err != nil {
		s.warn("list active workers", err)
		return nil
	}

	var alive []string
	for _, id := range members {
		exists, err := s.client.Exists(ctx, workerKey(id)).Result()
		if err == nil && exists == 0 {
			s.client.SRem(ctx, activeWorkersKey, id)
			continue
		}
		alive = append(alive, id)
	}
	return alive
}

// Worker reads one worker snapshot.
func (s *Store) Worker(ctx context.Context, workerID string) (scraper.WorkerSnapshot, bool) {
	if !s.enabled() {
		return scraper.WorkerSnapshot{}, false
	}
	fields, err := s.client.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil || len(fields) == 0 {
		s.warn("get worker", err)
		return scraper.WorkerSnapshot{}, false
	}

	atoi := func(key string) int {
		n, _ := strconv.Atoi(fields[key])
		return n
	}
	snap := scraper.WorkerSnapshot{
		ID:             workerID,
		PID:            atoi("pid"),
		Status:         fields["status"],
		ProcessedCount: atoi("processed_count"),
		ErrorCount:     atoi("error_count"),
		EmailsFound:    atoi("emails_found"),
	}
	if ts, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		snap.StartedAt = time.Unix(ts, 0)
	}
	if ts, err := strconv.ParseInt(fields["last_activity"], 10, 64); err == nil {
		snap.LastActivity = time.Unix(ts, 0)
	}
	if mem, err := strconv.ParseUint(fields["memory_usage"], 10, 64); err == nil {
		snap.MemoryUsage = mem
	}
	return snap, true
}

// AppendWorkerLog pushes one line onto the capped shared feed.
func (s *Store) AppendWorkerLog(ctx context.Context, workerID, message string) {
	if !s.enabled() {
		return
	}
	line := fmt.Sprintf("%s [%s] %s", time.Now().Format(time.RFC3339), workerID, message)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, workerLogsKey, line)
	pipe.LTrim(ctx, workerLogsKey, 0, workerLogsMax-1)
	_, err := pipe.Exec(ctx)
	s.warn("append worker log", err)
}

// WorkerLogs returns up to n recent feed lines, newest first.
func (s *Store) WorkerLogs(ctx context.Context, n int64) []string {
	if !s.enabled() {
		return nil
	}
	lines, err := s.client.LRange(ctx, workerLogsKey, 0, n-1).Result()
	if err != nil {
		s.warn("read worker logs", err)
		return nil
	}
	return lines
}

// EnqueueJob signals workers that a job moved to running.
func (s *Store) EnqueueJob(ctx context.Context, jobID int64) {
	if !s.enabled() {
		return
	}
	s.warn("enqueue job", s.client.LPush(ctx, jobsQueueKey, jobID).Err())
}

// DequeueJob pops the oldest queued job id, if any.
func (s *Store) DequeueJob(ctx context.Context) (int64, bool) {
	if !s.enabled() {
		return 0, false
	}
	val, err := s.client.RPop(ctx, jobsQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.warn("dequeue job", err)
		}
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// QueueLength reports how many jobs are waiting in the queue.
func (s *Store) QueueLength(ctx context.Context) int64 {
	if !s.enabled() {
		return 0
	}
	n, err := s.client.LLen(ctx, jobsQueueKey).Result()
	if err != nil {
		s.warn("queue length", err)
		return 0
	}
	return n
}
