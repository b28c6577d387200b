package livestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/scraper"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, 24*time.Hour, time.Hour, zap.NewNop()), mr
}

func TestJobProgressRoundTrip(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()

	want := scraper.JobProgress{
		Processed:   12,
		Successful:  10,
		Failed:      2,
		EmailsFound: 31,
		Total:       50,
		Status:      scraper.JobStatusRunning,
		LastUpdate:  time.Unix(1700000000, 0),
	}
	s.SetJobProgress(ctx, 7, want)

	got, ok := s.JobProgress(ctx, 7)
	require.True(t, ok)
	require.Equal(t, want.Processed, got.Processed)
	require.Equal(t, want.Failed, got.Failed)
	require.Equal(t, want.EmailsFound, got.EmailsFound)
	require.Equal(t, want.Total, got.Total)
	require.Equal(t, scraper.JobStatusRunning, got.Status)
	require.Equal(t, want.LastUpdate.Unix(), got.LastUpdate.Unix())

	// The mirror must expire on its own.
	ttl := mr.TTL("job_progress:7")
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, 24*time.Hour)

	s.DeleteJobProgress(ctx, 7)
	_, ok = s.JobProgress(ctx, 7)
	require.False(t, ok)
}

func TestWorkerHeartbeatAndActiveSet(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()

	snap := scraper.WorkerSnapshot{
		ID:             "worker_host_42_1700000000",
		PID:            42,
		Status:         "processing",
		StartedAt:      time.Unix(1700000000, 0),
		ProcessedCount: 5,
		EmailsFound:    9,
		LastActivity:   time.Unix(1700000100, 0),
		MemoryUsage:    128 << 20,
	}
	s.Heartbeat(ctx, snap)

	require.Equal(t, []string{snap.ID}, s.ActiveWorkers(ctx))

	got, ok := s.Worker(ctx, snap.ID)
	require.True(t, ok)
	require.Equal(t, 42, got.PID)
	require.Equal(t, "processing", got.Status)
	require.Equal(t, 5, got.ProcessedCount)
	require.Equal(t, uint64(128<<20), got.MemoryUsage)

	// Once the heartbeat TTL lapses the worker drops out of the set.
	mr.FastForward(2 * time.Hour)
	require.Empty(t, s.ActiveWorkers(ctx))
}

func TestUnregisterWorker(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Heartbeat(ctx, scraper.WorkerSnapshot{ID: "w1", Status: "idle"})
	s.UnregisterWorker(ctx, "w1")

	require.Empty(t, s.ActiveWorkers(ctx))
	_, ok := s.Worker(ctx, "w1")
	require.False(t, ok)
}

func TestWorkerLogsCapped(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < workerLogsMax+50; i++ {
		s.AppendWorkerLog(ctx, "w1", fmt.Sprintf("line %d", i))
	}

	lines, err := mr.List(workerLogsKey)
	require.NoError(t, err)
	require.Len(t, lines, workerLogsMax)

	recent := s.WorkerLogs(ctx, 2)
	require.Len(t, recent, 2)
	require.Contains(t, recent[0], fmt.Sprintf("line %d", workerLogsMax+49))
}

func TestJobQueueFIFO(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, 1)
	s.EnqueueJob(ctx, 2)
	s.EnqueueJob(ctx, 3)
	require.Equal(t, int64(3), s.QueueLength(ctx))

	for _, want := range []int64{1, 2, 3} {
		id, ok := s.DequeueJob(ctx)
		require.True(t, ok)
		require.Equal(t, want, id)
	}
	_, ok := s.DequeueJob(ctx)
	require.False(t, ok)
}

// TestNoopStore verifies a store without Redis degrades to harmless no-ops.
func TestNoopStore(t *testing.T) {
	t.Parallel()

	s := Noop(zap.NewNop())
	ctx := context.Background()

	s.SetJobProgress(ctx, 1, scraper.JobProgress{Processed: 1})
	_, ok := s.JobProgress(ctx, 1)
	require.False(t, ok)

	s.Heartbeat(ctx, scraper.WorkerSnapshot{ID: "w"})
	require.Nil(t, s.ActiveWorkers(ctx))

	s.EnqueueJob(ctx, 1)
	_, ok = s.DequeueJob(ctx)
	require.False(t, ok)
	require.NoError(t, s.Close())
}
