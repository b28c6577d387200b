package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/config"
	"github.com/scrapekit/emailscraper/internal/extractor"
	"github.com/scrapekit/emailscraper/internal/fetcher"
	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/storage"
)

// launchStagger spaces out worker starts so a fleet does not hammer the
// claim query at the same instant.
const launchStagger = time.Second

// stopGrace bounds how long Stop waits for workers to wind down.
const stopGrace = 3 * time.Second

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("worker: supervisor already started")

// Deps bundles the collaborators every worker needs.
type Deps struct {
	Store     storage.Store
	Live      *livestore.Store
	Jobs      *jobmanager.Manager
	Fetcher   *fetcher.Fetcher
	Extractor *extractor.Extractor
	Log       *zap.Logger
}

// WorkerStatus describes one supervised worker.
type WorkerStatus struct {
	ID        string        `json:"id"`
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// FleetStatus is the supervisor's view of the fleet plus host memory.
type FleetStatus struct {
	Workers          []WorkerStatus `json:"workers"`
	ActiveInStore    []string       `json:"active_in_store"`
	QueueLength      int64          `json:"queue_length"`
	SystemMemoryUsed float64        `json:"system_memory_used_percent"`
}

type handle struct {
	worker    *Worker
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	restarts  int
	lastErr   error
	stopped   bool
}

// Supervisor runs a fleet of workers in-process, restarting any that
// exit on the memory watermark or crash out of the loop.
type Supervisor struct {
	cfg  config.WorkerConfig
	deps Deps
	log  *zap.Logger

	mu         sync.Mutex
	started    bool
	slots      []*handle
	wg         sync.WaitGroup
	stopHealth context.CancelFunc
}

// NewSupervisor builds a Supervisor for cfg.MaxWorkers workers.
func NewSupervisor(cfg config.WorkerConfig, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.Named("supervisor"),
	}
}

// Start launches the fleet with staggered starts and begins the health
// loop. It returns once all workers are launched.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.slots = make([]*handle, s.cfg.MaxWorkers)
	s.mu.Unlock()

	for i := 0; i < s.cfg.MaxWorkers; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.launch(ctx, i)
		if i < s.cfg.MaxWorkers-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(launchStagger):
			}
		}
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopHealth = stopHealth
	s.mu.Unlock()

	s.wg.Add(1)
	go s.healthLoop(healthCtx)

	s.log.Info("fleet started", zap.Int("workers", s.cfg.MaxWorkers))
	return nil
}

func (s *Supervisor) launch(ctx context.Context, slot int) {
	w := New(s.cfg, s.deps.Store, s.deps.Live, s.deps.Jobs, s.deps.Fetcher, s.deps.Extractor, s.deps.Log)
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		worker:    w,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	s.mu.Lock()
	if prev := s.slots[slot]; prev != nil {
		h.restarts = prev.restarts
	}
	s.slots[slot] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		err := w.Run(runCtx)

		s.mu.Lock()
		h.lastErr = err
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("worker exited with error",
				zap.String("worker_id", w.ID()),
				zap.Error(err),
			)
		}
	}()

	s.log.Info("worker launched", zap.Int("slot", slot), zap.String("worker_id", w.ID()))
}

// healthLoop restarts workers that exited while the supervisor is live.
func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.HealthCheckSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reviveDead(ctx)
		}
	}
}

func (s *Supervisor) reviveDead(ctx context.Context) {
	s.mu.Lock()
	var dead []int
	for slot, h := range s.slots {
		if h == nil || h.stopped {
			continue
		}
		select {
		case <-h.done:
			h.restarts++
			dead = append(dead, slot)
		default:
		}
	}
	s.mu.Unlock()

	for _, slot := range dead {
		s.log.Info("restarting worker", zap.Int("slot", slot))
		s.launch(ctx, slot)
	}
}

// StopWorker stops one worker by id without restarting it.
func (s *Supervisor) StopWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.slots {
		if h != nil && h.worker.ID() == id {
			h.stopped = true
			h.cancel()
			return nil
		}
	}
	return fmt.Errorf("worker %s not found", id)
}

// RestartWorker cancels one worker; the health loop brings up its
// replacement on the next tick.
func (s *Supervisor) RestartWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.slots {
		if h != nil && h.worker.ID() == id {
			h.cancel()
			return nil
		}
	}
	return fmt.Errorf("worker %s not found", id)
}

// Stop winds the fleet down, waiting up to the grace period for workers
// to finish their current batch.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopHealth != nil {
		s.stopHealth()
	}
	for _, h := range s.slots {
		if h != nil {
			h.stopped = true
			h.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("fleet stopped")
	case <-time.After(stopGrace):
		s.log.Warn("fleet stop timed out, abandoning remaining workers")
	}
}

// Status reports every supervised worker plus store-level fleet state.
func (s *Supervisor) Status(ctx context.Context) FleetStatus {
	s.mu.Lock()
	workers := make([]WorkerStatus, 0, len(s.slots))
	for _, h := range s.slots {
		if h == nil {
			continue
		}
		running := true
		select {
		case <-h.done:
			running = false
		default:
		}
		ws := WorkerStatus{
			ID:       h.worker.ID(),
			Running:  running,
			Uptime:   time.Since(h.startedAt),
			Restarts: h.restarts,
		}
		if h.lastErr != nil {
			ws.LastError = h.lastErr.Error()
		}
		workers = append(workers, ws)
	}
	s.mu.Unlock()

	status := FleetStatus{
		Workers:       workers,
		ActiveInStore: s.deps.Live.ActiveWorkers(ctx),
		QueueLength:   s.deps.Live.QueueLength(ctx),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.SystemMemoryUsed = vm.UsedPercent
	}
	return status
}
