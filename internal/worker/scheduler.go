// Package worker runs the background loops: the scheduled batch processor
// and the retention sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

// BatchRunner is the processor surface the scheduler drives.
type BatchRunner interface {
	Run(ctx context.Context) (*queue.RunReport, error)
}

// BatchScheduler fires the processor on a fixed interval. Lease contention
// is expected in multi-instance deployments and is not counted as an error.
type BatchScheduler struct {
	runner   BatchRunner
	interval time.Duration

	runsStarted int64
	runsSkipped int64
	runErrors   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewBatchScheduler creates a scheduler around the processor.
func NewBatchScheduler(runner BatchRunner, interval time.Duration) *BatchScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &BatchScheduler{runner: runner, interval: interval}
}

// Start begins the processing loop.
func (s *BatchScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("batch scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.loop()

	logger.Info("batch scheduler started", "interval", s.interval.String())
	return nil
}

// Stop halts the loop and waits for an in-flight run to finish.
func (s *BatchScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("batch scheduler stopped")
}

func (s *BatchScheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *BatchScheduler) runOnce() {
	atomic.AddInt64(&s.runsStarted, 1)

	_, err := s.runner.Run(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrRunInProgress):
		atomic.AddInt64(&s.runsSkipped, 1)
	case errors.Is(err, context.Canceled):
	default:
		atomic.AddInt64(&s.runErrors, 1)
		logger.Error("scheduled batch run failed", "error", err.Error())
	}
}

// Totals returns lifetime scheduler counters.
func (s *BatchScheduler) Totals() map[string]int64 {
	return map[string]int64{
		"runs_started": atomic.LoadInt64(&s.runsStarted),
		"runs_skipped": atomic.LoadInt64(&s.runsSkipped),
		"run_errors":   atomic.LoadInt64(&s.runErrors),
	}
}
