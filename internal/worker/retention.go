package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
)

// Cleaner is the store surface the retention sweep needs.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// RetentionWorker deletes terminal rows past the retention cutoff on a
// fixed interval. Pending and processing rows are never touched.
type RetentionWorker struct {
	store    Cleaner
	days     int
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewRetentionWorker creates the sweep. days is clamped upstream by config.
func NewRetentionWorker(store Cleaner, days int, interval time.Duration) *RetentionWorker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionWorker{store: store, days: days, interval: interval}
}

// Start begins the sweep loop. The first sweep runs immediately so restarts
// don't postpone overdue cleanup by a full interval.
func (w *RetentionWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("retention worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.loop()

	logger.Info("retention worker started", "days", fmt.Sprint(w.days))
	return nil
}

// Stop halts the sweep loop.
func (w *RetentionWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	logger.Info("retention worker stopped")
}

func (w *RetentionWorker) loop() {
	defer w.wg.Done()

	w.sweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *RetentionWorker) sweep() {
	n, err := w.store.CleanupOlderThan(w.ctx, w.days)
	if err != nil {
		logger.Error("retention sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		logger.Info("retention sweep removed rows", "rows", fmt.Sprint(n))
	}
}
