package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
)

type countingRunner struct {
	runs int64
	err  error
}

func (c *countingRunner) Run(context.Context) (*queue.RunReport, error) {
	atomic.AddInt64(&c.runs, 1)
	return &queue.RunReport{}, c.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBatchScheduler_RunsOnInterval(t *testing.T) {
	runner := &countingRunner{}
	s := NewBatchScheduler(runner, 10*time.Millisecond)

	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, func() bool { return atomic.LoadInt64(&runner.runs) >= 3 })
}

func TestBatchScheduler_DoubleStart(t *testing.T) {
	s := NewBatchScheduler(&countingRunner{}, time.Hour)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Error(t, s.Start())
}

func TestBatchScheduler_StopIsIdempotent(t *testing.T) {
	s := NewBatchScheduler(&countingRunner{}, time.Hour)
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestBatchScheduler_LeaseContentionNotAnError(t *testing.T) {
	runner := &countingRunner{err: queue.ErrRunInProgress}
	s := NewBatchScheduler(runner, 10*time.Millisecond)

	require.NoError(t, s.Start())
	waitFor(t, func() bool { return atomic.LoadInt64(&runner.runs) >= 2 })
	s.Stop()

	totals := s.Totals()
	assert.Zero(t, totals["run_errors"])
	assert.GreaterOrEqual(t, totals["runs_skipped"], int64(2))
}

func TestBatchScheduler_CountsErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("db down")}
	s := NewBatchScheduler(runner, 10*time.Millisecond)

	require.NoError(t, s.Start())
	waitFor(t, func() bool { return s.Totals()["run_errors"] >= 1 })
	s.Stop()
}

type countingCleaner struct {
	sweeps  int64
	gotDays int64
}

func (c *countingCleaner) CleanupOlderThan(_ context.Context, days int) (int64, error) {
	atomic.StoreInt64(&c.gotDays, int64(days))
	atomic.AddInt64(&c.sweeps, 1)
	return 5, nil
}

func TestRetentionWorker_SweepsImmediatelyThenOnInterval(t *testing.T) {
	cleaner := &countingCleaner{}
	w := NewRetentionWorker(cleaner, 30, 20*time.Millisecond)

	require.NoError(t, w.Start())
	defer w.Stop()

	waitFor(t, func() bool { return atomic.LoadInt64(&cleaner.sweeps) >= 2 })
	assert.EqualValues(t, 30, atomic.LoadInt64(&cleaner.gotDays))
}
