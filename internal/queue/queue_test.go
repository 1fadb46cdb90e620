package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/gliderdac/internal/retry"
	"github.com/livinlefevreloca/gliderdac/internal/testutil"
)

var testStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Backoff = retry.Policy{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Multiplier: 2}
	return cfg
}

func newTestQueue(t *testing.T) (*Queue, *testutil.MockClock, *testutil.TestLogger) {
	t.Helper()
	clock := testutil.NewMockClock(testStart)
	logger := testutil.NewTestLogger()
	q, err := New(testutil.NewTestDB(t), testConfig(), logger.Logger(), WithClock(clock))
	require.NoError(t, err)
	return q, clock, logger
}

func ingest(dep, path string, mtime time.Time) Job {
	return NewIngestJob(dep, IngestPayload{Path: path, ModTime: mtime, Size: 100})
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lease", func(c *Config) { c.LeaseTTL = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"bad backoff", func(c *Config) { c.Backoff.Multiplier = 0.5 }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"zero timeout", func(c *Config) { c.OperationTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(nil, cfg, testutil.NewTestLogger().Logger()); err == nil {
				t.Errorf("expected config error, got nil")
			}
		})
	}
}

func TestEnqueue_RejectsMismatchedPayload(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job := Job{Kind: KindQC, DeploymentID: "D1", Payload: Payload{Ingest: &IngestPayload{Path: "x"}}}

	_, _, err := q.Enqueue(context.Background(), job)
	assert.Error(t, err)
}

func TestEnqueue_DeduplicatesLiveJobs(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, inserted, err := q.Enqueue(ctx, NewQCJob("D1", 4))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, 1, first.Attempt)

	second, inserted, err := q.Enqueue(ctx, NewQCJob("D1", 4))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	// A different generation is different work
	_, inserted, err = q.Enqueue(ctx, NewQCJob("D1", 5))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestClaim_PreservesOrderWithinDeployment(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	a, _, err := q.Enqueue(ctx, ingest("D1", "/data/a.nc", testStart))
	require.NoError(t, err)
	b, _, err := q.Enqueue(ctx, ingest("D1", "/data/b.nc", testStart))
	require.NoError(t, err)
	c, _, err := q.Enqueue(ctx, ingest("D2", "/data/c.nc", testStart))
	require.NoError(t, err)

	first, err := q.Claim(ctx, KindIngest, "w1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, first.ID)

	// D1 is leased, so the only claimable job belongs to D2
	second, err := q.Claim(ctx, KindIngest, "w2")
	require.NoError(t, err)
	assert.Equal(t, c.ID, second.ID)

	_, err = q.Claim(ctx, KindIngest, "w3")
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Ack(ctx, first))

	third, err := q.Claim(ctx, KindIngest, "w3")
	require.NoError(t, err)
	assert.Equal(t, b.ID, third.ID)
}

func TestClaim_KindsAreIndependent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, ingest("D1", "/data/a.nc", testStart))
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, NewQCJob("D1", 1))
	require.NoError(t, err)

	_, err = q.Claim(ctx, KindIngest, "w1")
	require.NoError(t, err)
	_, err = q.Claim(ctx, KindQC, "w2")
	require.NoError(t, err, "a QC lease must not be blocked by an ingest lease")
}

func TestNack_BacksOffThenDeadLetters(t *testing.T) {
	q, clock, logger := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, ingest("D1", "/data/a.nc", testStart))
	require.NoError(t, err)

	cause := errors.New("disk full")
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx, KindIngest, "w1")
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempt)

		require.NoError(t, q.Nack(ctx, job, cause))

		// Not claimable until the backoff for this attempt elapses
		_, err = q.Claim(ctx, KindIngest, "w1")
		assert.ErrorIs(t, err, ErrEmpty)

		clock.Advance(q.Config().Backoff.Delay(attempt))
	}

	_, err = q.Claim(ctx, KindIngest, "w1")
	assert.ErrorIs(t, err, ErrEmpty)

	dls, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Contains(t, dls[0].Reason, "disk full")
	assert.True(t, logger.HasMessage("job dead-lettered"))
}

func TestRequeue_ResetsAttempts(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, NewPublishJob("D1", 2, "qc complete"))
	require.NoError(t, err)
	job, err := q.Claim(ctx, KindPublish, "w1")
	require.NoError(t, err)

	dl, err := q.DeadLetter(ctx, job, "deployment in error state")
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, requeued.ID)
	assert.Equal(t, 1, requeued.Attempt)
	assert.Equal(t, int64(2), requeued.Generation())

	_, err = q.Requeue(ctx, dl.ID)
	assert.Error(t, err, "a dead letter can only be requeued once")

	again, err := q.Claim(ctx, KindPublish, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
}

func TestSupersede_ReportsToHolder(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, ingest("D1", "/data/a.nc", testStart))
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, ingest("D1", "/data/b.nc", testStart))
	require.NoError(t, err)

	held, err := q.Claim(ctx, KindIngest, "w1")
	require.NoError(t, err)

	n, err := q.Supersede(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	superseded, err := q.IsSuperseded(ctx, held.ID)
	require.NoError(t, err)
	assert.True(t, superseded)

	assert.ErrorIs(t, q.Ack(ctx, held), ErrSuperseded)
	assert.ErrorIs(t, q.Nack(ctx, held, errors.New("boom")), ErrSuperseded)

	_, err = q.Claim(ctx, KindIngest, "w2")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestAck_LeaseLostAfterReap(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, ingest("D1", "/data/a.nc", testStart))
	require.NoError(t, err)
	job, err := q.Claim(ctx, KindIngest, "w1")
	require.NoError(t, err)

	clock.Advance(q.Config().LeaseTTL + time.Second)
	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, q.Ack(ctx, job), ErrLeaseLost)

	clock.Advance(q.Config().Backoff.MaxBackoff)
	again, err := q.Claim(ctx, KindIngest, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
	assert.Contains(t, again.LastError, "expired")
}

func TestExtend_KeepsLeaseAlive(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, NewQCJob("D1", 1))
	require.NoError(t, err)
	job, err := q.Claim(ctx, KindQC, "w1")
	require.NoError(t, err)

	clock.Advance(q.Config().LeaseTTL - time.Second)
	require.NoError(t, q.Extend(ctx, job))
	clock.Advance(2 * time.Second)

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, q.Ack(ctx, job))
}

func TestDequeue_WakesOnEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(ctx, KindPublish, "w1")
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	want, _, err := q.Enqueue(context.Background(), NewPublishJob("D9", 1, ""))
	require.NoError(t, err)

	select {
	case job := <-got:
		assert.Equal(t, want.ID, job.ID)
	case <-ctx.Done():
		t.Fatal("Dequeue never returned the enqueued job")
	}
}

func TestDequeue_StopsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx, KindIngest, "w1")
	assert.ErrorIs(t, err, context.Canceled)
}

// At most one job per (deployment, kind) may be claimed at any instant while
// several producers and consumers run concurrently.
func TestLeaseInvariant_ConcurrentProducersConsumers(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const deployments = 4
	const perDeployment = 10
	total := int64(deployments * perDeployment)

	var producers sync.WaitGroup
	for d := 0; d < deployments; d++ {
		producers.Add(1)
		go func(d int) {
			defer producers.Done()
			dep := fmt.Sprintf("D%d", d)
			for i := 0; i < perDeployment; i++ {
				path := fmt.Sprintf("/data/%s/p%02d.nc", dep, i)
				if _, _, err := q.Enqueue(ctx, ingest(dep, path, testStart)); err != nil {
					t.Errorf("enqueue failed: %v", err)
				}
			}
		}(d)
	}

	var mu sync.Mutex
	held := make(map[string]bool)
	var completed int64
	var violations int64

	var consumers sync.WaitGroup
	for w := 0; w < 6; w++ {
		consumers.Add(1)
		go func(w int) {
			defer consumers.Done()
			owner := fmt.Sprintf("w%d", w)
			for atomic.LoadInt64(&completed) < total {
				job, err := q.Claim(ctx, KindIngest, owner)
				if errors.Is(err, ErrEmpty) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					t.Errorf("claim failed: %v", err)
					return
				}

				mu.Lock()
				if held[job.DeploymentID] {
					atomic.AddInt64(&violations, 1)
				}
				held[job.DeploymentID] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				held[job.DeploymentID] = false
				mu.Unlock()

				if err := q.Ack(ctx, job); err != nil {
					t.Errorf("ack failed: %v", err)
					return
				}
				atomic.AddInt64(&completed, 1)
			}
		}(w)
	}

	producers.Wait()
	consumers.Wait()

	assert.Equal(t, int64(0), atomic.LoadInt64(&violations))
	assert.Equal(t, total, atomic.LoadInt64(&completed))
}

func TestDepths(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := q.Enqueue(ctx, ingest(fmt.Sprintf("D%d", i), "/data/a.nc", testStart))
		require.NoError(t, err)
	}
	_, err := q.Claim(ctx, KindIngest, "w1")
	require.NoError(t, err)

	counts, err := q.Depths(ctx)
	require.NoError(t, err)

	byState := map[string]int{}
	for _, c := range counts {
		if c.Kind == string(KindIngest) {
			byState[c.State] = c.Count
		}
	}
	assert.Equal(t, 2, byState["queued"])
	assert.Equal(t, 1, byState["claimed"])
}
