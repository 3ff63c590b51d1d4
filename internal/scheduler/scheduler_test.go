package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supertask/internal/errors"
	"supertask/internal/jobs"
	"supertask/internal/models"
	"supertask/internal/store"
)

var t0 = time.Date(2026, 10, 14, 12, 0, 30, 500_000_000, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, job models.Job) error
}

func (f *fakeExecutor) Execute(ctx context.Context, job models.Job, _ time.Time) error {
	f.mu.Lock()
	f.calls = append(f.calls, job.ID)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, job)
	}
	return nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	clock *clock
	svc   *jobs.Service
	st    store.Store
	exec  *fakeExecutor
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	c := &clock{now: t0}
	return &fixture{
		clock: c,
		svc:   jobs.NewService(st, jobs.WithClock(c.Now)),
		st:    st,
		exec:  &fakeExecutor{},
	}
}

func (f *fixture) put(t *testing.T, id, expr string) {
	t.Helper()
	_, err := f.svc.Put(context.Background(), models.Job{
		Namespace: "ns",
		ID:        id,
		Enabled:   true,
		Trigger:   expr,
		Payload:   models.Payload{Steps: []models.Step{{Kind: models.StepEntrypoint, Target: "noop"}}},
	}, nil)
	require.NoError(t, err)
}

func (f *fixture) executions(t *testing.T, id string) []models.Execution {
	t.Helper()
	recs, err := f.svc.Executions(context.Background(), "ns", id, 0)
	require.NoError(t, err)
	return recs
}

func fastConfig() Config {
	return Config{
		PollInterval:   20 * time.Millisecond,
		ClaimLimit:     10,
		ShutdownGrace:  time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
	}
}

func TestTickRecordsOutcomesAndAdvances(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "ok", "* * * * * *")
	f.put(t, "broken", "* * * * * *")
	f.exec.fn = func(_ context.Context, job models.Job) error {
		if job.ID == "broken" {
			return errors.New("exit status 3")
		}
		return nil
	}
	s := New(fastConfig(), f.svc, f.exec)

	n, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	s.wg.Wait()

	assert.ElementsMatch(t, []string{"ok", "broken"}, f.exec.Calls())

	ok := f.executions(t, "ok")
	require.Len(t, ok, 1)
	assert.Equal(t, models.OutcomeSuccess, ok[0].Outcome)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC), ok[0].ScheduledFor)
	assert.Nil(t, ok[0].ErrorDetail)

	broken := f.executions(t, "broken")
	require.Len(t, broken, 1)
	assert.Equal(t, models.OutcomeFailure, broken[0].Outcome)
	require.NotNil(t, broken[0].ErrorDetail)
	assert.Contains(t, *broken[0].ErrorDetail, "exit status 3")

	job, err := f.svc.Get(context.Background(), "ns", "ok")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 0, 31, 0, time.UTC), *job.NextFireAt)

	// nothing is due until the clock moves
	n, err = s.tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "slow", "* * * * * *")
	release := make(chan struct{})
	f.exec.fn = func(context.Context, models.Job) error {
		<-release
		return nil
	}
	s := New(fastConfig(), f.svc, f.exec)
	ctx := context.Background()

	_, err := s.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Running())

	f.clock.Add(time.Second)
	n, err := s.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(release)
	s.wg.Wait()
	assert.Zero(t, s.Running())

	recs := f.executions(t, "slow")
	require.Len(t, recs, 2)
	assert.Equal(t, models.OutcomeSkippedOverlap, recs[0].Outcome)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 0, 31, 0, time.UTC), recs[0].ScheduledFor)
	assert.Equal(t, models.OutcomeSuccess, recs[1].Outcome)
	assert.Len(t, f.exec.Calls(), 1)
}

func TestMisfireBeyondGraceIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "late", "* * * * * *")
	cfg := fastConfig()
	cfg.MisfireGrace = time.Minute
	s := New(cfg, f.svc, f.exec)

	f.clock.Add(5 * time.Minute)
	_, err := s.tick(context.Background())
	require.NoError(t, err)
	s.wg.Wait()

	assert.Empty(t, f.exec.Calls())
	recs := f.executions(t, "late")
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSkippedMisfire, recs[0].Outcome)
	require.NotNil(t, recs[0].ErrorDetail)

	job, err := f.svc.Get(context.Background(), "ns", "late")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 5, 31, 0, time.UTC), *job.NextFireAt)
}

// rereadStore changes what the scheduler sees when it re-reads a claimed job.
type rereadStore struct {
	store.Store
	get func(models.Job) (models.Job, error)
}

func (s *rereadStore) Get(ctx context.Context, ns, id string) (models.Job, error) {
	job, err := s.Store.Get(ctx, ns, id)
	if err != nil {
		return job, err
	}
	return s.get(job)
}

func TestJobDisabledAfterClaimIsSkipped(t *testing.T) {
	st := &rereadStore{Store: store.NewMemory(), get: func(j models.Job) (models.Job, error) {
		j.Enabled = false
		return j, nil
	}}
	f := newFixture(t, st)
	f.put(t, "paused", "* * * * * *")
	s := New(fastConfig(), f.svc, f.exec)

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	s.wg.Wait()

	assert.Empty(t, f.exec.Calls())
	recs := f.executions(t, "paused")
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSkippedDisabled, recs[0].Outcome)
}

func TestJobDeletedAfterClaimIsDropped(t *testing.T) {
	st := &rereadStore{Store: store.NewMemory(), get: func(j models.Job) (models.Job, error) {
		return models.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", j.Key())
	}}
	f := newFixture(t, st)
	f.put(t, "gone", "* * * * * *")
	s := New(fastConfig(), f.svc, f.exec)

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	s.wg.Wait()

	assert.Empty(t, f.exec.Calls())
	assert.Empty(t, f.executions(t, "gone"))
}

func TestMaxWorkersBoundsConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		f.put(t, id, "* * * * * *")
	}
	var active, peak atomic.Int32
	f.exec.fn = func(context.Context, models.Job) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	cfg := fastConfig()
	cfg.MaxWorkers = 1
	s := New(cfg, f.svc, f.exec)

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	s.wg.Wait()

	assert.Len(t, f.exec.Calls(), 3)
	assert.Equal(t, int32(1), peak.Load())
}

type refusingGuard struct{}

func (refusingGuard) TryAcquire(context.Context, models.Key) (func(), bool, error) {
	return nil, false, errors.Mark(errors.New("dial tcp: connection refused"), errors.ErrStoreUnavailable)
}

func TestLeaseFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "a", "* * * * * *")
	s := New(fastConfig(), f.svc, f.exec, WithGuard(refusingGuard{}))

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	s.wg.Wait()

	assert.Empty(t, f.exec.Calls())
	assert.Zero(t, s.Running(), "local slot is given back when the remote lease fails")
	recs := f.executions(t, "a")
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeFailure, recs[0].Outcome)
	assert.Contains(t, *recs[0].ErrorDetail, "acquire run lease")
}

// flakyStore fails the first few claims as unavailable.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (s *flakyStore) ClaimDue(ctx context.Context, now time.Time, limit int, advance store.AdvanceFunc) ([]store.Claim, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.Mark(errors.New("connection reset by peer"), errors.ErrStoreUnavailable)
	}
	return s.Store.ClaimDue(ctx, now, limit, advance)
}

func TestRunRetriesUnavailableStore(t *testing.T) {
	st := &flakyStore{Store: store.NewMemory()}
	st.failures.Store(3)
	f := newFixture(t, st)
	f.put(t, "a", "* * * * * *")
	s := New(fastConfig(), f.svc, f.exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(f.exec.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, st.failures.Load(), int32(0))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWakeInterruptsSleep(t *testing.T) {
	f := newFixture(t, nil)
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	s := New(cfg, f.svc, f.exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	f.put(t, "a", "* * * * * *")
	s.Wake()
	assert.Eventually(t, func() bool { return len(f.exec.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownCancelsRunsAfterGrace(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "stuck", "* * * * * *")
	started := make(chan struct{})
	f.exec.fn = func(ctx context.Context, _ models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := fastConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	s := New(cfg, f.svc, f.exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the shutdown grace")
	}

	recs := f.executions(t, "stuck")
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeFailure, recs[0].Outcome)
	assert.Contains(t, *recs[0].ErrorDetail, "context canceled")
}

func TestUntilNextIsCappedByPollInterval(t *testing.T) {
	f := newFixture(t, nil)
	s := New(fastConfig(), f.svc, f.exec)
	ctx := context.Background()

	assert.Equal(t, 20*time.Millisecond, s.untilNext(ctx), "empty store sleeps a full interval")

	f.put(t, "soon", "* * * * * *")
	assert.Zero(t, s.untilNext(ctx), "an overdue job wakes immediately")
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	assert.LessOrEqual(t, backoffWithJitter(base, max, 30), max)

	// attempts past ~35 overflow the exponent if it is not clamped first
	for attempt := 1; attempt <= 100; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		require.GreaterOrEqual(t, b, base/2, "attempt %d", attempt)
		require.LessOrEqual(t, b, max, "attempt %d", attempt)
	}
	assert.GreaterOrEqual(t, backoffWithJitter(base, max, 100), max/2)
}

func TestRunningRecordIsFinishedInPlace(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, "slow", "* * * * * *")
	release := make(chan struct{})
	f.exec.fn = func(context.Context, models.Job) error {
		<-release
		return errors.New("exit status 1")
	}
	s := New(fastConfig(), f.svc, f.exec)

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(f.exec.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	recs := f.executions(t, "slow")
	require.Len(t, recs, 1)
	running := recs[0]
	assert.Equal(t, models.OutcomeRunning, running.Outcome)
	assert.NotEmpty(t, running.ID)
	assert.Equal(t, t0, running.StartedAt)
	assert.True(t, running.EndedAt.IsZero())

	f.clock.Add(250 * time.Millisecond)
	close(release)
	s.wg.Wait()

	recs = f.executions(t, "slow")
	require.Len(t, recs, 1, "the running record is completed, not duplicated")
	assert.Equal(t, running.ID, recs[0].ID)
	assert.Equal(t, models.OutcomeFailure, recs[0].Outcome)
	assert.Equal(t, 250*time.Millisecond, recs[0].Duration())
	require.NotNil(t, recs[0].ErrorDetail)
	assert.Contains(t, *recs[0].ErrorDetail, "exit status 1")
}

// startFailStore refuses to write running records.
type startFailStore struct {
	store.Store
}

func (s *startFailStore) RecordExecution(ctx context.Context, rec models.Execution) error {
	if rec.Outcome == models.OutcomeRunning {
		return errors.Mark(errors.New("connection reset by peer"), errors.ErrStoreUnavailable)
	}
	return s.Store.RecordExecution(ctx, rec)
}

func TestFailedStartRecordFallsBackToFullRecord(t *testing.T) {
	f := newFixture(t, &startFailStore{Store: store.NewMemory()})
	f.put(t, "a", "* * * * * *")
	s := New(fastConfig(), f.svc, f.exec)

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	s.wg.Wait()

	recs := f.executions(t, "a")
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSuccess, recs[0].Outcome)
}
