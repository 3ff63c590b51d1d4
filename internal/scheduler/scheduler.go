// Package scheduler claims due jobs from the store and dispatches them to an
// executor.
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supertask/internal/errors"
	"supertask/internal/executor"
	"supertask/internal/jobs"
	"supertask/internal/lease"
	"supertask/internal/models"
	"supertask/internal/store"
	"supertask/internal/telemetry"
)

// Config tunes the dispatch loop.
type Config struct {
	// PollInterval caps how long the loop sleeps between claims.
	PollInterval time.Duration
	ClaimLimit   int
	// MaxWorkers bounds concurrent executions. Zero means unbounded.
	MaxWorkers int
	// ExecutionTimeout bounds one run. Zero means none.
	ExecutionTimeout time.Duration
	// MisfireGrace is how late a run may start. Later ones are recorded as
	// skipped-misfire. Zero disables the check.
	MisfireGrace   time.Duration
	ShutdownGrace  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 100
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(time.Minute, c.BackoffInitial)
	}
}

// Scheduler drives the claim loop. Runs happen on their own goroutines; the
// loop only blocks on the store and on its timer.
type Scheduler struct {
	cfg     Config
	svc     *jobs.Service
	store   store.Store
	exec    executor.Executor
	running *lease.Memory
	guard   lease.Guard
	sem     chan struct{}
	wake    chan struct{}
	log     *zap.SugaredLogger

	wg         sync.WaitGroup
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGuard adds a cross-process lease checked after the in-process running set.
func WithGuard(g lease.Guard) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.guard = lease.Chain{s.running, g}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

func New(cfg Config, svc *jobs.Service, exec executor.Executor, opts ...Option) *Scheduler {
	cfg.defaults()
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		svc:        svc,
		store:      svc.Store(),
		exec:       exec,
		running:    lease.NewMemory(),
		wake:       make(chan struct{}, 1),
		log:        zap.NewNop().Sugar(),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
	s.guard = s.running
	if cfg.MaxWorkers > 0 {
		s.sem = make(chan struct{}, cfg.MaxWorkers)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wake makes a sleeping loop claim immediately. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Running returns how many jobs are executing or waiting for a worker.
func (s *Scheduler) Running() int {
	return s.running.Running()
}

// Run claims and dispatches until ctx is done, then waits up to
// ShutdownGrace for in-flight runs before cancelling them. Store failures
// are retried with backoff; Run only returns through ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infow("scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"claim_limit", s.cfg.ClaimLimit,
		"max_workers", s.cfg.MaxWorkers)

	attempt := 0
	for ctx.Err() == nil {
		n, err := s.tick(ctx)

		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			attempt++
			wait = backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, attempt)
			if errors.IsUnavailableError(err) {
				s.log.Warnw("store unavailable", "error", err, "attempt", attempt, "backoff", wait)
			} else {
				s.log.Errorw("claim failed", "error", err, "attempt", attempt, "backoff", wait)
			}
		case n >= s.cfg.ClaimLimit:
			// more may be due right now
			attempt = 0
		default:
			attempt = 0
			wait = s.untilNext(ctx)
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}

	s.shutdown()
	return ctx.Err()
}

// tick claims one batch and dispatches it.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	claims, err := s.store.ClaimDue(ctx, s.svc.Now(), s.cfg.ClaimLimit, s.svc.Advance())
	if err != nil {
		telemetry.ClaimErrors.Inc()
		return 0, err
	}
	telemetry.ClaimCounter.Add(float64(len(claims)))
	for _, c := range claims {
		s.dispatch(ctx, c)
	}
	return len(claims), nil
}

// untilNext is the sleep until the earliest known fire time, capped at the
// poll interval.
func (s *Scheduler) untilNext(ctx context.Context) time.Duration {
	next, err := s.store.NextFireAt(ctx)
	if err != nil {
		s.log.Debugw("next fire time unavailable", "error", err)
		return s.cfg.PollInterval
	}
	if next == nil {
		return s.cfg.PollInterval
	}
	return min(max(next.Sub(s.svc.Now()), 0), s.cfg.PollInterval)
}

func (s *Scheduler) dispatch(ctx context.Context, c store.Claim) {
	key := c.Job.Key()
	s.log.Debugw("job claimed", "namespace", key.Namespace, "job_id", key.ID, "scheduled_for", c.ScheduledFor)

	release, ok, err := s.guard.TryAcquire(ctx, key)
	if err != nil {
		now := s.svc.Now()
		s.record(c, now, now, models.OutcomeFailure, errors.Wrap(err, "acquire run lease"))
		return
	}
	if !ok {
		now := s.svc.Now()
		s.log.Infow("overlap skipped", "namespace", key.Namespace, "job_id", key.ID, "scheduled_for", c.ScheduledFor)
		s.record(c, now, now, models.OutcomeSkippedOverlap, nil)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-s.runCtx.Done():
				return
			}
		}
		s.run(c)
	}()
}

func (s *Scheduler) run(c store.Claim) {
	key := c.Job.Key()
	job, err := s.store.Get(s.runCtx, key.Namespace, key.ID)
	switch {
	case errors.IsNotFoundError(err):
		s.log.Debugw("job deleted before run", "namespace", key.Namespace, "job_id", key.ID)
		return
	case err != nil:
		s.log.Warnw("re-read before run failed; using claimed state", "namespace", key.Namespace, "job_id", key.ID, "error", err)
		job = c.Job
	}

	now := s.svc.Now()
	if !job.Enabled {
		s.record(c, now, now, models.OutcomeSkippedDisabled, nil)
		return
	}
	if late := now.Sub(c.ScheduledFor); s.cfg.MisfireGrace > 0 && late > s.cfg.MisfireGrace {
		s.log.Infow("misfire skipped", "namespace", key.Namespace, "job_id", key.ID, "scheduled_for", c.ScheduledFor, "late", late)
		s.record(c, now, now, models.OutcomeSkippedMisfire, errors.Newf("started %s late, grace is %s", late.Round(time.Second), s.cfg.MisfireGrace))
		return
	}

	ctx := s.runCtx
	if s.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer cancel()
	}

	started := s.svc.Now()
	id := s.begin(c, started)
	telemetry.InFlightGauge.Inc()
	err = s.exec.Execute(ctx, job, c.ScheduledFor)
	ended := s.svc.Now()
	telemetry.InFlightGauge.Dec()
	telemetry.ExecutionDuration.Observe(ended.Sub(started).Seconds())

	outcome := models.OutcomeSuccess
	if err != nil {
		outcome = models.OutcomeFailure
	}
	s.finish(c, id, started, ended, outcome, err)
}

// begin writes the running record and returns its id, or "" when the write
// failed and the record has to be written whole at the end.
func (s *Scheduler) begin(c store.Claim, started time.Time) string {
	rec := models.Execution{
		ID:           uuid.NewString(),
		JobNamespace: c.Job.Namespace,
		JobID:        c.Job.ID,
		ScheduledFor: c.ScheduledFor,
		StartedAt:    started,
		Outcome:      models.OutcomeRunning,
	}
	if err := s.store.RecordExecution(context.WithoutCancel(s.runCtx), rec); err != nil {
		s.log.Errorw("record execution start", "namespace", rec.JobNamespace, "job_id", rec.JobID, "error", err)
		return ""
	}
	return rec.ID
}

// record writes a run that never reached the executor.
func (s *Scheduler) record(c store.Claim, started, ended time.Time, outcome string, runErr error) {
	s.finish(c, "", started, ended, outcome, runErr)
}

// finish completes the running record id, or appends a full record when id
// is empty. It runs on its own context so results of runs cancelled at
// shutdown are still stored.
func (s *Scheduler) finish(c store.Claim, id string, started, ended time.Time, outcome string, runErr error) {
	rec := models.Execution{
		ID:           id,
		JobNamespace: c.Job.Namespace,
		JobID:        c.Job.ID,
		ScheduledFor: c.ScheduledFor,
		StartedAt:    started,
		EndedAt:      ended,
		Outcome:      outcome,
	}
	if runErr != nil {
		msg := runErr.Error()
		rec.ErrorDetail = &msg
	}
	telemetry.Executions.WithLabelValues(outcome).Inc()

	fields := []any{
		"namespace", rec.JobNamespace,
		"job_id", rec.JobID,
		"scheduled_for", rec.ScheduledFor,
		"outcome", outcome,
		"duration_ms", rec.Duration().Milliseconds(),
	}
	if runErr != nil {
		s.log.Warnw("execution finished", append(fields, "error", runErr)...)
	} else {
		s.log.Infow("execution finished", fields...)
	}

	ctx := context.WithoutCancel(s.runCtx)
	var err error
	if id != "" {
		err = s.store.FinishExecution(ctx, rec)
	}
	if id == "" || errors.IsNotFoundError(err) {
		err = s.store.RecordExecution(ctx, rec)
	}
	if err != nil {
		s.log.Errorw("record execution", "namespace", rec.JobNamespace, "job_id", rec.JobID, "error", err)
	}
}

func (s *Scheduler) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warnw("shutdown grace elapsed; cancelling runs", "running", s.Running())
		s.cancelRuns()
		<-done
	}
	s.cancelRuns()
	s.log.Infow("scheduler stopped")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	// clamp before converting: large attempts overflow int64
	exp := min(float64(base)*math.Pow(2, float64(attempt-1)), float64(max))
	wait := time.Duration(exp)
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
