// Package jobs is the query and mutation surface over a job store. It owns
// the rules every writer shares: validation and next fire time computation.
package jobs

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"supertask/internal/errors"
	"supertask/internal/models"
	"supertask/internal/namespace"
	"supertask/internal/store"
	"supertask/internal/trigger"
)

// Service validates and persists jobs.
type Service struct {
	store   store.Store
	loc     *time.Location
	horizon int
	now     func() time.Time
	log     *zap.SugaredLogger
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone triggers are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithHorizon bounds trigger searches to years.
func WithHorizon(years int) Option {
	return func(s *Service) {
		if years > 0 {
			s.horizon = years
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:   st,
		loc:     time.UTC,
		horizon: trigger.DefaultHorizonYears,
		now:     time.Now,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() store.Store { return s.store }

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time { return s.now().UTC() }

// ParseTrigger parses expr with the configured location and horizon.
func (s *Service) ParseTrigger(expr string) (*trigger.Trigger, error) {
	return trigger.Parse(expr, trigger.WithLocation(s.loc), trigger.WithHorizon(s.horizon))
}

// Validate checks identity, trigger and payload. Errors are marked
// ErrInvalidJobDefinition and keep their cause, so a bad expression still
// matches ErrInvalidTriggerSyntax.
func (s *Service) Validate(job models.Job) error {
	invalid := func(err error) error {
		return errors.Mark(errors.Wrapf(err, "job %s/%s", job.Namespace, job.ID), errors.ErrInvalidJobDefinition)
	}
	if err := namespace.Validate(job.Namespace); err != nil {
		return invalid(err)
	}
	if strings.TrimSpace(job.ID) == "" {
		return errors.Wrap(errors.ErrInvalidJobDefinition, "job id is required")
	}
	if _, err := s.ParseTrigger(job.Trigger); err != nil {
		return invalid(err)
	}
	if err := job.Payload.Validate(); err != nil {
		return invalid(err)
	}
	return nil
}

// NextFire returns the first occurrence of the job's trigger strictly after
// ref, or nil when the job is disabled or the trigger has no further
// occurrence.
func (s *Service) NextFire(job models.Job, ref time.Time) (*time.Time, error) {
	if !job.Enabled {
		return nil, nil
	}
	trig, err := s.ParseTrigger(job.Trigger)
	if err != nil {
		return nil, err
	}
	next, err := trig.Next(ref)
	if errors.Is(err, errors.ErrTriggerExhausted) {
		s.log.Infow("trigger exhausted", "namespace", job.Namespace, "job_id", job.ID, "trigger", job.Trigger)
		return nil, nil
	}
	if err != nil || next.IsZero() {
		return nil, err
	}
	return &next, nil
}

// Advance is the store.AdvanceFunc the scheduler claims with. Missed
// occurrences are skipped: the next fire time is the first one after both
// the fired instant and the current time.
func (s *Service) Advance() store.AdvanceFunc {
	return func(job models.Job, firedAt time.Time) *time.Time {
		ref := s.Now()
		if firedAt.After(ref) {
			ref = firedAt
		}
		next, err := s.NextFire(job, ref)
		if err != nil {
			s.log.Warnw("cannot compute next fire time", "namespace", job.Namespace, "job_id", job.ID, "error", err)
			return nil
		}
		return next
	}
}

// Put creates or replaces a job. expected follows store.Store.Upsert.
// NextFireAt is recomputed as the first occurrence at or after now.
func (s *Service) Put(ctx context.Context, job models.Job, expected *int64) (models.Job, error) {
	if err := s.Validate(job); err != nil {
		return models.Job{}, err
	}
	next, err := s.NextFire(job, s.Now().Add(-time.Second))
	if err != nil {
		return models.Job{}, err
	}
	job.NextFireAt = next
	return s.store.Upsert(ctx, job, expected)
}

func (s *Service) Get(ctx context.Context, ns, id string) (models.Job, error) {
	return s.store.Get(ctx, ns, id)
}

// List returns the jobs of ns ordered by id.
func (s *Service) List(ctx context.Context, ns string, filter store.Filter) ([]models.Job, error) {
	return store.Collect(s.store.List(ctx, ns, filter))
}

func (s *Service) Delete(ctx context.Context, ns, id string, expected *int64) error {
	return s.store.Delete(ctx, ns, id, expected)
}

// DeleteAll clears ns, or every namespace for store.AllNamespaces.
func (s *Service) DeleteAll(ctx context.Context, ns string) (int, error) {
	n, err := s.store.DeleteAll(ctx, ns)
	if err == nil && n > 0 {
		s.log.Infow("deleted jobs", "namespace", ns, "count", n)
	}
	return n, err
}

// Executions returns up to limit records for a job, most recent first. A
// non-positive limit returns all of them.
func (s *Service) Executions(ctx context.Context, ns, id string, limit int) ([]models.Execution, error) {
	return s.store.ListExecutions(ctx, ns, id, limit)
}
