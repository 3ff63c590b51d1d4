// Package seed loads declarative timetables and reconciles a namespace of
// the job store against them.
package seed

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"supertask/internal/errors"
	"supertask/internal/jobs"
	"supertask/internal/models"
	"supertask/internal/namespace"
	"supertask/internal/store"
	"supertask/internal/telemetry"
)

// Seed is a loaded timetable: the valid jobs in declaration order and the
// declarations that were rejected.
type Seed struct {
	Source    string
	Namespace string
	Jobs      []models.Job
	Invalid   []*JobError
	// declared holds every id named by the document, valid or not.
	declared map[string]bool
}

// Declares reports whether the document names id, even if that task is invalid.
func (s *Seed) Declares(id string) bool {
	return s.declared[id]
}

// Report lists what a pass did, by job id.
type Report struct {
	Namespace string
	Source    string
	Added     []string
	Updated   []string
	Deleted   []string
	Unchanged []string
	Invalid   []*JobError
	// Warnings are non-fatal failures, mostly version conflicts with
	// concurrent writers. The next pass retries against fresh state.
	Warnings []error
}

// Mutations counts the writes the pass performed.
func (r *Report) Mutations() int {
	return len(r.Added) + len(r.Updated) + len(r.Deleted)
}

// Reconciler makes a namespace match a seed document.
type Reconciler struct {
	svc       *jobs.Service
	fetcher   *Fetcher
	namespace string
	notify    func()
	log       *zap.SugaredLogger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNamespace forces the namespace regardless of the document.
func WithNamespace(ns string) Option {
	return func(r *Reconciler) { r.namespace = ns }
}

// WithFetcher replaces the default Fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(r *Reconciler) {
		if f != nil {
			r.fetcher = f
		}
	}
}

// WithNotify registers fn to run after every pass that changed the store.
func WithNotify(fn func()) Option {
	return func(r *Reconciler) { r.notify = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

func NewReconciler(svc *jobs.Service, opts ...Option) *Reconciler {
	r := &Reconciler{
		svc:     svc,
		fetcher: NewFetcher(),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load fetches and decodes the document at location and validates each task
// on its own. Fetch failures wrap ErrSeedSourceUnreachable; a document that
// cannot be decoded as a whole wraps ErrInvalidJobDefinition.
func (r *Reconciler) Load(ctx context.Context, location string) (*Seed, error) {
	data, err := r.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(documentName(location), data)
	if err != nil {
		return nil, err
	}

	source := Canonical(location)
	ns, err := namespace.Resolve(r.namespace, doc.Namespace(), namespace.Current(location))
	if err != nil {
		return nil, err
	}

	seed := &Seed{Source: source, Namespace: ns, declared: make(map[string]bool)}
	for i, raw := range doc.Tasks {
		job, err := decodeTask(raw, ns, source)
		if err == nil {
			err = r.svc.Validate(job)
		}
		if err == nil && seed.declared[job.ID] {
			err = errors.Newf("duplicate id %q", job.ID)
		}
		if job.ID != "" {
			seed.declared[job.ID] = true
		}
		if err != nil {
			seed.Invalid = append(seed.Invalid, invalidJob(job.ID, i, err))
			continue
		}
		seed.Jobs = append(seed.Jobs, job)
	}
	return seed, nil
}

// Reconcile applies the minimal set of writes that makes the seed's namespace
// match it: deletions first, then updates, then creations. Only jobs whose
// origin is this seed's source are ever deleted. Invalid declarations are
// left alone. The returned error is set only when the store fails.
func (r *Reconciler) Reconcile(ctx context.Context, seed *Seed) (*Report, error) {
	report := &Report{Namespace: seed.Namespace, Source: seed.Source, Invalid: seed.Invalid}

	stored, err := r.svc.List(ctx, seed.Namespace, store.Filter{})
	if err != nil {
		return report, errors.Wrapf(err, "list namespace %s", seed.Namespace)
	}
	current := make(map[string]models.Job, len(stored))
	for _, job := range stored {
		current[job.ID] = job
	}

	var deletes, updates, creates []models.Job
	for _, job := range stored {
		if !seed.Declares(job.ID) && job.Origin == seed.Source {
			deletes = append(deletes, job)
		}
	}
	for _, job := range seed.Jobs {
		existing, ok := current[job.ID]
		switch {
		case !ok:
			creates = append(creates, job)
		case existing.SameDefinition(job):
			report.Unchanged = append(report.Unchanged, job.ID)
		default:
			job.Version = existing.Version
			updates = append(updates, job)
		}
	}

	for _, job := range deletes {
		expected := job.Version
		err := r.svc.Delete(ctx, job.Namespace, job.ID, &expected)
		if r.absorb(report, job, "delete", err) {
			return report, err
		}
		if err == nil {
			report.Deleted = append(report.Deleted, job.ID)
		}
	}
	for _, job := range updates {
		expected := job.Version
		_, err := r.svc.Put(ctx, job, &expected)
		if r.absorb(report, job, "update", err) {
			return report, err
		}
		if err == nil {
			report.Updated = append(report.Updated, job.ID)
		}
	}
	for _, job := range creates {
		var absent int64
		_, err := r.svc.Put(ctx, job, &absent)
		if r.absorb(report, job, "create", err) {
			return report, err
		}
		if err == nil {
			report.Added = append(report.Added, job.ID)
		}
	}

	r.record(report)
	if report.Mutations() > 0 && r.notify != nil {
		r.notify()
	}
	return report, nil
}

// absorb downgrades per-job failures to report entries. It returns true only
// for store failures, which abort the pass.
func (r *Reconciler) absorb(report *Report, job models.Job, action string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.IsConflictError(err), errors.IsNotFoundError(err):
		r.log.Warnw("concurrent change during reconciliation", "namespace", job.Namespace, "job_id", job.ID, "action", action, "error", err)
		report.Warnings = append(report.Warnings, errors.Wrapf(err, "%s %s", action, job.ID))
		return false
	case errors.IsInvalidError(err):
		report.Invalid = append(report.Invalid, invalidJob(job.ID, -1, err))
		return false
	default:
		telemetry.ReconcileErrors.Inc()
		return true
	}
}

func (r *Reconciler) record(report *Report) {
	telemetry.ReconcileActions.WithLabelValues("added").Add(float64(len(report.Added)))
	telemetry.ReconcileActions.WithLabelValues("updated").Add(float64(len(report.Updated)))
	telemetry.ReconcileActions.WithLabelValues("deleted").Add(float64(len(report.Deleted)))
	telemetry.ReconcileActions.WithLabelValues("invalid").Add(float64(len(report.Invalid)))
	for _, ie := range report.Invalid {
		r.log.Warnw("invalid task", "namespace", report.Namespace, "job_id", ie.ID, "error", ie.Err)
	}
	r.log.Infow("reconciled",
		"namespace", report.Namespace,
		"source", report.Source,
		"added", len(report.Added),
		"updated", len(report.Updated),
		"deleted", len(report.Deleted),
		"unchanged", len(report.Unchanged),
		"invalid", len(report.Invalid),
		"warnings", len(report.Warnings),
	)
}

// Sync loads location and reconciles against it.
func (r *Reconciler) Sync(ctx context.Context, location string) (*Report, error) {
	seed, err := r.Load(ctx, location)
	if err != nil {
		telemetry.ReconcileErrors.Inc()
		return nil, err
	}
	return r.Reconcile(ctx, seed)
}

// PreDelete clears the namespace unconditionally, hand-created jobs included.
func (r *Reconciler) PreDelete(ctx context.Context, ns string) (int, error) {
	n, err := r.svc.DeleteAll(ctx, ns)
	if err != nil {
		return 0, errors.Wrapf(err, "pre-delete namespace %s", ns)
	}
	r.log.Infow("pre-deleted jobs", "namespace", ns, "count", n)
	return n, nil
}

// documentName is the part of location whose extension names the format.
func documentName(location string) string {
	if _, rest, ok := strings.Cut(location, "::"); ok {
		location = rest
	}
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && u.Path != "" {
		return u.Path
	}
	return location
}
