package store

import (
	"context"
	"iter"
	"strings"
	"time"

	"supertask/internal/errors"
	"supertask/internal/models"
)

// AllNamespaces passed to DeleteAll clears every namespace.
const AllNamespaces = ""

// Store persists jobs and execution records. Implementations are safe for
// concurrent use and interchangeable.
type Store interface {
	// Get returns the job or an error wrapping ErrNotFound.
	Get(ctx context.Context, namespace, id string) (models.Job, error)
	// List yields the jobs of a namespace ordered by id. Every range re-reads
	// current state.
	List(ctx context.Context, namespace string, filter Filter) iter.Seq2[models.Job, error]
	// Upsert inserts or replaces job. A non-nil expected must match the stored
	// version (0 meaning absent) or ErrVersionConflict is returned and nothing
	// is written. The stored job, with its new version, is returned.
	Upsert(ctx context.Context, job models.Job, expected *int64) (models.Job, error)
	// Delete removes a job, honoring expected like Upsert.
	Delete(ctx context.Context, namespace, id string, expected *int64) error
	// DeleteAll removes every job of namespace, or of all namespaces for
	// AllNamespaces, and returns how many were removed.
	DeleteAll(ctx context.Context, namespace string) (int, error)
	// ClaimDue atomically takes up to limit enabled jobs with next_fire_at at
	// or before now, ordered by (next_fire_at, namespace, id), and moves each
	// one's next_fire_at to advance(job, firedAt). A job is claimed by at most
	// one caller per fire time.
	ClaimDue(ctx context.Context, now time.Time, limit int, advance AdvanceFunc) ([]Claim, error)
	// NextFireAt returns the earliest next_fire_at over enabled jobs, nil if none.
	NextFireAt(ctx context.Context) (*time.Time, error)
	// RecordExecution appends a record. A record with OutcomeRunning is
	// later completed by FinishExecution.
	RecordExecution(ctx context.Context, rec models.Execution) error
	// FinishExecution completes the running record with rec.ID, setting its
	// end time, outcome and error detail. It returns an error wrapping
	// ErrNotFound when no running record has that id.
	FinishExecution(ctx context.Context, rec models.Execution) error
	// ListExecutions returns a job's records, most recent first.
	ListExecutions(ctx context.Context, namespace, id string, limit int) ([]models.Execution, error)
	Close() error
}

// AdvanceFunc computes the fire time following firedAt, nil when the trigger
// has no further occurrence.
type AdvanceFunc func(job models.Job, firedAt time.Time) *time.Time

// Claim is one job taken by ClaimDue. Job carries the advanced state;
// ScheduledFor is the fire time it was claimed for.
type Claim struct {
	Job          models.Job
	ScheduledFor time.Time
}

// Filter narrows List. Zero value matches everything.
type Filter struct {
	Enabled *bool
	// Origin restricts to jobs written by this seed source.
	Origin string
}

func (f Filter) match(j models.Job) bool {
	if f.Enabled != nil && j.Enabled != *f.Enabled {
		return false
	}
	if f.Origin != "" && j.Origin != f.Origin {
		return false
	}
	return true
}

// Collect drains a List sequence into a slice.
func Collect(seq iter.Seq2[models.Job, error]) ([]models.Job, error) {
	var out []models.Job
	for job, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

func validateKey(namespace, id string) error {
	if strings.TrimSpace(namespace) == "" {
		return errors.Wrap(errors.ErrInvalidJobDefinition, "namespace is required")
	}
	if strings.TrimSpace(id) == "" {
		return errors.Wrap(errors.ErrInvalidJobDefinition, "job id is required")
	}
	return nil
}

func notFound(namespace, id string) error {
	return errors.Wrapf(errors.ErrNotFound, "job %s/%s", namespace, id)
}

func executionNotFound(id string) error {
	return errors.Wrapf(errors.ErrNotFound, "running execution %s", id)
}

func conflict(namespace, id string, expected, have int64) error {
	return errors.Wrapf(errors.ErrVersionConflict, "job %s/%s: expected version %d, stored %d", namespace, id, expected, have)
}

// wholeSecond normalizes fire times to UTC at second resolution.
func wholeSecond(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Second)
	return &v
}

func cloneJob(j models.Job) models.Job {
	j.NextFireAt = wholeSecond(j.NextFireAt)
	if j.Payload.Steps != nil {
		j.Payload.Steps = append([]models.Step(nil), j.Payload.Steps...)
	}
	return j
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}
