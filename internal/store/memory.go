package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"supertask/internal/models"
)

// MemoryStore keeps everything in process memory. Contents are lost on exit.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[models.Key]models.Job
	execs map[models.Key][]models.Execution
	now   func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[models.Key]models.Job),
		execs: make(map[models.Key][]models.Execution),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, namespace, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[models.Key{Namespace: namespace, ID: id}]
	if !ok {
		return models.Job{}, notFound(namespace, id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) List(_ context.Context, namespace string, filter Filter) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		s.mu.Lock()
		var snapshot []models.Job
		for key, job := range s.jobs {
			if key.Namespace == namespace && filter.match(job) {
				snapshot = append(snapshot, cloneJob(job))
			}
		}
		s.mu.Unlock()

		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
		for _, job := range snapshot {
			if !yield(job, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Upsert(_ context.Context, job models.Job, expected *int64) (models.Job, error) {
	if err := validateKey(job.Namespace, job.ID); err != nil {
		return models.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Key()
	now := s.now().UTC()
	current, exists := s.jobs[key]
	var have int64
	if exists {
		have = current.Version
	}
	if expected != nil && *expected != have {
		return models.Job{}, conflict(job.Namespace, job.ID, *expected, have)
	}

	job = cloneJob(job)
	job.Version = have + 1
	job.UpdatedAt = now
	if exists {
		job.CreatedAt = current.CreatedAt
	} else {
		job.CreatedAt = now
	}
	s.jobs[key] = job
	return cloneJob(job), nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, id string, expected *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.Key{Namespace: namespace, ID: id}
	current, ok := s.jobs[key]
	if !ok {
		return notFound(namespace, id)
	}
	if expected != nil && *expected != current.Version {
		return conflict(namespace, id, *expected, current.Version)
	}
	delete(s.jobs, key)
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, namespace string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.jobs {
		if namespace == AllNamespaces || key.Namespace == namespace {
			delete(s.jobs, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, advance AdvanceFunc) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextFireAt != nil && !job.NextFireAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return dueLess(due[i], due[j]) })
	if len(due) > limit {
		due = due[:limit]
	}

	claims := make([]Claim, 0, len(due))
	updated := s.now().UTC()
	for _, job := range due {
		fired := *job.NextFireAt
		job.NextFireAt = wholeSecond(advance(cloneJob(job), fired))
		job.Version++
		job.UpdatedAt = updated
		s.jobs[job.Key()] = job
		claims = append(claims, Claim{Job: cloneJob(job), ScheduledFor: fired})
	}
	return claims, nil
}

func (s *MemoryStore) NextFireAt(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *time.Time
	for _, job := range s.jobs {
		if !job.Enabled || job.NextFireAt == nil {
			continue
		}
		if earliest == nil || job.NextFireAt.Before(*earliest) {
			earliest = job.NextFireAt
		}
	}
	return wholeSecond(earliest), nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, rec models.Execution) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.Key{Namespace: rec.JobNamespace, ID: rec.JobID}
	s.execs[key] = append(s.execs[key], rec)
	return nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, rec models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.execs[models.Key{Namespace: rec.JobNamespace, ID: rec.JobID}]
	for i := range records {
		if records[i].ID == rec.ID && records[i].Outcome == models.OutcomeRunning {
			records[i].EndedAt = rec.EndedAt
			records[i].Outcome = rec.Outcome
			records[i].ErrorDetail = rec.ErrorDetail
			return nil
		}
	}
	return executionNotFound(rec.ID)
}

func (s *MemoryStore) ListExecutions(_ context.Context, namespace, id string, limit int) ([]models.Execution, error) {
	s.mu.Lock()
	records := append([]models.Execution(nil), s.execs[models.Key{Namespace: namespace, ID: id}]...)
	s.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool { return executionLess(records[j], records[i]) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) Close() error { return nil }

// dueLess orders claim candidates by fire time, then namespace, then id.
func dueLess(a, b models.Job) bool {
	if !a.NextFireAt.Equal(*b.NextFireAt) {
		return a.NextFireAt.Before(*b.NextFireAt)
	}
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	return a.ID < b.ID
}

func executionLess(a, b models.Execution) bool {
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.StartedAt.Before(b.StartedAt)
}
