// Package lease keeps at most one run of a job in flight.
package lease

import (
	"context"
	"sync"

	"supertask/internal/models"
)

// Guard hands out exclusive leases per job.
type Guard interface {
	// TryAcquire returns false without error when the job is already held.
	TryAcquire(ctx context.Context, key models.Key) (release func(), ok bool, err error)
}

// Memory is a process-local Guard.
type Memory struct {
	mu   sync.Mutex
	held map[models.Key]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[models.Key]struct{})}
}

func (m *Memory) TryAcquire(_ context.Context, key models.Key) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}

// Running returns how many leases are held.
func (m *Memory) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Chain acquires from every guard in order and fails if any refuses.
type Chain []Guard

func (c Chain) TryAcquire(ctx context.Context, key models.Key) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	undo := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		release, ok, err := g.TryAcquire(ctx, key)
		if err != nil || !ok {
			undo()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return undo, true, nil
}
