package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/observability"
)

// MemoryStore implements Store in process memory. It keeps the same
// conditional-write semantics as PostgresStore and is intended for tests
// and single-process local runs.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	outbox []OutboxTask
}

func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*job.Job)}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Create(ctx context.Context, sourceLocation string) (*job.Job, error) {
	return s.create(sourceLocation, false)
}

func (s *MemoryStore) CreateWithSubmitTask(ctx context.Context, sourceLocation string) (*job.Job, error) {
	return s.create(sourceLocation, true)
}

func (s *MemoryStore) create(sourceLocation string, withOutbox bool) (*job.Job, error) {
	if sourceLocation == "" {
		return nil, fmt.Errorf("%w: source location is empty", job.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	j := &job.Job{
		ID:             uuid.NewString(),
		State:          job.StateCreated,
		SourceLocation: sourceLocation,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	s.jobs[j.ID] = j
	if withOutbox {
		s.outbox = append(s.outbox, OutboxTask{
			ID:        uuid.NewString(),
			JobID:     j.ID,
			Action:    "submit",
			CreatedAt: now,
		})
	}
	clone := *j
	return &clone, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *MemoryStore) CompareAndTransition(ctx context.Context, id string, expectedVersion int64, expectedState, nextState job.State, mutate func(*job.Job)) (*job.Job, error) {
	if expectedState != nextState && !job.CanTransition(expectedState, nextState) {
		return nil, fmt.Errorf("%w: transition %s -> %s not allowed", job.ErrValidation, expectedState, nextState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if cur.Version != expectedVersion || cur.State != expectedState {
		return nil, job.ErrConflict
	}

	next := *cur
	if mutate != nil {
		mutate(&next)
	}
	next.State = nextState
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	s.jobs[id] = &next

	if expectedState != nextState {
		observability.JobTransitions.WithLabelValues(string(expectedState), string(nextState)).Inc()
	}
	clone := next
	return &clone, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, olderThan time.Time, states []job.State, limit int) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[job.State]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	var jobs []job.Job
	for _, j := range s.jobs {
		if wanted[j.State] && j.UpdatedAt.Before(olderThan) {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) FetchOutbox(ctx context.Context, limit int) ([]OutboxTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.outbox)
	if limit > 0 && n > limit {
		n = limit
	}
	tasks := make([]OutboxTask, n)
	copy(tasks, s.outbox[:n])
	return tasks, nil
}

func (s *MemoryStore) DeleteOutbox(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.outbox {
		if t.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetUpdatedAt rewinds a job's updated_at so tests can make it look stale.
func (s *MemoryStore) SetUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.UpdatedAt = t
	}
}
