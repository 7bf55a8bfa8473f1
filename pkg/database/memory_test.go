package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transcode-orchestrator/pkg/job"
)

func TestCreate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	j, err := s.Create(ctx, "s3://media/raw.mp4")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.State != job.StateCreated {
		t.Errorf("state = %s, want CREATED", j.State)
	}
	if j.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", j.AttemptCount)
	}
	if j.Version != 1 {
		t.Errorf("version = %d, want 1", j.Version)
	}
	if j.ID == "" {
		t.Error("id must be generated")
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SourceLocation != "s3://media/raw.mp4" {
		t.Errorf("source_location = %q", got.SourceLocation)
	}
}

func TestCreateEmptySource(t *testing.T) {
	s := NewMemory()
	if _, err := s.Create(context.Background(), ""); !errors.Is(err, job.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewMemory()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompareAndTransition(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	j, _ := s.Create(ctx, "s3://media/raw.mp4")

	got, err := s.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateSubmitted, func(c *job.Job) {
		c.ExternalJobRef = "ext-123"
	})
	if err != nil {
		t.Fatalf("CompareAndTransition: %v", err)
	}
	if got.State != job.StateSubmitted || got.ExternalJobRef != "ext-123" {
		t.Errorf("got state=%s ref=%q", got.State, got.ExternalJobRef)
	}
	if got.Version != j.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, j.Version+1)
	}

	// stale version is rejected, stored record untouched
	_, err = s.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateSubmitted, nil)
	if !errors.Is(err, job.ErrConflict) {
		t.Errorf("stale version: err = %v, want ErrConflict", err)
	}
	cur, _ := s.Get(ctx, j.ID)
	if cur.Version != got.Version || cur.State != job.StateSubmitted {
		t.Errorf("record changed by rejected write: %+v", cur)
	}
}

func TestCompareAndTransitionRejectsOffGraphEdge(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	j, _ := s.Create(ctx, "s3://media/raw.mp4")

	_, err := s.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateCompleted, nil)
	if !errors.Is(err, job.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation for CREATED -> COMPLETED", err)
	}
}

func TestCompareAndTransitionSameStateTouch(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	j, _ := s.Create(ctx, "s3://media/raw.mp4")

	got, err := s.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateCreated, func(c *job.Job) {
		c.AttemptCount = 1
		c.LastError = "connection reset"
	})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got.State != job.StateCreated || got.AttemptCount != 1 || got.Version != 2 {
		t.Errorf("touch result: %+v", got)
	}
}

// Exactly one of two concurrent writers with the same starting version may
// win; the loser sees ErrConflict and the version increments exactly once.
func TestConcurrentTransitionOneWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		j, _ := s.Create(ctx, "s3://media/raw.mp4")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		for w := 0; w < 2; w++ {
			go func(w int) {
				defer wg.Done()
				_, errs[w] = s.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateSubmitted, func(c *job.Job) {
					c.ExternalJobRef = "ext-42"
				})
			}(w)
		}
		wg.Wait()

		wins, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, job.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
		}
		cur, _ := s.Get(ctx, j.ID)
		if cur.Version != j.Version+1 {
			t.Fatalf("version = %d, want exactly one increment", cur.Version)
		}
	}
}

func TestListStuck(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	fresh, _ := s.Create(ctx, "s3://media/fresh.mp4")
	old1, _ := s.Create(ctx, "s3://media/old1.mp4")
	old2, _ := s.Create(ctx, "s3://media/old2.mp4")
	s.SetUpdatedAt(old1.ID, time.Now().Add(-10*time.Minute))
	s.SetUpdatedAt(old2.ID, time.Now().Add(-20*time.Minute))

	got, err := s.ListStuck(ctx, time.Now().Add(-5*time.Minute), []job.State{job.StateCreated}, 10)
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d jobs, want 2", len(got))
	}
	// oldest first
	if got[0].ID != old2.ID || got[1].ID != old1.ID {
		t.Errorf("order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}
	for _, j := range got {
		if j.ID == fresh.ID {
			t.Error("fresh job reported stuck")
		}
	}

	// limit is honored
	got, _ = s.ListStuck(ctx, time.Now().Add(-5*time.Minute), []job.State{job.StateCreated}, 1)
	if len(got) != 1 || got[0].ID != old2.ID {
		t.Errorf("limited scan: %+v", got)
	}

	// state filter is honored
	got, _ = s.ListStuck(ctx, time.Now().Add(-5*time.Minute), []job.State{job.StateProcessing}, 10)
	if len(got) != 0 {
		t.Errorf("got %d PROCESSING jobs, want 0", len(got))
	}
}

func TestOutbox(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	j, err := s.CreateWithSubmitTask(ctx, "s3://media/raw.mp4")
	if err != nil {
		t.Fatalf("CreateWithSubmitTask: %v", err)
	}

	tasks, err := s.FetchOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("FetchOutbox: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d outbox tasks, want 1", len(tasks))
	}
	if tasks[0].JobID != j.ID || tasks[0].Action != "submit" {
		t.Errorf("outbox task = %+v", tasks[0])
	}

	if err := s.DeleteOutbox(ctx, tasks[0].ID); err != nil {
		t.Fatalf("DeleteOutbox: %v", err)
	}
	tasks, _ = s.FetchOutbox(ctx, 10)
	if len(tasks) != 0 {
		t.Errorf("outbox not drained: %+v", tasks)
	}
}
