package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/mq"
	"transcode-orchestrator/pkg/transcode"
	"transcode-orchestrator/pkg/worker"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []mq.Task
}

func (d *fakeDispatcher) EnqueueSubmit(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, mq.Task{JobID: jobID, Action: mq.ActionSubmit, Attempt: attempt})
	return nil
}

func (d *fakeDispatcher) EnqueueCheck(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, mq.Task{JobID: jobID, Action: mq.ActionCheck, Attempt: attempt})
	return nil
}

type fakeTranscoder struct {
	pollFn    func(ctx context.Context, ref string) (transcode.Observation, error)
	pollCalls int
}

func (f *fakeTranscoder) Submit(ctx context.Context, src string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeTranscoder) Poll(ctx context.Context, ref string) (transcode.Observation, error) {
	f.pollCalls++
	return f.pollFn(ctx, ref)
}

func (f *fakeTranscoder) Cancel(ctx context.Context, ref string) error { return nil }

// grantedLease always grants; deniedLease never does.
type grantedLease struct{ releases int }

func (l *grantedLease) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (l *grantedLease) Release(ctx context.Context) error         { l.releases++; return nil }

type deniedLease struct{}

func (deniedLease) Acquire(ctx context.Context) (bool, error) { return false, nil }
func (deniedLease) Release(ctx context.Context) error         { return nil }

func newHarness(tr *fakeTranscoder, lease Lease) (*Reconciler, *database.MemoryStore, *fakeDispatcher) {
	cfg := &config.Config{
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		BackoffCap:          10 * time.Millisecond,
		PollInterval:        time.Second,
		StalenessThreshold:  time.Minute,
		ReconcileInterval:   time.Minute,
		ReconcileBatchSize:  100,
		ExternalCallTimeout: time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewMemory()
	disp := &fakeDispatcher{}
	obs := worker.NewObserver(store, tr, disp, cfg, logger)
	return New(store, obs, disp, lease, cfg, logger), store, disp
}

// A job stuck in PROCESSING past the staleness threshold whose remote side
// reports DONE is driven to COMPLETED even though no queue message ever
// arrived for it.
func TestSweepResolvesStuckProcessing(t *testing.T) {
	tr := &fakeTranscoder{
		pollFn: func(ctx context.Context, ref string) (transcode.Observation, error) {
			return transcode.Observation{Status: transcode.StatusDone, OutputLocation: "s3://bucket/out.mp4"}, nil
		},
	}
	r, store, _ := newHarness(tr, &grantedLease{})
	ctx := context.Background()

	j := stuckJob(t, store, job.StateProcessing, "ext-lost")

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	final, _ := store.Get(ctx, j.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", final.State)
	}
	if final.OutputLocation != "s3://bucket/out.mp4" {
		t.Errorf("output_location = %q", final.OutputLocation)
	}
	if tr.pollCalls != 1 {
		t.Errorf("poll calls = %d", tr.pollCalls)
	}
}

// A CREATED job whose initial submit task was lost gets a fresh one.
func TestSweepRequeuesLostSubmit(t *testing.T) {
	tr := &fakeTranscoder{}
	r, store, disp := newHarness(tr, &grantedLease{})
	ctx := context.Background()

	j, _ := store.Create(ctx, "s3://bucket/raw.mp4")
	store.SetUpdatedAt(j.ID, time.Now().Add(-10*time.Minute))

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(disp.tasks) != 1 || disp.tasks[0].Action != mq.ActionSubmit || disp.tasks[0].JobID != j.ID {
		t.Errorf("tasks = %+v, want one submit for %s", disp.tasks, j.ID)
	}
	// the sweep itself must not advance CREATED jobs
	cur, _ := store.Get(ctx, j.ID)
	if cur.State != job.StateCreated {
		t.Errorf("state = %s", cur.State)
	}
}

// Fresh jobs are left alone.
func TestSweepIgnoresFreshJobs(t *testing.T) {
	tr := &fakeTranscoder{
		pollFn: func(ctx context.Context, ref string) (transcode.Observation, error) {
			return transcode.Observation{Status: transcode.StatusRunning}, nil
		},
	}
	r, store, disp := newHarness(tr, &grantedLease{})
	ctx := context.Background()

	store.Create(ctx, "s3://bucket/raw.mp4")
	j, _ := store.Create(ctx, "s3://bucket/raw2.mp4")
	store.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateSubmitted, func(c *job.Job) {
		c.ExternalJobRef = "ext-fresh"
	})

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if tr.pollCalls != 0 {
		t.Errorf("poll calls = %d, want 0", tr.pollCalls)
	}
	if len(disp.tasks) != 0 {
		t.Errorf("tasks = %+v, want none", disp.tasks)
	}
}

// Without the lease the sweep does nothing, so multiple reconciler
// processes do not multiply re-enqueues.
func TestSweepSkipsWithoutLease(t *testing.T) {
	tr := &fakeTranscoder{
		pollFn: func(ctx context.Context, ref string) (transcode.Observation, error) {
			t.Fatal("poll must not run without the lease")
			return transcode.Observation{}, nil
		},
	}
	r, store, disp := newHarness(tr, deniedLease{})
	ctx := context.Background()

	stuckJob(t, store, job.StateProcessing, "ext-1")

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(disp.tasks) != 0 {
		t.Errorf("tasks = %+v, want none", disp.tasks)
	}
}

// A transient poll failure during the sweep falls back to a queued check
// task instead of stalling the sweep.
func TestSweepTransientPollRequeuesCheck(t *testing.T) {
	tr := &fakeTranscoder{
		pollFn: func(ctx context.Context, ref string) (transcode.Observation, error) {
			return transcode.Observation{}, job.Transient(errors.New("poll timeout"))
		},
	}
	r, store, disp := newHarness(tr, &grantedLease{})
	ctx := context.Background()

	j := stuckJob(t, store, job.StateSubmitted, "ext-1")

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(disp.tasks) != 1 || disp.tasks[0].Action != mq.ActionCheck || disp.tasks[0].JobID != j.ID {
		t.Errorf("tasks = %+v, want one check for %s", disp.tasks, j.ID)
	}
	cur, _ := store.Get(ctx, j.ID)
	if cur.State != job.StateSubmitted {
		t.Errorf("state = %s, must be untouched", cur.State)
	}
}

func TestSweepReleasesLease(t *testing.T) {
	lease := &grantedLease{}
	tr := &fakeTranscoder{
		pollFn: func(ctx context.Context, ref string) (transcode.Observation, error) {
			return transcode.Observation{Status: transcode.StatusRunning}, nil
		},
	}
	r, _, _ := newHarness(tr, lease)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if lease.releases != 1 {
		t.Errorf("releases = %d, want 1", lease.releases)
	}
}

// stuckJob creates a job in the given post-submit state with updated_at
// well past the staleness threshold.
func stuckJob(t *testing.T, store *database.MemoryStore, state job.State, ref string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := store.Create(ctx, "s3://bucket/raw.mp4")
	if err != nil {
		t.Fatal(err)
	}
	j, err = store.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateSubmitted, func(c *job.Job) {
		c.ExternalJobRef = ref
	})
	if err != nil {
		t.Fatal(err)
	}
	if state == job.StateProcessing {
		j, err = store.CompareAndTransition(ctx, j.ID, j.Version, job.StateSubmitted, job.StateProcessing, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	store.SetUpdatedAt(j.ID, time.Now().Add(-10*time.Minute))
	// refresh the snapshot the reconciler would read
	j, _ = store.Get(ctx, j.ID)
	return j
}
