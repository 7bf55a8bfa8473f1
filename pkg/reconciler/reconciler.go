// Package reconciler guards forward progress against lost queue messages
// and unreliable push notifications. Queue delivery is at-least-once, not
// exactly-once: a crash between dequeue and transition silently strands a
// job, so a periodic sweep re-polls anything that has not moved for too
// long and resolves its true state directly.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/observability"
	"transcode-orchestrator/pkg/worker"
)

type Reconciler struct {
	store      database.Store
	observer   *worker.Observer
	dispatcher worker.Dispatcher
	lease      Lease
	cfg        *config.Config
	logger     *slog.Logger
}

func New(store database.Store, observer *worker.Observer, dispatcher worker.Dispatcher, lease Lease, cfg *config.Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		observer:   observer,
		dispatcher: dispatcher,
		lease:      lease,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass. It is a no-op when another process
// holds the lease. Per-job failures are logged and skipped; one bad job
// must not stall the rest of the sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	held, err := r.lease.Acquire(ctx)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	defer func() {
		if err := r.lease.Release(ctx); err != nil {
			r.logger.Warn("lease release failed", "error", err)
		}
	}()

	observability.ReconcilerSweeps.Inc()
	cutoff := time.Now().Add(-r.cfg.StalenessThreshold)

	r.requeueStuckSubmits(ctx, cutoff)
	r.repollStuckTranscodes(ctx, cutoff)
	return nil
}

// requeueStuckSubmits handles CREATED jobs whose submit task was lost
// before any worker acted on it.
func (r *Reconciler) requeueStuckSubmits(ctx context.Context, cutoff time.Time) {
	stuck, err := r.store.ListStuck(ctx, cutoff, []job.State{job.StateCreated}, r.cfg.ReconcileBatchSize)
	if err != nil {
		r.logger.Error("stuck CREATED scan failed", "error", err)
		return
	}
	for i := range stuck {
		j := &stuck[i]
		observability.ReconcilerStuckJobs.WithLabelValues(string(job.StateCreated)).Inc()
		r.logger.Info("requeueing lost submit task", "job_id", j.ID, "updated_at", j.UpdatedAt)
		if err := r.dispatcher.EnqueueSubmit(ctx, j.ID, 0, 0); err != nil {
			r.logger.Error("requeue submit failed", "job_id", j.ID, "error", err)
		}
	}
}

// repollStuckTranscodes re-polls SUBMITTED/PROCESSING jobs that have shown
// no progress past the staleness threshold, bypassing the queue.
func (r *Reconciler) repollStuckTranscodes(ctx context.Context, cutoff time.Time) {
	stuck, err := r.store.ListStuck(ctx, cutoff, []job.State{job.StateSubmitted, job.StateProcessing}, r.cfg.ReconcileBatchSize)
	if err != nil {
		r.logger.Error("stuck transcode scan failed", "error", err)
		return
	}
	for i := range stuck {
		j := &stuck[i]
		observability.ReconcilerStuckJobs.WithLabelValues(string(j.State)).Inc()
		r.logger.Info("re-polling stuck job", "job_id", j.ID, "state", j.State, "updated_at", j.UpdatedAt)
		if err := r.observer.CheckNow(ctx, j); err != nil {
			r.logger.Error("re-poll failed", "job_id", j.ID, "error", err)
		}
	}
}
