package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transcode-orchestrator/pkg/backoff"
	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/mq"
	"transcode-orchestrator/pkg/observability"
	"transcode-orchestrator/pkg/transcode"
)

// Dispatcher enqueues follow-up tasks, optionally deferred. Implemented by
// *mq.Client.
type Dispatcher interface {
	EnqueueSubmit(ctx context.Context, jobID string, attempt int, delay time.Duration) error
	EnqueueCheck(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

// Observer advances job state from observations of the external service.
// It is the single piece of transition logic behind both triggering
// sources: queue tasks (worker pool) and the staleness timer (reconciler).
// It holds no job state of its own; every handling re-reads the store and
// advances it through a version-checked conditional write, so concurrent
// and redelivered tasks for the same job collapse to one winner.
type Observer struct {
	store      database.Store
	transcoder transcode.Client
	dispatcher Dispatcher
	cfg        *config.Config
	logger     *slog.Logger
}

func NewObserver(store database.Store, transcoder transcode.Client, dispatcher Dispatcher, cfg *config.Config, logger *slog.Logger) *Observer {
	return &Observer{
		store:      store,
		transcoder: transcoder,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleTask processes one dequeued task. A non-nil return means the store
// itself was unreachable and the delivery should be redelivered; every
// domain outcome (conflict, drop, terminal failure) is absorbed here.
func (o *Observer) HandleTask(ctx context.Context, t mq.Task) error {
	switch t.Action {
	case mq.ActionSubmit:
		return o.handleSubmit(ctx, t)
	case mq.ActionCheck:
		return o.handleCheck(ctx, t)
	default:
		o.logger.Warn("dropping task with unknown action", "action", t.Action, "job_id", t.JobID)
		return nil
	}
}

func (o *Observer) handleSubmit(ctx context.Context, t mq.Task) error {
	l := o.logger.With("job_id", t.JobID, "action", "submit")

	j, err := o.store.Get(ctx, t.JobID)
	if errors.Is(err, job.ErrNotFound) {
		l.Warn("job vanished, dropping task")
		o.countTask(t.Action, "dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if j.State != job.StateCreated {
		// Another worker already advanced it, or it was cancelled. Not an error.
		l.Info("job no longer awaiting submit, dropping task", "state", j.State)
		o.countTask(t.Action, "dropped")
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ExternalCallTimeout)
	ref, err := o.transcoder.Submit(callCtx, j.SourceLocation)
	cancel()

	switch {
	case err == nil:
		if _, casErr := o.store.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateSubmitted, func(c *job.Job) {
			c.ExternalJobRef = ref
		}); casErr != nil {
			if errors.Is(casErr, job.ErrConflict) {
				// Lost the race after the remote accepted the work; release it.
				l.Info("submit raced, cancelling remote job", "external_job_ref", ref)
				o.cancelRemote(ctx, ref)
				o.countTask(t.Action, "dropped")
				return nil
			}
			return casErr
		}
		l.Info("job submitted", "external_job_ref", ref)
		o.countTask(t.Action, "advanced")
		return o.dispatcher.EnqueueCheck(ctx, j.ID, 0, o.cfg.PollInterval)

	case job.IsPermanent(err):
		l.Error("submit failed permanently", "error", err)
		return o.failJob(ctx, j, err.Error())

	default: // transient
		if j.AttemptCount >= o.cfg.MaxAttempts {
			l.Error("submit attempts exhausted", "attempts", j.AttemptCount, "error", err)
			return o.failJob(ctx, j, err.Error())
		}
		attempt := j.AttemptCount + 1
		submitErr := err
		if _, casErr := o.store.CompareAndTransition(ctx, j.ID, j.Version, job.StateCreated, job.StateCreated, func(c *job.Job) {
			c.AttemptCount = attempt
			c.LastError = submitErr.Error()
		}); casErr != nil {
			if errors.Is(casErr, job.ErrConflict) {
				o.countTask(t.Action, "dropped")
				return nil
			}
			return casErr
		}
		delay := backoff.Jitter(backoff.Delay(attempt, o.cfg.BackoffBase, o.cfg.BackoffCap))
		l.Warn("submit failed transiently, retrying", "attempt", attempt, "delay", delay, "error", err)
		o.countTask(t.Action, "retried")
		return o.dispatcher.EnqueueSubmit(ctx, j.ID, 0, delay)
	}
}

func (o *Observer) handleCheck(ctx context.Context, t mq.Task) error {
	l := o.logger.With("job_id", t.JobID, "action", "check")

	j, err := o.store.Get(ctx, t.JobID)
	if errors.Is(err, job.ErrNotFound) {
		l.Warn("job vanished, dropping task")
		o.countTask(t.Action, "dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if j.State != job.StateSubmitted && j.State != job.StateProcessing {
		l.Info("job not awaiting poll, dropping task", "state", j.State)
		o.countTask(t.Action, "dropped")
		return nil
	}

	return o.pollAndApply(ctx, j, t.Attempt)
}

// CheckNow polls the external service for the job and applies the
// observation, bypassing the queue. Used by the reconciler for jobs whose
// queue messages may have been lost.
func (o *Observer) CheckNow(ctx context.Context, j *job.Job) error {
	return o.pollAndApply(ctx, j, 0)
}

func (o *Observer) pollAndApply(ctx context.Context, j *job.Job, taskAttempt int) error {
	l := o.logger.With("job_id", j.ID, "external_job_ref", j.ExternalJobRef)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ExternalCallTimeout)
	obs, err := o.transcoder.Poll(callCtx, j.ExternalJobRef)
	cancel()
	if err != nil {
		if job.IsPermanent(err) {
			l.Error("poll failed permanently", "error", err)
			return o.failJob(ctx, j, err.Error())
		}
		retry := taskAttempt + 1
		delay := backoff.Jitter(backoff.Delay(retry, o.cfg.BackoffBase, o.cfg.BackoffCap))
		l.Warn("poll failed transiently, retrying", "retry", retry, "delay", delay, "error", err)
		o.countTask(mq.ActionCheck, "retried")
		return o.dispatcher.EnqueueCheck(ctx, j.ID, retry, delay)
	}

	return o.applyObservation(ctx, j, obs)
}

// applyObservation reconciles one remote snapshot into durable job state.
func (o *Observer) applyObservation(ctx context.Context, j *job.Job, obs transcode.Observation) error {
	l := o.logger.With("job_id", j.ID, "state", j.State, "observed", obs.Status)

	switch obs.Status {
	case transcode.StatusPending:
		return o.dispatcher.EnqueueCheck(ctx, j.ID, 0, o.cfg.PollInterval)

	case transcode.StatusRunning:
		if j.State == job.StateSubmitted {
			if _, err := o.store.CompareAndTransition(ctx, j.ID, j.Version, job.StateSubmitted, job.StateProcessing, nil); err != nil && !errors.Is(err, job.ErrConflict) {
				return err
			}
			l.Info("transcode running")
			o.countTask(mq.ActionCheck, "advanced")
		} else {
			// Same-state touch: record observed progress so the
			// reconciler leaves the job alone. Losing the race is fine.
			if _, err := o.store.CompareAndTransition(ctx, j.ID, j.Version, job.StateProcessing, job.StateProcessing, nil); err != nil && !errors.Is(err, job.ErrConflict) {
				return err
			}
		}
		return o.dispatcher.EnqueueCheck(ctx, j.ID, 0, o.cfg.PollInterval)

	case transcode.StatusDone:
		if _, err := o.store.CompareAndTransition(ctx, j.ID, j.Version, j.State, job.StateCompleted, func(c *job.Job) {
			c.OutputLocation = obs.OutputLocation
		}); err != nil {
			if errors.Is(err, job.ErrConflict) {
				o.countTask(mq.ActionCheck, "dropped")
				return nil
			}
			return err
		}
		l.Info("transcode completed", "output_location", obs.OutputLocation)
		o.countTask(mq.ActionCheck, "advanced")
		return nil

	case transcode.StatusError:
		if !obs.Retryable {
			l.Error("transcode failed terminally", "message", obs.Message)
			return o.failJob(ctx, j, obs.Message)
		}
		if j.AttemptCount >= o.cfg.MaxAttempts {
			l.Error("transcode attempts exhausted", "attempts", j.AttemptCount, "message", obs.Message)
			return o.failJob(ctx, j, obs.Message)
		}
		attempt := j.AttemptCount + 1
		if _, err := o.store.CompareAndTransition(ctx, j.ID, j.Version, j.State, job.StateCreated, func(c *job.Job) {
			c.AttemptCount = attempt
			c.LastError = obs.Message
			c.ExternalJobRef = ""
			c.OutputLocation = ""
		}); err != nil {
			if errors.Is(err, job.ErrConflict) {
				o.countTask(mq.ActionCheck, "dropped")
				return nil
			}
			return err
		}
		delay := backoff.Jitter(backoff.Delay(attempt, o.cfg.BackoffBase, o.cfg.BackoffCap))
		l.Warn("transcode failed retryably, resubmitting", "attempt", attempt, "delay", delay, "message", obs.Message)
		o.countTask(mq.ActionCheck, "retried")
		return o.dispatcher.EnqueueSubmit(ctx, j.ID, 0, delay)

	default:
		return fmt.Errorf("unknown observation status %q for job %s", obs.Status, j.ID)
	}
}

// failJob moves the job to terminal FAILED with last_error set. A conflict
// means someone else already moved it; that is not an error.
func (o *Observer) failJob(ctx context.Context, j *job.Job, msg string) error {
	_, err := o.store.CompareAndTransition(ctx, j.ID, j.Version, j.State, job.StateFailed, func(c *job.Job) {
		c.LastError = msg
	})
	if errors.Is(err, job.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	observability.TasksHandled.WithLabelValues("any", "failed").Inc()
	return nil
}

func (o *Observer) cancelRemote(ctx context.Context, ref string) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ExternalCallTimeout)
	defer cancel()
	if err := o.transcoder.Cancel(callCtx, ref); err != nil {
		o.logger.Warn("best-effort remote cancel failed", "external_job_ref", ref, "error", err)
	}
}

func (o *Observer) countTask(action mq.Action, outcome string) {
	observability.TasksHandled.WithLabelValues(string(action), outcome).Inc()
}
