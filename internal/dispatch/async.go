package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/observability"
)

// Submit registers an async job and hands it to the queue. Quota is charged
// here, at submission, so a queue backlog cannot overdraw it; the worker path
// skips the quota check for that reason. Without a queue the job runs on a
// local goroutine (dev mode and tests).
func (d *Dispatcher) Submit(ctx context.Context, req domain.InferenceRequest, tenant domain.TenantContext) (domain.AsyncJob, error) {
	if err := req.Validate(); err != nil {
		d.rejected(ctx, req, err)
		return domain.AsyncJob{}, err
	}
	// A capability mismatch must not charge quota, so check it first.
	if err := d.router.CheckCapabilities(req); err != nil {
		d.rejected(ctx, req, err)
		return domain.AsyncJob{}, err
	}
	if err := d.admit(ctx, tenant); err != nil {
		d.rejected(ctx, req, err)
		return domain.AsyncJob{}, err
	}

	job := d.jobs.Submit(ctx, req)
	payload := domain.JobPayload{JobID: job.ID, Request: req}
	if d.queue != nil {
		if err := d.queue.EnqueueInference(ctx, payload); err != nil {
			d.jobs.Fail(ctx, job.ID, "enqueue failed")
			return domain.AsyncJob{}, domain.WrapErr(domain.CodeInternal, "job enqueue failed", err)
		}
	} else {
		go func() {
			if err := d.Process(context.WithoutCancel(ctx), payload); err != nil {
				slog.Error("local job execution failed",
					slog.String("job_id", payload.JobID), slog.Any("error", err))
			}
		}()
	}

	observability.Audit(ctx, observability.AuditEvent{
		Kind:      "job_submitted",
		RequestID: req.ID,
		TenantID:  req.TenantID,
		Model:     req.Model,
		Severity:  slog.LevelInfo,
		Attrs:     []slog.Attr{slog.String("job_id", job.ID)},
	})
	return job, nil
}

// Process executes one queued job. It is the worker-side entry point; the
// returned error is always nil because a failed execution is a terminal job
// state, not a redelivery reason.
func (d *Dispatcher) Process(ctx context.Context, payload domain.JobPayload) error {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !d.jobs.MarkRunning(ctx, payload.JobID, cancel) {
		// Cancelled before pickup, or unknown (swept); nothing to do.
		slog.Info("skipping job not in PENDING state", slog.String("job_id", payload.JobID))
		return nil
	}

	tenant := d.resolveTenant(payload.Request.TenantID)
	resp, err := d.executeAdmitted(jctx, payload.Request, tenant)
	switch {
	case err == nil:
		d.jobs.Complete(ctx, payload.JobID, resp)
	case errors.Is(err, context.Canceled) || domain.CodeOf(err) == domain.CodeCancelled:
		d.jobs.MarkCancelled(ctx, payload.JobID)
		observability.Audit(ctx, observability.AuditEvent{
			Kind:      "job_cancelled",
			RequestID: payload.Request.ID,
			TenantID:  payload.Request.TenantID,
			Severity:  slog.LevelInfo,
			Attrs:     []slog.Attr{slog.String("job_id", payload.JobID)},
		})
	default:
		d.jobs.Fail(ctx, payload.JobID, err.Error())
	}
	return nil
}

// CancelJob requests cancellation of a job owned by the tenant.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID, tenantID string) (domain.AsyncJob, error) {
	job, ok := d.jobs.Get(jobID)
	if !ok || job.TenantID != tenantID {
		return domain.AsyncJob{}, domain.Ef(domain.CodeBadRequest, "unknown job %s", jobID)
	}
	return d.jobs.Cancel(ctx, jobID)
}
