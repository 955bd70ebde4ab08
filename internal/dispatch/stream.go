package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	metrics "github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/observability"
	"github.com/fairyhunter13/inference-gateway/internal/pipeline"
	"github.com/fairyhunter13/inference-gateway/internal/routing"
	"github.com/fairyhunter13/inference-gateway/internal/service/sessionpool"
)

// ExecuteStream runs one streaming inference call. Provider selection and
// retry happen before the first chunk; once a stream is established there is
// no failover, and any failure surfaces as a single terminal error chunk.
// Chunk sequence numbers are re-issued here so consumers always see 0,1,2,...
// regardless of provider numbering.
func (d *Dispatcher) ExecuteStream(ctx context.Context, req domain.InferenceRequest, tenant domain.TenantContext) (domain.ChunkStream, error) {
	req.Stream = true
	if err := req.Validate(); err != nil {
		d.rejected(ctx, req, err)
		return nil, err
	}
	if err := d.router.CheckCapabilities(req); err != nil {
		d.rejected(ctx, req, err)
		return nil, err
	}
	if err := d.admit(ctx, tenant); err != nil {
		d.rejected(ctx, req, err)
		return nil, err
	}
	release, err := d.slots.Acquire(ctx, tenant.ID)
	if err != nil {
		d.rejected(ctx, req, err)
		return nil, err
	}

	ec := pipeline.NewExecutionContext(req, domain.NewRoutingContext(req, tenant))
	if err := d.pipe.Run(ctx, pipeline.PhasePre, ec); err != nil {
		d.fail(ctx, ec, err)
		release()
		return nil, err
	}

	cand, sess, src, err := d.openStream(ctx, ec)
	if err != nil {
		d.fail(ctx, ec, err)
		release()
		return nil, err
	}

	w, out := domain.NewStreamPipe(16)
	go d.pump(ctx, ec, cand, sess, src, w, release)
	return out, nil
}

// openStream is the pre-stream counterpart of run: same retry/failover loop,
// but the attempt succeeds once the provider hands back a stream.
func (d *Dispatcher) openStream(ctx context.Context, ec *pipeline.ExecutionContext) (routing.Candidate, *sessionpool.Session, domain.ChunkStream, error) {
	bo := d.newBackoff()
	var lastErr *domain.Error
	attempt := 0

	for attempt < d.opts.MaxAttempts {
		cands, err := d.router.Candidates(ctx, ec.Routing)
		if err != nil {
			if lastErr != nil {
				return routing.Candidate{}, nil, nil,
					domain.WrapErr(domain.CodeAllProvidersFailed, "all providers exhausted", lastErr)
			}
			return routing.Candidate{}, nil, nil, err
		}
		cand := cands[0]

		if err := d.breaker.Allow(cand.ProviderID); err != nil {
			ec.Routing = ec.Routing.ExcludeProvider(cand.ProviderID)
			continue
		}

		attempt++
		ec.Attempt = attempt

		sess, loaded, err := d.acquireSession(ctx, cand, ec.Request)
		if err == nil {
			if sess != nil {
				ec.Session = sess.Handle
			}
			ec.Provider = cand.Provider
			ec.SetVar(pipeline.VarSessionLoaded, loaded)
			ec.Metadata["session_loaded"] = strconv.FormatBool(loaded)

			var src domain.ChunkStream
			src, err = cand.Provider.InferStream(ctx, ec.Request)
			if err == nil {
				return cand, sess, src, nil
			}
			if sess != nil {
				sess.Release()
			}
		}

		de := typedErr(err)
		if !de.Retryable() {
			d.breaker.RecordFailure(cand.ProviderID, false)
			return routing.Candidate{}, nil, nil, de
		}
		d.breaker.RecordFailure(cand.ProviderID, true)
		lastErr = de
		metrics.InferenceRetries.
			WithLabelValues(strconv.Itoa(attempt), cand.ProviderID, ec.Request.Model, ec.Request.TenantID).Inc()
		slog.Warn("stream open failed",
			slog.String("request_id", ec.Request.ID),
			slog.String("provider", cand.ProviderID),
			slog.Int("attempt", attempt),
			slog.String("error_type", string(de.Code)))

		if len(cands) > 1 {
			ec.Routing = ec.Routing.ExcludeProvider(cand.ProviderID)
		}
		if attempt < d.opts.MaxAttempts {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return routing.Candidate{}, nil, nil,
					domain.WrapErr(domain.CodeCancelled, "dispatch cancelled during backoff", domain.ErrCancelled)
			}
		}
	}
	return routing.Candidate{}, nil, nil,
		domain.WrapErr(domain.CodeAllProvidersFailed, "attempt budget exhausted", lastErr)
}

// pump forwards provider chunks to the consumer, re-sequencing from 0 and
// guaranteeing exactly one terminal chunk.
func (d *Dispatcher) pump(ctx context.Context, ec *pipeline.ExecutionContext, cand routing.Candidate, sess *sessionpool.Session, src domain.ChunkStream, w *domain.StreamWriter, release func()) {
	start := time.Now()
	defer release()
	defer w.Close()
	defer src.Close()
	if sess != nil {
		defer sess.Release()
	}

	var seq int64
	for {
		chunk, ok := src.Recv(ctx)
		if !ok {
			if ctx.Err() != nil {
				d.streamFailed(ctx, ec, cand.ProviderID, w, seq,
					domain.WrapErr(domain.CodeCancelled, "stream cancelled", domain.ErrCancelled))
				return
			}
			// Provider ended without a done chunk; the transport dropped.
			d.streamFailed(ctx, ec, cand.ProviderID, w, seq,
				domain.E(domain.CodeProviderUnavailable, "stream ended before completion"))
			return
		}

		chunk.RequestID = ec.Request.ID
		chunk.Seq = seq
		seq++

		if chunk.Err != nil {
			chunk.Done = true
			w.Send(ctx, chunk)
			d.streamAborted(ctx, ec, cand.ProviderID, chunk)
			return
		}
		if !w.Send(ctx, chunk) {
			// Consumer closed early; treat as cooperative cancellation.
			d.breaker.RecordSuccess(cand.ProviderID)
			metrics.InferenceErrors.WithLabelValues(string(domain.CodeCancelled)).Inc()
			return
		}
		if chunk.Done {
			d.streamCompleted(ctx, ec, cand.ProviderID, chunk, time.Since(start))
			return
		}
	}
}

func (d *Dispatcher) streamCompleted(ctx context.Context, ec *pipeline.ExecutionContext, providerID string, last domain.StreamChunk, elapsed time.Duration) {
	d.breaker.RecordSuccess(providerID)
	d.router.Latency().Observe(providerID, elapsed)
	metrics.InferenceRequestsSuccess.
		WithLabelValues(providerID, ec.Request.Model, ec.Request.TenantID).Inc()
	metrics.InferenceRequestDuration.
		WithLabelValues(providerID, ec.Request.Model, ec.Request.TenantID).
		Observe(elapsed.Seconds())

	attrs := []slog.Attr{
		slog.Int64("chunks", last.Seq+1),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if last.Usage != nil {
		attrs = append(attrs, slog.Int("output_tokens", last.Usage.OutputTokens))
	}
	observability.Audit(ctx, observability.AuditEvent{
		Kind:      "stream_completed",
		RequestID: ec.Request.ID,
		TenantID:  ec.Request.TenantID,
		Provider:  providerID,
		Model:     ec.Request.Model,
		Severity:  slog.LevelInfo,
		Attrs:     attrs,
	})
}

// streamAborted handles a provider-reported mid-stream failure that was
// already forwarded as the terminal chunk.
func (d *Dispatcher) streamAborted(ctx context.Context, ec *pipeline.ExecutionContext, providerID string, last domain.StreamChunk) {
	d.breaker.RecordFailure(providerID, last.Err.Retryable)
	ec.Err = domain.E(last.Err.Code, last.Err.Message)
	_ = d.pipe.Run(context.WithoutCancel(ctx), pipeline.PhaseError, ec)
	metrics.InferenceRequestsFailure.
		WithLabelValues(string(last.Err.Code), providerID, ec.Request.Model, ec.Request.TenantID).Inc()
	metrics.InferenceErrors.WithLabelValues(string(last.Err.Code)).Inc()
}

// streamFailed synthesizes the terminal error chunk for failures the
// provider never reported itself.
func (d *Dispatcher) streamFailed(ctx context.Context, ec *pipeline.ExecutionContext, providerID string, w *domain.StreamWriter, seq int64, err *domain.Error) {
	w.Send(context.WithoutCancel(ctx), domain.StreamChunk{
		RequestID: ec.Request.ID,
		Seq:       seq,
		Done:      true,
		Err: &domain.ChunkError{
			Code:      err.Code,
			Message:   err.Message,
			Retryable: err.Retryable(),
		},
	})
	d.breaker.RecordFailure(providerID, err.Retryable())
	ec.Err = err
	_ = d.pipe.Run(context.WithoutCancel(ctx), pipeline.PhaseError, ec)
	metrics.InferenceRequestsFailure.
		WithLabelValues(string(err.Code), providerID, ec.Request.Model, ec.Request.TenantID).Inc()
	metrics.InferenceErrors.WithLabelValues(string(err.Code)).Inc()
}
