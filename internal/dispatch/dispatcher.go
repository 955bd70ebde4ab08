// Package dispatch orchestrates one inference call end to end: admission,
// pipeline phases, provider selection, retry with backoff, and failover.
// Retry and failover are distinct: a retry consumes the attempt budget after
// a real provider call failed, while skipping a provider whose circuit
// rejects admission costs nothing.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	metrics "github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/jobstore"
	"github.com/fairyhunter13/inference-gateway/internal/observability"
	"github.com/fairyhunter13/inference-gateway/internal/pipeline"
	"github.com/fairyhunter13/inference-gateway/internal/routing"
	"github.com/fairyhunter13/inference-gateway/internal/service/breaker"
	"github.com/fairyhunter13/inference-gateway/internal/service/quota"
	"github.com/fairyhunter13/inference-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/inference-gateway/internal/service/sessionpool"
)

// SessionLoader is the optional SPI extension for providers with a real
// per-(tenant, model) warm-up cost. Providers without it get a nil session
// handle and the pool only tracks the key.
type SessionLoader interface {
	LoadSession(ctx domain.Context, tenantID, modelID string) (handle any, closer func(domain.Context) error, err error)
}

// Options is the dispatch retry policy.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	return o
}

// Deps are the collaborators a dispatcher needs. Limiter, Quotas, Slots,
// Sessions, Jobs and Queue may be nil; the corresponding step is skipped.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Router   *routing.Engine
	Breaker  *breaker.Table
	Limiter  ratelimiter.Limiter
	Quotas   domain.QuotaStore
	Slots    *quota.Slots
	Sessions *sessionpool.Pool
	Jobs     *jobstore.Store
	Queue    domain.JobQueue

	// ResolveTenant maps a tenant id back to its context on the worker path,
	// where only the id travels with the payload.
	ResolveTenant func(tenantID string) domain.TenantContext
}

// Dispatcher executes inference requests.
type Dispatcher struct {
	pipe          *pipeline.Pipeline
	router        *routing.Engine
	breaker       *breaker.Table
	limiter       ratelimiter.Limiter
	quotas        domain.QuotaStore
	slots         *quota.Slots
	pool          *sessionpool.Pool
	jobs          *jobstore.Store
	queue         domain.JobQueue
	resolveTenant func(string) domain.TenantContext
	opts          Options
}

// New constructs a dispatcher.
func New(deps Deps, opts Options) *Dispatcher {
	resolve := deps.ResolveTenant
	if resolve == nil {
		resolve = func(id string) domain.TenantContext { return domain.TenantContext{ID: id} }
	}
	return &Dispatcher{
		pipe:          deps.Pipeline,
		router:        deps.Router,
		breaker:       deps.Breaker,
		limiter:       deps.Limiter,
		quotas:        deps.Quotas,
		slots:         deps.Slots,
		pool:          deps.Sessions,
		jobs:          deps.Jobs,
		queue:         deps.Queue,
		resolveTenant: resolve,
		opts:          opts.withDefaults(),
	}
}

// Jobs exposes the job store for the HTTP surface.
func (d *Dispatcher) Jobs() *jobstore.Store { return d.jobs }

// Execute runs one synchronous inference call through the full path.
func (d *Dispatcher) Execute(ctx context.Context, req domain.InferenceRequest, tenant domain.TenantContext) (domain.InferenceResponse, error) {
	if err := req.Validate(); err != nil {
		d.rejected(ctx, req, err)
		return domain.InferenceResponse{}, err
	}
	// Capability mismatches are rejected before admission so they never
	// consume rate-limit tokens or quota.
	if err := d.router.CheckCapabilities(req); err != nil {
		d.rejected(ctx, req, err)
		return domain.InferenceResponse{}, err
	}
	if err := d.admit(ctx, tenant); err != nil {
		d.rejected(ctx, req, err)
		return domain.InferenceResponse{}, err
	}
	return d.executeAdmitted(ctx, req, tenant)
}

// executeAdmitted is the post-admission body shared by the sync path and the
// worker path (which charged quota at submission).
func (d *Dispatcher) executeAdmitted(ctx context.Context, req domain.InferenceRequest, tenant domain.TenantContext) (domain.InferenceResponse, error) {
	start := time.Now()
	release, err := d.slots.Acquire(ctx, tenant.ID)
	if err != nil {
		d.rejected(ctx, req, err)
		return domain.InferenceResponse{}, err
	}
	defer release()

	ec := pipeline.NewExecutionContext(req, domain.NewRoutingContext(req, tenant))
	if err := d.pipe.Run(ctx, pipeline.PhasePre, ec); err != nil {
		d.fail(ctx, ec, err)
		return domain.InferenceResponse{}, err
	}

	resp, providerID, err := d.run(ctx, ec)
	if err != nil {
		d.fail(ctx, ec, err)
		return domain.InferenceResponse{}, err
	}

	ec.Response = &resp
	if err := d.pipe.Run(ctx, pipeline.PhasePost, ec); err != nil {
		d.fail(ctx, ec, err)
		return domain.InferenceResponse{}, err
	}
	resp = *ec.Response
	resp.DurationMS = time.Since(start).Milliseconds()

	metrics.InferenceRequestsSuccess.WithLabelValues(providerID, req.Model, req.TenantID).Inc()
	metrics.InferenceRequestDuration.WithLabelValues(providerID, req.Model, req.TenantID).
		Observe(time.Since(start).Seconds())
	observability.Audit(ctx, observability.AuditEvent{
		Kind:      "inference_completed",
		RequestID: req.ID,
		TenantID:  req.TenantID,
		Provider:  providerID,
		Model:     req.Model,
		Severity:  slog.LevelInfo,
		Attrs: []slog.Attr{
			slog.Int64("duration_ms", resp.DurationMS),
			slog.Int("attempts", ec.Attempt),
			slog.Int("output_tokens", resp.Usage.OutputTokens),
		},
	})
	return resp, nil
}

// run is the retry/failover loop over routing candidates.
func (d *Dispatcher) run(ctx context.Context, ec *pipeline.ExecutionContext) (domain.InferenceResponse, string, error) {
	bo := d.newBackoff()
	var lastErr *domain.Error
	lastProvider := ""
	attempt := 0

	for attempt < d.opts.MaxAttempts {
		cands, err := d.router.Candidates(ctx, ec.Routing)
		if err != nil {
			if lastErr != nil {
				return domain.InferenceResponse{}, lastProvider,
					domain.WrapErr(domain.CodeAllProvidersFailed, "all providers exhausted", lastErr)
			}
			return domain.InferenceResponse{}, "", err
		}
		cand := cands[0]

		if err := d.breaker.Allow(cand.ProviderID); err != nil {
			// Failover: the circuit rejected admission before any call was
			// made, so the attempt budget is untouched.
			ec.Routing = ec.Routing.ExcludeProvider(cand.ProviderID)
			continue
		}

		attempt++
		ec.Attempt = attempt
		lastProvider = cand.ProviderID

		resp, err := d.invoke(ctx, ec, cand)
		if err == nil {
			return resp, cand.ProviderID, nil
		}
		de := typedErr(err)
		if !de.Retryable() {
			d.breaker.RecordFailure(cand.ProviderID, false)
			return domain.InferenceResponse{}, cand.ProviderID, de
		}

		d.breaker.RecordFailure(cand.ProviderID, true)
		lastErr = de
		metrics.InferenceRetries.
			WithLabelValues(strconv.Itoa(attempt), cand.ProviderID, ec.Request.Model, ec.Request.TenantID).Inc()
		slog.Warn("inference attempt failed",
			slog.String("request_id", ec.Request.ID),
			slog.String("provider", cand.ProviderID),
			slog.Int("attempt", attempt),
			slog.String("error_type", string(de.Code)),
			slog.Any("error", de))

		// Prefer failover when an alternative exists; a lone provider is
		// retried in place after backoff.
		if len(cands) > 1 {
			ec.Routing = ec.Routing.ExcludeProvider(cand.ProviderID)
		}
		if attempt < d.opts.MaxAttempts {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return domain.InferenceResponse{}, cand.ProviderID,
					domain.WrapErr(domain.CodeCancelled, "dispatch cancelled during backoff", domain.ErrCancelled)
			}
		}
	}
	return domain.InferenceResponse{}, lastProvider,
		domain.WrapErr(domain.CodeAllProvidersFailed, "attempt budget exhausted", lastErr)
}

// invoke performs one provider call: session acquisition, INFERENCE phase
// under the routing timeout, latency and breaker bookkeeping on success.
func (d *Dispatcher) invoke(ctx context.Context, ec *pipeline.ExecutionContext, cand routing.Candidate) (domain.InferenceResponse, error) {
	sess, loaded, err := d.acquireSession(ctx, cand, ec.Request)
	if err != nil {
		return domain.InferenceResponse{}, err
	}
	if sess != nil {
		defer sess.Release()
		ec.Session = sess.Handle
	}
	ec.Provider = cand.Provider
	ec.Response = nil
	ec.Err = nil
	ec.SetVar(pipeline.VarSessionLoaded, loaded)
	ec.Metadata["session_loaded"] = strconv.FormatBool(loaded)

	callCtx, cancel := context.WithTimeout(ctx, ec.Routing.Timeout)
	defer cancel()

	callStart := time.Now()
	err = d.pipe.Run(callCtx, pipeline.PhaseInference, ec)
	elapsed := time.Since(callStart)
	if err != nil {
		return domain.InferenceResponse{}, err
	}
	if ec.Response == nil {
		return domain.InferenceResponse{}, domain.E(domain.CodeInferenceFailed, "provider returned no response")
	}

	d.router.Latency().Observe(cand.ProviderID, elapsed)
	d.breaker.RecordSuccess(cand.ProviderID)
	return *ec.Response, nil
}

func (d *Dispatcher) acquireSession(ctx context.Context, cand routing.Candidate, req domain.InferenceRequest) (*sessionpool.Session, bool, error) {
	if d.pool == nil {
		return nil, false, nil
	}
	key := sessionpool.Key{TenantID: req.TenantID, ModelID: req.Model}
	loader := func(ctx context.Context) (string, any, func(context.Context) error, error) {
		if sl, ok := cand.Provider.(SessionLoader); ok {
			handle, closer, err := sl.LoadSession(ctx, req.TenantID, req.Model)
			return cand.ProviderID, handle, closer, err
		}
		return cand.ProviderID, nil, nil, nil
	}
	return d.pool.Acquire(ctx, key, loader)
}

// admit runs the tenant-scoped rate limit and quota checks.
func (d *Dispatcher) admit(ctx context.Context, tenant domain.TenantContext) error {
	if d.limiter != nil {
		allowed, retryAfter, err := d.limiter.Allow(ctx, tenant.ID, 1)
		if err != nil {
			slog.Warn("rate limiter error, admitting request",
				slog.String("tenant", tenant.ID), slog.Any("error", err))
		} else if !allowed {
			e := domain.E(domain.CodeRateLimited, "rate limit exceeded for tenant "+tenant.ID)
			e.RetryAfter = retryAfter
			return e
		}
	}
	if d.quotas != nil {
		if _, err := d.quotas.CheckAndIncrement(ctx, tenant.ID, "requests", 1); err != nil {
			return err
		}
	}
	return nil
}

// fail runs the ERROR phase and emits the failure metrics exactly once per
// terminal error.
func (d *Dispatcher) fail(ctx context.Context, ec *pipeline.ExecutionContext, err error) {
	ec.Err = err
	// ERROR-phase plugins still run when the caller's context is already gone.
	_ = d.pipe.Run(context.WithoutCancel(ctx), pipeline.PhaseError, ec)

	code := domain.CodeOf(err)
	providerID := ""
	if ec.Provider != nil {
		providerID = ec.Provider.ID()
	}
	metrics.InferenceRequestsFailure.
		WithLabelValues(string(code), providerID, ec.Request.Model, ec.Request.TenantID).Inc()
	metrics.InferenceErrors.WithLabelValues(string(code)).Inc()
}

// rejected covers failures before an execution context exists.
func (d *Dispatcher) rejected(ctx context.Context, req domain.InferenceRequest, err error) {
	code := domain.CodeOf(err)
	metrics.InferenceRequestsFailure.
		WithLabelValues(string(code), "", req.Model, req.TenantID).Inc()
	metrics.InferenceErrors.WithLabelValues(string(code)).Inc()
	observability.Audit(ctx, observability.AuditEvent{
		Kind:      "request_rejected",
		RequestID: req.ID,
		TenantID:  req.TenantID,
		Model:     req.Model,
		Severity:  slog.LevelWarn,
		Attrs:     []slog.Attr{slog.String("error_type", string(code))},
	})
}

func (d *Dispatcher) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.BackoffBase
	bo.MaxInterval = d.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// typedErr normalizes an arbitrary failure into the taxonomy. Deadline
// expiry maps to PROVIDER_TIMEOUT even when a plugin wrapped it first.
func typedErr(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		if de.Code == domain.CodePluginFailed && errors.Is(err, context.DeadlineExceeded) {
			return domain.WrapErr(domain.CodeProviderTimeout, "provider call timed out", err)
		}
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapErr(domain.CodeProviderTimeout, "provider call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapErr(domain.CodeCancelled, "request cancelled", domain.ErrCancelled)
	}
	return domain.WrapErr(domain.CodeInternal, "inference failed", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
