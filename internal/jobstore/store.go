// Package jobstore tracks async jobs in memory with O(1) status lookup.
// Transitions are monotonic: any attempt to move a job out of a terminal
// state is a no-op. A durable repository mirror is optional and best-effort.
package jobstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Store is the in-memory job index.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.AsyncJob
	cancels map[string]context.CancelFunc
	ttl     time.Duration
	repo    domain.JobRepository
	now     func() time.Time
}

// New constructs a store. repo may be nil; ttl <= 0 disables sweeping.
func New(ttl time.Duration, repo domain.JobRepository) *Store {
	return &Store{
		jobs:    make(map[string]*domain.AsyncJob),
		cancels: make(map[string]context.CancelFunc),
		ttl:     ttl,
		repo:    repo,
		now:     time.Now,
	}
}

// Submit records a new PENDING job for the request.
func (s *Store) Submit(ctx context.Context, req domain.InferenceRequest) domain.AsyncJob {
	j := domain.AsyncJob{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		TenantID:    req.TenantID,
		Status:      domain.JobPending,
		SubmittedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.jobs[j.ID] = &j
	s.mu.Unlock()

	observability.JobsSubmittedTotal.WithLabelValues(j.TenantID).Inc()
	s.mirror(ctx, func(repo domain.JobRepository) error { return repo.Create(ctx, j) })
	return j
}

// Get returns a job by id.
func (s *Store) Get(id string) (domain.AsyncJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.AsyncJob{}, false
	}
	return *j, true
}

// MarkRunning moves PENDING to RUNNING, registering the cancel func for
// cooperative cancellation. Returns false when the job is absent or not
// PENDING (a cancelled job stays cancelled).
func (s *Store) MarkRunning(ctx context.Context, id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobPending {
		s.mu.Unlock()
		return false
	}
	j.Status = domain.JobRunning
	if cancel != nil {
		s.cancels[id] = cancel
	}
	s.mu.Unlock()
	observability.JobsRunning.Inc()
	s.mirror(ctx, func(repo domain.JobRepository) error {
		return repo.UpdateStatus(ctx, id, domain.JobRunning, "")
	})
	return true
}

// Complete moves RUNNING to COMPLETED with the result.
func (s *Store) Complete(ctx context.Context, id string, resp domain.InferenceResponse) {
	s.finish(ctx, id, domain.JobCompleted, &resp, "")
}

// Fail moves a non-terminal job to FAILED with the error message.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) {
	s.finish(ctx, id, domain.JobFailed, nil, errMsg)
}

func (s *Store) finish(ctx context.Context, id string, status domain.JobStatus, resp *domain.InferenceResponse, errMsg string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	wasRunning := j.Status == domain.JobRunning
	now := s.now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.Result = resp
	j.Error = errMsg
	delete(s.cancels, id)
	s.mu.Unlock()

	if wasRunning {
		observability.JobsRunning.Dec()
	}
	observability.JobsCompletedTotal.WithLabelValues(string(status)).Inc()
	s.mirror(ctx, func(repo domain.JobRepository) error {
		return repo.UpdateStatus(ctx, id, status, errMsg)
	})
}

// Cancel moves PENDING to CANCELLED atomically. A RUNNING job receives the
// cooperative cancellation signal; providers may honor it, and the job
// reaches FAILED or CANCELLED when the worker observes the signal. Terminal
// jobs are untouched.
func (s *Store) Cancel(ctx context.Context, id string) (domain.AsyncJob, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return domain.AsyncJob{}, domain.Ef(domain.CodeBadRequest, "unknown job %s", id)
	}
	switch {
	case j.Status == domain.JobPending:
		now := s.now().UTC()
		j.Status = domain.JobCancelled
		j.CompletedAt = &now
		s.mu.Unlock()
		observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
		s.mirror(ctx, func(repo domain.JobRepository) error {
			return repo.UpdateStatus(ctx, id, domain.JobCancelled, "")
		})
		return *j, nil
	case j.Status == domain.JobRunning:
		cancel := s.cancels[id]
		out := *j
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return out, nil
	default:
		out := *j
		s.mu.Unlock()
		return out, nil
	}
}

// MarkCancelled moves a non-terminal job to CANCELLED. Used by the worker
// when a running job observes its cancellation signal.
func (s *Store) MarkCancelled(ctx context.Context, id string) {
	s.finish(ctx, id, domain.JobCancelled, nil, "")
}

// ListByTenant returns the tenant's jobs, newest first.
func (s *Store) ListByTenant(tenantID string) []domain.AsyncJob {
	s.mu.RLock()
	out := make([]domain.AsyncJob, 0, 8)
	for _, j := range s.jobs {
		if j.TenantID == tenantID {
			out = append(out, *j)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Sweep evicts terminal jobs older than the TTL, returning the count.
func (s *Store) Sweep(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// FailStuck fails RUNNING jobs submitted before the threshold. Covers worker
// crashes that would otherwise leave jobs RUNNING forever.
func (s *Store) FailStuck(ctx context.Context, threshold time.Duration) int {
	if threshold <= 0 {
		return 0
	}
	cutoff := s.now().Add(-threshold)
	s.mu.RLock()
	var stuck []string
	for id, j := range s.jobs {
		if j.Status == domain.JobRunning && j.SubmittedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range stuck {
		s.Fail(ctx, id, "job exceeded processing threshold")
	}
	return len(stuck)
}

// RunSweeper periodically evicts expired jobs and fails stuck ones.
func (s *Store) RunSweeper(ctx context.Context, interval, stuckThreshold time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				slog.Info("expired jobs swept", slog.Int("count", n))
			}
			if n := s.FailStuck(ctx, stuckThreshold); n > 0 {
				slog.Warn("stuck jobs failed", slog.Int("count", n))
			}
		}
	}
}

func (s *Store) mirror(_ context.Context, fn func(domain.JobRepository) error) {
	if s.repo == nil {
		return
	}
	if err := fn(s.repo); err != nil {
		slog.Warn("job repo mirror failed", slog.Any("error", err))
	}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
