package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// JobRepo is the durable domain.JobRepository backed by PostgreSQL. The job
// store writes through it best-effort; reads serve the jobs API when the
// in-memory index misses (after a restart).
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job row.
func (r *JobRepo) Create(ctx domain.Context, j domain.AsyncJob) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	q := `INSERT INTO jobs (id, request_id, tenant_id, status, error, submitted_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.RequestID, j.TenantID, j.Status, j.Error, j.SubmittedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// UpdateStatus moves a job row to the given status. Terminal rows are never
// overwritten, mirroring the in-memory monotonicity rule.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}
	q := `UPDATE jobs SET status=$2, error=$3, completed_at=COALESCE($4, completed_at), updated_at=$5
	      WHERE id=$1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')`
	_, err := r.Pool.Exec(ctx, q, id, status, errMsg, completedAt, now)
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// SaveResult attaches the response payload to a completed job row.
func (r *JobRepo) SaveResult(ctx domain.Context, id string, resp domain.InferenceResponse) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SaveResult")
	defer span.End()
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("op=job.save_result: %w", err)
	}
	q := `UPDATE jobs SET result=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.save_result: %w", err)
	}
	return nil
}

// Get loads a job row by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.AsyncJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, request_id, tenant_id, status, COALESCE(error,''), submitted_at, completed_at, result
	      FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.AsyncJob
	var raw []byte
	if err := row.Scan(&j.ID, &j.RequestID, &j.TenantID, &j.Status, &j.Error, &j.SubmittedAt, &j.CompletedAt, &raw); err != nil {
		if err == pgx.ErrNoRows {
			return domain.AsyncJob{}, domain.Ef(domain.CodeStorageReadFailed, "job %s not found", id)
		}
		return domain.AsyncJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	if len(raw) > 0 {
		var resp domain.InferenceResponse
		if err := json.Unmarshal(raw, &resp); err == nil {
			j.Result = &resp
		}
	}
	return j, nil
}
