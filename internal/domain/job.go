package domain

import "time"

// JobStatus of an async job. Terminal states are COMPLETED, FAILED and
// CANCELLED; transitions out of a terminal state are no-ops.
type JobStatus string

// Job lifecycle states.
const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// AsyncJob tracks one decoupled inference execution.
type AsyncJob struct {
	ID          string             `json:"job_id"`
	RequestID   string             `json:"request_id"`
	TenantID    string             `json:"tenant_id"`
	Status      JobStatus          `json:"status"`
	SubmittedAt time.Time          `json:"submitted_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Result      *InferenceResponse `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// JobRepository is the durable mirror of the in-memory job store. The hot
// path never blocks on it; writes are best-effort and logged on failure.
type JobRepository interface {
	Create(ctx Context, j AsyncJob) error
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg string) error
	Get(ctx Context, id string) (AsyncJob, error)
}

// JobQueue decouples job submission from execution. The server enqueues; the
// worker consumes.
type JobQueue interface {
	EnqueueInference(ctx Context, payload JobPayload) error
}

// JobPayload is the wire form of a queued job.
type JobPayload struct {
	JobID   string           `json:"job_id"`
	Request InferenceRequest `json:"request"`
}
