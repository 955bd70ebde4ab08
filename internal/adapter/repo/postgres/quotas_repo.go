package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// QuotaRepo is the durable domain.QuotaStore. CheckAndIncrement runs in a
// row-locked transaction so concurrent consumers across processes never
// overdraw a window.
type QuotaRepo struct {
	Pool   PgxPool
	Strict bool
}

// NewQuotaRepo constructs a QuotaRepo. In strict mode tenants without a quota
// row are rejected.
func NewQuotaRepo(p PgxPool, strict bool) *QuotaRepo {
	return &QuotaRepo{Pool: p, Strict: strict}
}

// Define installs or replaces a quota row.
func (r *QuotaRepo) Define(ctx domain.Context, q domain.Quota) error {
	if q.WindowStart.IsZero() {
		q.WindowStart = q.Period.WindowStart(time.Now().UTC())
	}
	sql := `INSERT INTO quotas (tenant_id, resource, limit_value, used, period, window_start)
	        VALUES ($1,$2,$3,$4,$5,$6)
	        ON CONFLICT (tenant_id, resource)
	        DO UPDATE SET limit_value=EXCLUDED.limit_value, period=EXCLUDED.period`
	if _, err := r.Pool.Exec(ctx, sql, q.TenantID, q.Resource, q.Limit, q.Used, q.Period, q.WindowStart); err != nil {
		return fmt.Errorf("op=quota.define: %w", err)
	}
	return nil
}

// CheckAndIncrement consumes amount atomically if the quota admits it.
func (r *QuotaRepo) CheckAndIncrement(ctx domain.Context, tenantID, resource string, amount int64) (domain.Quota, error) {
	tracer := otel.Tracer("repo.quotas")
	ctx, span := tracer.Start(ctx, "quotas.CheckAndIncrement")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Quota{}, fmt.Errorf("op=quota.check: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := domain.Quota{TenantID: tenantID, Resource: resource}
	row := tx.QueryRow(ctx,
		`SELECT limit_value, used, period, window_start FROM quotas
		 WHERE tenant_id=$1 AND resource=$2 FOR UPDATE`, tenantID, resource)
	if err := row.Scan(&q.Limit, &q.Used, &q.Period, &q.WindowStart); err != nil {
		if err == pgx.ErrNoRows {
			if r.Strict {
				return domain.Quota{}, domain.Ef(domain.CodeQuotaExceeded, "no quota defined for tenant %s resource %s", tenantID, resource)
			}
			return domain.Quota{TenantID: tenantID, Resource: resource, Limit: -1}, nil
		}
		return domain.Quota{}, fmt.Errorf("op=quota.check: %w", err)
	}

	now := time.Now().UTC()
	if q.Expired(now) {
		q.Used = 0
		q.WindowStart = q.Period.WindowStart(now)
	}
	if !q.HasQuota(amount) {
		return q, domain.Ef(domain.CodeQuotaExceeded, "quota exhausted for tenant %s resource %s", tenantID, resource).
			WithDetail("limit", q.Limit).
			WithDetail("used", q.Used)
	}
	q.Used += amount

	if _, err := tx.Exec(ctx,
		`UPDATE quotas SET used=$3, window_start=$4 WHERE tenant_id=$1 AND resource=$2`,
		tenantID, resource, q.Used, q.WindowStart); err != nil {
		return domain.Quota{}, fmt.Errorf("op=quota.check: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Quota{}, fmt.Errorf("op=quota.check: %w", err)
	}
	return q, nil
}

// Get returns the current quota row without consuming.
func (r *QuotaRepo) Get(ctx domain.Context, tenantID, resource string) (domain.Quota, error) {
	q := domain.Quota{TenantID: tenantID, Resource: resource}
	row := r.Pool.QueryRow(ctx,
		`SELECT limit_value, used, period, window_start FROM quotas
		 WHERE tenant_id=$1 AND resource=$2`, tenantID, resource)
	if err := row.Scan(&q.Limit, &q.Used, &q.Period, &q.WindowStart); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Quota{}, domain.Ef(domain.CodeQuotaExceeded, "no quota defined for tenant %s resource %s", tenantID, resource)
		}
		return domain.Quota{}, fmt.Errorf("op=quota.get: %w", err)
	}
	return q, nil
}

// ResetExpired rolls over elapsed windows in one pass. The period column
// holds the reset cadence; NONE windows never expire.
func (r *QuotaRepo) ResetExpired(ctx domain.Context, now time.Time) (int, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT tenant_id, resource, period, window_start FROM quotas WHERE period <> 'NONE'`)
	if err != nil {
		return 0, fmt.Errorf("op=quota.reset: %w", err)
	}
	type target struct {
		tenantID, resource string
		windowStart        time.Time
	}
	var expired []target
	for rows.Next() {
		var t target
		var period domain.ResetPeriod
		if err := rows.Scan(&t.tenantID, &t.resource, &period, &t.windowStart); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=quota.reset: %w", err)
		}
		q := domain.Quota{Period: period, WindowStart: t.windowStart}
		if q.Expired(now) {
			t.windowStart = period.WindowStart(now)
			expired = append(expired, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=quota.reset: %w", err)
	}

	for _, t := range expired {
		if _, err := r.Pool.Exec(ctx,
			`UPDATE quotas SET used=0, window_start=$3 WHERE tenant_id=$1 AND resource=$2`,
			t.tenantID, t.resource, t.windowStart); err != nil {
			return 0, fmt.Errorf("op=quota.reset: %w", err)
		}
	}
	return len(expired), nil
}
