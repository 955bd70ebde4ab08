package domain

import "time"

// ResetPeriod of a persistent quota window.
type ResetPeriod string

// Quota reset periods.
const (
	ResetHourly  ResetPeriod = "HOURLY"
	ResetDaily   ResetPeriod = "DAILY"
	ResetMonthly ResetPeriod = "MONTHLY"
	ResetNever   ResetPeriod = "NONE"
)

// WindowStart returns the start of the window containing t, or the zero time
// for non-resetting quotas.
func (p ResetPeriod) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case ResetHourly:
		return t.Truncate(time.Hour)
	case ResetDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case ResetMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Quota is a per (tenant, resource) long-period allowance. used ≤ limit holds
// at every observation when strict mode is on.
type Quota struct {
	TenantID    string
	Resource    string
	Limit       int64
	Used        int64
	Period      ResetPeriod
	WindowStart time.Time
}

// HasQuota reports whether amount more units fit in the window.
func (q Quota) HasQuota(amount int64) bool { return q.Used+amount <= q.Limit }

// Expired reports whether the window containing now has rolled over.
func (q Quota) Expired(now time.Time) bool {
	if q.Period == ResetNever || q.Period == "" {
		return false
	}
	return q.Period.WindowStart(now).After(q.WindowStart)
}

// QuotaStore checks and accounts persistent quotas atomically.
type QuotaStore interface {
	// CheckAndIncrement consumes amount if the quota admits it, returning the
	// post-increment quota. A missing quota row behaves per strict-mode config.
	CheckAndIncrement(ctx Context, tenantID, resource string, amount int64) (Quota, error)
	// Get returns the current quota row without consuming.
	Get(ctx Context, tenantID, resource string) (Quota, error)
	// ResetExpired rolls over any windows that have elapsed.
	ResetExpired(ctx Context, now time.Time) (int, error)
}
