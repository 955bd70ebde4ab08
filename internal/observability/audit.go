package observability

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is a structured record for every state-changing event: breaker
// transitions, job completions, pool evictions, admission rejections.
type AuditEvent struct {
	Kind      string
	RequestID string
	TenantID  string
	Provider  string
	Model     string
	Severity  slog.Level
	Attrs     []slog.Attr
}

// Audit emits one structured record through the context logger. Request and
// tenant ids fall back to the values stored on the context.
func Audit(ctx context.Context, ev AuditEvent) {
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if ev.TenantID == "" {
		ev.TenantID = TenantIDFromContext(ctx)
	}
	attrs := make([]slog.Attr, 0, len(ev.Attrs)+5)
	attrs = append(attrs,
		slog.String("event", ev.Kind),
		slog.String("request_id", ev.RequestID),
		slog.String("tenant_id", ev.TenantID),
		slog.Time("ts", time.Now().UTC()),
	)
	if ev.Provider != "" {
		attrs = append(attrs, slog.String("provider", ev.Provider))
	}
	if ev.Model != "" {
		attrs = append(attrs, slog.String("model", ev.Model))
	}
	attrs = append(attrs, ev.Attrs...)
	LoggerFromContext(ctx).LogAttrs(ctx, ev.Severity, "audit", attrs...)
}
