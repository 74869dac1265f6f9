package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

const maxSecurityEvents = 500

// AuditLog appends security events. Persistence failures are logged and
// swallowed; they never change the outcome of the action being audited.
type AuditLog struct {
	store AuditStore
	now   func() time.Time
}

func NewAuditLog(store AuditStore, clock func() time.Time) *AuditLog {
	if clock == nil {
		clock = time.Now
	}
	return &AuditLog{store: store, now: clock}
}

// LogSecurityEvent records kind for the given client. metadata may be nil.
func (a *AuditLog) LogSecurityEvent(ctx context.Context, kind model.EventKind, ip, userAgent string, metadata map[string]string) {
	e := model.SecurityEvent{
		Kind:      kind,
		IPAddress: ip,
		UserAgent: userAgent,
		Metadata:  metadata,
		CreatedAt: a.now().UTC(),
	}

	fields := []zap.Field{
		util.String("event", string(kind)),
		util.String("ip", ip),
		util.String("user_agent", userAgent),
	}
	for k, v := range metadata {
		fields = append(fields, util.String("meta."+k, v))
	}
	util.Info("Security event", fields...)

	// The audited request may already be cancelled (client hung up after a
	// login); the record should still land.
	ctx = context.WithoutCancel(ctx)
	if err := a.store.InsertSecurityEvent(ctx, e); err != nil {
		util.Error("Failed to persist security event",
			util.String("event", string(kind)),
			util.String("ip", ip),
			util.ErrorField(err))
	}
}

// GetSecurityEvents returns up to limit events, most recent first.
func (a *AuditLog) GetSecurityEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxSecurityEvents {
		limit = maxSecurityEvents
	}
	return a.store.ListSecurityEvents(ctx, limit)
}
