// Package audit appends security events to the audit sink. Sink failures are
// logged and swallowed: they must never abort the operation being audited.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
)

// Recorder writes audit events.
type Recorder struct {
	repo   repository.AuditRepository
	logger *zap.Logger
}

// NewRecorder wires the recorder. A nil repo degrades to log-only, which the
// embedded development backend uses.
func NewRecorder(repo repository.AuditRepository, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.L()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record appends the event, stamping the time when unset. Never fails.
func (r *Recorder) Record(ctx context.Context, e domain.AuditEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.String("action", e.Action),
		zap.Int64("actor_id", e.ActorID),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Bool("success", e.Success),
	}
	if e.ErrorMessage != "" {
		fields = append(fields, zap.String("error", e.ErrorMessage))
	}
	r.logger.Info("audit_event", fields...)

	if r.repo == nil {
		return
	}
	if err := r.repo.Append(ctx, e); err != nil {
		r.logger.Warn("audit sink write failed", zap.String("action", e.Action), zap.Error(err))
	}
}
