// Package audit records who did what with which token: page loads,
// commands, admin actions. Entries go to the structured log and to the
// access_log table; a storage failure is logged but never propagated, an
// audit hiccup must not fail the guest's request.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hapass/internal/observability/logger"
	"github.com/dropDatabas3/hapass/internal/store"
)

type Recorder struct {
	log   *zap.Logger
	store store.AccessLogStore
}

func NewRecorder(s store.AccessLogStore) *Recorder {
	return &Recorder{log: logger.Named("audit"), store: s}
}

func (r *Recorder) Record(ctx context.Context, e store.AccessEntry) {
	fields := []zap.Field{
		zap.String("event", e.EventType),
		logger.TokenID(e.TokenID),
	}
	if e.EntityID != "" {
		fields = append(fields, logger.EntityID(e.EntityID))
	}
	if e.Service != "" {
		fields = append(fields, logger.Service(e.Service))
	}
	if e.IPAddress != "" {
		fields = append(fields, logger.ClientIP(e.IPAddress))
	}
	r.log.Info("audit", fields...)

	if r.store == nil {
		return
	}
	if err := r.store.LogAccess(ctx, e); err != nil {
		r.log.Error("access log write failed", zap.Error(err))
	}
}
