// Package errorlog is the single place batch operations report per-item
// failures to. Recording never fails the caller.
package errorlog

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"mailpulse/internal/repository"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/trace"
)

type Store interface {
	Insert(ctx context.Context, l *repository.ErrorLog) error
}

type Recorder struct {
	store  Store
	logger *zap.Logger
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record logs err with fields and persists it with the current stack.
func (r *Recorder) Record(ctx context.Context, err error, fields map[string]any) {
	if err == nil {
		return
	}

	entry := &repository.ErrorLog{
		Message: err.Error(),
		Stack:   string(debug.Stack()),
		Context: make(map[string]any, len(fields)+1),
	}
	for k, v := range fields {
		entry.Context[k] = v
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		entry.Context["trace_id"] = traceID
	}

	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.Error(err))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	log := logger.WithTrace(ctx, r.logger)
	log.Error("Recorded operation error", zf...)

	// 即使请求已取消也要落库
	if insertErr := r.store.Insert(context.WithoutCancel(ctx), entry); insertErr != nil {
		log.Warn("Failed to persist error log", zap.Error(insertErr))
	}
}
