// Package opslog adapts a zap logger to the engine's operation callback.
package opslog

import (
	"context"

	"go.uber.org/zap"

	"github.com/keymint/keymint/pkg/engine"
)

// ZapLogger writes one structured log line per engine operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps a zap logger. A nil logger falls back to the no-op logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements engine.OperationLogger.
func (adapter *ZapLogger) LogOperation(_ context.Context, entry engine.OperationLog) {
	fields := make([]zap.Field, 0, 7)
	fields = append(fields,
		zap.String("operation", entry.Operation),
		zap.String("account", entry.AccountID.String()),
		zap.String("status", entry.Status),
	)
	if entry.LicenseID != nil {
		fields = append(fields, zap.String("license", entry.LicenseID.String()))
	}
	if entry.ProductID != nil {
		fields = append(fields, zap.String("product", entry.ProductID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("engine operation failed", fields...)
		return
	}
	adapter.logger.Info("engine operation", fields...)
}
