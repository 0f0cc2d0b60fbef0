// Package oplog adapts the domain OperationLogger hook onto zap.
package oplog

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

// Logger emits structured records for ledger operations.
type Logger struct {
	base *zap.Logger
}

// New returns a Logger over the given zap logger.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

// LogOperation implements entitlement.OperationLogger. Insufficient credits
// is an expected business outcome and stays at info level.
func (logger *Logger) LogOperation(ctx context.Context, entry entitlement.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason.String()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.Int64("resulting_balance", entry.ResultingBalance),
		zap.String("status", entry.Status),
	}
	if entry.Error == nil || errors.Is(entry.Error, entitlement.ErrInsufficientCredits) {
		if entry.Error != nil {
			fields = append(fields, zap.String("outcome", "insufficient_credits"))
		}
		logger.base.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	logger.base.Error("ledger operation failed", fields...)
}
