// Package audit records an append-only trail of every authorization
// decision and state-changing action the console performs.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage persists audit entries. Implementations must be safe for
// concurrent appends and must never expose a partially written entry.
type Storage interface {
	// Append persists one entry.
	Append(ctx context.Context, e *Entry) error

	// Entries returns stored entries matching the query, newest first.
	Entries(ctx context.Context, q Query) ([]*Entry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)

	// Close releases storage resources.
	Close() error
}

// Logger writes audit entries synchronously. Writes happen after the
// audited action has resolved, so the trail always reflects the true
// outcome.
type Logger struct {
	storage Storage
	logger  *zap.Logger
}

// NewLogger creates an audit logger over the given storage.
func NewLogger(storage Storage, logger *zap.Logger) *Logger {
	return &Logger{storage: storage, logger: logger}
}

// Record fills in defaults and appends the entry. The entry is written
// exactly once; failures are surfaced to the caller and logged.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := l.storage.Append(ctx, &e); err != nil {
		l.logger.Error("Failed to append audit entry",
			zap.String("command", e.Command),
			zap.Int64("caller_id", e.CallerID),
			zap.Error(err),
		)
		return err
	}

	l.logger.Debug("Audit entry recorded",
		zap.String("command", e.Command),
		zap.String("outcome", string(e.Outcome)),
		zap.Int64("caller_id", e.CallerID),
	)
	return nil
}

// Entries queries the underlying storage.
func (l *Logger) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	return l.storage.Entries(ctx, q)
}

// Close releases the underlying storage.
func (l *Logger) Close() error {
	return l.storage.Close()
}
