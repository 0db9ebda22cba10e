package strata

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger with strata-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithTx adds a transaction id field to the logger.
func (l *Logger) WithTx(txID uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("tx", txID),
	}
}

// WithNode adds a node id field to the logger.
func (l *Logger) WithNode(id uuid.UUID) *Logger {
	return &Logger{
		Logger: l.Logger.With("node", id.String()),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// LogCommit logs a transaction commit.
func (l *Logger) LogCommit(ctx context.Context, seq uint64, ops int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"ops", ops,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"seq", seq,
			"ops", ops,
		)
	}
}

// LogRollback logs a discarded transaction.
func (l *Logger) LogRollback(ctx context.Context, reason string) {
	l.WarnContext(ctx, "transaction rolled back",
		"reason", reason,
	)
}

// LogRecovery logs a WAL recovery pass.
func (l *Logger) LogRecovery(ctx context.Context, visible uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL recovery completed",
			"visible", visible,
		)
	}
}

// LogQuery logs a query.
func (l *Logger) LogQuery(ctx context.Context, items int, degraded []string, d time.Duration, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "query failed",
			"error", err,
		)
	case len(degraded) > 0:
		l.WarnContext(ctx, "query completed with degraded stages",
			"items", items,
			"degraded", degraded,
			"duration", d,
		)
	default:
		l.DebugContext(ctx, "query completed",
			"items", items,
			"duration", d,
		)
	}
}

// LogIngest logs an ingestion of count artifacts.
func (l *Logger) LogIngest(ctx context.Context, count, created int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest failed",
			"count", count,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "ingest completed",
			"count", count,
			"created", created,
		)
	}
}

// LogCheckpoint logs a checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, seq uint64, keys int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "checkpoint completed",
			"seq", seq,
			"keys", keys,
		)
	}
}

// LogGC logs a garbage collection pass.
func (l *Logger) LogGC(ctx context.Context, horizon uint64, pruned int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "gc failed",
			"horizon", horizon,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "gc completed",
			"horizon", horizon,
			"pruned", pruned,
		)
	}
}

// LogBackup logs a backup or restore.
func (l *Logger) LogBackup(ctx context.Context, op, id string, records int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"backup", id,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"backup", id,
			"records", records,
		)
	}
}
