package vektor

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific helpers so operations log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is nil,
// a text handler to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithCollection tags the logger with a collection name.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{Logger: l.Logger.With("collection", name)}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, id string, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "id", id, "dimension", dimension, "error", err)
	} else {
		l.DebugContext(ctx, "insert completed", "id", id, "dimension", dimension)
	}
}

// LogInsertBatch logs a batched insert.
func (l *Logger) LogInsertBatch(ctx context.Context, requested, applied int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "batch insert failed", "requested", requested, "applied", applied, "error", err)
	} else {
		l.DebugContext(ctx, "batch insert completed", "applied", applied)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "k", k, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "k", k, "results", resultsFound)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed", "id", id, "error", err)
	} else {
		l.DebugContext(ctx, "delete completed", "id", id)
	}
}

// LogCheckpoint logs a checkpoint operation.
func (l *Logger) LogCheckpoint(ctx context.Context, seq uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed", "seq", seq, "error", err)
	} else {
		l.InfoContext(ctx, "checkpoint saved", "seq", seq)
	}
}

// LogRecovery logs a WAL recovery.
func (l *Logger) LogRecovery(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed", "entries_replayed", entriesReplayed, "error", err)
	} else {
		l.InfoContext(ctx, "recovery completed", "entries_replayed", entriesReplayed)
	}
}

// LogRebuild logs an index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, dirtyRatio float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild failed", "dirty_ratio", dirtyRatio, "error", err)
	} else {
		l.InfoContext(ctx, "rebuild completed", "dirty_ratio", dirtyRatio)
	}
}
