package logger

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	jobIDKey ctxKey = iota
	userIDKey
)

// WithJobID stores the dispatch job id for log enrichment.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithUserID stores the acting account id for log enrichment.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the account id stored in ctx.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// JobIDExtractor adds job_id to records when present.
func JobIDExtractor(ctx context.Context) (slog.Attr, bool) {
	id, ok := ctx.Value(jobIDKey).(string)
	if !ok || id == "" {
		return slog.Attr{}, false
	}
	return slog.String("job_id", id), true
}

// UserIDExtractor adds user_id to records when present.
func UserIDExtractor(ctx context.Context) (slog.Attr, bool) {
	id, ok := UserID(ctx)
	if !ok {
		return slog.Attr{}, false
	}
	return slog.Int64("user_id", id), true
}

// Default returns the extractors every binary installs.
func Default() []ContextExtractor {
	return []ContextExtractor{JobIDExtractor, UserIDExtractor}
}
