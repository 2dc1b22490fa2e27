package logger

import "context"

type contextKey string

const SandboxIDKey contextKey = "sandbox_id"
const SessionIDKey contextKey = "session_id"

func WithSandboxID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SandboxIDKey, id)
}

func GetSandboxID(ctx context.Context) string {
	if id, ok := ctx.Value(SandboxIDKey).(string); ok {
		return id
	}
	return ""
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}
