package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored in ctx, or a fresh one when ctx has none.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// EnsureRequestID attaches a new request id to ctx unless one is present.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return ctx, id
	}
	id := NewRequestID()
	return SetRequestID(ctx, id), id
}

func NewRequestID() string {
	return uuid.New().String()
}
