// Package logging provides relay ID context propagation so the queue
// workers can correlate log lines for one notification across helpers.
package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const relayIDKey contextKey = "relayId"

// NewRelayID creates the short id tagged onto one accepted notification.
func NewRelayID() string {
	return uuid.New().String()[:8]
}

// WithRelayID injects a relay ID into the context.
func WithRelayID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, relayIDKey, id)
}

// RelayID retrieves the relay ID from the context.
// Returns empty string if not found.
func RelayID(ctx context.Context) string {
	if id, ok := ctx.Value(relayIDKey).(string); ok {
		return id
	}
	return ""
}
