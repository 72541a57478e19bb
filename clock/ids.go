package clock

import "github.com/google/uuid"

// NewTraceID returns a random UUID-v7 trace ID. UUID-v7 keeps trace IDs
// roughly time-sortable, which helps store-side pagination by created_at.
func NewTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global RNG is unreadable; fall back to
		// v4 rather than propagating an error from what must never fail.
		return uuid.NewString()
	}
	return id.String()
}

// NewSessionID returns a random UUID-v7, used by the session-id-completion
// rewriter to synthesize prompt_cache_key/session_id for family B.
func NewSessionID() string {
	return NewTraceID()
}
