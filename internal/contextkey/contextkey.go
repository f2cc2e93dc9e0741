package contextkey

type contextKey string

const (
	// ContextKeyRequestID carries the per-request correlation id.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeyUserID carries the authenticated user's id.
	ContextKeyUserID contextKey = "user_id"
)
