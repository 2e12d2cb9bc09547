package tools

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"
const channelIDKey contextKey = "channel_id"

// WithSessionID adds the session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "default" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

const subjectListKey contextKey = "subject_list_id"

// WithSubjectListID records the tracker list of the resolved subject
// so tools can default to it when the model omits a list_id.
func WithSubjectListID(ctx context.Context, listID string) context.Context {
	if listID == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectListKey, listID)
}

// SubjectListIDFromContext extracts the resolved subject's tracker
// list ID. Returns "" if no subject was resolved.
func SubjectListIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(subjectListKey).(string); ok {
		return id
	}
	return ""
}

// WithChannelID adds the originating channel ID to the context.
func WithChannelID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, channelIDKey, id)
}

// ChannelIDFromContext extracts the channel ID from the context.
// Returns "" if no channel was set.
func ChannelIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(channelIDKey).(string); ok {
		return id
	}
	return ""
}

const threadTSKey contextKey = "thread_ts"

// WithThreadTS records the conversation thread the message arrived in.
func WithThreadTS(ctx context.Context, ts string) context.Context {
	if ts == "" {
		return ctx
	}
	return context.WithValue(ctx, threadTSKey, ts)
}

// ThreadTSFromContext extracts the originating thread timestamp.
// Returns "" if no thread was set.
func ThreadTSFromContext(ctx context.Context) string {
	if ts, ok := ctx.Value(threadTSKey).(string); ok {
		return ts
	}
	return ""
}
