package repository

import (
	"context"

	"telemetry-pipeline/internal/model"
)

// QueuedMessage is a persisted message and its queue position.
type QueuedMessage struct {
	ID        int64
	CreatedAt int64
	Message   model.Message
}

// MessageQueue is the durable upload queue. The persist worker is the only
// writer and the upload worker the only deleter.
type MessageQueue interface {
	// Append persists msg and returns its queue id. Ids increase in
	// append order.
	Append(ctx context.Context, msg model.Message) (int64, error)

	// SelectBatch returns up to maxCount of the oldest messages created at
	// or after notBefore (ms), grouped by session in order of each
	// session's oldest message.
	SelectBatch(ctx context.Context, maxCount int, notBefore int64) ([]QueuedMessage, error)

	// DeleteByIDs removes the given rows. Unknown ids are ignored.
	DeleteByIDs(ctx context.Context, ids []int64) error

	// DeleteOlderThan removes rows created before the given time (ms).
	DeleteOlderThan(ctx context.Context, before int64) error
}

// SessionStore keeps one row per session so its end message can be built
// later, including after a restart.
type SessionStore interface {
	CreateSession(ctx context.Context, rec model.SessionRecord) error
	GetSession(ctx context.Context, id string) (model.SessionRecord, bool, error)
	UpdateSessionEnd(ctx context.Context, id string, endTime, foregroundLength int64) error
	UpdateSessionAttributes(ctx context.Context, id string, attrs map[string]model.Value) error
	MarkSessionEnded(ctx context.Context, id string) error

	// SelectOpenSessions lists sessions without an end message, oldest
	// first.
	SelectOpenSessions(ctx context.Context) ([]string, error)

	// DeleteEndedSessions removes ended sessions that no longer have
	// queued messages.
	DeleteEndedSessions(ctx context.Context) error
}

// PushStore keeps received push notifications for open attribution.
type PushStore interface {
	InsertPush(ctx context.Context, p model.PushMessage) error

	// MarkInfluenceOpen flags pushes received in [from, to] (ms) as having
	// influenced an app open.
	MarkInfluenceOpen(ctx context.Context, from, to int64) error

	// ClearProviderMessages drops pushes received at or before the given
	// time that were never displayed.
	ClearProviderMessages(ctx context.Context, before int64) error
}

// Repository is the full storage surface used by the workers.
type Repository interface {
	MessageQueue
	SessionStore
	PushStore
}

// groupBySession reorders rows so that each session's rows are contiguous,
// keeping sessions in order of their oldest row and rows in id order.
func groupBySession(rows []QueuedMessage) []QueuedMessage {
	if len(rows) < 2 {
		return rows
	}
	order := make([]string, 0)
	groups := make(map[string][]QueuedMessage)
	for _, r := range rows {
		sid := r.Message.SessionID
		if _, ok := groups[sid]; !ok {
			order = append(order, sid)
		}
		groups[sid] = append(groups[sid], r)
	}
	out := make([]QueuedMessage, 0, len(rows))
	for _, sid := range order {
		out = append(out, groups[sid]...)
	}
	return out
}
