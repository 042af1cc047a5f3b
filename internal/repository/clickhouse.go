package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"telemetry-pipeline/internal/model"
)

type clickHouseRepository struct {
	conn clickhouse.Conn

	mu     sync.Mutex
	lastID int64
	now    func() time.Time
}

// NewClickHouseRepository creates a Repository backed by ClickHouse. The
// tables are created by db.RunMigrations.
func NewClickHouseRepository(conn clickhouse.Conn) Repository {
	return &clickHouseRepository{conn: conn, now: time.Now}
}

const (
	insertMessageQuery = `INSERT INTO queued_messages (id, session_id, message_type, created_at, payload)`

	selectBatchQuery = `
	SELECT id, created_at, payload
	FROM queued_messages
	WHERE created_at >= ?
	ORDER BY id
	LIMIT ?
`
	deleteMessagesQuery = `ALTER TABLE queued_messages DELETE WHERE id IN (%s)`
	deleteOlderQuery    = `ALTER TABLE queued_messages DELETE WHERE created_at < ?`

	insertSessionQuery = `
	INSERT INTO sessions (session_id, start_time, end_time, foreground_ms, attributes, status, version)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`
	selectSessionQuery = `
	SELECT session_id, start_time, end_time, foreground_ms, attributes, status
	FROM sessions FINAL
	WHERE session_id = ?
`
	selectOpenSessionsQuery = `
	SELECT session_id
	FROM sessions FINAL
	WHERE status = 'active'
	ORDER BY start_time, session_id
`
	deleteEndedSessionsQuery = `
	ALTER TABLE sessions DELETE
	WHERE status = 'ended' AND session_id NOT IN (SELECT DISTINCT session_id FROM queued_messages)
`

	insertPushQuery = `
	INSERT INTO push_messages (content_id, payload, app_state, behavior, created_at)
	VALUES (?, ?, ?, ?, ?)
`
	markInfluenceOpenQuery = `
	ALTER TABLE push_messages UPDATE behavior = bitOr(behavior, ?)
	WHERE created_at >= ? AND created_at <= ?
`
	clearProviderQuery = `
	ALTER TABLE push_messages DELETE
	WHERE created_at <= ? AND bitAnd(behavior, ?) = 0
`
)

// mutationContext makes ALTER mutations visible before Exec returns so a
// following select sees them.
func mutationContext(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
}

// nextID hands out ids that grow across restarts because they start from
// the wall clock.
func (r *clickHouseRepository) nextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.now().UnixNano()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return id
}

func (r *clickHouseRepository) Append(ctx context.Context, msg model.Message) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	batch, err := r.conn.PrepareBatch(ctx, insertMessageQuery)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}

	id := r.nextID()
	if err := batch.Append(id, msg.SessionID, string(msg.Type), msg.Timestamp, string(payload)); err != nil {
		_ = batch.Abort()
		return 0, fmt.Errorf("append message: %w", err)
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

func (r *clickHouseRepository) SelectBatch(ctx context.Context, maxCount int, notBefore int64) ([]QueuedMessage, error) {
	rows, err := r.conn.Query(ctx, selectBatchQuery, notBefore, maxCount)
	if err != nil {
		return nil, fmt.Errorf("select batch: %w", err)
	}
	defer rows.Close()

	out := make([]QueuedMessage, 0, maxCount)
	for rows.Next() {
		var (
			qm      QueuedMessage
			payload string
		)
		if err := rows.Scan(&qm.ID, &qm.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &qm.Message); err != nil {
			return nil, fmt.Errorf("decode queued message %d: %w", qm.ID, err)
		}
		out = append(out, qm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch: %w", err)
	}
	return groupBySession(out), nil
}

func (r *clickHouseRepository) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.conn.Exec(mutationContext(ctx), fmt.Sprintf(deleteMessagesQuery, joinIDs(ids))); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (r *clickHouseRepository) DeleteOlderThan(ctx context.Context, before int64) error {
	if err := r.conn.Exec(mutationContext(ctx), deleteOlderQuery, before); err != nil {
		return fmt.Errorf("delete expired messages: %w", err)
	}
	return nil
}

func (r *clickHouseRepository) CreateSession(ctx context.Context, rec model.SessionRecord) error {
	if rec.Status == "" {
		rec.Status = model.SessionActive
	}
	return r.writeSession(ctx, rec)
}

func (r *clickHouseRepository) writeSession(ctx context.Context, rec model.SessionRecord) error {
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	err = r.conn.Exec(ctx, insertSessionQuery,
		rec.ID,
		rec.StartTime,
		rec.EndTime,
		rec.ForegroundLength,
		attrs,
		string(rec.Status),
		uint64(r.nextID()),
	)
	if err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	return nil
}

func (r *clickHouseRepository) GetSession(ctx context.Context, id string) (model.SessionRecord, bool, error) {
	var (
		rec    model.SessionRecord
		attrs  string
		status string
	)
	row := r.conn.QueryRow(ctx, selectSessionQuery, id)
	err := row.Scan(&rec.ID, &rec.StartTime, &rec.EndTime, &rec.ForegroundLength, &attrs, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionRecord{}, false, nil
	}
	if err != nil {
		return model.SessionRecord{}, false, fmt.Errorf("select session %s: %w", id, err)
	}
	rec.Status = model.SessionStatus(status)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return model.SessionRecord{}, false, fmt.Errorf("decode session attributes: %w", err)
		}
	}
	return rec, true, nil
}

// updateSession rewrites a session row. ReplacingMergeTree keeps the row
// with the highest version.
func (r *clickHouseRepository) updateSession(ctx context.Context, id string, apply func(*model.SessionRecord)) error {
	rec, ok, err := r.GetSession(ctx, id)
	if err != nil || !ok {
		return err
	}
	apply(&rec)
	return r.writeSession(ctx, rec)
}

func (r *clickHouseRepository) UpdateSessionEnd(ctx context.Context, id string, endTime, foregroundLength int64) error {
	return r.updateSession(ctx, id, func(rec *model.SessionRecord) {
		rec.EndTime = endTime
		rec.ForegroundLength = foregroundLength
	})
}

func (r *clickHouseRepository) UpdateSessionAttributes(ctx context.Context, id string, attrs map[string]model.Value) error {
	return r.updateSession(ctx, id, func(rec *model.SessionRecord) {
		rec.Attributes = attrs
	})
}

func (r *clickHouseRepository) MarkSessionEnded(ctx context.Context, id string) error {
	return r.updateSession(ctx, id, func(rec *model.SessionRecord) {
		rec.Status = model.SessionEnded
	})
}

func (r *clickHouseRepository) SelectOpenSessions(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, selectOpenSessionsQuery)
	if err != nil {
		return nil, fmt.Errorf("select open sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open sessions: %w", err)
	}
	return ids, nil
}

func (r *clickHouseRepository) DeleteEndedSessions(ctx context.Context) error {
	if err := r.conn.Exec(mutationContext(ctx), deleteEndedSessionsQuery); err != nil {
		return fmt.Errorf("delete ended sessions: %w", err)
	}
	return nil
}

func (r *clickHouseRepository) InsertPush(ctx context.Context, p model.PushMessage) error {
	err := r.conn.Exec(ctx, insertPushQuery, p.ContentID, p.Payload, p.AppState, int32(p.Behavior), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert push message: %w", err)
	}
	return nil
}

func (r *clickHouseRepository) MarkInfluenceOpen(ctx context.Context, from, to int64) error {
	err := r.conn.Exec(mutationContext(ctx), markInfluenceOpenQuery, int32(model.PushFlagInfluenceOpen), from, to)
	if err != nil {
		return fmt.Errorf("mark influence open: %w", err)
	}
	return nil
}

func (r *clickHouseRepository) ClearProviderMessages(ctx context.Context, before int64) error {
	err := r.conn.Exec(mutationContext(ctx), clearProviderQuery, before, int32(model.PushFlagDisplayed))
	if err != nil {
		return fmt.Errorf("clear provider messages: %w", err)
	}
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func marshalAttributes(attrs map[string]model.Value) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(b), nil
}
