package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// CollectedMessage is one message as received by the collector.
type CollectedMessage struct {
	MessageID   string
	BatchID     string
	MPID        int64
	SessionID   string
	MessageType string
	Timestamp   int64
	ReceivedAt  time.Time
	Payload     string
}

// CollectedStore persists messages accepted by the collector. Clients
// resend whole batches after a 5xx, so stores dedupe on MessageID.
type CollectedStore interface {
	// InsertCollected writes msgs in one round trip.
	InsertCollected(ctx context.Context, msgs []CollectedMessage) error
}

const insertCollectedQuery = `INSERT INTO collected_messages (message_id, batch_id, mpid, session_id, message_type, ts, received_at, payload)`

type clickHouseCollectedStore struct {
	conn clickhouse.Conn
}

// NewClickHouseCollectedStore writes into collected_messages, a
// ReplacingMergeTree keyed by message id.
func NewClickHouseCollectedStore(conn clickhouse.Conn) CollectedStore {
	return &clickHouseCollectedStore{conn: conn}
}

func (r *clickHouseCollectedStore) InsertCollected(ctx context.Context, msgs []CollectedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, insertCollectedQuery)
	if err != nil {
		return fmt.Errorf("prepare collected insert: %w", err)
	}
	for _, m := range msgs {
		if err := batch.Append(
			m.MessageID,
			m.BatchID,
			m.MPID,
			m.SessionID,
			m.MessageType,
			m.Timestamp,
			m.ReceivedAt,
			m.Payload,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append collected message %s: %w", m.MessageID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send collected batch: %w", err)
	}
	return nil
}

// MemoryCollectedStore keeps collected messages in process, first write
// wins per message id.
type MemoryCollectedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
	msgs []CollectedMessage
}

func NewMemoryCollectedStore() *MemoryCollectedStore {
	return &MemoryCollectedStore{seen: make(map[string]struct{})}
}

func (r *MemoryCollectedStore) InsertCollected(_ context.Context, msgs []CollectedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if _, dup := r.seen[m.MessageID]; dup {
			continue
		}
		r.seen[m.MessageID] = struct{}{}
		r.msgs = append(r.msgs, m)
	}
	return nil
}

// Messages returns a copy of everything stored.
func (r *MemoryCollectedStore) Messages() []CollectedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CollectedMessage(nil), r.msgs...)
}
