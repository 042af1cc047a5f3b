package db

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS queued_messages
(
	id              Int64,
	session_id      String,
	message_type    LowCardinality(String),
	created_at      Int64,
	payload         String,
	inserted_at     DateTime DEFAULT now()
)
ENGINE = MergeTree
ORDER BY id
SETTINGS index_granularity = 8192;
`,
	`
CREATE TABLE IF NOT EXISTS sessions
(
	session_id      String,
	start_time      Int64,
	end_time        Int64,
	foreground_ms   Int64,
	attributes      String DEFAULT '{}',
	status          LowCardinality(String),
	version         UInt64
)
ENGINE = ReplacingMergeTree(version)
ORDER BY session_id;
`,
	`
CREATE TABLE IF NOT EXISTS push_messages
(
	content_id      Int64,
	payload         String,
	app_state       LowCardinality(String),
	behavior        Int32,
	created_at      Int64
)
ENGINE = MergeTree
ORDER BY (created_at, content_id);
`,
	`
CREATE TABLE IF NOT EXISTS collected_messages
(
	message_id      String,
	batch_id        String,
	mpid            Int64,
	session_id      String,
	message_type    LowCardinality(String),
	ts              Int64,
	received_at     DateTime64(3, 'UTC'),
	payload         String
)
ENGINE = ReplacingMergeTree(received_at)
PARTITION BY toYYYYMM(received_at)
ORDER BY message_id;
`,
}

// RunMigrations ensures required tables exist. This keeps the pipeline
// self-contained without an external migration step.
func RunMigrations(ctx context.Context, conn clickhouse.Conn) error {
	for i, stmt := range migrations {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
