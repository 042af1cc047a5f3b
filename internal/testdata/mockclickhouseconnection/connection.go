// Package mockclickhouseconnection provides a testify mock of
// clickhouse.Conn for repository and migration tests.
package mockclickhouseconnection

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// Connection records every driver call. Exec spreads its query
// arguments into the recorded call; Query, QueryRow and Select record
// them as one []any.
type Connection struct {
	mock.Mock
}

var _ clickhouse.Conn = (*Connection)(nil)

func (c *Connection) Exec(ctx context.Context, query string, args ...any) error {
	recorded := append([]any{ctx, query}, args...)
	return c.Called(recorded...).Error(0)
}

// PrepareBatch returns the configured batch, or nil when the expectation
// returns nil or something that is not a driver.Batch.
func (c *Connection) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	ret := c.Called(ctx, query)
	batch, _ := ret.Get(0).(driver.Batch)
	return batch, ret.Error(1)
}

func (c *Connection) AsyncInsert(ctx context.Context, query string, wait bool) error {
	return c.Called(ctx, query, wait).Error(0)
}

func (c *Connection) Close() error {
	return c.Called().Error(0)
}

func (c *Connection) Contributors() []string {
	names, _ := c.Called().Get(0).([]string)
	return names
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.Called(ctx).Error(0)
}

func (c *Connection) ServerVersion() (*driver.ServerVersion, error) {
	ret := c.Called()
	version, _ := ret.Get(0).(*driver.ServerVersion)
	return version, ret.Error(1)
}

func (c *Connection) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.Called(ctx, dest, query, args).Error(0)
}

func (c *Connection) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	ret := c.Called(ctx, query, args)
	rows, _ := ret.Get(0).(driver.Rows)
	return rows, ret.Error(1)
}

func (c *Connection) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	row, _ := c.Called(ctx, query, args).Get(0).(driver.Row)
	return row
}

func (c *Connection) Stats() driver.Stats {
	stats, _ := c.Called().Get(0).(driver.Stats)
	return stats
}
