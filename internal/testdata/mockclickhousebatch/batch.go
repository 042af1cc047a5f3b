// Package mockclickhousebatch provides testify mocks of the driver
// batch types returned by PrepareBatch.
package mockclickhousebatch

import (
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// Batch records appended rows column by column, so an expectation on
// Append lists one argument per column.
type Batch struct {
	mock.Mock
}

var _ driver.Batch = (*Batch)(nil)

func (b *Batch) Append(columns ...any) error {
	return b.Called(columns...).Error(0)
}

func (b *Batch) AppendStruct(row any) error {
	return b.Called(row).Error(0)
}

func (b *Batch) Send() error {
	return b.Called().Error(0)
}

func (b *Batch) Abort() error {
	return b.Called().Error(0)
}

func (b *Batch) Flush() error {
	return b.Called().Error(0)
}

func (b *Batch) IsSent() bool {
	return b.Called().Bool(0)
}

// Column returns the configured column mock, or nil.
func (b *Batch) Column(idx int) driver.BatchColumn {
	col, _ := b.Called(idx).Get(0).(driver.BatchColumn)
	return col
}

// BatchColumn is a single column of a Batch.
type BatchColumn struct {
	mock.Mock
}

var _ driver.BatchColumn = (*BatchColumn)(nil)

func (c *BatchColumn) Append(values any) error {
	return c.Called(values).Error(0)
}

func (c *BatchColumn) AppendRow(value any) error {
	return c.Called(value).Error(0)
}
