package mockclickhouserows

import (
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// Rows replays Data through Scan. Close and Err are recorded as mock calls.
type Rows struct {
	mock.Mock
	Data [][]any
	pos  int
}

var _ driver.Rows = &Rows{}

func (m *Rows) Next() bool {
	if m.pos >= len(m.Data) {
		return false
	}
	m.pos++
	return true
}

func (m *Rows) Scan(dest ...any) error {
	return assign(m.Data[m.pos-1], dest)
}

func (m *Rows) ScanStruct(dest any) error {
	mockArgs := m.Called(dest)
	return mockArgs.Error(0)
}

func (m *Rows) ColumnTypes() []driver.ColumnType {
	return nil
}

func (m *Rows) Totals(dest ...any) error {
	return nil
}

func (m *Rows) Columns() []string {
	return nil
}

func (m *Rows) Close() error {
	mockArgs := m.Called()
	return mockArgs.Error(0)
}

func (m *Rows) Err() error {
	mockArgs := m.Called()
	return mockArgs.Error(0)
}

// Row answers QueryRow with Values, or ScanErr when set.
type Row struct {
	Values  []any
	ScanErr error
}

var _ driver.Row = &Row{}

func (r *Row) Err() error {
	return r.ScanErr
}

func (r *Row) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	return assign(r.Values, dest)
}

func (r *Row) ScanStruct(dest any) error {
	return fmt.Errorf("ScanStruct not supported")
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: have %d values, %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		src := reflect.ValueOf(v)
		if !src.Type().AssignableTo(target.Elem().Type()) {
			return fmt.Errorf("scan: cannot assign %s to %s", src.Type(), target.Elem().Type())
		}
		target.Elem().Set(src)
	}
	return nil
}
