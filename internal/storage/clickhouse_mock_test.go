package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn, driver.Batch and driver.Row for unit
// testing without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type execCall struct {
	query string
	args  []any
}

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	selectFunc       func(dest any, query string, args ...any) error
	queryRowFunc     func(query string, args ...any) driver.Row
	execErr          error

	mu    sync.Mutex
	execs []execCall
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) Select(_ context.Context, dest any, query string, args ...any) error {
	if m.selectFunc != nil {
		return m.selectFunc(dest, query, args...)
	}
	return nil
}

func (m *mockConn) QueryRow(_ context.Context, query string, args ...any) driver.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(query, args...)
	}
	return &mockRow{}
}

func (m *mockConn) Exec(_ context.Context, query string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{query: query, args: args})
	return m.execErr
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

func (m *mockConn) execCalls() []execCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]execCall(nil), m.execs...)
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	appended    [][]any
	appendErr   error
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	m.appendCount++
	m.appended = append(m.appended, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

type mockRow struct {
	count uint64
	err   error
}

func (r *mockRow) Err() error { return r.err }
func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*uint64); ok {
		*p = r.count
	}
	return nil
}
func (r *mockRow) ScanStruct(_ any) error { return r.err }

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return &ClickHouseClient{
		conn:   conn,
		config: DefaultClickHouseConfig(),
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
