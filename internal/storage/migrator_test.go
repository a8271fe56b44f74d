package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "statement with semicolon in string",
			sql:  "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "multiple with comments",
			sql: `-- Comment
CREATE TABLE a (id INT);
-- Another comment
CREATE TABLE b (id INT)`,
			expected: []string{"-- Comment\nCREATE TABLE a (id INT)", "-- Another comment\nCREATE TABLE b (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Errorf("splitStatements() returned %d statements, want %d", len(result), len(tt.expected))
				t.Errorf("Got: %v", result)
				t.Errorf("Want: %v", tt.expected)
				return
			}

			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestMigration_LoadMigrations(t *testing.T) {
	// Test that migrations can be loaded from embedded files
	m := &Migrator{}
	migrations, err := m.loadMigrations()

	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	if len(migrations) == 0 {
		t.Error("loadMigrations() returned no migrations")
	}

	// Verify migrations are sorted by version
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted: version %d comes after %d",
				migrations[i].Version, migrations[i-1].Version)
		}
	}

	// Verify first migration is version 1
	if migrations[0].Version != 1 {
		t.Errorf("first migration version = %d, want 1", migrations[0].Version)
	}
}

func TestMigration_LoadsLedgerTables(t *testing.T) {
	m := NewMigrator(nil, nil)
	migrations, err := m.loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	want := []string{"create_logs", "create_threats", "create_actions"}
	if len(migrations) != len(want) {
		t.Fatalf("loaded %d migrations, want %d", len(migrations), len(want))
	}
	for i, name := range want {
		if migrations[i].Name != name {
			t.Errorf("migration %d name = %q, want %q", i, migrations[i].Name, name)
		}
	}
}

func TestStripComments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no comments", "SELECT 1", "SELECT 1"},
		{"leading comment", "-- header\nCREATE TABLE a (id INT)", "CREATE TABLE a (id INT)"},
		{"only comments", "-- one\n  -- two", ""},
		{"inline dash kept", "SELECT 1 - 1", "SELECT 1 - 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripComments(tt.in); got != tt.want {
				t.Errorf("stripComments() = %q, want %q", got, tt.want)
			}
		})
	}
}

type failingMigrationConn struct {
	execs []string
}

func (c *failingMigrationConn) Exec(_ context.Context, query string, _ ...any) error {
	c.execs = append(c.execs, query)
	return nil
}

func (c *failingMigrationConn) Query(context.Context, string, ...any) (driver.Rows, error) {
	return nil, errors.New("connection reset")
}

func TestMigrator_RunFailsWhenHistoryUnreadable(t *testing.T) {
	conn := &failingMigrationConn{}
	err := NewMigrator(conn, nil).Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when schema_migrations cannot be read")
	}
	if len(conn.execs) != 1 {
		t.Errorf("execs = %d, want only the tracking table", len(conn.execs))
	}
}
