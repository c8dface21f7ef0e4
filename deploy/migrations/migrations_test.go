package migrations

import (
	"strings"
	"testing"
)

func TestStatementsCreateTables(t *testing.T) {
	stmts, err := Statements()
	if err != nil {
		t.Fatalf("statements: %v", err)
	}
	if len(stmts) < 2 {
		t.Fatalf("expected at least two statements, got %d", len(stmts))
	}
	joined := strings.Join(stmts, "\n")
	for _, table := range []string{"sweeps", "dust_tokens"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("missing table %s", table)
		}
	}
}
