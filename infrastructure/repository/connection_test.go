package repository

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	ddl := `-- users hold the per-user instance counter
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(64) PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS instances (
    user_id VARCHAR(64) NOT NULL,
    challenge_id VARCHAR(64) NOT NULL
);
`

	stmts := splitStatements(ddl)
	if len(stmts) != 2 {
		t.Fatalf("statement count = %d, want 2: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS users") {
		t.Errorf("first statement = %q, comment line not dropped", stmts[0])
	}
	if !strings.HasPrefix(stmts[1], "CREATE TABLE IF NOT EXISTS instances") {
		t.Errorf("second statement = %q", stmts[1])
	}
	for i, stmt := range stmts {
		if strings.Contains(stmt, "--") {
			t.Errorf("statement %d kept a comment: %q", i, stmt)
		}
	}
}

func TestSplitStatementsKeepsUnterminatedTail(t *testing.T) {
	stmts := splitStatements("UPDATE users SET instance_count = 0")
	if len(stmts) != 1 || !strings.HasPrefix(stmts[0], "UPDATE users") {
		t.Errorf("statements = %q, want the unterminated statement kept", stmts)
	}
}
