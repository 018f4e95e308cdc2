package protocol_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"deaddrop/pkg/protocol"
)

// openTestDB creates an in-memory SQLite database with schema applied.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	return db
}

func TestSchemaCreatesExpectedTables(t *testing.T) {
	db := openTestDB(t)

	expected := []string{"users", "agents", "endpoints", "task_results", "messages", "credentials", "files", "events"}
	for _, table := range expected {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q not found: %v", table, err)
		}
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("re-applying schema: %v", err)
	}
}

func TestSchemaCredentialIDIsUnique(t *testing.T) {
	db := openTestDB(t)

	insert := `INSERT INTO credentials (credential_id, credential_type, credential_value) VALUES (?, ?, ?)`
	if _, err := db.Exec(insert, "cred-1", "userpw", "a:b"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(insert, "cred-1", "userpw", "c:d"); err == nil {
		t.Fatal("expected second insert with the same credential_id to fail")
	}
}

func TestSchemaTaskResultDefaults(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Exec(`INSERT INTO task_results (task_id, task_name) VALUES ('t-1', 'dispatch')`); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	var status, args string
	var attempts int
	if err := db.QueryRow(`SELECT status, task_args, attempts FROM task_results WHERE task_id = 't-1'`).
		Scan(&status, &args, &attempts); err != nil {
		t.Fatalf("select task: %v", err)
	}
	if status != "PENDING" {
		t.Errorf("expected default status PENDING, got %q", status)
	}
	if args != "{}" {
		t.Errorf("expected default args {}, got %q", args)
	}
	if attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts)
	}
}
