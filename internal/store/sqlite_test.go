package store

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func queryStrings(t *testing.T, db *sql.DB, query string, args ...any) []string {
	t.Helper()
	rows, err := db.Query(query, args...)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func TestNewDB_Tables(t *testing.T) {
	db := openTestDB(t)

	tables := queryStrings(t, db, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	expected := map[string]bool{
		"workflow_state":       true,
		"team_state":           true,
		"orchestration_events": true,
	}
	for _, tbl := range tables {
		delete(expected, tbl)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_ActiveListingIndexes(t *testing.T) {
	db := openTestDB(t)

	tests := []struct {
		index string
		table string
		cols  string
	}{
		{"idx_workflow_state_active", "workflow_state", "status,user_id,updated_at"},
		{"idx_team_state_active", "team_state", "completed_at,user_id,updated_at"},
		{"idx_events_session_seq", "orchestration_events", "session_id,seq_no"},
	}
	for _, tt := range tests {
		t.Run(tt.index, func(t *testing.T) {
			tbl := queryStrings(t, db, "SELECT tbl_name FROM sqlite_master WHERE type='index' AND name = ?", tt.index)
			if len(tbl) != 1 || tbl[0] != tt.table {
				t.Fatalf("index %s on %v, want %s", tt.index, tbl, tt.table)
			}
			cols := queryStrings(t, db, "SELECT name FROM pragma_index_info(?) ORDER BY seqno", tt.index)
			if got := strings.Join(cols, ","); got != tt.cols {
				t.Errorf("columns = %s, want %s", got, tt.cols)
			}
		})
	}
}

func TestNewDB_EventSequenceUnique(t *testing.T) {
	db := openTestDB(t)
	insert := func(session string, seq int) error {
		_, err := db.Exec(`INSERT INTO orchestration_events (session_id, seq_no, event_type, created_at)
			VALUES (?, ?, 'workflow:start', 0)`, session, seq)
		return err
	}

	if err := insert("s1", 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("s1", 0); err == nil {
		t.Fatal("expected UNIQUE(session_id, seq_no) violation for a repeated sequence number")
	}
	if err := insert("s2", 0); err != nil {
		t.Errorf("same seq_no in another session: %v", err)
	}
	if err := insert("s1", 1); err != nil {
		t.Errorf("next seq_no: %v", err)
	}

	var payload string
	if err := db.QueryRow("SELECT payload_json FROM orchestration_events WHERE session_id = 's2'").Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload != "{}" {
		t.Errorf("payload default = %q, want {}", payload)
	}
}

func TestNewDB_WorkflowDefaults(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`INSERT INTO workflow_state (id, workflow_id, started_at, updated_at) VALUES ('wf_a_1', 'a', 1, 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var status, data, history string
	var completed sql.NullInt64
	err := db.QueryRow(`SELECT status, state_data, history, completed_at FROM workflow_state WHERE id = 'wf_a_1'`).
		Scan(&status, &data, &history, &completed)
	if err != nil {
		t.Fatal(err)
	}
	if status != "pending" || data != "{}" || history != "[]" || completed.Valid {
		t.Errorf("defaults = %q %q %q %v", status, data, history, completed)
	}
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// First open creates schema.
	db1, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	// Second open should not fail (IF NOT EXISTS).
	db2, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}
