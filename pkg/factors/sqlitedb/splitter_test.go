package sqlitedb

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "two statements",
			script: "CREATE TABLE t (id INTEGER); INSERT INTO t VALUES (1);",
			want:   []string{"CREATE TABLE t (id INTEGER);", " INSERT INTO t VALUES (1);"},
		},
		{
			name:   "no trailing semicolon",
			script: "SELECT 1",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "semicolon in string literal",
			script: "INSERT INTO t VALUES ('a;b'); SELECT 1;",
			want:   []string{"INSERT INTO t VALUES ('a;b');", " SELECT 1;"},
		},
		{
			name:   "escaped quote in string",
			script: "INSERT INTO t VALUES ('it''s; fine'); SELECT 1;",
			want:   []string{"INSERT INTO t VALUES ('it''s; fine');", " SELECT 1;"},
		},
		{
			name:   "semicolon in line comment",
			script: "SELECT 1; -- not; a statement\nSELECT 2;",
			want:   []string{"SELECT 1;", " -- not; a statement\nSELECT 2;"},
		},
		{
			name:   "semicolon in block comment",
			script: "SELECT /* a; b */ 1; SELECT 2;",
			want:   []string{"SELECT /* a; b */ 1;", " SELECT 2;"},
		},
		{
			name: "trigger body keeps inner semicolons",
			script: "CREATE TRIGGER tr AFTER INSERT ON t BEGIN " +
				"UPDATE t SET n = n + 1; DELETE FROM log; END; SELECT 1;",
			want: []string{
				"CREATE TRIGGER tr AFTER INSERT ON t BEGIN UPDATE t SET n = n + 1; DELETE FROM log; END;",
				" SELECT 1;",
			},
		},
		{
			name:   "begin transaction is not a block",
			script: "BEGIN TRANSACTION; INSERT INTO t VALUES (1); COMMIT;",
			want:   []string{"BEGIN TRANSACTION;", " INSERT INTO t VALUES (1);", " COMMIT;"},
		},
		{
			name:   "bare begin is a transaction",
			script: "BEGIN; SELECT 1; COMMIT;",
			want:   []string{"BEGIN;", " SELECT 1;", " COMMIT;"},
		},
		{
			name:   "empty segments kept verbatim",
			script: " ;; SELECT 1; ;",
			want:   []string{" ;", ";", " SELECT 1;", " ;"},
		},
		{
			name:   "trailing whitespace kept",
			script: "SELECT 1;\n",
			want:   []string{"SELECT 1;", "\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitStatements(tt.script)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d segments %q, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// Joining the segments with no separator must reproduce the script exactly.
func TestSplitStatementsReassembleToScript(t *testing.T) {
	scripts := []string{
		"",
		"SELECT 1",
		" ;; SELECT 1; ;",
		"SELECT 1;\n\n-- trailing comment\n",
		"INSERT INTO t VALUES ('x;y');\tSELECT /* a; b */ 2;",
		"CREATE TABLE t (s TEXT); INSERT INTO t VALUES ('x;y'); " +
			"CREATE TRIGGER tr AFTER INSERT ON t BEGIN DELETE FROM t; END;",
	}
	for _, script := range scripts {
		if got := strings.Join(SplitStatements(script), ""); got != script {
			t.Errorf("segments reassemble to %q, want %q", got, script)
		}
	}
}

func TestExecutableStatements(t *testing.T) {
	got := executableStatements(" ;; CREATE TABLE t (id INTEGER);\nINSERT INTO t VALUES (1); ")
	want := []string{"CREATE TABLE t (id INTEGER);", "INSERT INTO t VALUES (1);"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement %d = %q, want %q", i, got[i], want[i])
		}
	}
}
