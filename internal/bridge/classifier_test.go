package bridge

import "testing"

func TestIsReadOnlySQL(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want bool
	}{
		{"plain select", "SELECT 1", true},
		{"lowercase select", "select * from t", true},
		{"with cte", "WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"show", "SHOW server_version", true},
		{"explain", "EXPLAIN SELECT 1", true},
		{"explain analyze", "EXPLAIN ANALYZE SELECT 1", false},
		{"explain analyse", "EXPLAIN ANALYSE SELECT 1", false},
		{"leading line comment", "-- note\nSELECT 1", true},
		{"leading block comment", "/* note */ SELECT 1", true},
		{"comment then insert", "-- note\nINSERT INTO t VALUES (1)", false},
		{"insert", "INSERT INTO t VALUES (1)", false},
		{"update", "UPDATE t SET a = 1", false},
		{"delete", "DELETE FROM t", false},
		{"cte hiding delete", "WITH gone AS (DELETE FROM t RETURNING *) SELECT * FROM gone", false},
		{"select with update keyword", "SELECT * FROM t FOR UPDATE", false},
		{"truncate", "TRUNCATE t", false},
		{"create", "CREATE TABLE t (a int)", false},
		{"vacuum", "VACUUM t", false},
		{"call", "CALL proc()", false},
		{"copy", "COPY t FROM stdin", false},
		{"identifier containing token", "SELECT updated_at FROM t", true},
		{"column named delete_flag", "SELECT delete_flag FROM t", true},
		{"empty", "", false},
		{"only comment", "-- nothing here", false},
		{"unterminated block comment", "/* dangling", false},
		{"parenthesized select", "(SELECT 1)", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsReadOnlySQL(tt.sql); got != tt.want {
				t.Errorf("IsReadOnlySQL(%q) = %v, want %v", tt.sql, got, tt.want)
			}
		})
	}
}
