package sqlgen

import (
	"errors"
	"testing"

	"github.com/finchbase/finch/internal/capability"
)

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"json envelope", `{"sql": "SELECT 1"}`, "SELECT 1"},
		{"fenced json", "```json\n{\"sql\": \"SELECT 1\"}\n```", "SELECT 1"},
		{"fenced sql", "```sql\nSELECT id FROM orders\n```", "SELECT id FROM orders"},
		{"bare statement", "SELECT id FROM orders", "SELECT id FROM orders"},
		{"trailing semicolon", `{"sql": "SELECT 1;"}`, "SELECT 1"},
		{"cte", `{"sql": "WITH t AS (SELECT 1) SELECT * FROM t"}`, "WITH t AS (SELECT 1) SELECT * FROM t"},
		{"surrounding whitespace", "  \n{\"sql\": \"SELECT 1\"}\n  ", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractSQL(tt.raw)
			if err != nil {
				t.Fatalf("ExtractSQL(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSQLRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty reply", ""},
		{"whitespace only", "   \n  "},
		{"empty sql field", `{"sql": ""}`},
		{"missing sql field", `{"query": "SELECT 1"}`},
		{"extra fields", `{"sql": "SELECT 1", "note": "x"}`},
		{"sql not a string", `{"sql": 42}`},
		{"malformed json", `{"sql": "SELECT 1"`},
		{"mutation", `{"sql": "DELETE FROM orders"}`},
		{"ddl", `{"sql": "DROP TABLE orders"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractSQL(tt.raw)
			var ve *capability.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *capability.ValidationError", err)
			}
			if ve.Kind != capability.ValidationSyntax {
				t.Errorf("kind = %q, want %q", ve.Kind, capability.ValidationSyntax)
			}
		})
	}
}
