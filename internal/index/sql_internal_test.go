package index

import (
	"strings"
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func TestUpsertSQLUsesDriverPlaceholders(t *testing.T) {
	tests := []struct {
		name string
		ph   sq.PlaceholderFormat
		want string
	}{
		{"postgres", sq.Dollar, "VALUES ($1,$2,$3,$4,$5)"},
		{"sqlite", sq.Question, "VALUES (?,?,?,?,?)"},
	}
	for _, tc := range tests {
		x := &Index{ph: tc.ph}
		query, args, err := x.upsertSQL(Entry{ObjectID: 7, Fields: ScoreFields("m1", 0.5, 1)}, "now")
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !strings.Contains(query, tc.want) {
			t.Fatalf("%s: query %q missing %q", tc.name, query, tc.want)
		}
		if len(args) != 5 {
			t.Fatalf("%s: expected 5 args, got %d", tc.name, len(args))
		}
		if !strings.Contains(query, "ON CONFLICT (object_id) DO UPDATE SET model_version = EXCLUDED.model_version") {
			t.Fatalf("%s: missing conflict clause: %q", tc.name, query)
		}
		if strings.Contains(query, "tile_key") {
			t.Fatalf("%s: scoring upsert touched normalization column: %q", tc.name, query)
		}
	}
}
