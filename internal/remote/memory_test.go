package remote

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/kosmoi/internal/schema"
)

func TestMemorySinceOrdersAndLimits(t *testing.T) {
	m := NewMemory("agent_tasks",
		schema.Document{"id": "c", "updated_at": "2024-01-04T00:00:00Z"},
		schema.Document{"id": "a", "updated_at": "2024-01-02T00:00:00Z"},
		schema.Document{"id": "b", "updated_at": "2024-01-03T00:00:00Z"},
		schema.Document{"id": "old", "updated_at": "2023-12-31T00:00:00Z"},
	)

	rows, err := m.Since(context.Background(), "2024-01-01T00:00:00Z", 2)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(rows) != 2 || rows[0].ID() != "a" || rows[1].ID() != "b" {
		t.Errorf("rows = %v", rows)
	}

	rows, _ = m.Since(context.Background(), "", 0)
	if len(rows) != 4 {
		t.Errorf("expected all rows without cursor, got %d", len(rows))
	}
}

func TestMemoryUpsertReplacesRow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("crm_stages", schema.Document{"id": "s", "name": "Lead", "updated_at": "2024-01-01T00:00:00Z"})
	if err := m.Upsert(ctx, schema.Document{"id": "s", "updated_at": "2024-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	rows, _ := m.Since(ctx, "", 0)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if _, ok := rows[0]["name"]; ok {
		t.Errorf("row = %v, upsert should replace the whole row", rows[0])
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.Since(cancelled, "", 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Since err = %v, want canceled", err)
	}
}

func TestUpsertQuery(t *testing.T) {
	q, err := upsertQuery("crm_stages", schema.Document{"id": "s1", "name": "Won", "position": 2})
	if err != nil {
		t.Fatalf("upsertQuery: %v", err)
	}
	want := `INSERT INTO "crm_stages" ("id", "name", "position") SELECT "id", "name", "position" FROM jsonb_populate_record(NULL::"crm_stages", $1::jsonb) ON CONFLICT (id) DO UPDATE SET "name" = EXCLUDED."name", "position" = EXCLUDED."position"`
	if q != want {
		t.Errorf("query =\n%s\nwant\n%s", q, want)
	}

	if _, err := upsertQuery("crm_stages", schema.Document{"id": "s1", "name; DROP": 1}); err == nil {
		t.Error("expected invalid column error")
	}
	if _, err := upsertQuery("crm_stages", schema.Document{"name": "x"}); err == nil {
		t.Error("expected missing id error")
	}
}

func TestSinceQuerySanitizesTable(t *testing.T) {
	q := sinceQuery(`agent"tasks`)
	if !strings.Contains(q, `FROM "agent""tasks" t`) {
		t.Errorf("table not sanitized: %s", q)
	}
}

func TestUpsertQueryCoversDeclaredFields(t *testing.T) {
	row := fullRow(schema.Tasks(), schema.Document{"id": "t1", "title": "Call", "updated_at": "2024-01-01T00:00:00Z"})
	q, err := upsertQuery("agent_tasks", row)
	if err != nil {
		t.Fatalf("upsertQuery: %v", err)
	}
	for _, f := range schema.Tasks().Fields {
		if f.Name == "id" {
			continue
		}
		col := `"` + f.Name + `" = EXCLUDED."` + f.Name + `"`
		if !strings.Contains(q, col) {
			t.Errorf("query does not set %s; a partial document would leave it stale:\n%s", f.Name, q)
		}
	}
	if v, ok := row["due_date"]; !ok || v != nil {
		t.Errorf("due_date = %v, want explicit null", v)
	}
}
