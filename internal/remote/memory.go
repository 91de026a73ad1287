package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/kalambet/kosmoi/internal/schema"
)

// Memory is an in-process table. It backs the memory remote kind, which
// runs the daemon without a server.
type Memory struct {
	table string

	mu   sync.Mutex
	rows map[string]schema.Document
}

func NewMemory(table string, rows ...schema.Document) *Memory {
	m := &Memory{table: table, rows: make(map[string]schema.Document)}
	for _, r := range rows {
		m.rows[r.ID()] = r.Clone()
	}
	return m
}

func (m *Memory) Table() string { return m.table }

func (m *Memory) Since(ctx context.Context, cursor string, limit int) ([]schema.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []schema.Document
	for _, r := range m.rows {
		if cursor == "" || r.String("updated_at") > cursor {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].String("updated_at"), out[j].String("updated_at")
		if a != b {
			return a < b
		}
		return out[i].ID() < out[j].ID()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, doc schema.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[doc.ID()] = doc.Clone()
	return nil
}
