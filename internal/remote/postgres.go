package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/kosmoi/internal/schema"
)

var columnRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads and upserts the remote table of one collection over a
// direct database connection.
type Postgres struct {
	db    querier
	col   schema.Collection
	table string
}

// NewPostgres returns a client for col's remote table sharing pool.
func NewPostgres(pool *pgxpool.Pool, col schema.Collection) *Postgres {
	return &Postgres{db: pool, col: col, table: col.RemoteTable}
}

// NewPool opens a pool for dsn. No connection is made until first use, so an
// unreachable server does not fail startup.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pool, nil
}

func (p *Postgres) Table() string { return p.table }

func (p *Postgres) Since(ctx context.Context, cursor string, limit int) ([]schema.Document, error) {
	rows, err := p.db.Query(ctx, sinceQuery(p.table), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", p.table, err)
	}
	defer rows.Close()

	var out []schema.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", p.table, err)
		}
		var doc schema.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", p.table, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Upsert writes doc as a full row keyed by id. Declared fields missing from
// doc are set to NULL.
func (p *Postgres) Upsert(ctx context.Context, doc schema.Document) error {
	row := fullRow(p.col, doc)
	stmt, err := upsertQuery(p.table, row)
	if err != nil {
		return err
	}
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}
	if _, err := p.db.Exec(ctx, stmt, string(body)); err != nil {
		return fmt.Errorf("upserting into %s: %w", p.table, err)
	}
	return nil
}

func sinceQuery(table string) string {
	t := pgx.Identifier{table}.Sanitize()
	return `SELECT to_jsonb(t) FROM ` + t + ` t
		WHERE ($1::text = '' OR t.updated_at > $1::text::timestamptz)
		ORDER BY t.updated_at ASC, t.id ASC
		LIMIT $2`
}

// upsertQuery builds an INSERT .. ON CONFLICT (id) statement for the keys of
// row. Row values come from $1 through jsonb_populate_record so every column
// is converted by Postgres itself.
func upsertQuery(table string, row schema.Document) (string, error) {
	if row.ID() == "" {
		return "", fmt.Errorf("row for %s has no id", table)
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		if !columnRe.MatchString(k) {
			return "", fmt.Errorf("invalid column name %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	t := pgx.Identifier{table}.Sanitize()
	quoted := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		if c != "id" {
			updates = append(updates, quoted[i]+" = EXCLUDED."+quoted[i])
		}
	}
	list := strings.Join(quoted, ", ")

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) ON CONFLICT (id) `,
		t, list, list, t)
	if len(updates) == 0 {
		return stmt + "DO NOTHING", nil
	}
	return stmt + "DO UPDATE SET " + strings.Join(updates, ", "), nil
}
