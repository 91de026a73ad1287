package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kosmoi/internal/schema"
)

type docCollection struct {
	store  *Store
	def    schema.Collection
	notify chan struct{}
}

func (c *docCollection) Name() string              { return c.def.Name }
func (c *docCollection) Schema() schema.Collection { return c.def }

// Changes fires (coalesced) after every local write.
func (c *docCollection) Changes() <-chan struct{} { return c.notify }

func (c *docCollection) db() (*sql.DB, error) {
	if c.store.Destroyed() {
		return nil, ErrDestroyed
	}
	return c.store.db, nil
}

// Upsert writes doc locally and queues it for push. The stored updated_at
// never moves backwards.
func (c *docCollection) Upsert(ctx context.Context, doc schema.Document) (schema.Document, error) {
	db, err := c.db()
	if err != nil {
		return nil, err
	}
	id := doc.String(c.def.PrimaryKey)
	if id == "" {
		return nil, ErrMissingID
	}

	doc = doc.WithoutMeta()
	now := time.Now().UTC()
	if doc.String("updated_at") == "" {
		doc["updated_at"] = now.Format(time.RFC3339Nano)
	}
	if c.store.validator != nil {
		if err := c.store.validator.Validate(c.def.Name, doc); err != nil {
			return nil, err
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning write: %w", err)
	}
	defer tx.Rollback()

	prevRev, prevUpdated, err := currentRev(ctx, tx, c.def.Name, id)
	if err != nil {
		return nil, err
	}
	if prevUpdated != "" && CompareTimestamps(doc.String("updated_at"), prevUpdated) < 0 {
		if CompareTimestamps(now.Format(time.RFC3339Nano), prevUpdated) > 0 {
			doc["updated_at"] = now.Format(time.RFC3339Nano)
		} else {
			doc["updated_at"] = prevUpdated
		}
	}

	rev := prevRev + 1
	stored := withMeta(doc, rev, now)
	body, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s: %w", c.def.Name, id, err)
	}
	if err := putDocument(ctx, tx, c.def.Name, id, string(body), doc.String("updated_at"), rev); err != nil {
		return nil, err
	}

	pushBody, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO changes (collection, doc_id, body, created_at) VALUES (?, ?, ?, ?)`,
		c.def.Name, id, string(pushBody), now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("queueing change for %s/%s: %w", c.def.Name, id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing write: %w", err)
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return stored, nil
}

func (c *docCollection) Get(ctx context.Context, id string) (schema.Document, error) {
	db, err := c.db()
	if err != nil {
		return nil, err
	}
	var body string
	err = db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, c.def.Name, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func (c *docCollection) Find(ctx context.Context, q Query) ([]schema.Document, error) {
	db, err := c.db()
	if err != nil {
		return nil, err
	}

	var (
		where = []string{"collection = ?"}
		args  = []any{c.def.Name}
	)
	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		expr, err := c.fieldExpr(k)
		if err != nil {
			return nil, err
		}
		v := q.Where[k]
		if v == nil {
			where = append(where, expr+" IS NULL")
			continue
		}
		if b, ok := v.(bool); ok {
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		where = append(where, expr+" = ?")
		args = append(args, v)
	}

	query := "SELECT body FROM documents WHERE " + strings.Join(where, " AND ")
	if q.OrderBy != "" {
		expr, err := c.fieldExpr(q.OrderBy)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s, id %s", expr, dir, dir)
	} else {
		query += " ORDER BY id ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (c *docCollection) fieldExpr(name string) (string, error) {
	if name == c.def.PrimaryKey {
		return "id", nil
	}
	if _, ok := c.def.Field(name); !ok || !identRe.MatchString(name) {
		return "", fmt.Errorf("unknown field %q in %s", name, c.def.Name)
	}
	return fmt.Sprintf("json_extract(body, '$.%s')", name), nil
}

func (c *docCollection) Count(ctx context.Context) (int, error) {
	db, err := c.db()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, c.def.Name).Scan(&n)
	return n, err
}

// ApplyPulled stores remote documents in the given order. A document with a
// queued local change is skipped: the local write is pushed next and
// overwrites the remote row. A document older than the stored one is
// skipped too, so updated_at never moves backwards.
func (c *docCollection) ApplyPulled(ctx context.Context, docs []schema.Document) error {
	db, err := c.db()
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning pull apply: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, doc := range docs {
		id := doc.String(c.def.PrimaryKey)
		if id == "" {
			c.store.logger.Warn("skipping pulled document without id", "collection", c.def.Name)
			continue
		}
		doc = doc.WithoutMeta()
		if c.store.validator != nil {
			if err := c.store.validator.Validate(c.def.Name, doc); err != nil {
				c.store.logger.Warn("skipping invalid pulled document", "collection", c.def.Name, "id", id, "error", err)
				continue
			}
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes WHERE collection = ? AND doc_id = ?`, c.def.Name, id).Scan(&pending); err != nil {
			return fmt.Errorf("checking pending changes for %s/%s: %w", c.def.Name, id, err)
		}
		if pending > 0 {
			continue
		}

		prevRev, prevUpdated, err := currentRev(ctx, tx, c.def.Name, id)
		if err != nil {
			return err
		}
		if prevUpdated != "" {
			updated := doc.String("updated_at")
			if updated == "" {
				doc["updated_at"] = prevUpdated
			} else if CompareTimestamps(updated, prevUpdated) < 0 {
				c.store.logger.Debug("skipping stale pulled document", "collection", c.def.Name, "id", id)
				continue
			}
		}
		body, err := json.Marshal(withMeta(doc, prevRev+1, now))
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", c.def.Name, id, err)
		}
		if err := putDocument(ctx, tx, c.def.Name, id, string(body), doc.String("updated_at"), prevRev+1); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pull apply: %w", err)
	}
	return nil
}

func (c *docCollection) PendingChanges(ctx context.Context, limit int) ([]Change, error) {
	db, err := c.db()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT seq, doc_id, body FROM changes WHERE collection = ? ORDER BY seq ASC LIMIT ?`, c.def.Name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var ch Change
		var body string
		if err := rows.Scan(&ch.Seq, &ch.DocID, &body); err != nil {
			return nil, err
		}
		if ch.Doc, err = decodeBody(body); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// AckChanges drops every queued change up to and including seq upTo.
func (c *docCollection) AckChanges(ctx context.Context, upTo int64) error {
	db, err := c.db()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM changes WHERE collection = ? AND seq <= ?`, c.def.Name, upTo)
	return err
}

// Checkpoint returns the stored cursor for table, or "" when none exists.
func (c *docCollection) Checkpoint(ctx context.Context, table string) (string, error) {
	db, err := c.db()
	if err != nil {
		return "", err
	}
	var cursor string
	err = db.QueryRowContext(ctx, `SELECT cursor FROM checkpoints WHERE collection = ? AND remote_table = ?`, c.def.Name, table).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}

func (c *docCollection) SetCheckpoint(ctx context.Context, table, cursor string) error {
	db, err := c.db()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (collection, remote_table, cursor, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, remote_table) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		c.def.Name, table, cursor, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (c *docCollection) ResetCheckpoint(ctx context.Context, table string) error {
	db, err := c.db()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM checkpoints WHERE collection = ? AND remote_table = ?`, c.def.Name, table)
	return err
}

func currentRev(ctx context.Context, tx *sql.Tx, collection, id string) (int, string, error) {
	var rev int
	var updated string
	err := tx.QueryRowContext(ctx, `SELECT rev, updated_at FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&rev, &updated)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	return rev, updated, nil
}

func putDocument(ctx context.Context, tx *sql.Tx, collection, id, body, updatedAt string, rev int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at, rev) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at, rev = excluded.rev`,
		collection, id, body, updatedAt, rev,
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func withMeta(doc schema.Document, rev int, at time.Time) schema.Document {
	out := doc.Clone()
	out["_rev"] = fmt.Sprintf("%d-%s", rev, strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
	out["_meta"] = map[string]any{"lwt": at.UnixMilli()}
	return out
}

func decodeBody(body string) (schema.Document, error) {
	var doc schema.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// CompareTimestamps orders two updated_at values. RFC 3339 values are
// compared as instants; anything else falls back to string order.
func CompareTimestamps(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}
