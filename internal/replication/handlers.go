// Package replication keeps each local collection converging with one
// remote table: pull remote rows newer than a checkpoint, push queued local
// changes, repeat.
package replication

import (
	"context"
	"fmt"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

// Remote is one remote table.
type Remote interface {
	// Since returns up to limit rows with updated_at strictly greater than
	// cursor, ordered by updated_at ascending. An empty cursor means all rows.
	Since(ctx context.Context, cursor string, limit int) ([]schema.Document, error)
	// Upsert replaces the row with doc's id.
	Upsert(ctx context.Context, doc schema.Document) error
	Table() string
}

// Local is the part of a local collection replication needs.
type Local interface {
	Name() string
	ApplyPulled(ctx context.Context, docs []schema.Document) error
	PendingChanges(ctx context.Context, limit int) ([]storage.Change, error)
	AckChanges(ctx context.Context, upTo int64) error
	Checkpoint(ctx context.Context, table string) (string, error)
	SetCheckpoint(ctx context.Context, table, cursor string) error
	Changes() <-chan struct{}
}

var _ Local = storage.Collection(nil)

// Checkpoint is the pull cursor: the last remote updated_at seen.
type Checkpoint struct {
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Batch is the result of one Pull.
type Batch struct {
	Documents  []schema.Document
	Checkpoint Checkpoint
}

// Pull fetches the next batch after cp. An empty batch carries cp unchanged;
// otherwise the checkpoint is the greatest updated_at in the batch.
func Pull(ctx context.Context, remote Remote, cp Checkpoint, batchSize int) (Batch, error) {
	rows, err := remote.Since(ctx, cp.UpdatedAt, batchSize)
	if err != nil {
		return Batch{Checkpoint: cp}, fmt.Errorf("%w: pulling %s: %w", ErrTransient, remote.Table(), err)
	}
	if len(rows) == 0 {
		return Batch{Checkpoint: cp}, nil
	}

	next := cp
	for _, r := range rows {
		ts := r.String("updated_at")
		if ts != "" && (next.UpdatedAt == "" || storage.CompareTimestamps(ts, next.UpdatedAt) > 0) {
			next.UpdatedAt = ts
		}
	}
	return Batch{Documents: rows, Checkpoint: next}, nil
}

// Push upserts every document to the remote without replication metadata.
// It returns the documents the remote rejected as conflicting, which is
// always none: remote rows are overwritten.
func Push(ctx context.Context, remote Remote, docs []schema.Document) ([]schema.Document, error) {
	for _, d := range docs {
		if err := remote.Upsert(ctx, d.WithoutMeta()); err != nil {
			return nil, fmt.Errorf("%w: pushing %s/%s: %w", ErrTransient, remote.Table(), d.ID(), err)
		}
	}
	return nil, nil
}
