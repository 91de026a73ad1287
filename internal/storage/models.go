package storage

import (
	"context"
	"errors"

	"github.com/kalambet/kosmoi/internal/schema"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDestroyed is returned by every operation on a destroyed handle.
	ErrDestroyed = errors.New("store destroyed")
	// ErrCorrupt is returned when the integrity check of a store fails.
	ErrCorrupt = errors.New("store corrupt")
	// ErrMissingID is returned when a document has no primary key.
	ErrMissingID = errors.New("document has no id")
)

// Handle is a usable reference to one local document store.
type Handle interface {
	ID() string
	Name() string
	Collection(name string) (Collection, bool)
	CollectionNames() []string
	AddCollections(ctx context.Context, defs []schema.Collection) error
	Destroy(ctx context.Context) error
	Destroyed() bool
	Fallback() bool
}

// Collection is one attached collection of a Handle.
type Collection interface {
	Name() string
	Schema() schema.Collection

	Upsert(ctx context.Context, doc schema.Document) (schema.Document, error)
	Get(ctx context.Context, id string) (schema.Document, error)
	Find(ctx context.Context, q Query) ([]schema.Document, error)
	Count(ctx context.Context) (int, error)

	ApplyPulled(ctx context.Context, docs []schema.Document) error
	PendingChanges(ctx context.Context, limit int) ([]Change, error)
	AckChanges(ctx context.Context, upTo int64) error
	Checkpoint(ctx context.Context, table string) (string, error)
	SetCheckpoint(ctx context.Context, table, cursor string) error
	ResetCheckpoint(ctx context.Context, table string) error
	Changes() <-chan struct{}
}

// Query selects documents of one collection. Where keys must be declared
// fields; values are compared for equality.
type Query struct {
	Where   map[string]any
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Change is a queued local write waiting to be pushed.
type Change struct {
	Seq   int64
	DocID string
	Doc   schema.Document
}

// DocumentValidator checks a document before it is written.
type DocumentValidator interface {
	Validate(collection string, doc schema.Document) error
}
