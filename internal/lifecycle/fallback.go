package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

// Fallback is the inert handle handed out once recovery is exhausted. Writes
// are accepted and dropped, reads come back empty, nothing ever fails.
type Fallback struct {
	id          string
	name        string
	cause       error
	collections map[string]fallbackCollection
	names       []string
}

var _ storage.Handle = (*Fallback)(nil)

// NewFallback returns a fallback for the store called name exposing the
// collections of reg. cause is what exhausted recovery.
func NewFallback(name string, reg *schema.Registry, cause error) *Fallback {
	f := &Fallback{
		id:          uuid.New().String(),
		name:        name,
		cause:       cause,
		collections: make(map[string]fallbackCollection),
	}
	if reg != nil {
		for _, c := range reg.All() {
			f.collections[c.Name] = fallbackCollection{def: c}
		}
		f.names = reg.Names()
	}
	return f
}

// Cause reports why the manager degraded.
func (f *Fallback) Cause() error { return f.cause }

func (f *Fallback) ID() string      { return f.id }
func (f *Fallback) Name() string    { return f.name }
func (f *Fallback) Fallback() bool  { return true }
func (f *Fallback) Destroyed() bool { return false }

func (f *Fallback) Collection(name string) (storage.Collection, bool) {
	c, ok := f.collections[name]
	return c, ok
}

func (f *Fallback) CollectionNames() []string {
	return append([]string(nil), f.names...)
}

func (f *Fallback) AddCollections(context.Context, []schema.Collection) error { return nil }
func (f *Fallback) Destroy(context.Context) error                             { return nil }

type fallbackCollection struct {
	def schema.Collection
}

func (c fallbackCollection) Name() string              { return c.def.Name }
func (c fallbackCollection) Schema() schema.Collection { return c.def }

func (c fallbackCollection) Upsert(_ context.Context, doc schema.Document) (schema.Document, error) {
	return doc, nil
}

func (c fallbackCollection) Get(context.Context, string) (schema.Document, error) {
	return nil, storage.ErrNotFound
}

func (c fallbackCollection) Find(context.Context, storage.Query) ([]schema.Document, error) {
	return nil, nil
}

func (c fallbackCollection) Count(context.Context) (int, error) { return 0, nil }

func (c fallbackCollection) ApplyPulled(context.Context, []schema.Document) error { return nil }

func (c fallbackCollection) PendingChanges(context.Context, int) ([]storage.Change, error) {
	return nil, nil
}

func (c fallbackCollection) AckChanges(context.Context, int64) error { return nil }

func (c fallbackCollection) Checkpoint(context.Context, string) (string, error) { return "", nil }

func (c fallbackCollection) SetCheckpoint(context.Context, string, string) error { return nil }

func (c fallbackCollection) ResetCheckpoint(context.Context, string) error { return nil }

// Changes never fires.
func (c fallbackCollection) Changes() <-chan struct{} { return nil }
