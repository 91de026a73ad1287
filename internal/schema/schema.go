// Package schema declares the shape of every locally stored collection:
// fields, required keys, indexes, versioned migrations and the remote table
// each collection replicates with.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Document is a single stored record. Values follow encoding/json decoding
// rules (numbers are float64, arrays are []any).
type Document map[string]any

// ID returns the document's primary key or "" when absent.
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// String returns the string value of key, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// WithoutMeta returns a copy of d without replication-internal keys
// (any key starting with "_").
func (d Document) WithoutMeta() Document {
	out := make(Document, len(d))
	for k, v := range d {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// FieldType is the storage type of a field.
type FieldType int

const (
	String FieldType = iota
	Number
	Integer
	Boolean
	StringArray
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Number:
		return "number"
	case Integer:
		return "integer"
	case Boolean:
		return "boolean"
	case StringArray:
		return "string[]"
	default:
		return "unknown"
	}
}

// Field describes one document property.
type Field struct {
	Name      string
	Type      FieldType
	Enum      []string // allowed values for String fields; empty means any
	Min       *float64 // lower bound for Number and Integer fields
	MaxLength int      // for String fields; 0 means unbounded
}

// MigrationFunc upgrades a document stored at version-1 to version.
type MigrationFunc func(doc Document) Document

// Collection is the static declaration of one collection.
type Collection struct {
	Name        string
	Version     int
	PrimaryKey  string
	Fields      []Field
	Required    []string
	Indexes     [][]string
	Migrations  map[int]MigrationFunc
	RemoteTable string
}

// Field returns the declared field with the given name.
func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Migrate applies every migration strategy above from up to c.Version.
func (c Collection) Migrate(doc Document, from int) Document {
	for v := from + 1; v <= c.Version; v++ {
		if fn, ok := c.Migrations[v]; ok {
			doc = fn(doc)
		}
	}
	return doc
}

// Registry holds the collection declarations attached to every store.
type Registry struct {
	byName map[string]Collection
	order  []string
}

// NewRegistry builds a registry from the given collections. Names must be unique.
func NewRegistry(cols ...Collection) (*Registry, error) {
	r := &Registry{byName: make(map[string]Collection, len(cols))}
	for _, c := range cols {
		if c.Name == "" {
			return nil, fmt.Errorf("collection with empty name")
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", c.Name)
		}
		if c.PrimaryKey == "" {
			c.PrimaryKey = "id"
		}
		r.byName[c.Name] = c
		r.order = append(r.order, c.Name)
	}
	return r, nil
}

// Default returns the registry of the four application collections.
func Default() *Registry {
	r, err := NewRegistry(Vendors(), Tasks(), Contacts(), Stages())
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the collection registered under name.
func (r *Registry) Lookup(name string) (Collection, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names returns the registered collection names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every registered collection in registration order.
func (r *Registry) All() []Collection {
	out := make([]Collection, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// Missing returns the registered collections whose names are not in attached,
// sorted by name.
func (r *Registry) Missing(attached []string) []Collection {
	have := make(map[string]bool, len(attached))
	for _, n := range attached {
		have[n] = true
	}
	var out []Collection
	for _, n := range r.order {
		if !have[n] {
			out = append(out, r.byName[n])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check verifies required fields, enum membership and numeric bounds of doc.
// It is the lightweight check applied to every write; the CUE Validator is
// the stricter development-mode check.
func (c Collection) Check(doc Document) error {
	for _, name := range c.Required {
		v, ok := doc[name]
		if !ok || v == nil {
			return fmt.Errorf("%w: %s: missing required field %q", ErrInvalidDocument, c.Name, name)
		}
	}
	for _, f := range c.Fields {
		v, ok := doc[f.Name]
		if !ok || v == nil {
			continue
		}
		if err := checkField(f, v); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidDocument, c.Name, f.Name, err)
		}
	}
	return nil
}

func checkField(f Field, v any) error {
	switch f.Type {
	case String:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
			return fmt.Errorf("longer than %d characters", f.MaxLength)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Errorf("%q not in %v", s, f.Enum)
		}
	case Number, Integer:
		n, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if f.Type == Integer && n != float64(int64(n)) {
			return fmt.Errorf("expected integer, got %v", n)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Errorf("%v is below %v", n, *f.Min)
		}
	case Boolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case StringArray:
		switch arr := v.(type) {
		case []string:
		case []any:
			for _, e := range arr {
				if _, ok := e.(string); !ok {
					return fmt.Errorf("expected string elements, got %T", e)
				}
			}
		default:
			return fmt.Errorf("expected array, got %T", v)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Validate runs Check for the named collection. It lets a Registry stand in
// for the CUE Validator when development validation is off.
func (r *Registry) Validate(collection string, doc Document) error {
	c, ok := r.byName[collection]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidDocument, collection)
	}
	return c.Check(doc)
}
