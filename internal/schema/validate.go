package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ErrInvalidDocument is returned when a document does not satisfy its
// collection's declaration.
var ErrInvalidDocument = errors.New("invalid document")

// Validator checks documents against CUE definitions generated from the
// registry. It is enabled in development mode on every local write.
//
// A cue.Context is not safe for concurrent use, so Validate serializes callers.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[string]cue.Value
}

// NewValidator compiles one definition per registered collection.
func NewValidator(reg *Registry) (*Validator, error) {
	ctx := cuecontext.New()
	src := Source(reg)
	root := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compiling collection schemas: %w", err)
	}

	defs := make(map[string]cue.Value)
	for _, name := range reg.Names() {
		def := root.LookupPath(cue.ParsePath("#" + name))
		if !def.Exists() {
			return nil, fmt.Errorf("definition #%s missing from compiled schema", name)
		}
		defs[name] = def
	}
	return &Validator{ctx: ctx, defs: defs}, nil
}

// Validate reports whether doc satisfies the definition of collection.
func (v *Validator) Validate(collection string, doc Document) error {
	def, ok := v.defs[collection]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidDocument, collection)
	}

	// JSON is valid CUE, and going through it keeps whole numbers as ints.
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", ErrInvalidDocument, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.CompileBytes(data, cue.Filename(collection+".json"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidDocument, collection, strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// Source renders the registry as CUE definitions, one per collection.
func Source(reg *Registry) string {
	var b strings.Builder
	if usesMaxLength(reg) {
		b.WriteString("import \"strings\"\n\n")
	}
	for _, c := range reg.All() {
		required := make(map[string]bool, len(c.Required))
		for _, r := range c.Required {
			required[r] = true
		}
		fmt.Fprintf(&b, "#%s: {\n", c.Name)
		for _, f := range c.Fields {
			if required[f.Name] {
				fmt.Fprintf(&b, "\t%s: %s\n", strconv.Quote(f.Name), cueType(f))
			} else {
				fmt.Fprintf(&b, "\t%s?: %s | null\n", strconv.Quote(f.Name), cueType(f))
			}
		}
		b.WriteString("\t...\n}\n\n")
	}
	return b.String()
}

func usesMaxLength(reg *Registry) bool {
	for _, c := range reg.All() {
		for _, f := range c.Fields {
			if f.MaxLength > 0 && f.Type == String && len(f.Enum) == 0 {
				return true
			}
		}
	}
	return false
}

func cueType(f Field) string {
	var t string
	switch f.Type {
	case Number:
		t = "number"
	case Integer:
		t = "int"
	case Boolean:
		t = "bool"
	case StringArray:
		return "[...string]"
	default:
		t = "string"
	}

	if len(f.Enum) > 0 {
		quoted := make([]string, len(f.Enum))
		for i, e := range f.Enum {
			quoted[i] = strconv.Quote(e)
		}
		return "(" + strings.Join(quoted, " | ") + ")"
	}
	if f.Min != nil {
		t = fmt.Sprintf("%s & >=%s", t, strconv.FormatFloat(*f.Min, 'f', -1, 64))
	}
	if f.MaxLength > 0 && f.Type == String {
		t = fmt.Sprintf("%s & strings.MaxRunes(%d)", t, f.MaxLength)
	}
	if strings.Contains(t, "&") {
		return "(" + t + ")"
	}
	return t
}
