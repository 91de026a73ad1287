package main

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/kosmoi/internal/schema"
)

type fixtureSet struct {
	Collections map[string][]schema.Document `yaml:"collections"`
}

// parseFixtures decodes a YAML fixture file. Documents without an id get a
// fresh UUID; YAML timestamps become RFC 3339 strings.
func parseFixtures(r io.Reader) (fixtureSet, error) {
	var raw struct {
		Collections map[string][]map[string]any `yaml:"collections"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return fixtureSet{}, fmt.Errorf("parsing fixtures: %w", err)
	}

	reg := schema.Default()
	out := fixtureSet{Collections: make(map[string][]schema.Document, len(raw.Collections))}
	for name, docs := range raw.Collections {
		def, ok := reg.Lookup(name)
		if !ok {
			return fixtureSet{}, fmt.Errorf("fixtures: unknown collection %q", name)
		}
		for _, d := range docs {
			doc := schema.Document(normalizeYAML(d).(map[string]any))
			if doc.String(def.PrimaryKey) == "" {
				doc[def.PrimaryKey] = uuid.New().String()
			}
			out.Collections[name] = append(out.Collections[name], doc)
		}
	}
	return out, nil
}

func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeYAML(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeYAML(e)
		}
		return out
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
