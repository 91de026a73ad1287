package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Contact is a CRM lead. StageID is a soft reference to a Stage; storage does
// not enforce it.
type Contact struct {
	ID           string  `json:"id"`
	FirstName    string  `json:"first_name,omitempty"`
	LastName     string  `json:"last_name,omitempty"`
	Email        string  `json:"email"`
	Phone        string  `json:"phone,omitempty"`
	Company      string  `json:"company,omitempty"`
	BusinessName string  `json:"business_name,omitempty"`
	Value        float64 `json:"value,omitempty"`
	StageID      string  `json:"stage_id"`
	Source       string  `json:"source,omitempty"`
	Status       string  `json:"status,omitempty"`
	AssignedTo   string  `json:"assigned_to,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
	UpdatedAt    string  `json:"updated_at"`
}

type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	Position   int    `json:"position"`
	IsDefault  bool   `json:"is_default"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// Decode converts a stored document into one of the typed models.
func Decode[T any](doc Document) (T, error) {
	var out T
	b, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("encoding document: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decoding %T: %w", out, err)
	}
	return out, nil
}

// SortStages orders stages by pipeline, then position, then id.
func SortStages(stages []Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		a, b := stages[i], stages[j]
		if a.PipelineID != b.PipelineID {
			return a.PipelineID < b.PipelineID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}

// MissingStages returns the contacts whose stage_id does not name any of the
// given stages.
func MissingStages(contacts []Contact, stages []Stage) []Contact {
	known := make(map[string]bool, len(stages))
	for _, s := range stages {
		known[s.ID] = true
	}
	var out []Contact
	for _, c := range contacts {
		if !known[c.StageID] {
			out = append(out, c)
		}
	}
	return out
}
