package api

import (
	"context"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

const (
	stagesCollection   = "stages"
	contactsCollection = "contacts"
)

// findStages returns stages in pipeline order: pipeline_id, then position,
// then id. The order spans fields, so the page is cut after sorting.
func findStages(ctx context.Context, coll storage.Collection, q storage.Query) ([]schema.Document, error) {
	all := q
	all.Limit, all.Offset = 0, 0
	docs, err := coll.Find(ctx, all)
	if err != nil {
		return nil, err
	}

	stages := make([]schema.Stage, len(docs))
	byID := make(map[string]schema.Document, len(docs))
	for i, doc := range docs {
		st, err := schema.Decode[schema.Stage](doc)
		if err != nil {
			return nil, err
		}
		stages[i] = st
		byID[st.ID] = doc
	}
	schema.SortStages(stages)
	if q.Desc {
		for i, j := 0, len(stages)-1; i < j; i, j = i+1, j-1 {
			stages[i], stages[j] = stages[j], stages[i]
		}
	}

	start := min(q.Offset, len(stages))
	end := len(stages)
	if q.Limit > 0 {
		end = min(start+q.Limit, end)
	}
	out := make([]schema.Document, 0, end-start)
	for _, st := range stages[start:end] {
		out = append(out, byID[st.ID])
	}
	return out, nil
}

// orphanedContacts counts contacts whose stage_id names no stored stage.
// Storage does not enforce the reference.
func orphanedContacts(ctx context.Context, h storage.Handle) (int, error) {
	contactsColl, ok := h.Collection(contactsCollection)
	if !ok {
		return 0, nil
	}
	stagesColl, ok := h.Collection(stagesCollection)
	if !ok {
		return 0, nil
	}

	contactDocs, err := contactsColl.Find(ctx, storage.Query{})
	if err != nil {
		return 0, err
	}
	if len(contactDocs) == 0 {
		return 0, nil
	}
	stageDocs, err := stagesColl.Find(ctx, storage.Query{})
	if err != nil {
		return 0, err
	}

	contacts := make([]schema.Contact, 0, len(contactDocs))
	for _, doc := range contactDocs {
		c, err := schema.Decode[schema.Contact](doc)
		if err != nil {
			return 0, err
		}
		contacts = append(contacts, c)
	}
	stages := make([]schema.Stage, 0, len(stageDocs))
	for _, doc := range stageDocs {
		st, err := schema.Decode[schema.Stage](doc)
		if err != nil {
			return 0, err
		}
		stages = append(stages, st)
	}
	return len(schema.MissingStages(contacts, stages)), nil
}
