package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

const maxListLimit = 500

type collectionInfo struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	RemoteTable string `json:"remote_table"`
	Count       int    `json:"count"`
	Attached    bool   `json:"attached"`
}

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := viewFrom(r.Context()).Handle
		out := make([]collectionInfo, 0)
		for _, def := range deps.Registry.All() {
			info := collectionInfo{Name: def.Name, Version: def.Version, RemoteTable: def.RemoteTable}
			if h != nil {
				if coll, ok := h.Collection(def.Name); ok {
					info.Attached = true
					n, err := coll.Count(r.Context())
					if err != nil {
						storeFailure(w, r, deps, err, "counting %s", def.Name)
						return
					}
					info.Count = n
				}
			}
			out = append(out, info)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleFindDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		coll, ok := collectionFor(w, r, deps)
		if !ok {
			return
		}
		q, err := parseQuery(coll.Schema(), r.URL.Query())
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		var docs []schema.Document
		if coll.Name() == stagesCollection && q.OrderBy == "" {
			docs, err = findStages(r.Context(), coll, q)
		} else {
			docs, err = coll.Find(r.Context(), q)
		}
		if err != nil {
			storeFailure(w, r, deps, err, "querying %s", coll.Name())
			return
		}
		if docs == nil {
			docs = []schema.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		coll, ok := collectionFor(w, r, deps)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		doc, err := coll.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "%s %q not found", coll.Name(), id)
			return
		}
		if err != nil {
			storeFailure(w, r, deps, err, "reading %s", coll.Name())
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// handlePutDocument writes locally and returns at once; the replication loop
// pushes the change in the background.
func handlePutDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		coll, ok := collectionFor(w, r, deps)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var doc schema.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if doc == nil {
			doc = schema.Document{}
		}

		id := chi.URLParam(r, "id")
		key := coll.Schema().PrimaryKey
		if existing, ok := doc[key].(string); ok && existing != id {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body %s %q does not match path %q", key, existing, id)
			return
		}
		doc[key] = id

		saved, err := coll.Upsert(r.Context(), doc)
		if errors.Is(err, schema.ErrInvalidDocument) || errors.Is(err, storage.ErrMissingID) {
			httpError(w, http.StatusUnprocessableEntity, "store_error", "writing %s: %v", coll.Name(), err)
			return
		}
		if err != nil {
			storeFailure(w, r, deps, err, "writing %s", coll.Name())
			return
		}
		if deps.Sync != nil {
			deps.Sync.Trigger(coll.Name())
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// storeFailure reports a storage error. Corruption found after boot rebuilds
// the store in the background and asks the caller to retry.
func storeFailure(w http.ResponseWriter, r *http.Request, deps Deps, err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if storage.Classify(err) == storage.OutcomeCorruption && deps.Shell != nil {
		deps.Logger.Error("local store corrupt", "error", err, "during", msg)
		deps.Shell.RecoverCorrupt(r.Context(), viewFrom(r.Context()).Handle, err)
		httpError(w, http.StatusServiceUnavailable, "store_unavailable", "local store corrupt, rebuilding; retry shortly")
		return
	}
	httpError(w, http.StatusInternalServerError, "store_error", "%s: %v", msg, err)
}

// collectionFor resolves {name} against the handle in the request view.
func collectionFor(w http.ResponseWriter, r *http.Request, deps Deps) (storage.Collection, bool) {
	name := chi.URLParam(r, "name")
	if _, ok := deps.Registry.Lookup(name); !ok {
		httpError(w, http.StatusNotFound, "not_found_error", "unknown collection %q", name)
		return nil, false
	}
	h := viewFrom(r.Context()).Handle
	if h == nil {
		httpError(w, http.StatusServiceUnavailable, "store_unavailable", "local store unavailable")
		return nil, false
	}
	coll, ok := h.Collection(name)
	if !ok {
		httpError(w, http.StatusServiceUnavailable, "store_unavailable", "collection %q not attached", name)
		return nil, false
	}
	return coll, true
}

// parseQuery maps limit, offset, order and desc to their Query fields. Every
// other parameter filters on the field of that name.
func parseQuery(def schema.Collection, values url.Values) (storage.Query, error) {
	q := storage.Query{Limit: 100}
	for key, vals := range values {
		raw := vals[0]
		switch key {
		case "limit":
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return q, fmt.Errorf("invalid limit %q", raw)
			}
			q.Limit = min(n, maxListLimit)
		case "offset":
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return q, fmt.Errorf("invalid offset %q", raw)
			}
			q.Offset = n
		case "order":
			if _, ok := def.Field(raw); !ok {
				return q, fmt.Errorf("unknown field %q", raw)
			}
			q.OrderBy = raw
		case "desc":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return q, fmt.Errorf("invalid desc %q", raw)
			}
			q.Desc = b
		default:
			v, err := filterValue(def, key, raw)
			if err != nil {
				return q, err
			}
			if q.Where == nil {
				q.Where = make(map[string]any)
			}
			q.Where[key] = v
		}
	}
	return q, nil
}

func filterValue(def schema.Collection, field, raw string) (any, error) {
	f, ok := def.Field(field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", field)
	}
	switch f.Type {
	case schema.Boolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid boolean %q", field, raw)
		}
		return b, nil
	case schema.Number, schema.Integer:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid number %q", field, raw)
		}
		return n, nil
	case schema.StringArray:
		return nil, fmt.Errorf("field %q: array fields cannot be filtered", field)
	default:
		return raw, nil
	}
}
