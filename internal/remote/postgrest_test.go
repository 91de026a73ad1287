package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/kosmoi/internal/schema"
)

func TestPostgRESTSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/agent_tasks" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("updated_at"); got != "gt.2024-01-01T00:00:00+00:00" {
			t.Errorf("updated_at filter = %q", got)
		}
		if got := q.Get("order"); got != "updated_at.asc" {
			t.Errorf("order = %q", got)
		}
		if got := q.Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "anon" {
			t.Errorf("apikey header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"t1","updated_at":"2024-01-02T00:00:00Z"},{"id":"t2","updated_at":"2024-01-03T00:00:00Z"}]`))
	}))
	defer srv.Close()

	c := NewPostgREST(srv.URL+"/", "anon", schema.Tasks())
	rows, err := c.Since(context.Background(), "2024-01-01T00:00:00+00:00", 10)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(rows) != 2 || rows[1].ID() != "t2" {
		t.Errorf("rows = %v", rows)
	}
}

func TestPostgRESTSinceWithoutCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["updated_at"]; ok {
			t.Error("first pull must not filter on updated_at")
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	rows, err := NewPostgREST(srv.URL, "", schema.Stages()).Since(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestPostgRESTUpsert(t *testing.T) {
	var got schema.Document
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Query().Get("on_conflict") != "id" {
			t.Errorf("on_conflict = %q", r.URL.Query().Get("on_conflict"))
		}
		if p := r.Header.Get("Prefer"); p != "resolution=merge-duplicates,return=minimal" {
			t.Errorf("Prefer = %q", p)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := NewPostgREST(srv.URL, "key", schema.Contacts()).Upsert(context.Background(), schema.Document{"id": "c1", "email": "a@b.c"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got["email"] != "a@b.c" {
		t.Errorf("body = %v", got)
	}
	for _, f := range schema.Contacts().Fields {
		if _, ok := got[f.Name]; !ok {
			t.Errorf("body lacks declared field %q, the upsert would keep its old value", f.Name)
		}
	}
	if v, ok := got["stage_id"]; !ok || v != nil {
		t.Errorf("stage_id = %v, want null", v)
	}
}

func TestPostgRESTErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"column \"vibes\" does not exist"}`))
	}))
	defer srv.Close()

	err := NewPostgREST(srv.URL, "", schema.Vendors()).Upsert(context.Background(), schema.Document{"id": "v1"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest || se.Message != `column "vibes" does not exist` {
		t.Errorf("StatusError = %+v", se)
	}
}
