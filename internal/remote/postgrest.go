// Package remote implements the per-table remote backends the replication
// engine talks to: a PostgREST endpoint, a direct Postgres connection and an
// in-memory table.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/kosmoi/internal/schema"
)

// PostgREST reads and upserts the remote table of one collection through a
// PostgREST (Supabase REST) endpoint.
type PostgREST struct {
	baseURL    string
	apiKey     string
	col        schema.Collection
	table      string
	httpClient *http.Client
}

// NewPostgREST creates a client for col's remote table under baseURL. apiKey
// is sent as both the apikey header and the bearer token; it may be empty.
func NewPostgREST(baseURL, apiKey string, col schema.Collection) *PostgREST {
	return &PostgREST{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		col:     col,
		table:   col.RemoteTable,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *PostgREST) Table() string { return p.table }

func (p *PostgREST) endpoint() string {
	return p.baseURL + "/rest/v1/" + url.PathEscape(p.table)
}

func (p *PostgREST) authorize(req *http.Request) {
	if p.apiKey == "" {
		return
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

// Since returns up to limit rows with updated_at strictly after cursor,
// oldest first. An empty cursor selects from the beginning.
func (p *PostgREST) Since(ctx context.Context, cursor string, limit int) ([]schema.Document, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "updated_at.asc")
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("updated_at", "gt."+cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", p.table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var rows []schema.Document
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding %s rows: %w", p.table, err)
	}
	return rows, nil
}

// Upsert writes doc as a full row keyed by id. merge-duplicates updates only
// the columns in the payload, so declared fields missing from doc are sent as
// null.
func (p *PostgREST) Upsert(ctx context.Context, doc schema.Document) error {
	body, err := json.Marshal(fullRow(p.col, doc))
	if err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint()+"?on_conflict=id", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upserting into %s: %w", p.table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
