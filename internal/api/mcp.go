package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/shell"
	"github.com/kalambet/kosmoi/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Shell    *shell.Shell
	Sync     Syncer // optional; sync_status reports no loops when nil
	Registry *schema.Registry
}

// NewMCPServer creates an MCP server exposing the local collections.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Registry == nil {
		deps.Registry = schema.Default()
	}
	s := server.NewMCPServer(
		"kosmoi",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kosmoi: offline-first local document store for vendors, tasks, contacts and stages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List documents of a local collection, optionally filtered by field equality."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("where", mcp.Description("JSON object of field/value pairs to match")),
			mcp.WithString("order", mcp.Description("Field to order by")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
			mcp.WithNumber("offset", mcp.Description("Number of results to skip")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_document",
			mcp.WithDescription("Read one document by id."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpGetDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("upsert_document",
			mcp.WithDescription("Insert or update a document locally. The change is pushed to the remote in the background."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithString("document", mcp.Description("JSON object; a missing id is generated"), mcp.Required()),
		),
		mcpUpsertDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report the store mode and the state of every replication loop."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_store",
			mcp.WithDescription("Delete every local store and local state, then start over. Unpushed changes are lost."),
			mcp.WithBoolean("confirm", mcp.Description("Must be true"), mcp.Required()),
		),
		mcpResetStore(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kosmoi://collections",
			"Collections",
			mcp.WithResourceDescription("Declared collections with their fields and remote tables"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCollections(deps),
	)

	return s
}

// mcpCollection waits for the store and resolves name. A non-nil result is
// an error to hand back to the client.
func mcpCollection(ctx context.Context, deps MCPDeps, name string) (storage.Collection, *mcp.CallToolResult) {
	if _, ok := deps.Registry.Lookup(name); !ok {
		return nil, mcpError(fmt.Sprintf("unknown collection %q", name))
	}
	v := deps.Shell.Await(ctx, "/collections/"+name)
	if !v.Proceed || v.Handle == nil {
		p := panelFor(v)
		if p.Cause != "" {
			return nil, mcpError(fmt.Sprintf("%s: %s", p.Message, p.Cause))
		}
		return nil, mcpError(p.Message)
	}
	coll, ok := v.Handle.Collection(name)
	if !ok {
		return nil, mcpError(fmt.Sprintf("collection %q not attached", name))
	}
	return coll, nil
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		coll, failed := mcpCollection(ctx, deps, name)
		if failed != nil {
			return failed, nil
		}

		q := storage.Query{
			OrderBy: req.GetString("order", ""),
			Limit:   req.GetInt("limit", 20),
			Offset:  req.GetInt("offset", 0),
		}
		if q.Limit <= 0 {
			q.Limit = 20
		}
		if q.Limit > maxListLimit {
			q.Limit = maxListLimit
		}
		if where := req.GetString("where", ""); where != "" {
			if err := json.Unmarshal([]byte(where), &q.Where); err != nil {
				return mcpError(fmt.Sprintf("invalid where JSON: %v", err)), nil
			}
		}

		docs, err := coll.Find(ctx, q)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if len(docs) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(docs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		coll, failed := mcpCollection(ctx, deps, name)
		if failed != nil {
			return failed, nil
		}

		doc, err := coll.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("%s %q not found", name, id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("read failed: %v", err)), nil
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUpsertDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		raw, err := req.RequireString("document")
		if err != nil {
			return mcpError("document is required"), nil
		}
		var doc schema.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc == nil {
			return mcpError("document must be a JSON object"), nil
		}

		coll, failed := mcpCollection(ctx, deps, name)
		if failed != nil {
			return failed, nil
		}
		key := coll.Schema().PrimaryKey
		if id, _ := doc[key].(string); id == "" {
			doc[key] = uuid.New().String()
		}

		saved, err := coll.Upsert(ctx, doc)
		if err != nil {
			return mcpError(fmt.Sprintf("write failed: %v", err)), nil
		}
		if deps.Sync != nil {
			deps.Sync.Trigger(name)
		}
		b, err := json.Marshal(saved)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v := deps.Shell.Current()
		resp := StatusResponse{Mode: v.Mode.String(), ResetCount: v.ResetCount}
		if v.Err != nil {
			resp.Cause = v.Err.Error()
		}
		if v.Handle != nil {
			resp.Store = v.Handle.Name()
		}
		if deps.Sync != nil {
			resp.Replication = deps.Sync.Status()
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResetStore(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !req.GetBool("confirm", false) {
			return mcpError("reset_store deletes all local data; pass confirm=true"), nil
		}
		n, err := deps.Shell.HardReset(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reset finished with errors: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Local store reset (%d since last ready)", n)), nil
	}
}

func mcpResourceCollections(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type fieldInfo struct {
			Name string   `json:"name"`
			Type string   `json:"type"`
			Enum []string `json:"enum,omitempty"`
		}
		type collInfo struct {
			Name        string      `json:"name"`
			Version     int         `json:"version"`
			RemoteTable string      `json:"remote_table"`
			Required    []string    `json:"required"`
			Fields      []fieldInfo `json:"fields"`
		}

		var out []collInfo
		for _, c := range deps.Registry.All() {
			ci := collInfo{Name: c.Name, Version: c.Version, RemoteTable: c.RemoteTable, Required: c.Required}
			for _, f := range c.Fields {
				ci.Fields = append(ci.Fields, fieldInfo{Name: f.Name, Type: f.Type.String(), Enum: f.Enum})
			}
			out = append(out, ci)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collections: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
