// Package mcpserver exposes the node's search index and object store as
// MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/index"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

const maxResults = 20

// Searcher answers index queries.
type Searcher interface {
	Search(term string) []index.Result
}

// Store is the read side of the object store.
type Store interface {
	Read(r rid.RID) (*models.Bundle, error)
	List(types ...rid.Type) ([]rid.RID, error)
}

// Server wraps the MCP server with the knowledge tools.
type Server struct {
	mcp    *server.MCPServer
	search Searcher
	store  Store
}

// New creates a new MCP server with all tools registered.
func New(search Searcher, store Store, version string) *Server {
	s := &Server{search: search, store: store}

	s.mcp = server.NewMCPServer(
		"koinet-node",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_knowledge",
		mcp.WithDescription("Look up records by raw identifier, tag or keyword. "+
			"Returns RIDs with their title, tags and last change time."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Identifier, tag or single keyword")),
	), s.searchKnowledge)

	s.mcp.AddTool(mcp.NewTool("read_record",
		mcp.WithDescription("Read the full bundle (manifest and contents) of a cached record."),
		mcp.WithString("rid", mcp.Required(), mcp.Description("Record identifier, e.g. orn:hackmd.note:abc123")),
	), s.readRecord)

	s.mcp.AddTool(mcp.NewTool("list_records",
		mcp.WithDescription("List cached RIDs, optionally restricted to one record type."),
		mcp.WithString("type", mcp.Description("Record type, e.g. orn:vault.note (empty for all)")),
	), s.listRecords)

	s.mcp.AddResource(
		mcp.NewResource("koinet://record-types", "Record Types",
			mcp.WithResourceDescription("RID formats and searchable fields of every record type."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordTypesResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchKnowledge(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results := s.search.Search(query)
	if len(results) == 0 {
		return mcp.NewToolResultText("no records found"), nil
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readRecord(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("rid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r, err := rid.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := s.store.Read(r)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", r)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(b, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listRecords(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var types []rid.Type
	if t, err := req.RequireString("type"); err == nil && t != "" {
		types = append(types, rid.Type(t))
	}
	rids, err := s.store.List(types...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rids) == 0 {
		return mcp.NewToolResultText("no records"), nil
	}
	lines := make([]string, len(rids))
	for i, r := range rids {
		lines[i] = r.String()
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readRecordTypesResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "koinet://record-types",
			MIMEType: "text/markdown",
			Text:     RecordTypesReference,
		},
	}, nil
}
