package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/koinet-node/internal/index"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
	"github.com/starford/koinet-node/internal/storage"
	tu "github.com/starford/koinet-node/internal/testutil"
)

func testServer(t *testing.T) (*Server, storage.Provider, *index.Index) {
	t.Helper()
	store := tu.Store(t)
	ix := index.New(index.DefaultDerivers())
	return New(ix, store, "test"), store, ix
}

func seed(t *testing.T, store storage.Provider, ix *index.Index, b *models.Bundle) {
	t.Helper()
	if err := store.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := ix.Apply(b); err != nil {
		t.Fatal(err)
	}
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_knowledge":
		result, err = srv.searchKnowledge(ctx, req)
	case "read_record":
		result, err = srv.readRecord(ctx, req)
	case "list_records":
		result, err = srv.listRecords(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestSearchKnowledge(t *testing.T) {
	srv, store, ix := testServer(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, store, ix, tu.Note(t, "n1", "Quarterly planning", []string{"planning"}, ts))

	r := callTool(t, srv, "search_knowledge", map[string]any{"query": "Planning"})
	if r.IsError {
		t.Fatalf("search error: %s", resultText(r))
	}
	var results []index.Result
	if err := json.Unmarshal([]byte(resultText(r)), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 1 || results[0].RID != rid.New(rid.HackMDNote, "n1") {
		t.Errorf("results = %+v", results)
	}

	r = callTool(t, srv, "search_knowledge", map[string]any{"query": "absent"})
	if text := resultText(r); text != "no records found" {
		t.Errorf("empty search = %q", text)
	}

	r = callTool(t, srv, "search_knowledge", map[string]any{})
	if !r.IsError {
		t.Error("expected error without query")
	}
}

func TestReadRecord(t *testing.T) {
	srv, store, ix := testServer(t)
	b := tu.Note(t, "n1", "Readable", nil, time.Now())
	seed(t, store, ix, b)

	r := callTool(t, srv, "read_record", map[string]any{"rid": b.RID().String()})
	if r.IsError {
		t.Fatalf("read error: %s", resultText(r))
	}
	var got models.Bundle
	if err := json.Unmarshal([]byte(resultText(r)), &got); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if got.Manifest.SHA256Hash != b.Manifest.SHA256Hash {
		t.Errorf("hash = %s, want %s", got.Manifest.SHA256Hash, b.Manifest.SHA256Hash)
	}
}

func TestReadRecordMissingOrInvalid(t *testing.T) {
	srv, _, _ := testServer(t)

	r := callTool(t, srv, "read_record", map[string]any{"rid": "orn:hackmd.note:nope"})
	if !r.IsError || !strings.Contains(resultText(r), "not found") {
		t.Errorf("missing record = %q", resultText(r))
	}

	r = callTool(t, srv, "read_record", map[string]any{"rid": "not-a-rid"})
	if !r.IsError {
		t.Error("expected error for malformed rid")
	}
}

func TestListRecords(t *testing.T) {
	srv, store, ix := testServer(t)
	ts := time.Now()
	seed(t, store, ix, tu.Note(t, "a", "A", nil, ts))
	seed(t, store, ix, tu.Note(t, "b", "B", nil, ts))
	if err := store.Write(tu.Bundle(t, rid.New(rid.VaultNote, "c.md"), map[string]any{"path": "c.md"}, ts)); err != nil {
		t.Fatal(err)
	}

	text := resultText(callTool(t, srv, "list_records", map[string]any{}))
	if got := strings.Count(text, "\n") + 1; got != 3 {
		t.Errorf("list all = %d records, want 3: %q", got, text)
	}

	text = resultText(callTool(t, srv, "list_records", map[string]any{"type": "orn:hackmd.note"}))
	want := "orn:hackmd.note:a\norn:hackmd.note:b"
	if text != want {
		t.Errorf("list by type = %q, want %q", text, want)
	}

	text = resultText(callTool(t, srv, "list_records", map[string]any{"type": "orn:github.commit"}))
	if text != "no records" {
		t.Errorf("empty list = %q", text)
	}
}
