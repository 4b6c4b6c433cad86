// Package testutil provides shared test helpers for stores and records.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
	"github.com/starford/koinet-node/internal/storage"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Store creates a file-system object store in a temporary directory.
func Store(t *testing.T) storage.Provider {
	t.Helper()
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// SQLiteStore creates a temporary SQLite object store.
func SQLiteStore(t *testing.T) storage.Provider {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Bundle builds a bundle or fails the test.
func Bundle(t *testing.T, r rid.RID, contents map[string]any, ts time.Time) *models.Bundle {
	t.Helper()
	b, err := models.GenerateBundle(r, contents, ts)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// Note builds an orn:hackmd.note bundle with the given title and tags.
func Note(t *testing.T, id, title string, tags []string, ts time.Time) *models.Bundle {
	t.Helper()
	anyTags := make([]any, len(tags))
	for i, tag := range tags {
		anyTags[i] = tag
	}
	return Bundle(t, rid.New(rid.HackMDNote, id), map[string]any{
		"title":   title,
		"tags":    anyTags,
		"content": title,
	}, ts)
}

// Profile builds an orn:koi-net.node bundle.
func Profile(t *testing.T, node rid.RID, p models.NodeProfile, ts time.Time) *models.Bundle {
	t.Helper()
	contents, err := models.ToContents(p)
	if err != nil {
		t.Fatal(err)
	}
	return Bundle(t, node, contents, ts)
}

// Edge builds an orn:koi-net.edge bundle for e.
func Edge(t *testing.T, e models.Edge, ts time.Time) *models.Bundle {
	t.Helper()
	contents, err := models.ToContents(e)
	if err != nil {
		t.Fatal(err)
	}
	return Bundle(t, models.EdgeRID(e.Source, e.Target), contents, ts)
}
