package sensor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/parser"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
)

type memCache map[rid.RID]*models.Bundle

func (c memCache) Read(r rid.RID) (*models.Bundle, error) {
	if b, ok := c[r]; ok {
		return b, nil
	}
	return nil, apperr.ErrNotFound
}

type captureSink struct {
	mu    sync.Mutex
	kobjs []*processor.KnowledgeObject
}

func (c *captureSink) Submit(k *processor.KnowledgeObject) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kobjs = append(c.kobjs, k)
	return true
}

func (c *captureSink) rids() []rid.RID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rid.RID, 0, len(c.kobjs))
	for _, k := range c.kobjs {
		out = append(out, k.RID)
	}
	return out
}

func (c *captureSink) last() *processor.KnowledgeObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.kobjs) == 0 {
		return nil
	}
	return c.kobjs[len(c.kobjs)-1]
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newSensor(t *testing.T) (string, *Sensor, *captureSink) {
	t.Helper()
	root := t.TempDir()
	v, err := NewVault(root)
	require.NoError(t, err)
	sink := &captureSink{}
	return root, New(v, sink, testLogger()), sink
}

func TestBackfillSubmitsChangedFilesOnly(t *testing.T) {
	root, s, sink := newSensor(t)
	writeFile(t, root, "a.md", "# A\n")
	writeFile(t, root, "sub/b.md", "# B\n#tag\n")
	writeFile(t, root, "ignore.txt", "nope")
	writeFile(t, root, ".obsidian/c.md", "# hidden\n")

	n, err := s.Backfill()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []rid.RID{RID("a.md"), RID("sub/b.md")}, sink.rids())

	n, err = s.Backfill()
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged files are skipped")

	writeFile(t, root, "a.md", "# A changed\n")
	n, err = s.Backfill()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	k := sink.last()
	require.NotNil(t, k)
	assert.Equal(t, "A changed", k.Contents["title"])
	require.NotNil(t, k.Manifest)
}

func TestTimestampsMoveForward(t *testing.T) {
	root, s, sink := newSensor(t)
	writeFile(t, root, "a.md", "v1")
	_, err := s.Backfill()
	require.NoError(t, err)
	first := sink.last().Manifest.Timestamp

	writeFile(t, root, "a.md", "v2")
	old := first.Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), old, old))
	_, err = s.Backfill()
	require.NoError(t, err)

	assert.True(t, sink.last().Manifest.Timestamp.After(first))
}

func TestVaultRejectsTraversal(t *testing.T) {
	v, err := NewVault(t.TempDir())
	require.NoError(t, err)
	_, _, err = v.Read("../outside.md")
	assert.Error(t, err)
}

func TestWatchEmitsNewAndNestedFiles(t *testing.T) {
	root, s, sink := newSensor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the root.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, root, "new.md", "# New\n")
	assert.Eventually(t, func() bool {
		for _, r := range sink.rids() {
			if r == RID("new.md") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	writeFile(t, root, "deep/dir/nested.md", "# Nested\n")
	assert.Eventually(t, func() bool {
		for _, r := range sink.rids() {
			if r == RID("deep/dir/nested.md") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRestartTimestampsPassCachedVersion(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "# Restored\n")
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), old, old))

	accepted, err := models.GenerateBundle(RID("a.md"), map[string]any{"title": "newer elsewhere"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	v, err := NewVault(root)
	require.NoError(t, err)
	sink := &captureSink{}
	s := New(v, sink, testLogger(), WithCache(memCache{accepted.RID(): accepted}))

	n, err := s.Backfill()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, sink.last().Manifest.Timestamp.After(accepted.Manifest.Timestamp))
}

func TestRestartSkipsCachedContents(t *testing.T) {
	root := t.TempDir()
	data := "# Same\n#tag\n"
	writeFile(t, root, "a.md", data)

	note, err := parser.Parse("a.md", []byte(data))
	require.NoError(t, err)
	accepted, err := models.GenerateBundle(RID("a.md"), note.Contents(), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	v, err := NewVault(root)
	require.NoError(t, err)
	sink := &captureSink{}
	s := New(v, sink, testLogger(), WithCache(memCache{accepted.RID(): accepted}))

	n, err := s.Backfill()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.rids())

	writeFile(t, root, "a.md", "# Edited\n")
	n, err = s.Backfill()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
