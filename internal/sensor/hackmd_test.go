package sensor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

type fakeHackMD struct {
	mu       sync.Mutex
	notes    map[string]map[string]any
	failing  map[string]bool
	details  int
	authSeen string
}

func newFakeHackMD() *fakeHackMD {
	return &fakeHackMD{notes: make(map[string]map[string]any), failing: make(map[string]bool)}
}

func (f *fakeHackMD) put(id, title, content string, changed time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[id] = map[string]any{
		"id":            id,
		"title":         title,
		"content":       content,
		"tags":          []string{"koi"},
		"createdAt":     changed.Add(-time.Hour).UnixMilli(),
		"lastChangedAt": changed.UnixMilli(),
		"publishLink":   "https://hackmd.io/@team/" + id,
	}
}

func (f *fakeHackMD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authSeen = r.Header.Get("Authorization")
	switch {
	case r.URL.Path == "/teams/koi/notes":
		list := make([]map[string]any, 0, len(f.notes))
		for _, n := range f.notes {
			summary := make(map[string]any, len(n))
			for k, v := range n {
				if k != "content" {
					summary[k] = v
				}
			}
			list = append(list, summary)
		}
		_ = json.NewEncoder(w).Encode(list)
	case strings.HasPrefix(r.URL.Path, "/notes/"):
		id := strings.TrimPrefix(r.URL.Path, "/notes/")
		n, ok := f.notes[id]
		if !ok || f.failing[id] {
			http.Error(w, "unavailable", http.StatusBadGateway)
			return
		}
		f.details++
		_ = json.NewEncoder(w).Encode(n)
	default:
		http.NotFound(w, r)
	}
}

func newHackMDFixture(t *testing.T, cfg HackMDConfig, cache Cache) (*fakeHackMD, *HackMD, *captureSink) {
	t.Helper()
	fake := newFakeHackMD()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	sink := &captureSink{}
	return fake, NewHackMD(cfg, srv.Client(), sink, cache, testLogger()), sink
}

func TestHackMDBackfillEmitsOnlyChangedNotes(t *testing.T) {
	fake, h, sink := newHackMDFixture(t, HackMDConfig{Token: "secret", TeamPath: "koi"}, nil)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake.put("a", "Alpha", "first", t0)
	fake.put("b", "", "second", t0)

	n, err := h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []rid.RID{HackMDRID("a"), HackMDRID("b")}, sink.rids())
	assert.Equal(t, "Bearer secret", fake.authSeen)

	n, err = h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged notes are not re-emitted")
	assert.Equal(t, 2, fake.details, "unchanged notes are not re-fetched")

	fake.put("a", "Alpha", "edited", t0.Add(time.Minute))
	n, err = h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := sink.last()
	require.NotNil(t, got)
	assert.Equal(t, HackMDRID("a"), got.RID)
	assert.Equal(t, models.SourceLocal, got.Source)
	assert.Equal(t, "edited", got.Contents["content"])
	assert.True(t, got.Manifest.Timestamp.Equal(t0.Add(time.Minute)))
}

func TestHackMDUntitledNoteGetsPlaceholder(t *testing.T) {
	fake, h, sink := newHackMDFixture(t, HackMDConfig{TeamPath: "koi"}, nil)
	fake.put("b", "  ", "body", time.Now())

	_, err := h.Backfill(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sink.last())
	assert.Equal(t, "Note b", sink.last().Contents["title"])
	assert.Empty(t, fake.authSeen)
}

func TestHackMDSkipsNotesCachedAtSameVersion(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cached, err := models.GenerateBundle(HackMDRID("a"), map[string]any{"content": "first"}, t0)
	require.NoError(t, err)

	fake, h, sink := newHackMDFixture(t, HackMDConfig{TeamPath: "koi"}, memCache{cached.RID(): cached})
	fake.put("a", "Alpha", "first", t0)
	fake.put("b", "Beta", "second", t0)

	n, err := h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []rid.RID{HackMDRID("b")}, sink.rids())
}

func TestHackMDDetailFailureSkipsOnlyThatNote(t *testing.T) {
	fake, h, sink := newHackMDFixture(t, HackMDConfig{TeamPath: "koi"}, nil)
	t0 := time.Now().UTC()
	fake.put("a", "Alpha", "first", t0)
	fake.put("b", "Beta", "second", t0)
	fake.failing["a"] = true

	n, err := h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fake.mu.Lock()
	delete(fake.failing, "a")
	fake.mu.Unlock()

	n, err = h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed note is retried on the next pass")
	assert.Len(t, sink.rids(), 2)
}

func TestHackMDTargetNotes(t *testing.T) {
	fake, h, sink := newHackMDFixture(t, HackMDConfig{NoteIDs: []string{"a", "missing"}}, nil)
	fake.put("a", "Alpha", "first", time.Now())
	fake.put("b", "Beta", "second", time.Now())

	n, err := h.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []rid.RID{HackMDRID("a")}, sink.rids())
}

func TestHackMDTeamListingFailure(t *testing.T) {
	_, h, _ := newHackMDFixture(t, HackMDConfig{TeamPath: "unknown"}, nil)

	err := h.Poll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFetchFailure)
}
