package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

type fakeGitHub struct {
	mu      sync.Mutex
	commits map[string][]map[string]any // newest first
	perPage string
}

func (f *fakeGitHub) push(repo, sha, msg string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := map[string]any{
		"sha":      sha,
		"html_url": "https://github.com/" + repo + "/commit/" + sha,
		"commit": map[string]any{
			"message": msg,
			"author":  map[string]any{"name": "Ada", "email": "ada@example.com", "date": at.Format(time.RFC3339)},
		},
	}
	f.commits[repo] = append([]map[string]any{c}, f.commits[repo]...)
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perPage = r.URL.Query().Get("per_page")
	for repo, list := range f.commits {
		if r.URL.Path == "/repos/"+repo+"/commits" {
			_ = json.NewEncoder(w).Encode(list)
			return
		}
	}
	http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
}

func newGitHubFixture(t *testing.T, repos []string, cache Cache) (*fakeGitHub, *GitHub, *captureSink) {
	t.Helper()
	fake := &fakeGitHub{commits: make(map[string][]map[string]any)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	sink := &captureSink{}
	g := NewGitHub(GitHubConfig{BaseURL: srv.URL, Repos: repos, PerPage: 50}, srv.Client(), sink, cache, testLogger())
	return fake, g, sink
}

func TestGitHubBackfillEmitsNewCommitsOldestFirst(t *testing.T) {
	fake, g, sink := newGitHubFixture(t, []string{"acme/widgets"}, nil)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake.push("acme/widgets", "c1", "init", t0)
	fake.push("acme/widgets", "c2", "second", t0.Add(time.Minute))

	n, err := g.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []rid.RID{CommitRID("acme/widgets", "c1"), CommitRID("acme/widgets", "c2")}, sink.rids())
	assert.Equal(t, "50", fake.perPage)

	n, err = g.Backfill(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "commits up to the last sha are not re-emitted")

	fake.push("acme/widgets", "c3", "third", t0.Add(2*time.Minute))
	n, err = g.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := sink.last()
	require.NotNil(t, got)
	assert.Equal(t, rid.GithubCommit, got.RID.Type())
	assert.Equal(t, models.SourceLocal, got.Source)
	assert.Equal(t, "c3", got.Contents["sha"])
	assert.Equal(t, "third", got.Contents["message"])
	assert.Equal(t, "Ada", got.Contents["author_name"])
	assert.Equal(t, "acme/widgets", got.Contents["repo"])
	assert.True(t, got.Manifest.Timestamp.Equal(t0.Add(2*time.Minute)))
}

func TestGitHubSkipsCachedCommits(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cached, err := models.GenerateBundle(CommitRID("acme/widgets", "c1"), map[string]any{"sha": "c1"}, t0)
	require.NoError(t, err)

	fake, g, sink := newGitHubFixture(t, []string{"acme/widgets"}, memCache{cached.RID(): cached})
	fake.push("acme/widgets", "c1", "init", t0)
	fake.push("acme/widgets", "c2", "second", t0.Add(time.Minute))

	n, err := g.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []rid.RID{CommitRID("acme/widgets", "c2")}, sink.rids())
}

func TestGitHubFailingRepoDoesNotStopOthers(t *testing.T) {
	fake, g, sink := newGitHubFixture(t, []string{"acme/missing", "not-a-repo", "acme/widgets"}, nil)
	fake.push("acme/widgets", "c1", "init", time.Now())

	n, err := g.Backfill(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFetchFailure)
	assert.Contains(t, err.Error(), `invalid repository "not-a-repo"`)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.rids(), 1)
}

func TestGitHubRepoWithManyCommits(t *testing.T) {
	fake, g, sink := newGitHubFixture(t, []string{"acme/widgets"}, nil)
	t0 := time.Now().UTC()
	for i := 0; i < 5; i++ {
		fake.push("acme/widgets", fmt.Sprintf("c%d", i), "msg", t0.Add(time.Duration(i)*time.Second))
	}

	require.NoError(t, g.Poll(context.Background()))
	rids := sink.rids()
	require.Len(t, rids, 5)
	assert.Equal(t, CommitRID("acme/widgets", "c0"), rids[0])
	assert.Equal(t, CommitRID("acme/widgets", "c4"), rids[4])
}
