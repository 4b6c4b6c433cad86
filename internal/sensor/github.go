package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
)

// DefaultGitHubURL is the public GitHub REST API.
const DefaultGitHubURL = "https://api.github.com"

const defaultPerPage = 30

// GitHubConfig lists the repositories ("owner/name") to poll for commits.
type GitHubConfig struct {
	BaseURL string
	Token   string
	Repos   []string
	PerPage int
}

type githubCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name  string  `json:"name"`
			Email string  `json:"email"`
			Date  apiTime `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// GitHub emits orn:github.commit bundles for commits newer than the last
// SHA seen per repository.
type GitHub struct {
	api     *apiClient
	repos   []string
	perPage int
	sink    Submitter
	cache   Cache
	logger  *slog.Logger

	mu      sync.Mutex
	lastSHA map[string]string
}

// NewGitHub creates a GitHub commit sensor. cache may be nil.
func NewGitHub(cfg GitHubConfig, httpClient *http.Client, sink Submitter, cache Cache, logger *slog.Logger) *GitHub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGitHubURL
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	return &GitHub{
		api:     newAPIClient(httpClient, cfg.BaseURL, cfg.Token, "application/vnd.github+json"),
		repos:   cfg.Repos,
		perPage: cfg.PerPage,
		sink:    sink,
		cache:   cache,
		logger:  logger.With(slog.String("sensor", "github")),
		lastSHA: make(map[string]string),
	}
}

// Poll runs one backfill pass; it has the shape of a poll source.
func (g *GitHub) Poll(ctx context.Context) error {
	_, err := g.Backfill(ctx)
	return err
}

// Backfill submits the new commits of every repository. A failing
// repository does not stop the others; their errors are joined.
func (g *GitHub) Backfill(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, repo := range g.repos {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		c, err := g.backfillRepo(ctx, repo)
		n += c
		if err != nil {
			g.logger.Warn("sensor: repo poll failed", slog.String("repo", repo), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

func (g *GitHub) backfillRepo(ctx context.Context, repo string) (int, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return 0, fmt.Errorf("sensor: invalid repository %q", repo)
	}
	var commits []githubCommit
	path := fmt.Sprintf("/repos/%s/%s/commits?per_page=%d", url.PathEscape(owner), url.PathEscape(name), g.perPage)
	if err := g.api.get(ctx, path, &commits); err != nil {
		return 0, fmt.Errorf("sensor: github %s: %w", repo, err)
	}

	g.mu.Lock()
	last := g.lastSHA[repo]
	g.mu.Unlock()

	// The API lists newest first; stop at the last commit already emitted.
	var fresh []githubCommit
	for _, c := range commits {
		if c.SHA == last {
			break
		}
		fresh = append(fresh, c)
	}

	n := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		c := fresh[i]
		if c.SHA == "" {
			continue
		}
		if g.isCached(repo, c.SHA) {
			g.setLast(repo, c.SHA)
			continue
		}
		if err := g.emit(repo, c); err != nil {
			return n, err
		}
		g.setLast(repo, c.SHA)
		n++
	}
	if n > 0 {
		g.logger.Info("sensor: github commits submitted", slog.String("repo", repo), slog.Int("commits", n))
	}
	return n, nil
}

func (g *GitHub) setLast(repo, sha string) {
	g.mu.Lock()
	g.lastSHA[repo] = sha
	g.mu.Unlock()
}

func (g *GitHub) isCached(repo, sha string) bool {
	if g.cache == nil {
		return false
	}
	_, err := g.cache.Read(CommitRID(repo, sha))
	return err == nil
}

func (g *GitHub) emit(repo string, c githubCommit) error {
	contents := map[string]any{
		"repo":         repo,
		"sha":          c.SHA,
		"message":      c.Commit.Message,
		"author_name":  c.Commit.Author.Name,
		"author_email": c.Commit.Author.Email,
		"authored_at":  formatTime(c.Commit.Author.Date.Time),
		"html_url":     c.HTMLURL,
	}
	ts := c.Commit.Author.Date.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b, err := models.GenerateBundle(CommitRID(repo, c.SHA), contents, ts)
	if err != nil {
		return fmt.Errorf("sensor: github %s: commit %s: %w", repo, c.SHA, err)
	}
	if !g.sink.Submit(processor.FromBundle(b, models.SourceLocal)) {
		return fmt.Errorf("sensor: github %s: processor stopped", repo)
	}
	return nil
}

// CommitRID returns the record identifier of a commit in repo ("owner/name").
func CommitRID(repo, sha string) rid.RID { return rid.New(rid.GithubCommit, repo+"/"+sha) }
